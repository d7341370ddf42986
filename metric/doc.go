// Package metric wraps a Prometheus registry for segcache components.
//
// Components register collectors under a component name; registering the same
// metric twice for one component is rejected with an invalid-class error, and
// conflicts inside Prometheus itself are reported the same way.
//
//	registry := metric.NewMetricsRegistry()
//	c, err := cache.New[string, []byte](
//		cache.WithMaximumSize[string, []byte](10_000),
//		cache.WithMetrics[string, []byte](registry, "api_cache"),
//	)
//
// Server exposes the registry over HTTP for scraping:
//
//	srv := metric.NewServer(":9090", "/metrics", registry)
//	if err := srv.Start(); err != nil {
//		return err
//	}
//	defer srv.Stop(ctx)
package metric
