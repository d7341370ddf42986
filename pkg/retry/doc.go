// Package retry provides exponential backoff retry logic for transient failures.
//
// The cache package uses it to decorate loaders, so that a single-flight load
// absorbs short outages of the backing source before reporting a failure to
// every goroutine waiting on that key:
//
//	loader := cache.RetryingLoader(baseLoader, retry.Quick())
//
// Errors wrapped with NonRetryable stop the loop immediately; Config.Retryable
// narrows retries further (for example to errors.IsTransient).
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    return client.Ping()
//	})
package retry
