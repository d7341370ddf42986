package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360/segcache/errors"
	"github.com/c360/segcache/pkg/retry"
)

// Loader computes the value for a key on a cache miss. Load runs on the
// goroutine that first asked for the key, never while a segment lock is
// held; concurrent callers for the same key wait for its result.
type Loader[K comparable, V any] interface {
	Load(ctx context.Context, key K) (V, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Load calls f.
func (f LoaderFunc[K, V]) Load(ctx context.Context, key K) (V, error) {
	return f(ctx, key)
}

// Reloader is implemented by loaders that can compute a refreshed value
// from the previous one. Loaders without it are refreshed with Load.
type Reloader[K comparable, V any] interface {
	Reload(ctx context.Context, key K, old V) (V, error)
}

// BulkLoader is implemented by loaders that can load many keys in one call.
// GetAll uses it for the keys that are missing. The returned map must hold a
// value for every requested key; extra entries are cached too.
type BulkLoader[K comparable, V any] interface {
	LoadAll(ctx context.Context, keys []K) (map[K]V, error)
}

// LoadError reports a failed load. It unwraps to both errors.ErrLoadFailed
// and the loader's own error.
type LoadError struct {
	Key any
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("cache: load %v: %v", e.Key, e.Err)
}

func (e *LoadError) Unwrap() []error {
	return []error{errors.ErrLoadFailed, e.Err}
}

// callLoader runs the loader or reloader, converting panics and nil results
// into errors.
func (lc *localCache[K, V]) callLoader(ctx context.Context, loader Loader[K, V], key K, old V, hasOld bool) (v V, err error) {
	defer func() {
		if r := recover(); r != nil {
			pe := errors.NewPanicError(r)
			lc.logger.Error("Cache loader panicked", slog.Any("key", key), slog.Any("panic", r))
			var zero V
			v, err = zero, pe
		}
	}()

	if rl, ok := loader.(Reloader[K, V]); ok && hasOld {
		v, err = rl.Reload(ctx, key, old)
	} else {
		v, err = loader.Load(ctx, key)
	}
	if err == nil && lc.isNilValue(v) {
		err = errors.ErrNilLoadResult
	}
	return v, err
}

// RetryingLoader retries failed loads and reloads with backoff. Errors
// wrapped with retry.NonRetryable fail immediately.
func RetryingLoader[K comparable, V any](loader Loader[K, V], cfg retry.Config) Loader[K, V] {
	r := &retryingLoader[K, V]{inner: loader, cfg: cfg}
	if bl, ok := loader.(BulkLoader[K, V]); ok {
		return &retryingBulkLoader[K, V]{retryingLoader: r, bulk: bl}
	}
	return r
}

type retryingLoader[K comparable, V any] struct {
	inner Loader[K, V]
	cfg   retry.Config
}

func (r *retryingLoader[K, V]) Load(ctx context.Context, key K) (V, error) {
	return retry.DoWithResult(ctx, r.cfg, func(ctx context.Context) (V, error) {
		return r.inner.Load(ctx, key)
	})
}

func (r *retryingLoader[K, V]) Reload(ctx context.Context, key K, old V) (V, error) {
	rl, ok := r.inner.(Reloader[K, V])
	if !ok {
		return r.Load(ctx, key)
	}
	return retry.DoWithResult(ctx, r.cfg, func(ctx context.Context) (V, error) {
		return rl.Reload(ctx, key, old)
	})
}

type retryingBulkLoader[K comparable, V any] struct {
	*retryingLoader[K, V]
	bulk BulkLoader[K, V]
}

func (r *retryingBulkLoader[K, V]) LoadAll(ctx context.Context, keys []K) (map[K]V, error) {
	return retry.DoWithResult(ctx, r.cfg, func(ctx context.Context) (map[K]V, error) {
		return r.bulk.LoadAll(ctx, keys)
	})
}
