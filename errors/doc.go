// Package errors provides standardized error handling for segcache.
//
// # Overview
//
// Errors fall into three classes: Transient (temporary, retryable), Invalid
// (bad input or configuration, do not retry) and Fatal (a user callback
// panicked or the process is in a state that retrying cannot fix).
//
// The cache engine reports:
//
//   - invalid configuration at construction time, wrapping ErrInvalidConfig
//   - nil keys and values on writes, as ErrNilKey and ErrNilValue
//   - loader failures, which unwrap to ErrLoadFailed and to the loader's own error
//   - loader panics, as *PanicError
//
// Removal listener failures are never returned; they are recovered and logged.
//
// # Quick Start
//
//	c, err := cache.New[string, int](cache.WithMaximumSize[string, int](-1))
//	if errors.IsInvalid(err) {
//	    // fix the options
//	}
//
// Wrap errors with component context:
//
//	return errors.Wrap(err, "Segment", "load", "loader call")
//
// Classified helpers (WrapInvalid, WrapTransient, WrapFatal) keep the
// original error reachable through errors.Is and errors.As.
package errors
