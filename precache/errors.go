package precache

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrUpstream matches every upstream failure, cached or not.
	ErrUpstream = errors.New("precache: upstream failure")
	// ErrPreemptiveCacheTimeout is returned by wait-mode calls when no entry
	// appeared before the timeout. It is never cached.
	ErrPreemptiveCacheTimeout = errors.New("precache: timed out waiting for cache entry")
	// ErrSerialization marks a stored value that could not be decoded. The
	// client treats such values as absent.
	ErrSerialization = errors.New("precache: cannot decode cache entry")
	// ErrInvalidConfig marks an invalid cache configuration or name.
	ErrInvalidConfig = errors.New("precache: invalid config")
	// ErrInvalidKey marks an invalid cache key.
	ErrInvalidKey = errors.New("precache: invalid key")
)

// UpstreamError is the failure outcome of an upstream call. The same failure
// is replayed from the store until its soft ttl expires.
type UpstreamError struct {
	Cache  string
	Key    string
	Method string
	Path   string
	// Status is the upstream status code, 0 when the upstream was unreachable.
	Status int
	// Body is the upstream response body, or the transport error text.
	Body []byte
	// Cached is true when the failure was read from the store.
	Cached bool
	// Failures counts consecutive failures of this key.
	Failures int
	// Err is the transport error of a fresh failure, if any.
	Err error
}

func (e *UpstreamError) Error() string {
	src := "upstream"
	if e.Cached {
		src = "cached upstream"
	}
	if e.Status == 0 {
		return fmt.Sprintf("%s failure for %s-%s (%s %s): %s", src, e.Cache, e.Key, e.Method, e.Path, e.Body)
	}
	return fmt.Sprintf("%s failure for %s-%s (%s %s): status %d", src, e.Cache, e.Key, e.Method, e.Path, e.Status)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrUpstream) hold for every UpstreamError.
func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

// IsUpstream reports whether err is an upstream failure and returns it.
func IsUpstream(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// IsTimeout reports whether err is a wait-mode timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrPreemptiveCacheTimeout)
}
