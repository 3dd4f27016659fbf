package cache

import (
	"context"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
)

// ErrLockNotHeld is returned by Lock.Release when the lock expired or was
// taken over by another holder before being released.
var ErrLockNotHeld = errors.New("cache: lock not held")

// Store is a shared key/value store with native per-key expiry. Values are
// opaque byte slices; callers own serialization.
type Store interface {
	// Get retrieves a value. A missing or expired key returns found=false and
	// no error.
	Get(ctx context.Context, key string) (bool, []byte, error)

	// Set stores a value with a TTL. If expires <= 0, the store's configured
	// default TTL is used. Existing values are replaced wholesale.
	Set(ctx context.Context, key string, val []byte, expires time.Duration) error

	// Expire removes a key from the store.
	Expire(ctx context.Context, key string) (bool, error)

	// ExpirePrefix removes every key starting with prefix and returns how
	// many were removed.
	ExpirePrefix(ctx context.Context, prefix string) (int, error)

	// Lock tries to acquire a short-lived exclusive lock on key. It never
	// blocks: acquired=false means another holder owns the lock.
	Lock(ctx context.Context, key string, ttl time.Duration) (Lock, bool, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Close shuts down the store.
	Close() error
}

// Lock is a held store lock.
type Lock interface {
	Key() string
	// Release gives up the lock if it is still held by this holder.
	Release(ctx context.Context) error
}

// DefaultExpires is the default TTL used by Set when expires is zero.
const DefaultExpires = 5 * time.Minute

// DefaultQueryTimeout is the per-operation timeout for cache backends that
// perform I/O. Prevents indefinite hangs on slow or unresponsive storage.
const DefaultQueryTimeout = 5 * time.Second

type config struct {
	defaultExpires time.Duration
	queryTimeout   time.Duration
	expiryCheck    time.Duration
	prefix         string
	clock          clock.Clock
}

// Option configures a Store implementation.
type Option func(*config)

func defaultConfig() config {
	return config{
		defaultExpires: DefaultExpires,
		queryTimeout:   DefaultQueryTimeout,
		expiryCheck:    time.Minute,
		clock:          clock.New(),
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithExpires sets the default TTL for values stored with expires <= 0.
func WithExpires(d time.Duration) Option {
	return func(c *config) { c.defaultExpires = d }
}

// WithQueryTimeout sets the per-operation timeout for the Redis backend.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithExpiryCheck sets the interval for background expired entry cleanup of
// the in-memory backend.
func WithExpiryCheck(d time.Duration) Option {
	return func(c *config) { c.expiryCheck = d }
}

// WithPrefix namespaces every key of the Redis backend as "prefix:key".
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

// WithClock sets the clock used by the in-memory backend for expiry.
func WithClock(clk clock.Clock) Option {
	return func(c *config) {
		if clk != nil {
			c.clock = clk
		}
	}
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// escapeGlob quotes the Redis glob metacharacters in s.
func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}
