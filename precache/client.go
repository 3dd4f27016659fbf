package precache

import (
	"context"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/casework/precache/cache"
	"github.com/casework/precache/logger"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultLockTTL bounds how long one actor may hold the refresh lock of a
	// key, and how long other actors wait for it before fetching themselves.
	DefaultLockTTL = 15 * time.Second
	// DefaultPollInterval is how often the waiter polls the store.
	DefaultPollInterval = 100 * time.Millisecond

	lockPrefix = "lock:"
)

// Call describes an upstream request well enough to re-issue it without the
// original caller.
type Call struct {
	Method string
	Path   string
}

// Response is the outcome of an upstream call.
type Response struct {
	Status int
	Body   []byte
	// Stream replaces Body when the upstream response was too large to hold
	// in memory. Such responses are passed through and never cached. The
	// receiver must close it.
	Stream io.ReadCloser
}

// FetchFunc performs the upstream call. A returned error means the upstream
// could not be reached; upstream error statuses are reported in the Response.
type FetchFunc func(ctx context.Context) (*Response, error)

// Result is a successful outcome. Results may be shared between coalesced
// callers and must be treated as read-only.
type Result struct {
	Status           int
	Body             []byte
	Stream           io.ReadCloser
	RefreshableAfter time.Time
	StoredAt         time.Time
	// FromCache is true when no upstream call was made for this result.
	FromCache bool
	// Stale is true for stale entries served in wait mode.
	Stale bool
}

// Client coordinates reads and refreshes of every named cache against one
// shared store.
type Client struct {
	store        cache.Store
	logger       logger.Logger
	clock        clock.Clock
	lockTTL      time.Duration
	pollInterval time.Duration
	group        singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithClock sets the clock used for soft ttl decisions and polling.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithLockTTL sets the per-key refresh lock ttl. Zero disables the store lock
// and leaves only in-process coalescing.
func WithLockTTL(d time.Duration) Option {
	return func(c *Client) { c.lockTTL = d }
}

// WithPollInterval sets how often waiting callers poll the store.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// New returns a Client using store as the shared cache store.
func New(log logger.Logger, store cache.Store, opts ...Option) *Client {
	c := &Client{
		store:        store,
		logger:       log.With(map[string]interface{}{"component": "precache"}),
		clock:        clock.New(),
		lockTTL:      DefaultLockTTL,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Cache validates cfg and returns a handle for the named cache.
func (c *Client) Cache(cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Cache{
		client: c,
		cfg:    cfg.clone(),
		logger: c.logger.With(map[string]interface{}{"cache": cfg.Name}),
	}, nil
}

// MustCache is like Cache but panics on an invalid configuration.
func (c *Client) MustCache(cfg Config) *Cache {
	h, err := c.Cache(cfg)
	if err != nil {
		panic(err)
	}
	return h
}

// Invalidate deletes every entry of the named cache. The next read of any of
// its keys behaves as a miss.
func (c *Client) Invalidate(ctx context.Context, name string) (int, error) {
	if err := ValidateName(name); err != nil {
		return 0, err
	}
	ctx, span := tracer.Start(ctx, "precache.Invalidate", trace.WithAttributes(attribute.String("cache.name", name)))
	defer span.End()
	n, err := c.store.ExpirePrefix(ctx, name+Separator)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return n, errors.Wrapf(err, "invalidate cache %s", name)
	}
	span.SetAttributes(attribute.Int("cache.deleted", n))
	c.logger.Info("invalidated cache %s (%d entries)", name, n)
	return n, nil
}

// Ping checks the store.
func (c *Client) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// read loads and decodes an entry. Undecodable values read as absent.
func (c *Client) read(ctx context.Context, qkey string) (*Entry, error) {
	found, data, err := c.store.Get(ctx, qkey)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", qkey)
	}
	if !found {
		return nil, nil
	}
	entry, err := Decode(data)
	if err != nil {
		c.logger.Warn("ignoring unreadable entry %s: %s", qkey, err)
		return nil, nil
	}
	return entry, nil
}

func (c *Client) write(ctx context.Context, qkey string, entry *Entry, ttl time.Duration) {
	data, err := Encode(entry)
	if err == nil {
		err = c.store.Set(ctx, qkey, data, ttl)
	}
	if err != nil {
		c.logger.Warn("failed to store %s: %s", qkey, err)
	}
}
