package precache

import (
	"context"
	"time"

	"github.com/casework/precache/logger"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// outcome labels reported on spans and in debug logs.
const (
	outcomeHit       = "hit"
	outcomeStale     = "stale"
	outcomeWaited    = "waited"
	outcomeRefreshed = "refreshed"
	outcomeFailure   = "failure"
	outcomeTimeout   = "timeout"
	outcomeStreamed  = "streamed"
)

// Cache is a validated handle on one named cache.
type Cache struct {
	client *Client
	cfg    Config
	logger logger.Logger
}

// Name returns the cache name.
func (c *Cache) Name() string { return c.cfg.Name }

// Config returns a copy of the cache configuration.
func (c *Cache) Config() Config { return c.cfg.clone() }

// QualifiedKey returns the store key of key in this cache.
func (c *Cache) QualifiedKey(key string) (string, error) {
	return QualifiedKey(c.cfg.Name, key)
}

// Get returns the outcome of call for key, consulting the store first. See
// Preemptive and Wait for the behaviour on a miss or a stale entry. Upstream
// failures are returned as *UpstreamError, wait timeouts as
// ErrPreemptiveCacheTimeout.
func (c *Cache) Get(ctx context.Context, key string, call Call, fetch FetchFunc, mode Mode) (res *Result, err error) {
	qkey, err := c.QualifiedKey(key)
	if err != nil {
		return nil, err
	}
	if !mode.wait && fetch == nil {
		return nil, errors.Mark(errors.Newf("cache %s: preemptive get of %s without fetch", c.cfg.Name, key), ErrInvalidConfig)
	}
	ctx, span := tracer.Start(ctx, "precache.Get", trace.WithAttributes(
		attribute.String("cache.name", c.cfg.Name),
		attribute.String("cache.key", key),
		attribute.String("cache.mode", mode.String()),
	))
	var outcome string
	defer func() {
		span.SetAttributes(attribute.String("cache.outcome", outcome))
		if err != nil && outcome != outcomeFailure {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}
		span.End()
		c.logger.Trace("get %s (%s): %s", qkey, mode, outcome)
	}()

	entry, err := c.client.read(ctx, qkey)
	if err != nil {
		return nil, err
	}
	now := c.client.clock.Now()
	if entry != nil && !mode.force && entry.FreshAt(now.Add(mode.ahead)) {
		outcome = outcomeHit
		return c.outcome(key, entry, true, false)
	}
	if mode.wait {
		if entry != nil {
			outcome = outcomeStale
			return c.outcome(key, entry, true, true)
		}
		entry, err = c.waitFor(ctx, qkey, c.waitTimeout(mode), func(*Entry) bool { return true })
		if err != nil {
			if IsTimeout(err) {
				outcome = outcomeTimeout
			}
			return nil, err
		}
		outcome = outcomeWaited
		return c.outcome(key, entry, true, !entry.FreshAt(c.client.clock.Now()))
	}
	res, err = c.refresh(ctx, qkey, key, call, fetch, mode)
	switch {
	case err != nil && errors.Is(err, ErrUpstream):
		outcome = outcomeFailure
	case err != nil:
	case res.Stream != nil:
		outcome = outcomeStreamed
	case res.FromCache:
		outcome = outcomeHit
	default:
		outcome = outcomeRefreshed
	}
	return res, err
}

// Peek returns the stored entry for key without contacting the upstream. A
// missing or unreadable entry returns nil and no error.
func (c *Cache) Peek(ctx context.Context, key string) (*Entry, error) {
	qkey, err := c.QualifiedKey(key)
	if err != nil {
		return nil, err
	}
	return c.client.read(ctx, qkey)
}

// Refresh fetches key from the upstream and replaces the stored entry even if
// it is still fresh. Concurrent refreshes of the same key are coalesced.
func (c *Cache) Refresh(ctx context.Context, key string, call Call, fetch FetchFunc) (*Result, error) {
	return c.Get(ctx, key, call, fetch, Mode{force: true})
}

func (c *Cache) waitTimeout(mode Mode) time.Duration {
	switch {
	case mode.timeout > 0:
		return mode.timeout
	case c.cfg.WaitTimeout > 0:
		return c.cfg.WaitTimeout
	default:
		return DefaultWaitTimeout
	}
}

// outcome turns an entry into the caller's result.
func (c *Cache) outcome(key string, entry *Entry, fromCache, stale bool) (*Result, error) {
	if entry.Failed() {
		return nil, &UpstreamError{
			Cache:    c.cfg.Name,
			Key:      key,
			Method:   entry.Method,
			Path:     entry.Path,
			Status:   entry.Status,
			Body:     entry.Body,
			Cached:   fromCache,
			Failures: entry.Failures,
		}
	}
	return &Result{
		Status:           entry.Status,
		Body:             entry.Body,
		RefreshableAfter: entry.RefreshableAfter,
		StoredAt:         entry.StoredAt,
		FromCache:        fromCache,
		Stale:            stale,
	}, nil
}
