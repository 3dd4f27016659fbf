package precache

import (
	"context"

	"github.com/casework/precache/cache"
	"github.com/cockroachdb/errors"
)

// refresh coalesces concurrent refreshes of qkey within this process.
func (c *Cache) refresh(ctx context.Context, qkey, key string, call Call, fetch FetchFunc, mode Mode) (*Result, error) {
	var executed bool
	v, err, _ := c.client.group.Do(qkey, func() (interface{}, error) {
		executed = true
		return c.lockedRefresh(ctx, qkey, key, call, fetch, mode)
	})
	if !executed {
		// The leader's context is not ours. If it was cancelled, do the work
		// ourselves rather than inherit its cancellation.
		if err != nil && ctx.Err() == nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return c.lockedRefresh(ctx, qkey, key, call, fetch, mode)
		}
		if res, ok := v.(*Result); ok && res != nil && err == nil {
			// A streamed body can only be read once.
			if res.Stream != nil {
				return c.fetchAndStore(ctx, qkey, key, call, fetch, nil)
			}
			shared := *res
			shared.FromCache = true
			return &shared, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// lockedRefresh performs the fetch under the store lock of qkey, so actors in
// other processes do not refresh the same key concurrently.
func (c *Cache) lockedRefresh(ctx context.Context, qkey, key string, call Call, fetch FetchFunc, mode Mode) (*Result, error) {
	if c.client.lockTTL <= 0 {
		prev, err := c.client.read(ctx, qkey)
		if err != nil {
			return nil, err
		}
		return c.fetchAndStore(ctx, qkey, key, call, fetch, prev)
	}
	lock, ok, err := c.client.store.Lock(ctx, lockPrefix+qkey, c.client.lockTTL)
	if err != nil {
		c.logger.Warn("refresh lock for %s unavailable, refreshing without it: %s", qkey, err)
		prev, _ := c.client.read(ctx, qkey)
		return c.fetchAndStore(ctx, qkey, key, call, fetch, prev)
	}
	if !ok {
		return c.awaitRefresh(ctx, qkey, key, call, fetch)
	}
	defer c.release(lock)

	// Another actor may have refreshed the key while we were acquiring.
	prev, err := c.client.read(ctx, qkey)
	if err != nil {
		return nil, err
	}
	if prev != nil && !mode.force && prev.FreshAt(c.client.clock.Now().Add(mode.ahead)) {
		return c.outcome(key, prev, true, false)
	}
	return c.fetchAndStore(ctx, qkey, key, call, fetch, prev)
}

// awaitRefresh waits for the lock holder to store a fresh entry. The lock is
// retried on every poll, so a holder that releases without storing anything
// hands the fetch over at once. If the lock is still held after the lock ttl,
// the holder is presumed dead and we fetch without it.
func (c *Cache) awaitRefresh(ctx context.Context, qkey, key string, call Call, fetch FetchFunc) (*Result, error) {
	c.logger.Debug("%s is being refreshed elsewhere, waiting", qkey)
	clk := c.client.clock
	deadline := clk.Now().Add(c.client.lockTTL)
	for {
		timer := clk.Timer(c.client.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		entry, err := c.client.read(ctx, qkey)
		if err != nil {
			c.logger.Debug("poll of %s failed: %s", qkey, err)
		} else if entry != nil && entry.FreshAt(clk.Now()) {
			return c.outcome(key, entry, true, false)
		}

		lock, ok, err := c.client.store.Lock(ctx, lockPrefix+qkey, c.client.lockTTL)
		if err != nil {
			c.logger.Debug("lock retry for %s failed: %s", qkey, err)
		} else if ok {
			defer c.release(lock)
			prev, err := c.client.read(ctx, qkey)
			if err != nil {
				return nil, err
			}
			if prev != nil && prev.FreshAt(clk.Now()) {
				return c.outcome(key, prev, true, false)
			}
			c.logger.Debug("%s was released without a fresh entry, fetching", qkey)
			return c.fetchAndStore(ctx, qkey, key, call, fetch, prev)
		}

		if !clk.Now().Before(deadline) {
			c.logger.Warn("refresh of %s by another actor did not complete, fetching", qkey)
			prev, _ := c.client.read(ctx, qkey)
			return c.fetchAndStore(ctx, qkey, key, call, fetch, prev)
		}
	}
}

func (c *Cache) release(lock cache.Lock) {
	// Released with a fresh context: the caller's may be done by now.
	ctx, cancel := context.WithTimeout(context.Background(), cache.DefaultQueryTimeout)
	defer cancel()
	if err := lock.Release(ctx); err != nil {
		c.logger.Debug("release of %s: %s", lock.Key(), err)
	}
}

// fetchAndStore calls the upstream, records the outcome in the store and
// returns it. prev is the entry being replaced, if any.
func (c *Cache) fetchAndStore(ctx context.Context, qkey, key string, call Call, fetch FetchFunc, prev *Entry) (*Result, error) {
	resp, ferr := fetch(ctx)
	if ferr != nil && ctx.Err() != nil {
		// Our own cancellation says nothing about the upstream.
		return nil, errors.Wrapf(ferr, "fetch %s", qkey)
	}
	now := c.client.clock.Now()
	entry := &Entry{
		Method:   call.Method,
		Path:     call.Path,
		StoredAt: now,
	}
	switch {
	case ferr != nil:
		entry.Body = []byte(ferr.Error())
	case resp == nil:
		entry.Body = []byte("no response")
	default:
		entry.Status = resp.Status
		entry.Body = resp.Body
	}

	if resp != nil && resp.Stream != nil {
		if !entry.Failed() {
			c.logger.Info("response for %s exceeds the in-memory limit, streaming it uncached", qkey)
			return &Result{Status: resp.Status, Stream: resp.Stream, StoredAt: now}, nil
		}
		resp.Stream.Close()
		entry.Body = nil
	}

	if entry.Failed() {
		if prev != nil && prev.Failed() {
			entry.Failures = prev.Failures + 1
		} else {
			entry.Failures = 1
		}
		retryIn := c.cfg.failureTTL(entry.Failures)
		entry.RefreshableAfter = now.Add(retryIn)
		c.logger.Warn("upstream failure %d for %s (status %d), retry in %s", entry.Failures, qkey, entry.Status, retryIn)
	} else {
		entry.RefreshableAfter = now.Add(c.cfg.SuccessSoftTTL)
		c.logger.Debug("refreshed %s (status %d, %d bytes)", qkey, entry.Status, len(entry.Body))
	}
	c.client.write(ctx, qkey, entry, c.cfg.HardTTL)

	res, err := c.outcome(key, entry, false, false)
	if ue, ok := IsUpstream(err); ok {
		ue.Err = ferr
	}
	return res, err
}
