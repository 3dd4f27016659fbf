package precache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// waitFor polls the store until an entry accepted by accept appears under
// qkey or timeout elapses. It never gives up before the timeout.
func (c *Cache) waitFor(ctx context.Context, qkey string, timeout time.Duration, accept func(*Entry) bool) (*Entry, error) {
	clk := c.client.clock
	deadline := clk.Now().Add(timeout)
	for {
		entry, err := c.client.read(ctx, qkey)
		if err != nil {
			c.logger.Debug("poll of %s failed: %s", qkey, err)
		} else if entry != nil && accept(entry) {
			return entry, nil
		}
		remaining := deadline.Sub(clk.Now())
		if remaining <= 0 {
			return nil, errors.Wrapf(ErrPreemptiveCacheTimeout, "%s after %s", qkey, timeout)
		}
		timer := clk.Timer(min(c.client.pollInterval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
