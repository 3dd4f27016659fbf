package precache

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/casework/precache/cache"
	"github.com/casework/precache/logger"
	"github.com/stretchr/testify/require"
)

var testCall = Call{Method: "GET", Path: "/offenders/ABCD1234/summary"}

func testConfig() Config {
	return Config{
		Name:           "offenderDetailSummary",
		SuccessSoftTTL: 5 * time.Second,
		FailureSoftTTL: 10 * time.Second,
		HardTTL:        time.Hour,
	}
}

// newMockClient returns a client and store sharing a mock clock.
func newMockClient(t *testing.T, opts ...Option) (*clock.Mock, cache.Store, *Client, *logger.TestLogger) {
	t.Helper()
	mock := clock.NewMock()
	store := cache.NewInMemory(context.Background(), cache.WithClock(mock))
	t.Cleanup(func() { store.Close() })
	log := logger.NewTestLogger()
	opts = append([]Option{WithClock(mock)}, opts...)
	return mock, store, New(log, store, opts...), log
}

// newRealClient returns a client on the wall clock with fast polling.
func newRealClient(t *testing.T, store cache.Store, opts ...Option) *Client {
	t.Helper()
	if store == nil {
		store = cache.NewInMemory(context.Background())
		t.Cleanup(func() { store.Close() })
	}
	opts = append([]Option{WithPollInterval(10 * time.Millisecond)}, opts...)
	return New(logger.NewTestLogger(), store, opts...)
}

func mustCache(t *testing.T, c *Client, cfg Config) *Cache {
	t.Helper()
	h, err := c.Cache(cfg)
	require.NoError(t, err)
	return h
}

// upstream is a scripted fetch function counting its calls.
type upstream struct {
	calls   atomic.Int32
	respond func(n int32) (*Response, error)
}

func (u *upstream) fetch(ctx context.Context) (*Response, error) {
	return u.respond(u.calls.Add(1))
}

func okEach() *upstream {
	return &upstream{respond: func(n int32) (*Response, error) {
		return &Response{Status: 200, Body: []byte(fmt.Sprintf("result-%d", n))}, nil
	}}
}

func statusEach(status int) *upstream {
	return &upstream{respond: func(n int32) (*Response, error) {
		return &Response{Status: status, Body: []byte(fmt.Sprintf("error-%d", n))}, nil
	}}
}
