package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/casework/precache/cache"
	"github.com/casework/precache/logger"
	"github.com/casework/precache/precache"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *miniredis.Miniredis, *logger.TestLogger) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })

	log := logger.NewTestLogger()
	client := precache.New(log, cache.NewRedis(rdb))
	ts := httptest.NewServer(New(log, ":0", client).Handler())
	t.Cleanup(ts.Close)
	return ts, mr, log
}

func do(t *testing.T, method, url string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestInvalidate(t *testing.T) {
	ts, mr, _ := newTestServer(t)
	require.NoError(t, mr.Set("offenderDetailSummary-A1", "x"))
	require.NoError(t, mr.Set("offenderDetailSummary-B2", "x"))
	require.NoError(t, mr.Set("offenderDetail-A1", "x"))

	status, body := do(t, http.MethodDelete, ts.URL+"/cache/offenderDetailSummary")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]any{"cache": "offenderDetailSummary", "deleted": float64(2)}, body)
	assert.False(t, mr.Exists("offenderDetailSummary-A1"))
	assert.True(t, mr.Exists("offenderDetail-A1"))

	status, body = do(t, http.MethodDelete, ts.URL+"/cache/offenderDetailSummary")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["deleted"])
}

func TestInvalidateRejectsBadName(t *testing.T) {
	ts, _, _ := newTestServer(t)
	status, body := do(t, http.MethodDelete, ts.URL+"/cache/a*b")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "invalid cache name")
}

func TestInvalidateStoreFailure(t *testing.T) {
	ts, mr, log := newTestServer(t)
	mr.SetError("LOADING")
	status, body := do(t, http.MethodDelete, ts.URL+"/cache/offenderDetailSummary")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "Internal Server Error", body["error"])
	assert.Equal(t, 1, log.Count("ERROR"))
}

func TestHealth(t *testing.T) {
	ts, mr, _ := newTestServer(t)
	status, body := do(t, http.MethodGet, ts.URL+"/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	mr.SetError("LOADING")
	status, body = do(t, http.MethodGet, ts.URL+"/health")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "store unavailable", body["error"])
}

func TestUnknownRoute(t *testing.T) {
	ts, _, _ := newTestServer(t)
	status, _ := do(t, http.MethodGet, ts.URL+"/nope")
	assert.Equal(t, http.StatusNotFound, status)
}

type stubInvalidator struct{ err error }

func (s stubInvalidator) Invalidate(context.Context, string) (int, error) { return 0, s.err }
func (s stubInvalidator) Ping(context.Context) error                      { return s.err }

func TestStartShutsDownWithContext(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	s := New(logger.NewTestLogger(), addr, stubInvalidator{}, WithShutdownTimeout(time.Second))
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return")
	}
}

func TestStartReportsListenErrors(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	s := New(logger.NewTestLogger(), l.Addr().String(), stubInvalidator{errors.New("down")})
	assert.Error(t, s.Start(context.Background()))
}
