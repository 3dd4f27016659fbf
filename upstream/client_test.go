package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/casework/precache/cache"
	"github.com/casework/precache/logger"
	"github.com/casework/precache/precache"
	"github.com/casework/precache/resilience"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = &resilience.RetryConfig{
	InitialBackoff:    time.Millisecond,
	MaxBackoff:        5 * time.Millisecond,
	BackoffMultiplier: 2,
}

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestDoSuccess(t *testing.T) {
	var gotPath, gotAgent, gotAuth string
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAgent = r.Header.Get("User-Agent")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"crn":"ABCD1234"}`))
	})
	c := New(logger.NewTestLogger(), "offenders", Config{
		BaseURL: srv.URL + "/",
		Headers: map[string]string{"Authorization": "Bearer token"},
	})

	resp, err := c.Do(context.Background(), precache.Call{Method: "GET", Path: "/offenders/ABCD1234/summary"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, `{"crn":"ABCD1234"}`, string(resp.Body))
	assert.Nil(t, resp.Stream)
	assert.Equal(t, "/offenders/ABCD1234/summary", gotPath)
	assert.True(t, strings.HasPrefix(gotAgent, "precache/"))
	assert.Equal(t, "Bearer token", gotAuth)
	assert.Equal(t, "offenders", c.Name())
	assert.Nil(t, c.Breaker())
}

func TestDoReturnsErrorStatusesAsResponses(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("no such offender"))
	})
	c := New(logger.NewTestLogger(), "offenders", Config{BaseURL: srv.URL, Retries: 3, Retry: fastRetry})

	resp, err := c.Do(context.Background(), precache.Call{Method: "GET", Path: "/offenders/X"})
	require.NoError(t, err)
	assert.Equal(t, 404, resp.Status)
	assert.Equal(t, "no such offender", string(resp.Body))
	assert.EqualValues(t, 1, calls.Load(), "404 is not retried")
}

func TestDoRetriesTransientStatuses(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	c := New(logger.NewTestLogger(), "offenders", Config{BaseURL: srv.URL, Retries: 2, Retry: fastRetry})

	resp, err := c.Do(context.Background(), precache.Call{Method: "GET", Path: "/x"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "ok", string(resp.Body))
	assert.EqualValues(t, 3, calls.Load())
}

func TestDoReturnsLastStatusWhenRetriesRunOut(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("bad gateway"))
	})
	c := New(logger.NewTestLogger(), "offenders", Config{BaseURL: srv.URL, Retries: 1, Retry: fastRetry})

	resp, err := c.Do(context.Background(), precache.Call{Method: "GET", Path: "/x"})
	require.NoError(t, err)
	assert.Equal(t, 502, resp.Status)
	assert.Equal(t, "bad gateway", string(resp.Body))
	assert.EqualValues(t, 2, calls.Load())
}

func TestDoConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(logger.NewTestLogger(), "offenders", Config{BaseURL: url, Retries: 1, Retry: fastRetry})
	resp, err := c.Do(context.Background(), precache.Call{Method: "GET", Path: "/x"})
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Contains(t, err.Error(), "GET /x")
}

func TestDoStreamsLargeBodies(t *testing.T) {
	body := strings.Repeat("0123456789", 100)
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte(body))
	})
	c := New(logger.NewTestLogger(), "documents", Config{BaseURL: srv.URL, MaxInMemory: 64})

	resp, err := c.Do(context.Background(), precache.Call{Method: "GET", Path: "/documents/1"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Nil(t, resp.Body)
	require.NotNil(t, resp.Stream)
	got, err := io.ReadAll(resp.Stream)
	require.NoError(t, err)
	assert.NoError(t, resp.Stream.Close())
	assert.Equal(t, body, string(got))
}

func TestDoTimeoutSparesStreamedBodies(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 100)))
		w.(http.Flusher).Flush()
		time.Sleep(150 * time.Millisecond)
		_, _ = w.Write([]byte("tail"))
	})
	c := New(logger.NewTestLogger(), "documents", Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond, MaxInMemory: 16})

	resp, err := c.Do(context.Background(), precache.Call{Method: "GET", Path: "/documents/1"})
	require.NoError(t, err)
	require.NotNil(t, resp.Stream)
	defer resp.Stream.Close()
	got, err := io.ReadAll(resp.Stream)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", 100)+"tail", string(got))
}

func TestDoTimesOutSlowAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})
	c := New(logger.NewTestLogger(), "slow", Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond, Retries: 1, Retry: fastRetry})

	_, err := c.Do(context.Background(), precache.Call{Method: "GET", Path: "/x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAttemptTimeout))
	assert.EqualValues(t, 2, calls.Load())
}

func TestDoClosesStreamWhenRetryIsCancelled(t *testing.T) {
	closed := make(chan struct{})
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(strings.Repeat("e", 100)))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
			close(closed)
		case <-time.After(2 * time.Second):
		}
	})
	c := New(logger.NewTestLogger(), "documents", Config{
		BaseURL:     srv.URL,
		MaxInMemory: 16,
		Retries:     3,
		Retry:       &resilience.RetryConfig{InitialBackoff: time.Second, MaxBackoff: time.Second},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	resp, err := c.Do(ctx, precache.Call{Method: "GET", Path: "/documents/1"})
	require.Error(t, err)
	assert.Nil(t, resp)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("the streamed body of the failed attempt was not closed")
	}
}

func TestDoBuffersBodiesAtTheLimit(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	})
	c := New(logger.NewTestLogger(), "documents", Config{BaseURL: srv.URL, MaxInMemory: 64})

	resp, err := c.Do(context.Background(), precache.Call{Method: "GET", Path: "/documents/1"})
	require.NoError(t, err)
	assert.Nil(t, resp.Stream)
	assert.Len(t, resp.Body, 64)
}

func TestDoCircuitBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	})
	log := logger.NewTestLogger()
	c := New(log, "risk", Config{
		BaseURL: srv.URL,
		Breaker: &resilience.CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Hour},
	})

	// Client errors do not count against the upstream.
	for i := 0; i < 3; i++ {
		resp, err := c.Do(context.Background(), precache.Call{Method: "GET", Path: "/missing"})
		require.NoError(t, err)
		assert.Equal(t, 404, resp.Status)
	}
	assert.Equal(t, resilience.StateClosed, c.Breaker().State())

	for i := 0; i < 2; i++ {
		resp, err := c.Do(context.Background(), precache.Call{Method: "GET", Path: "/x"})
		require.NoError(t, err)
		assert.Equal(t, 500, resp.Status)
	}
	assert.Equal(t, resilience.StateOpen, c.Breaker().State())
	assert.Equal(t, 1, log.Count("WARNING"))

	_, err := c.Do(context.Background(), precache.Call{Method: "GET", Path: "/x"})
	assert.True(t, errors.Is(err, resilience.ErrCircuitBreakerOpen))
	assert.EqualValues(t, 5, calls.Load())
}

func TestDoCancelled(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	c := New(logger.NewTestLogger(), "slow", Config{BaseURL: srv.URL, Retries: 3, Retry: fastRetry})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Do(ctx, precache.Call{Method: "GET", Path: "/x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestEndpoint(t *testing.T) {
	var gotPath string
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_, _ = w.Write([]byte("summary"))
	})
	ep := Endpoint{
		Client: New(logger.NewTestLogger(), "offenders", Config{BaseURL: srv.URL}),
		Path:   "/offenders/{key}/summary",
	}

	call := ep.Call("AB/12")
	assert.Equal(t, precache.Call{Method: "GET", Path: "/offenders/AB%2F12/summary"}, call)

	call, fetch := ep.Fetch("ABCD1234")
	assert.Equal(t, "/offenders/ABCD1234/summary", call.Path)
	resp, err := fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "summary", string(resp.Body))
	assert.Equal(t, "/offenders/ABCD1234/summary", gotPath)
}

func TestEndpointThroughCache(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if strings.Contains(r.URL.Path, "LARGE") {
			_, _ = w.Write([]byte(strings.Repeat("x", 128)))
			return
		}
		_, _ = w.Write([]byte("summary"))
	})
	ep := Endpoint{
		Client: New(logger.NewTestLogger(), "offenders", Config{BaseURL: srv.URL, MaxInMemory: 64}),
		Method: "get",
		Path:   "/offenders/{key}/summary",
	}
	store := cache.NewInMemory(context.Background())
	t.Cleanup(func() { store.Close() })
	client := precache.New(logger.NewTestLogger(), store)
	summaries := client.MustCache(precache.Config{
		Name:           "offenderDetailSummary",
		SuccessSoftTTL: time.Minute,
		FailureSoftTTL: time.Minute,
		HardTTL:        time.Hour,
	})

	for i := 0; i < 3; i++ {
		call, fetch := ep.Fetch("ABCD1234")
		res, err := summaries.Get(context.Background(), "ABCD1234", call, fetch, precache.Preemptive())
		require.NoError(t, err)
		assert.Equal(t, "summary", string(res.Body))
	}
	assert.EqualValues(t, 1, calls.Load())

	for i := 0; i < 2; i++ {
		call, fetch := ep.Fetch("LARGE")
		res, err := summaries.Get(context.Background(), "LARGE", call, fetch, precache.Preemptive())
		require.NoError(t, err)
		require.NotNil(t, res.Stream)
		body, err := io.ReadAll(res.Stream)
		require.NoError(t, err)
		res.Stream.Close()
		assert.Len(t, body, 128)
	}
	assert.EqualValues(t, 3, calls.Load(), "streamed responses are fetched every time")
}

func TestSafeBodyPreview(t *testing.T) {
	assert.Equal(t, `{"a":1}`, safeBodyPreview([]byte(`{"a":1}`), "application/json", 0))
	assert.Equal(t, "plain", safeBodyPreview([]byte("plain"), "", 0))
	assert.Equal(t, "abc[truncated, total: 6 bytes]", safeBodyPreview([]byte("abcdef"), "text/plain", 3))
	assert.True(t, strings.HasPrefix(safeBodyPreview([]byte{0, 1, 2}, "image/png", 0), "<binary: 3 bytes, sha256="))
	assert.True(t, strings.HasPrefix(safeBodyPreview([]byte("x"), "application/x-custom", 0), "<unknown type: 1 bytes"))
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, shouldRetry(&StatusError{Status: 503}))
	assert.True(t, shouldRetry(&StatusError{Status: 429}))
	assert.False(t, shouldRetry(&StatusError{Status: 500}))
	assert.False(t, shouldRetry(&StatusError{Status: 404}))
	assert.False(t, shouldRetry(errors.Wrap(context.Canceled, "get")))
	assert.True(t, shouldRetry(errors.New("unexpected EOF")))
	assert.True(t, shouldRetry(errors.Wrap(ErrAttemptTimeout, "get")))
	assert.False(t, shouldRetry(errors.New("tls: bad certificate")))
}
