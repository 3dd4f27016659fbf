package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/casework/precache/config"
	"github.com/casework/precache/logger"
	"github.com/casework/precache/precache"
	"github.com/casework/precache/scheduler"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
redis:
  url: redis://%s
  prefix: cases
upstreams:
  offenders:
    base_url: %s
    retries: 0
caches:
  - name: offenderDetailSummary
    upstream: offenders
    path: /offenders/{key}/summary
    success_soft_ttl: 5m
    failure_soft_ttl: 10s
    hard_ttl: 1h
    wait_timeout: 100ms
    refresh:
      key_set: appointments:today
      keys: [A1]
      interval: 1h
  - name: offenderDetail
    upstream: offenders
    path: /offenders/{key}
    success_soft_ttl: 5m
    failure_soft_ttl: 10s
    hard_ttl: 1h
`

type fixture struct {
	mr     *miniredis.Miniredis
	calls  atomic.Int32
	path   string
	config *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{mr: miniredis.RunT(t)}
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		if strings.Contains(r.URL.Path, "MISSING") {
			http.Error(w, "no such offender", http.StatusNotFound)
			return
		}
		fmt.Fprintf(w, `{"path":%q}`, r.URL.Path)
	}))
	t.Cleanup(up.Close)

	data := fmt.Sprintf(testConfig, f.mr.Addr(), up.URL)
	f.path = filepath.Join(t.TempDir(), "precache.yaml")
	require.NoError(t, os.WriteFile(f.path, []byte(data), 0o600))
	cfg, err := config.Parse([]byte(data))
	require.NoError(t, err)
	f.config = cfg
	return f
}

func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--env-file", "", "--config", f.path, "--log-level", "error"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestGetCommand(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "get", "offenderDetailSummary", "A1")
	require.NoError(t, err)
	assert.Equal(t, `{"path":"/offenders/A1/summary"}`, out)
	assert.True(t, f.mr.Exists("cases:offenderDetailSummary-A1"))

	out, err = f.run(t, "get", "offenderDetailSummary", "A1", "-v")
	require.NoError(t, err)
	assert.Contains(t, out, "from_cache=true")
	assert.EqualValues(t, 1, f.calls.Load())

	_, err = f.run(t, "get", "--wait", "50ms", "offenderDetailSummary", "B2")
	assert.True(t, precache.IsTimeout(err))
	assert.EqualValues(t, 1, f.calls.Load())

	_, err = f.run(t, "get", "offenderDetail", "MISSING")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream answered 404")

	_, err = f.run(t, "get", "nope", "A1")
	assert.True(t, errors.Is(err, precache.ErrInvalidConfig))
}

func TestInvalidateCommand(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t, "get", "offenderDetailSummary", "A1")
	require.NoError(t, err)
	_, err = f.run(t, "get", "offenderDetail", "A1")
	require.NoError(t, err)

	out, err := f.run(t, "invalidate", "offenderDetailSummary")
	require.NoError(t, err)
	assert.Equal(t, "deleted 1 entries from offenderDetailSummary\n", out)
	assert.False(t, f.mr.Exists("cases:offenderDetailSummary-A1"))
	assert.True(t, f.mr.Exists("cases:offenderDetail-A1"))

	_, err = f.run(t, "get", "offenderDetailSummary", "A1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, f.calls.Load())

	_, err = f.run(t, "invalidate", "a-b")
	assert.Error(t, err)
}

func TestMissingConfig(t *testing.T) {
	f := newFixture(t)
	f.path = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := f.run(t, "invalidate", "offenderDetailSummary")
	assert.Error(t, err)
}

func TestNewAppErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := newApp(ctx, logger.NewTestLogger(), f.config, "not a url")
	assert.Error(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	_, err = newApp(ctx, logger.NewTestLogger(), f.config, "redis://"+addr)
	assert.Error(t, err)

	cfg := *f.config
	cfg.Redis.URL = ""
	_, err = newApp(ctx, logger.NewTestLogger(), &cfg, "")
	assert.Error(t, err)
}

func TestJobs(t *testing.T) {
	f := newFixture(t)
	a, err := newApp(context.Background(), logger.NewTestLogger(), f.config, "")
	require.NoError(t, err)
	defer a.Close()

	jobs := a.jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "offenderDetailSummary", jobs[0].Name)
	assert.Equal(t, time.Hour, jobs[0].Interval)

	_, err = f.mr.SAdd("appointments:today", "C3", "B2")
	require.NoError(t, err)
	keys, err := jobs[0].Source.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"B2", "C3", "A1"}, keys)

	stats, err := scheduler.New(context.Background(), logger.NewTestLogger()).Sweep(context.Background(), jobs[0])
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Refreshed)
	assert.True(t, f.mr.Exists("cases:offenderDetailSummary-C3"))
}

func TestServe(t *testing.T) {
	f := newFixture(t)
	a, err := newApp(context.Background(), logger.NewTestLogger(), f.config, "")
	require.NoError(t, err)
	defer a.Close()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, logger.NewTestLogger(), a, addr) }()

	require.Eventually(t, func() bool {
		return f.mr.Exists("cases:offenderDetailSummary-A1")
	}, 2*time.Second, 10*time.Millisecond, "the refresh job warms the static keys")

	require.Eventually(t, func() bool {
		req, _ := http.NewRequest(http.MethodDelete, "http://"+addr+"/cache/offenderDetailSummary", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, f.mr.Exists("cases:offenderDetailSummary-A1"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}
}
