package upstream

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/casework/precache/logger"
	"github.com/casework/precache/precache"
	"github.com/casework/precache/resilience"
	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

const (
	// DefaultTimeout bounds a single attempt up to the streaming threshold.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxInMemory is the largest body buffered in memory. Larger
	// bodies are streamed to the caller and never cached.
	DefaultMaxInMemory int64 = 1 << 20
)

var tracer = otel.Tracer("github.com/casework/precache/upstream")

// ErrAttemptTimeout is returned when an attempt does not produce its status
// and buffered body within the configured timeout.
var ErrAttemptTimeout = errors.New("upstream attempt timed out")

// Config describes one upstream service.
type Config struct {
	BaseURL string
	// Retries is the number of extra attempts on connection errors and
	// retryable statuses.
	Retries int
	// Timeout bounds the status and the buffered part of the body of each
	// attempt. The remainder of a streamed body is bounded only by the
	// caller's context.
	Timeout time.Duration
	// MaxInMemory is the streaming threshold in bytes.
	MaxInMemory int64
	Headers     map[string]string
	// Breaker, if set, guards the upstream with a circuit breaker.
	Breaker *resilience.CircuitBreakerConfig
	// Retry overrides the backoff between attempts.
	Retry *resilience.RetryConfig
}

// Client calls one upstream service. It reports upstream error statuses in
// the returned response, and only returns an error when no response could
// be obtained.
type Client struct {
	name        string
	resty       *resty.Client
	logger      logger.Logger
	breaker     *resilience.CircuitBreaker
	retry       resilience.RetryConfig
	timeout     time.Duration
	maxInMemory int64
}

// StatusError is an error status returned by the upstream. It is only used
// to drive retries and the circuit breaker.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return "upstream returned " + http.StatusText(e.Status)
}

func UserAgent() string {
	gitSHA := Commit
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				gitSHA = setting.Value
			}
		}
	}
	return "precache/" + Version + " (" + gitSHA + ")"
}

// New returns a client for the named upstream.
func New(log logger.Logger, name string, cfg Config) *Client {
	log = log.With(map[string]interface{}{"component": "upstream", "upstream": name})

	rc := resty.New()
	rc.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	rc.SetHeader("User-Agent", UserAgent())
	if len(cfg.Headers) > 0 {
		rc.SetHeaders(cfg.Headers)
	}
	rc.SetLogger(restyLogger{log})

	c := &Client{
		name:        name,
		resty:       rc,
		logger:      log,
		timeout:     cfg.Timeout,
		maxInMemory: cfg.MaxInMemory,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.maxInMemory <= 0 {
		c.maxInMemory = DefaultMaxInMemory
	}

	if cfg.Retry != nil {
		c.retry = *cfg.Retry
	} else {
		c.retry = resilience.DefaultRetryConfig()
	}
	c.retry.MaxRetries = max(cfg.Retries, 0)
	c.retry.RetryableErrors = shouldRetry
	c.retry.OnRetry = func(attempt int, err error, backoff time.Duration) {
		c.logger.Debug("attempt %d failed (%s), retrying in %s", attempt, err, backoff)
	}

	if cfg.Breaker != nil {
		bc := *cfg.Breaker
		bc.IsFailure = isFailure
		// A per-call deadline would cut off streamed bodies. Each attempt
		// carries its own timeout instead.
		bc.RequestTimeout = 0
		c.breaker = resilience.NewCircuitBreaker(bc, resilience.OnStateChange(func(from, to resilience.CircuitBreakerState) {
			c.logger.Warn("circuit breaker %s -> %s", from, to)
		}))
	}
	return c
}

// Name returns the upstream name.
func (c *Client) Name() string { return c.name }

// Breaker returns the circuit breaker, nil if none is configured.
func (c *Client) Breaker() *resilience.CircuitBreaker { return c.breaker }

// Do performs call. Error statuses are returned in the response after the
// retries are used up.
func (c *Client) Do(ctx context.Context, call precache.Call) (*precache.Response, error) {
	ctx, span := tracer.Start(ctx, "upstream.Do", trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(
		attribute.String("upstream.name", c.name),
		attribute.String("http.request.method", call.Method),
		attribute.String("url.path", call.Path),
	))
	defer span.End()

	var resp *precache.Response
	attempt := func(ctx context.Context) error {
		return resilience.Retry(ctx, c.retry, func() error {
			if resp != nil && resp.Stream != nil {
				resp.Stream.Close()
			}
			var err error
			resp, err = c.once(ctx, call)
			if err != nil {
				resp = nil
				return err
			}
			if resp.Status >= 400 {
				return &StatusError{Status: resp.Status}
			}
			return nil
		})
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, attempt)
	} else {
		err = attempt(ctx)
	}

	var se *StatusError
	if (err != nil && !errors.As(err, &se)) || resp == nil {
		if resp != nil && resp.Stream != nil {
			resp.Stream.Close()
		}
		if err == nil {
			err = errors.Newf("%s %s: no response", call.Method, call.Path)
		}
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.Status), attribute.Bool("upstream.streamed", resp.Stream != nil))
	if resp.Status >= 500 {
		span.SetStatus(codes.Error, http.StatusText(resp.Status))
	}
	return resp, nil
}

// once performs a single attempt, buffering up to maxInMemory bytes. The
// attempt timeout stops once the body turns out to be streamed.
func (c *Client) once(ctx context.Context, call precache.Call) (*precache.Response, error) {
	c.logger.Trace("sending request: %s %s", call.Method, call.Path)
	attemptCtx, cancel := context.WithCancel(ctx)
	deadline := time.AfterFunc(c.timeout, cancel)
	fail := func(err error, what string) error {
		deadline.Stop()
		cancel()
		if ctx.Err() == nil && attemptCtx.Err() != nil {
			return errors.Wrapf(ErrAttemptTimeout, "%s %s%s after %s", call.Method, call.Path, what, c.timeout)
		}
		return errors.Wrapf(err, "%s %s%s", call.Method, call.Path, what)
	}

	req := c.resty.R().
		SetContext(attemptCtx).
		SetDoNotParseResponse(true)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	r, err := req.Execute(call.Method, call.Path)
	if err != nil {
		return nil, fail(err, "")
	}
	raw := r.RawBody()
	if raw == nil {
		deadline.Stop()
		cancel()
		return &precache.Response{Status: r.StatusCode()}, nil
	}

	buf, err := io.ReadAll(io.LimitReader(raw, c.maxInMemory+1))
	if err != nil {
		raw.Close()
		return nil, fail(err, ": read body")
	}
	if int64(len(buf)) > c.maxInMemory {
		deadline.Stop()
		c.logger.Debug("%s %s: body exceeds %d bytes, streaming", call.Method, call.Path, c.maxInMemory)
		return &precache.Response{
			Status: r.StatusCode(),
			Stream: &stream{Reader: io.MultiReader(bytes.NewReader(buf), raw), body: raw, cancel: cancel},
		}, nil
	}
	deadline.Stop()
	raw.Close()
	cancel()

	if c.logger.IsLevelEnabled(logger.LevelDebug) {
		contentType := r.Header().Get("Content-Type")
		c.logger.Debug("%s %s: %d, body: %s", call.Method, call.Path, r.StatusCode(), safeBodyPreview(buf, contentType, 200))
	}
	return &precache.Response{Status: r.StatusCode(), Body: buf}, nil
}

// stream reads the buffered prefix of a body and then the rest of it.
type stream struct {
	io.Reader
	body   io.Closer
	cancel context.CancelFunc
}

func (s *stream) Close() error {
	defer s.cancel()
	return s.body.Close()
}

func shouldRetry(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Status {
		case http.StatusRequestTimeout, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusTooManyRequests:
			return true
		}
		return false
	}
	if errors.Is(err, ErrAttemptTimeout) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return strings.Contains(err.Error(), "EOF")
}

// isFailure counts connection errors and server side statuses against the
// circuit. Client errors such as 404 say nothing about the upstream's health.
func isFailure(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= 500 || se.Status == http.StatusTooManyRequests
	}
	return true
}

type restyLogger struct {
	log logger.Logger
}

func (l restyLogger) Errorf(format string, v ...interface{}) { l.log.Warn(strings.TrimSpace(format), v...) }
func (l restyLogger) Warnf(format string, v ...interface{})  { l.log.Warn(strings.TrimSpace(format), v...) }
func (l restyLogger) Debugf(format string, v ...interface{}) { l.log.Debug(strings.TrimSpace(format), v...) }
