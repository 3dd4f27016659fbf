package server

import (
	"context"
	"net/http"
	"time"

	"github.com/casework/precache/logger"
	"github.com/casework/precache/precache"
	"github.com/casework/precache/telemetry"
	"github.com/cockroachdb/errors"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultShutdownTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/casework/precache/server")

// Invalidator is the part of the cache client the server exposes.
type Invalidator interface {
	Invalidate(ctx context.Context, name string) (int, error)
	Ping(ctx context.Context) error
}

// InvalidateResponse is the body of a successful invalidation.
type InvalidateResponse struct {
	Cache   string `json:"cache"`
	Deleted int    `json:"deleted"`
}

type Server struct {
	echo     *echo.Echo
	address  string
	logger   logger.Logger
	target   Invalidator
	shutdown time.Duration
}

type Option func(*Server)

// WithShutdownTimeout bounds the graceful shutdown in Start.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdown = d
		}
	}
}

// New returns a server listening on address once started.
func New(log logger.Logger, address string, target Invalidator, opts ...Option) *Server {
	s := &Server{
		address:  address,
		logger:   log.With(map[string]interface{}{"component": "server"}),
		target:   target,
		shutdown: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler
	e.Use(s.requestLogger)
	e.DELETE("/cache/:name", s.invalidate)
	e.GET("/health", s.health)
	s.echo = e
	return s
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.address,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("listening on %s", s.address)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown")
		}
		return nil
	case err := <-errCh:
		return errors.Wrapf(err, "listen on %s", s.address)
	}
}

func (s *Server) invalidate(c echo.Context) error {
	name := c.Param("name")
	ctx, log, span := telemetry.StartSpan(c.Request().Context(), s.logger, tracer, "server.invalidate",
		trace.WithSpanKind(trace.SpanKindServer), trace.WithAttributes(attribute.String("cache.name", name)))
	defer span.End()

	n, err := s.target.Invalidate(ctx, name)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, precache.ErrInvalidConfig) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		log.Error("invalidate %s: %s", name, err)
		return err
	}
	return c.JSON(http.StatusOK, InvalidateResponse{Cache: name, Deleted: n})
}

func (s *Server) health(c echo.Context) error {
	if err := s.target.Ping(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "store unavailable").SetInternal(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		started := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		req := c.Request()
		s.logger.Debug("%s %s %d (%s)", req.Method, req.URL.Path, c.Response().Status, time.Since(started))
		return nil
	}
}

func (s *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := http.StatusText(code)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = http.StatusText(code)
		if str, ok := he.Message.(string); ok {
			msg = str
		}
		if he.Internal != nil {
			s.logger.Warn("%s %s: %s", c.Request().Method, c.Request().URL.Path, he.Internal)
		}
	}
	if !c.Response().Committed {
		_ = c.JSON(code, map[string]any{"error": msg})
	}
}
