package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/casework/precache/logger"
	"github.com/casework/precache/precache"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// DefaultParallelism is the number of keys a sweep refreshes at once.
const DefaultParallelism = 4

var tracer = otel.Tracer("github.com/casework/precache/scheduler")

// Job keeps the keys listed by Source warm in Cache.
type Job struct {
	Name   string
	Cache  *precache.Cache
	Source KeySource
	// Fetch returns the upstream call for a key.
	Fetch func(key string) (precache.Call, precache.FetchFunc)
	// Interval is the time between two sweeps.
	Interval time.Duration
	// Ahead refreshes entries that go stale within this window. Defaults to
	// Interval, so no key goes stale between two sweeps.
	Ahead time.Duration
	// Parallelism bounds concurrent upstream calls of one sweep.
	Parallelism int
}

func (j *Job) validate() error {
	switch {
	case j.Name == "":
		return errors.New("job name is required")
	case j.Cache == nil:
		return errors.Newf("job %s: cache is required", j.Name)
	case j.Source == nil:
		return errors.Newf("job %s: key source is required", j.Name)
	case j.Fetch == nil:
		return errors.Newf("job %s: fetch is required", j.Name)
	case j.Interval < 0 || j.Ahead < 0:
		return errors.Newf("job %s: interval and ahead must not be negative", j.Name)
	}
	return nil
}

// SweepStats summarises one sweep of a job.
type SweepStats struct {
	Keys      int
	Refreshed int
	Fresh     int
	Failed    int
	Duration  time.Duration
}

// Scheduler runs refresh jobs on their own interval.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger logger.Logger
	clock  clock.Clock
	mu     sync.Mutex
	jobs   []*Job
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock driving the job tickers.
func WithClock(clk clock.Clock) Option {
	return func(s *Scheduler) {
		if clk != nil {
			s.clock = clk
		}
	}
}

// New returns a scheduler that stops when parent is done or Close is called.
func New(parent context.Context, log logger.Logger, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(parent)
	s := &Scheduler{
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(map[string]interface{}{"component": "scheduler"}),
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a job. Jobs added after Run has started are not run.
func (s *Scheduler) Add(job Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	if job.Interval <= 0 {
		return errors.Newf("job %s: interval must be positive", job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job)
	return nil
}

// Jobs returns the names of the registered jobs.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		names = append(names, j.Name)
	}
	return names
}

// Run sweeps every job once and then on every tick of its interval, until
// ctx is done or the scheduler is closed. Sweeps of one job never overlap.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	jobs := append([]*Job(nil), s.jobs...)
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	s.logger.Info("scheduler is running %d jobs", len(jobs))
	defer s.logger.Info("scheduler is stopped")
	for _, job := range jobs {
		s.wg.Add(1)
		go func(job *Job) {
			defer s.wg.Done()
			s.loop(ctx, job)
		}(job)
	}
	<-ctx.Done()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job *Job) {
	ticker := s.clock.Ticker(job.Interval)
	defer ticker.Stop()
	for {
		stats, err := s.Sweep(ctx, *job)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			s.logger.Error("sweep of %s failed: %s", job.Name, err)
		default:
			s.logger.Debug("sweep of %s: %d keys, %d refreshed, %d fresh, %d failed in %s",
				job.Name, stats.Keys, stats.Refreshed, stats.Fresh, stats.Failed, stats.Duration)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep refreshes every distinct key listed by the job's source that is
// missing, stale or due within the ahead window. Failures of single keys are
// counted, not returned.
func (s *Scheduler) Sweep(ctx context.Context, job Job) (stats SweepStats, err error) {
	if err := job.validate(); err != nil {
		return stats, err
	}
	ctx, span := tracer.Start(ctx, "scheduler.Sweep", trace.WithAttributes(attribute.String("job.name", job.Name)))
	start := s.clock.Now()
	defer func() {
		stats.Duration = s.clock.Since(start)
		span.SetAttributes(
			attribute.Int("sweep.keys", stats.Keys),
			attribute.Int("sweep.refreshed", stats.Refreshed),
			attribute.Int("sweep.fresh", stats.Fresh),
			attribute.Int("sweep.failed", stats.Failed),
		)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}
		span.End()
	}()

	listed, err := job.Source.Keys(ctx)
	if err != nil {
		return stats, errors.Wrapf(err, "list keys of %s", job.Name)
	}
	keys := dedupe(listed)
	stats.Keys = len(keys)

	ahead := job.Ahead
	if ahead == 0 {
		ahead = job.Interval
	}
	parallelism := job.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}

	var refreshed, fresh, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(parallelism)
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			call, fetch := job.Fetch(key)
			res, err := job.Cache.Get(ctx, key, call, fetch, precache.PreemptiveAhead(ahead))
			switch {
			case err != nil:
				failed.Add(1)
				s.logger.Debug("refresh of %s/%s failed: %s", job.Name, key, err)
			case res.FromCache:
				fresh.Add(1)
			default:
				refreshed.Add(1)
			}
			if res != nil && res.Stream != nil {
				res.Stream.Close()
			}
			return nil
		})
	}
	_ = g.Wait()

	stats.Refreshed = int(refreshed.Load())
	stats.Fresh = int(fresh.Load())
	stats.Failed = int(failed.Load())
	return stats, ctx.Err()
}

// Close stops Run and waits for running sweeps to return.
func (s *Scheduler) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

// dedupe drops repeated keys, keeping the first occurrence.
func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
