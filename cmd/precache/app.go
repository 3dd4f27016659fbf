package main

import (
	"context"
	"sort"

	"github.com/casework/precache/cache"
	"github.com/casework/precache/config"
	"github.com/casework/precache/logger"
	"github.com/casework/precache/precache"
	"github.com/casework/precache/scheduler"
	"github.com/casework/precache/upstream"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// app holds everything built from one configuration file.
type app struct {
	cfg       *config.Config
	logger    logger.Logger
	redis     *redis.Client
	client    *precache.Client
	upstreams map[string]*upstream.Client
	caches    map[string]*precache.Cache
	endpoints map[string]upstream.Endpoint
}

// newApp connects to redis and builds the client, upstreams and caches.
// redisURL overrides the configured url when set.
func newApp(ctx context.Context, log logger.Logger, cfg *config.Config, redisURL string) (*app, error) {
	if redisURL == "" {
		redisURL = cfg.Redis.URL
	}
	if redisURL == "" {
		return nil, errors.New("a redis url is required")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "error parsing redis url")
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrapf(err, "error connecting to redis at %s", opts.Addr)
	}

	a := &app{
		cfg:       cfg,
		logger:    log,
		redis:     rdb,
		client:    precache.New(log, cache.NewRedis(rdb, cache.WithPrefix(cfg.Redis.Prefix))),
		upstreams: make(map[string]*upstream.Client, len(cfg.Upstreams)),
		caches:    make(map[string]*precache.Cache, len(cfg.Caches)),
		endpoints: make(map[string]upstream.Endpoint, len(cfg.Caches)),
	}
	for name, u := range cfg.Upstreams {
		a.upstreams[name] = upstream.New(log, name, u.ClientConfig())
	}
	for _, c := range cfg.Caches {
		handle, err := a.client.Cache(c.PrecacheConfig())
		if err != nil {
			rdb.Close()
			return nil, err
		}
		a.caches[c.Name] = handle
		a.endpoints[c.Name] = upstream.Endpoint{Client: a.upstreams[c.Upstream], Method: c.Method, Path: c.Path}
	}
	log.Debug("configured %d caches over %d upstreams", len(a.caches), len(a.upstreams))
	return a, nil
}

// get reads key from the named cache.
func (a *app) get(ctx context.Context, name, key string, mode precache.Mode) (*precache.Result, error) {
	c, ok := a.caches[name]
	if !ok {
		return nil, errors.Mark(errors.Newf("unknown cache %q", name), precache.ErrInvalidConfig)
	}
	call, fetch := a.endpoints[name].Fetch(key)
	return c.Get(ctx, key, call, fetch, mode)
}

// jobs returns a refresh job for every cache with a refresh section.
func (a *app) jobs() []scheduler.Job {
	var jobs []scheduler.Job
	for _, c := range a.cfg.Caches {
		r := c.Refresh
		if r == nil {
			continue
		}
		var sources []scheduler.KeySource
		if r.KeySet != "" {
			sources = append(sources, scheduler.RedisSetKeys{Client: a.redis, Key: r.KeySet})
		}
		if len(r.Keys) > 0 {
			sources = append(sources, scheduler.StaticKeys(r.Keys))
		}
		source := sources[0]
		if len(sources) > 1 {
			source = scheduler.Merge(sources...)
		}
		jobs = append(jobs, scheduler.Job{
			Name:        c.Name,
			Cache:       a.caches[c.Name],
			Source:      source,
			Fetch:       a.endpoints[c.Name].Fetch,
			Interval:    r.Interval.Std(),
			Ahead:       r.Ahead.Std(),
			Parallelism: r.Parallelism,
		})
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs
}

func (a *app) Close() error {
	return a.redis.Close()
}
