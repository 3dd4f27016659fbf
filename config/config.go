package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/casework/precache/env"
	"github.com/casework/precache/precache"
	"github.com/casework/precache/resilience"
	"github.com/casework/precache/upstream"
	"github.com/cockroachdb/errors"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration read from strings such as "500ms", "5m" or
// "1d12h".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := str2duration.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return errors.Wrapf(err, "line %d: invalid duration %q", value.Line, s)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return str2duration.String(time.Duration(d)), nil
}

type Redis struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix,omitempty"`
}

type Server struct {
	Listen string `yaml:"listen"`
}

type Breaker struct {
	MaxFailures      int      `yaml:"max_failures"`
	Timeout          Duration `yaml:"timeout"`
	HalfOpenRequests int      `yaml:"half_open_requests,omitempty"`
	SuccessThreshold int      `yaml:"success_threshold,omitempty"`
}

// Upstream is one upstream service shared by any number of caches.
type Upstream struct {
	BaseURL     string            `yaml:"base_url"`
	Timeout     Duration          `yaml:"timeout,omitempty"`
	Retries     int               `yaml:"retries,omitempty"`
	MaxInMemory int64             `yaml:"max_in_memory,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"`
	Breaker     *Breaker          `yaml:"breaker,omitempty"`
}

// Refresh keeps a cache warm with a refresh job.
type Refresh struct {
	// KeySet is a redis set listing the keys to refresh.
	KeySet      string   `yaml:"key_set,omitempty"`
	Keys        []string `yaml:"keys,omitempty"`
	Interval    Duration `yaml:"interval"`
	Ahead       Duration `yaml:"ahead,omitempty"`
	Parallelism int      `yaml:"parallelism,omitempty"`
}

// Cache is one named cache in front of an upstream endpoint.
type Cache struct {
	Name           string     `yaml:"name"`
	Upstream       string     `yaml:"upstream"`
	Method         string     `yaml:"method,omitempty"`
	Path           string     `yaml:"path"`
	SuccessSoftTTL Duration   `yaml:"success_soft_ttl"`
	FailureSoftTTL Duration   `yaml:"failure_soft_ttl,omitempty"`
	FailureBackoff []Duration `yaml:"failure_backoff,omitempty"`
	HardTTL        Duration   `yaml:"hard_ttl"`
	WaitTimeout    Duration   `yaml:"wait_timeout,omitempty"`
	Refresh        *Refresh   `yaml:"refresh,omitempty"`
}

type Config struct {
	Redis     Redis               `yaml:"redis"`
	Server    Server              `yaml:"server,omitempty"`
	Upstreams map[string]Upstream `yaml:"upstreams"`
	Caches    []Cache             `yaml:"caches"`
}

// Load reads and validates a configuration file. ${NAME} references to
// environment variables are expanded first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(env.Interpolate(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration as a whole. Cache settings are checked
// with the same rules the client applies.
func (c *Config) Validate() error {
	var problems []string
	for name, u := range c.Upstreams {
		if u.BaseURL == "" {
			problems = append(problems, fmt.Sprintf("upstream %s: base_url is required", name))
		}
		if u.Retries < 0 {
			problems = append(problems, fmt.Sprintf("upstream %s: retries must not be negative", name))
		}
	}
	seen := map[string]bool{}
	for i, cache := range c.Caches {
		label := fmt.Sprintf("cache %d (%s)", i, cache.Name)
		if seen[cache.Name] {
			problems = append(problems, label+": duplicate name")
		}
		seen[cache.Name] = true
		if _, ok := c.Upstreams[cache.Upstream]; !ok {
			problems = append(problems, fmt.Sprintf("%s: unknown upstream %q", label, cache.Upstream))
		}
		if !strings.Contains(cache.Path, upstream.KeyPlaceholder) {
			problems = append(problems, fmt.Sprintf("%s: path %q has no %s placeholder", label, cache.Path, upstream.KeyPlaceholder))
		}
		if err := cache.PrecacheConfig().Validate(); err != nil {
			problems = append(problems, err.Error())
		}
		if r := cache.Refresh; r != nil {
			if r.Interval <= 0 {
				problems = append(problems, label+": refresh interval must be positive")
			}
			if r.KeySet == "" && len(r.Keys) == 0 {
				problems = append(problems, label+": refresh needs key_set or keys")
			}
		}
	}
	if len(problems) > 0 {
		return errors.Mark(errors.Newf("invalid config: %s", strings.Join(problems, "; ")), precache.ErrInvalidConfig)
	}
	return nil
}

// Cache returns the named cache configuration.
func (c *Config) Cache(name string) (Cache, bool) {
	for _, cache := range c.Caches {
		if cache.Name == name {
			return cache, true
		}
	}
	return Cache{}, false
}

// PrecacheConfig converts the cache settings for the client.
func (c Cache) PrecacheConfig() precache.Config {
	cfg := precache.Config{
		Name:           c.Name,
		SuccessSoftTTL: c.SuccessSoftTTL.Std(),
		FailureSoftTTL: c.FailureSoftTTL.Std(),
		HardTTL:        c.HardTTL.Std(),
		WaitTimeout:    c.WaitTimeout.Std(),
	}
	for _, step := range c.FailureBackoff {
		cfg.FailureBackoff = append(cfg.FailureBackoff, step.Std())
	}
	return cfg
}

// ClientConfig converts the upstream settings for upstream.New.
func (u Upstream) ClientConfig() upstream.Config {
	cfg := upstream.Config{
		BaseURL:     u.BaseURL,
		Timeout:     u.Timeout.Std(),
		Retries:     u.Retries,
		MaxInMemory: u.MaxInMemory,
		Headers:     u.Headers,
	}
	if b := u.Breaker; b != nil {
		cfg.Breaker = &resilience.CircuitBreakerConfig{
			MaxFailures:           b.MaxFailures,
			Timeout:               b.Timeout.Std(),
			MaxConcurrentRequests: b.HalfOpenRequests,
			SuccessThreshold:      b.SuccessThreshold,
		}
	}
	return cfg
}
