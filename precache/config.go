package precache

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/cockroachdb/errors"
)

// Separator joins a cache name and a key into a qualified key.
const Separator = "-"

// DefaultWaitTimeout bounds wait-mode calls when neither the call nor the
// cache configuration sets a timeout.
const DefaultWaitTimeout = 5 * time.Second

var nameRegexp = regexp.MustCompile(`^[A-Za-z0-9_.]+$`)

// Config describes one named cache. It is validated once by Client.Cache and
// must not be changed afterwards.
type Config struct {
	// Name prefixes every key of the cache. Letters, digits, '_' and '.' only.
	Name string
	// SuccessSoftTTL is how long a successful entry is served before it is
	// considered stale.
	SuccessSoftTTL time.Duration
	// FailureSoftTTL is how long a failed entry is served before the upstream
	// may be retried. Used when FailureBackoff is empty.
	FailureSoftTTL time.Duration
	// FailureBackoff is the retry delay after the 1st, 2nd, ... consecutive
	// failure. The last step repeats.
	FailureBackoff []time.Duration
	// HardTTL is the store level expiry of every entry.
	HardTTL time.Duration
	// WaitTimeout is the default bound of wait-mode calls.
	WaitTimeout time.Duration
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var problems []string
	if err := ValidateName(c.Name); err != nil {
		problems = append(problems, err.Error())
	}
	if c.SuccessSoftTTL <= 0 {
		problems = append(problems, "success soft ttl must be positive")
	}
	if c.FailureSoftTTL < 0 {
		problems = append(problems, "failure soft ttl must not be negative")
	}
	if c.FailureSoftTTL == 0 && len(c.FailureBackoff) == 0 {
		problems = append(problems, "one of failure soft ttl or failure backoff is required")
	}
	for i, step := range c.FailureBackoff {
		if step <= 0 {
			problems = append(problems, fmt.Sprintf("failure backoff step %d must be positive", i))
		}
	}
	if c.HardTTL <= 0 {
		problems = append(problems, "hard ttl must be positive")
	} else {
		longest := max(c.SuccessSoftTTL, c.FailureSoftTTL)
		if len(c.FailureBackoff) > 0 {
			longest = max(longest, slices.Max(c.FailureBackoff))
		}
		if c.HardTTL < longest {
			problems = append(problems, fmt.Sprintf("hard ttl %s is shorter than soft ttl %s", c.HardTTL, longest))
		}
	}
	if c.WaitTimeout < 0 {
		problems = append(problems, "wait timeout must not be negative")
	}
	if len(problems) > 0 {
		return errors.Mark(errors.Newf("cache %q: %s", c.Name, strings.Join(problems, "; ")), ErrInvalidConfig)
	}
	return nil
}

// failureTTL returns the soft ttl after the given number of consecutive
// failures (1 based).
func (c Config) failureTTL(failures int) time.Duration {
	if len(c.FailureBackoff) == 0 {
		return c.FailureSoftTTL
	}
	step := min(max(failures, 1), len(c.FailureBackoff)) - 1
	return c.FailureBackoff[step]
}

func (c Config) clone() Config {
	c.FailureBackoff = slices.Clone(c.FailureBackoff)
	return c
}

// ValidateName checks that name can be used as a cache name.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return errors.Mark(errors.Newf("invalid cache name %q", name), ErrInvalidConfig)
	}
	return nil
}

// ValidateKey checks that key can be used as a cache key.
func ValidateKey(key string) error {
	if key == "" {
		return errors.Mark(errors.New("empty cache key"), ErrInvalidKey)
	}
	if strings.IndexFunc(key, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		return errors.Mark(errors.Newf("invalid cache key %q", key), ErrInvalidKey)
	}
	return nil
}

// QualifiedKey joins name and key. Cache names cannot contain the separator,
// so the result is unique per (name, key) pair.
func QualifiedKey(name, key string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return name + Separator + key, nil
}
