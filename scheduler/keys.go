package scheduler

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// KeySource lists the keys a job keeps warm. It is the business side's view
// of which keys will be read soon.
type KeySource interface {
	Keys(ctx context.Context) ([]string, error)
}

// StaticKeys is a fixed list of keys.
type StaticKeys []string

func (s StaticKeys) Keys(context.Context) ([]string, error) {
	return slices.Clone(s), nil
}

// KeySourceFunc adapts a function to KeySource.
type KeySourceFunc func(ctx context.Context) ([]string, error)

func (f KeySourceFunc) Keys(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// RedisSetKeys reads the members of a redis set maintained by the business
// application, for example the CRNs of everybody with an appointment today.
type RedisSetKeys struct {
	Client redis.Cmdable
	Key    string
}

func (r RedisSetKeys) Keys(ctx context.Context) ([]string, error) {
	members, err := r.Client.SMembers(ctx, r.Key).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "read key set %s", r.Key)
	}
	slices.Sort(members)
	return members, nil
}

// Merge returns a source listing the keys of every source in turn. A failing
// source fails the whole listing.
func Merge(sources ...KeySource) KeySource {
	return KeySourceFunc(func(ctx context.Context) ([]string, error) {
		var keys []string
		for _, src := range sources {
			k, err := src.Keys(ctx)
			if err != nil {
				return nil, err
			}
			keys = append(keys, k...)
		}
		return keys, nil
	})
}
