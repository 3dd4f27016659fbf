package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes a lock only when it still carries the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

const scanBatch = 100

type redisStore struct {
	client *redis.Client
	cfg    config
}

var _ Store = (*redisStore)(nil)

// NewRedis returns a new Store backed by Redis.
// The caller owns the redis.Client.
func NewRedis(client *redis.Client, opts ...Option) Store {
	return &redisStore{
		client: client,
		cfg:    applyOptions(opts),
	}
}

func (c *redisStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

func (c *redisStore) prefixKey(key string) string {
	if c.cfg.prefix == "" {
		return key
	}
	return c.cfg.prefix + ":" + key
}

func (c *redisStore) Get(ctx context.Context, key string) (bool, []byte, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	data, err := c.client.Get(qctx, c.prefixKey(key)).Bytes()
	if err == redis.Nil {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, errors.Wrapf(err, "redis get %s", key)
	}
	return true, data, nil
}

func (c *redisStore) Set(ctx context.Context, key string, val []byte, expires time.Duration) error {
	if expires <= 0 {
		expires = c.cfg.defaultExpires
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if err := c.client.Set(qctx, c.prefixKey(key), val, expires).Err(); err != nil {
		return errors.Wrapf(err, "redis set %s", key)
	}
	return nil
}

func (c *redisStore) Expire(ctx context.Context, key string) (bool, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	n, err := c.client.Del(qctx, c.prefixKey(key)).Result()
	if err != nil {
		return false, errors.Wrapf(err, "redis del %s", key)
	}
	return n > 0, nil
}

func (c *redisStore) ExpirePrefix(ctx context.Context, prefix string) (int, error) {
	pattern := escapeGlob(c.prefixKey(prefix)) + "*"
	var (
		cursor  uint64
		deleted int
	)
	for {
		qctx, cancel := c.queryCtx(ctx)
		batch, next, err := c.client.Scan(qctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			cancel()
			return deleted, errors.Wrapf(err, "redis scan %s", pattern)
		}
		if len(batch) > 0 {
			n, err := c.client.Del(qctx, batch...).Result()
			if err != nil {
				cancel()
				return deleted, errors.Wrapf(err, "redis del %d keys", len(batch))
			}
			deleted += int(n)
		}
		cancel()
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func (c *redisStore) Lock(ctx context.Context, key string, ttl time.Duration) (Lock, bool, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	token := uuid.NewString()
	k := c.prefixKey(key)
	ok, err := c.client.SetNX(qctx, k, token, ttl).Result()
	if err != nil {
		return nil, false, errors.Wrapf(err, "redis lock %s", key)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLock{store: c, key: key, fullKey: k, token: token}, true, nil
}

func (c *redisStore) Ping(ctx context.Context) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	return c.client.Ping(qctx).Err()
}

// Close is a no-op. The caller owns the redis.Client.
func (c *redisStore) Close() error {
	return nil
}

type redisLock struct {
	store   *redisStore
	key     string
	fullKey string
	token   string
}

func (l *redisLock) Key() string { return l.key }

func (l *redisLock) Release(ctx context.Context) error {
	qctx, cancel := l.store.queryCtx(ctx)
	defer cancel()
	n, err := releaseScript.Run(qctx, l.store.client, []string{l.fullKey}, l.token).Int()
	if err != nil {
		return errors.Wrapf(err, "redis unlock %s", l.key)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}
