package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type value struct {
	data    []byte
	expires time.Time
}

type inMemoryCache struct {
	ctx       context.Context
	cancel    context.CancelFunc
	cache     map[string]*value
	mutex     sync.Mutex
	waitGroup sync.WaitGroup
	once      sync.Once
	cfg       config
}

var _ Store = (*inMemoryCache)(nil)

func (c *inMemoryCache) expired(v *value) bool {
	return !c.cfg.clock.Now().Before(v.expires)
}

func (c *inMemoryCache) Get(_ context.Context, key string) (bool, []byte, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	val, ok := c.cache[key]
	if !ok {
		return false, nil, nil
	}
	if c.expired(val) {
		delete(c.cache, key)
		return false, nil, nil
	}
	return true, append([]byte(nil), val.data...), nil
}

func (c *inMemoryCache) Set(_ context.Context, key string, val []byte, expires time.Duration) error {
	if expires <= 0 {
		expires = c.cfg.defaultExpires
	}
	c.mutex.Lock()
	c.cache[key] = &value{append([]byte(nil), val...), c.cfg.clock.Now().Add(expires)}
	c.mutex.Unlock()
	return nil
}

func (c *inMemoryCache) Expire(_ context.Context, key string) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	val, ok := c.cache[key]
	if !ok {
		return false, nil
	}
	delete(c.cache, key)
	return !c.expired(val), nil
}

func (c *inMemoryCache) ExpirePrefix(_ context.Context, prefix string) (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	var n int
	for key, val := range c.cache {
		if strings.HasPrefix(key, prefix) {
			if !c.expired(val) {
				n++
			}
			delete(c.cache, key)
		}
	}
	return n, nil
}

func (c *inMemoryCache) Lock(_ context.Context, key string, ttl time.Duration) (Lock, bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if val, ok := c.cache[key]; ok && !c.expired(val) {
		return nil, false, nil
	}
	token := uuid.NewString()
	c.cache[key] = &value{[]byte(token), c.cfg.clock.Now().Add(ttl)}
	return &memoryLock{cache: c, key: key, token: token}, true, nil
}

func (c *inMemoryCache) Ping(_ context.Context) error {
	return c.ctx.Err()
}

func (c *inMemoryCache) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.waitGroup.Wait()
	})
	return nil
}

func (c *inMemoryCache) run() {
	defer c.waitGroup.Done()
	ticker := c.cfg.clock.Ticker(c.cfg.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mutex.Lock()
			for key, val := range c.cache {
				if c.expired(val) {
					delete(c.cache, key)
				}
			}
			c.mutex.Unlock()
		}
	}
}

type memoryLock struct {
	cache *inMemoryCache
	key   string
	token string
}

func (l *memoryLock) Key() string { return l.key }

func (l *memoryLock) Release(_ context.Context) error {
	c := l.cache
	c.mutex.Lock()
	defer c.mutex.Unlock()
	val, ok := c.cache[l.key]
	if !ok || c.expired(val) || string(val.data) != l.token {
		return ErrLockNotHeld
	}
	delete(c.cache, l.key)
	return nil
}

// NewInMemory returns a new in-process Store. It is not shared across
// processes and is meant for tests and single-node deployments.
func NewInMemory(parent context.Context, opts ...Option) Store {
	cfg := applyOptions(opts)
	ctx, cancel := context.WithCancel(parent)
	c := &inMemoryCache{
		ctx:    ctx,
		cancel: cancel,
		cache:  make(map[string]*value),
		cfg:    cfg,
	}
	c.waitGroup.Add(1)
	go c.run()
	return c
}
