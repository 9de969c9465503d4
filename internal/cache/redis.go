package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache shares replies between relay replicas. Like Cache it is best
// effort: Redis failures are logged and count as misses.
type RedisCache struct {
	client  redis.UniversalClient
	ttl     time.Duration
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

type redisEntry struct {
	Response string    `json:"response"`
	StoredAt time.Time `json:"stored_at"`
}

func NewRedis(client redis.UniversalClient, ttl time.Duration, prefix string, timeout time.Duration, logger *slog.Logger) *RedisCache {
	return &RedisCache{
		client:  client,
		ttl:     ttl,
		prefix:  prefix,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "response-cache")),
	}
}

func (c *RedisCache) Get(key string) (Entry, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	val, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("redis get failed", slog.String("error", err.Error()))
		}
		c.misses.Add(1)
		return Entry{}, false
	}
	var stored redisEntry
	if err := json.Unmarshal(val, &stored); err != nil {
		c.logger.Warn("discarding malformed cache entry", slog.String("error", err.Error()))
		c.misses.Add(1)
		return Entry{}, false
	}
	c.hits.Add(1)
	return Entry{Response: stored.Response, StoredAt: stored.StoredAt}, true
}

func (c *RedisCache) Put(key, response string) {
	data, err := json.Marshal(redisEntry{Response: response, StoredAt: time.Now().UTC()})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.client.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("redis set failed", slog.String("error", err.Error()))
	}
}

func (c *RedisCache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
