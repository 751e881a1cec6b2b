package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// unlockScript deletes the key only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig tunes the distributed lock.
type RedisConfig struct {
	Prefix     string        // key namespace, e.g. "entitlements:lock:"
	TTL        time.Duration // lease; a crashed holder releases after TTL
	RetryDelay time.Duration
	Wait       time.Duration // maximum time spent acquiring
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.Prefix == "" {
		c.Prefix = "entitlements:lock:"
	}
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 25 * time.Millisecond
	}
	if c.Wait <= 0 {
		c.Wait = 10 * time.Second
	}
	return c
}

// Redis is a Locker shared by every replica through a Redis instance.
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
}

// NewRedis connects to redisURL (redis://[:password@]host:port/db).
func NewRedis(ctx context.Context, redisURL string, cfg RedisConfig) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisWithClient(client, cfg), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, cfg RedisConfig) *Redis {
	return &Redis{client: client, cfg: cfg.withDefaults()}
}

// Lock polls SET NX until the key is taken, the wait expires or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := r.cfg.Prefix + key
	token := ulid.Make().String()

	waitCtx, cancel := context.WithTimeout(ctx, r.cfg.Wait)
	defer cancel()

	ticker := time.NewTicker(r.cfg.RetryDelay)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(waitCtx, redisKey, token, r.cfg.TTL).Result()
		if err != nil && waitCtx.Err() == nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w", key, ErrNotAcquired)
		case <-ticker.C:
		}
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := unlockScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to release redis lock")
		}
	}, nil
}

// Ping checks redis connectivity (used for readiness probes).
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
