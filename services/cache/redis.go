package cachesvc

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/trezcool/masomo-messaging/core"
	"github.com/trezcool/masomo-messaging/core/realtime"
)

// NewRedisClient connects to conf.RedisURL and checks the connection.
func NewRedisClient(ctx context.Context, conf *core.Config) (*redis.Client, error) {
	if conf.RedisURL == "" {
		return nil, errors.New("redis: no url configured")
	}
	opt, err := redis.ParseURL(conf.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "redis: parsing url")
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err = client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis: ping")
	}
	return client, nil
}

// setIfEqual sets KEYS[1] to ARGV[1] (ttl ARGV[3] ms) while the counter at KEYS[2] equals ARGV[2].
var setIfEqual = redis.NewScript(`
local cur = redis.call('GET', KEYS[2])
if not cur then cur = '0' end
if cur ~= ARGV[2] then return 0 end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

// RedisCache is the realtime.Cache shared by every API instance.
type RedisCache struct {
	client *redis.Client
}

var _ realtime.Cache = (*RedisCache)(nil)

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	res, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", realtime.ErrMiss
	}
	if err != nil {
		return "", err
	}
	return res, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return c.client.Del(ctx, keys...).Result()
}

func (c *RedisCache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *RedisCache) SetIfEqual(ctx context.Context, key, value string, ttl time.Duration, guardKey string, guard int64) (bool, error) {
	n, err := setIfEqual.Run(ctx, c.client, []string{key, guardKey}, value, strconv.FormatInt(guard, 10), ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
