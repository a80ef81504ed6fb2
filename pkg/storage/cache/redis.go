package cache

import (
	"context"
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Endpoint   string         `yaml:"endpoint"`
	Password   flagext.Secret `yaml:"password"`
	DB         int            `yaml:"db"`
	Timeout    time.Duration  `yaml:"timeout"`
	Expiration time.Duration  `yaml:"expiration"`
}

func (cfg *RedisConfig) RegisterFlagsWithPrefix(prefix, description string, f *flag.FlagSet) {
	f.StringVar(&cfg.Endpoint, prefix+"redis.endpoint", "", description+"Redis endpoint in the host:port format.")
	f.Var(&cfg.Password, prefix+"redis.password", description+"Password to use when connecting to redis.")
	f.IntVar(&cfg.DB, prefix+"redis.db", 0, description+"Database index.")
	f.DurationVar(&cfg.Timeout, prefix+"redis.timeout", 500*time.Millisecond, description+"Maximum time to wait before giving up on redis requests.")
	f.DurationVar(&cfg.Expiration, prefix+"redis.expiration", 0, description+"How long keys stay in redis. Defaults to the cache default validity.")
}

// NewRedisClient builds a redis client from config.
func NewRedisClient(cfg *RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:     cfg.Endpoint,
		Password: cfg.Password.String(),
		DB:       cfg.DB,
	}
	if cfg.Timeout > 0 {
		opts.DialTimeout = cfg.Timeout
		opts.ReadTimeout = cfg.Timeout
		opts.WriteTimeout = cfg.Timeout
	}
	return redis.NewClient(opts), nil
}

// RedisCache is a redis-backed Cache.
type RedisCache struct {
	name   string
	cfg    RedisConfig
	client *redis.Client
	logger log.Logger
}

func NewRedisCache(name string, client *redis.Client, cfg RedisConfig, logger log.Logger) *RedisCache {
	return &RedisCache{name: name, cfg: cfg, client: client, logger: logger}
}

func (c *RedisCache) Store(ctx context.Context, keys []string, bufs [][]byte) error {
	pipe := c.client.Pipeline()
	for i := range keys {
		pipe.Set(ctx, keys[i], bufs[i], c.cfg.Expiration)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		level.Warn(c.logger).Log("msg", "failed to put to redis", "name", c.name, "err", err)
		return err
	}
	return nil
}

func (c *RedisCache) Fetch(ctx context.Context, keys []string) (found []string, bufs [][]byte, missing []string, err error) {
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		level.Warn(c.logger).Log("msg", "failed to get from redis", "name", c.name, "err", err)
		return nil, nil, keys, err
	}
	for i, key := range keys {
		if i >= len(values) || values[i] == nil {
			missing = append(missing, key)
			continue
		}
		s, ok := values[i].(string)
		if !ok {
			missing = append(missing, key)
			continue
		}
		found = append(found, key)
		bufs = append(bufs, []byte(s))
	}
	return found, bufs, missing, nil
}

func (c *RedisCache) Stop() {
	if err := c.client.Close(); err != nil {
		level.Error(c.logger).Log("msg", "error closing redis client", "err", err)
	}
}
