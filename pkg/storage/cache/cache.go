// Package cache provides the byte caches backing per-segment result
// caching: an embedded in-memory cache, memcached and redis backends, and
// a write-behind wrapper for asynchronous population.
package cache

import (
	"context"
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Cache stores byte buffers by key.
type Cache interface {
	Store(ctx context.Context, keys []string, bufs [][]byte) error
	Fetch(ctx context.Context, keys []string) (found []string, bufs [][]byte, missing []string, err error)
	Stop()
}

// Config for building Caches.
type Config struct {
	DefaultValidity time.Duration `yaml:"default_validity"`

	Background BackgroundConfig `yaml:"background"`
	Embedded   EmbeddedConfig   `yaml:"embedded"`
	Memcached  MemcachedConfig  `yaml:"memcached"`
	Redis      RedisConfig      `yaml:"redis"`

	// This is to name the cache metrics properly.
	Prefix string `yaml:"prefix" doc:"hidden"`

	// For tests to inject specific implementations.
	Cache Cache `yaml:"-"`
}

// RegisterFlagsWithPrefix adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlagsWithPrefix(prefix, description string, f *flag.FlagSet) {
	cfg.Background.RegisterFlagsWithPrefix(prefix, description, f)
	cfg.Embedded.RegisterFlagsWithPrefix(prefix, description, f)
	cfg.Memcached.RegisterFlagsWithPrefix(prefix, description, f)
	cfg.Redis.RegisterFlagsWithPrefix(prefix, description, f)
	f.DurationVar(&cfg.DefaultValidity, prefix+"default-validity", time.Hour, description+"The default validity of entries for caches unless overridden.")

	cfg.Prefix = prefix
}

// IsEmbeddedSet returns whether the embedded cache was enabled.
func IsEmbeddedSet(cfg Config) bool { return cfg.Embedded.Enabled }

// IsMemcachedSet returns whether a non-empty memcached config is set, based
// on the configured addresses.
func IsMemcachedSet(cfg Config) bool { return cfg.Memcached.Addresses != "" }

// IsRedisSet returns whether a non-empty redis config is set, based on the
// configured endpoint.
func IsRedisSet(cfg Config) bool { return cfg.Redis.Endpoint != "" }

// IsConfigured determines whether any cache backend was configured.
func IsConfigured(cfg Config) bool {
	return IsEmbeddedSet(cfg) || IsMemcachedSet(cfg) || IsRedisSet(cfg) || cfg.Cache != nil
}

// New creates a Cache from Config. Remote backends are wrapped for
// write-behind storing, every backend is instrumented.
func New(cfg Config, reg prometheus.Registerer, logger log.Logger) (Cache, error) {
	if cfg.Cache != nil {
		return cfg.Cache, nil
	}

	n := 0
	for _, set := range []bool{IsEmbeddedSet(cfg), IsMemcachedSet(cfg), IsRedisSet(cfg)} {
		if set {
			n++
		}
	}
	if n > 1 {
		return nil, errors.New("use of multiple cache storage systems is not supported")
	}

	if IsEmbeddedSet(cfg) {
		emb := cfg.Embedded
		if emb.TTL == 0 && cfg.DefaultValidity != 0 {
			emb.TTL = cfg.DefaultValidity
		}
		name := cfg.Prefix + "embedded"
		return Instrument(name, NewEmbedded(name, emb, reg, logger), reg), nil
	}

	if IsMemcachedSet(cfg) {
		mc := cfg.Memcached
		if mc.Expiration == 0 && cfg.DefaultValidity != 0 {
			mc.Expiration = cfg.DefaultValidity
		}
		name := cfg.Prefix + "memcached"
		return NewBackground(name, cfg.Background, Instrument(name, NewMemcached(mc, logger), reg), reg), nil
	}

	if IsRedisSet(cfg) {
		rd := cfg.Redis
		if rd.Expiration == 0 && cfg.DefaultValidity != 0 {
			rd.Expiration = cfg.DefaultValidity
		}
		name := cfg.Prefix + "redis"
		client, err := NewRedisClient(&rd)
		if err != nil {
			return nil, errors.Wrap(err, "redis client setup failed")
		}
		return NewBackground(name, cfg.Background, Instrument(name, NewRedisCache(name, client, rd, logger), reg), reg), nil
	}

	return nil, nil
}
