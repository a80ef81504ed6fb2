package cache

import (
	"context"
	"flag"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/gomemcache/memcache"
)

// MemcachedConfig configures the memcached backend.
type MemcachedConfig struct {
	Addresses    string        `yaml:"addresses"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	Expiration   time.Duration `yaml:"expiration"`
}

func (cfg *MemcachedConfig) RegisterFlagsWithPrefix(prefix, description string, f *flag.FlagSet) {
	f.StringVar(&cfg.Addresses, prefix+"memcached.addresses", "", description+"Comma separated addresses list in the dns:port format.")
	f.DurationVar(&cfg.Timeout, prefix+"memcached.timeout", 100*time.Millisecond, description+"Maximum time to wait before giving up on memcached requests.")
	f.IntVar(&cfg.MaxIdleConns, prefix+"memcached.max-idle-conns", 16, description+"Maximum number of idle connections in the pool.")
	f.DurationVar(&cfg.Expiration, prefix+"memcached.expiration", 0, description+"How long keys stay in memcached. Defaults to the cache default validity.")
}

// Memcached is a memcached-backed Cache.
type Memcached struct {
	cfg    MemcachedConfig
	client *memcache.Client
	logger log.Logger
}

func NewMemcached(cfg MemcachedConfig, logger log.Logger) *Memcached {
	client := memcache.New(strings.Split(cfg.Addresses, ",")...)
	client.Timeout = cfg.Timeout
	client.MaxIdleConns = cfg.MaxIdleConns
	return &Memcached{cfg: cfg, client: client, logger: logger}
}

func (m *Memcached) Store(_ context.Context, keys []string, bufs [][]byte) error {
	for i := range keys {
		item := &memcache.Item{
			Key:        keys[i],
			Value:      bufs[i],
			Expiration: int32(m.cfg.Expiration.Seconds()),
		}
		if err := m.client.Set(item); err != nil {
			level.Warn(m.logger).Log("msg", "failed to put to memcached", "name", keys[i], "err", err)
			return err
		}
	}
	return nil
}

func (m *Memcached) Fetch(_ context.Context, keys []string) (found []string, bufs [][]byte, missing []string, err error) {
	items, err := m.client.GetMulti(keys)
	if err != nil {
		level.Warn(m.logger).Log("msg", "failed to get from memcached", "err", err)
		return nil, nil, keys, err
	}
	for _, key := range keys {
		item, ok := items[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		found = append(found, key)
		bufs = append(bufs, item.Value)
	}
	return found, bufs, missing, nil
}

func (m *Memcached) Stop() {}
