package cache

import (
	"container/list"
	"context"
	"flag"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tessera-db/tessera/pkg/util/constants"
)

// EmbeddedConfig configures the in-process cache.
type EmbeddedConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MaxSizeMB     int64         `yaml:"max_size_mb"`
	MaxItems      int           `yaml:"max_items"`
	TTL           time.Duration `yaml:"ttl"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

func (cfg *EmbeddedConfig) RegisterFlagsWithPrefix(prefix, description string, f *flag.FlagSet) {
	f.BoolVar(&cfg.Enabled, prefix+"embedded.enabled", false, description+"Whether the embedded in-process cache is enabled.")
	f.Int64Var(&cfg.MaxSizeMB, prefix+"embedded.max-size-mb", 100, description+"Maximum memory size of the embedded cache in MB.")
	f.IntVar(&cfg.MaxItems, prefix+"embedded.max-items", 0, description+"Maximum number of entries in the embedded cache. 0 for no limit.")
	f.DurationVar(&cfg.TTL, prefix+"embedded.ttl", 0, description+"Validity of entries. Defaults to the cache default validity.")
	f.DurationVar(&cfg.PurgeInterval, prefix+"embedded.purge-interval", time.Minute, description+"How often expired entries are purged.")
}

type cacheEntry struct {
	key     string
	buf     []byte
	updated time.Time
}

// Embedded is an in-process LRU cache with TTL expiry.
type Embedded struct {
	cfg    EmbeddedConfig
	logger log.Logger

	mtx      sync.Mutex
	lru      *list.List
	index    map[string]*list.Element
	currSize int64

	done chan struct{}
	wg   sync.WaitGroup

	entriesCurrent prometheus.Gauge
	memoryBytes    prometheus.Gauge
	entriesEvicted prometheus.Counter
	entriesExpired prometheus.Counter
}

func NewEmbedded(name string, cfg EmbeddedConfig, reg prometheus.Registerer, logger log.Logger) *Embedded {
	c := &Embedded{
		cfg:    cfg,
		logger: logger,
		lru:    list.New(),
		index:  map[string]*list.Element{},
		done:   make(chan struct{}),
		entriesCurrent: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace:   constants.Tessera,
			Name:        "embedded_cache_entries",
			Help:        "Current number of entries in the embedded cache.",
			ConstLabels: prometheus.Labels{"cache": name},
		}),
		memoryBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace:   constants.Tessera,
			Name:        "embedded_cache_memory_bytes",
			Help:        "Current memory used by the embedded cache.",
			ConstLabels: prometheus.Labels{"cache": name},
		}),
		entriesEvicted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace:   constants.Tessera,
			Name:        "embedded_cache_evictions_total",
			Help:        "Entries evicted from the embedded cache for space.",
			ConstLabels: prometheus.Labels{"cache": name},
		}),
		entriesExpired: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace:   constants.Tessera,
			Name:        "embedded_cache_expirations_total",
			Help:        "Entries removed from the embedded cache after their TTL.",
			ConstLabels: prometheus.Labels{"cache": name},
		}),
	}

	if cfg.TTL > 0 {
		interval := cfg.PurgeInterval
		if interval <= 0 {
			interval = time.Minute
		}
		c.wg.Add(1)
		go c.purgeLoop(interval)
	}
	return c
}

func (c *Embedded) purgeLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.purgeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Embedded) purgeExpired() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	for e := c.lru.Back(); e != nil; {
		prev := e.Prev()
		entry := e.Value.(*cacheEntry)
		if time.Since(entry.updated) > c.cfg.TTL {
			c.remove(e)
			c.entriesExpired.Inc()
		}
		e = prev
	}
}

// remove must be called with the lock held.
func (c *Embedded) remove(e *list.Element) {
	entry := c.lru.Remove(e).(*cacheEntry)
	delete(c.index, entry.key)
	c.currSize -= int64(len(entry.key) + len(entry.buf))
	c.entriesCurrent.Dec()
	c.memoryBytes.Set(float64(c.currSize))
}

func (c *Embedded) Store(_ context.Context, keys []string, bufs [][]byte) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	for i := range keys {
		if e, ok := c.index[keys[i]]; ok {
			c.remove(e)
		}
		entry := &cacheEntry{key: keys[i], buf: bufs[i], updated: time.Now()}
		c.index[keys[i]] = c.lru.PushFront(entry)
		c.currSize += int64(len(entry.key) + len(entry.buf))
		c.entriesCurrent.Inc()
		c.memoryBytes.Set(float64(c.currSize))
	}

	maxSize := c.cfg.MaxSizeMB * 1e6
	for (maxSize > 0 && c.currSize > maxSize) || (c.cfg.MaxItems > 0 && c.lru.Len() > c.cfg.MaxItems) {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest)
		c.entriesEvicted.Inc()
	}
	return nil
}

func (c *Embedded) Fetch(_ context.Context, keys []string) (found []string, bufs [][]byte, missing []string, err error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	for _, key := range keys {
		e, ok := c.index[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		entry := e.Value.(*cacheEntry)
		if c.cfg.TTL > 0 && time.Since(entry.updated) > c.cfg.TTL {
			c.remove(e)
			c.entriesExpired.Inc()
			missing = append(missing, key)
			continue
		}
		c.lru.MoveToFront(e)
		found = append(found, key)
		bufs = append(bufs, entry.buf)
	}
	return found, bufs, missing, nil
}

func (c *Embedded) Stop() {
	close(c.done)
	c.wg.Wait()

	c.mtx.Lock()
	defer c.mtx.Unlock()
	level.Debug(c.logger).Log("msg", "embedded cache stopped", "entries", c.lru.Len())
	c.lru.Init()
	c.index = map[string]*list.Element{}
	c.currSize = 0
	c.entriesCurrent.Set(0)
	c.memoryBytes.Set(0)
}
