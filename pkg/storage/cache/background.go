package cache

import (
	"context"
	"flag"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tessera-db/tessera/pkg/util/constants"
)

// BackgroundConfig is config for a Background Cache.
type BackgroundConfig struct {
	WriteBackGoroutines int `yaml:"writeback_goroutines"`
	WriteBackBuffer     int `yaml:"writeback_buffer"`
}

func (cfg *BackgroundConfig) RegisterFlagsWithPrefix(prefix, description string, f *flag.FlagSet) {
	f.IntVar(&cfg.WriteBackGoroutines, prefix+"background.write-back-concurrency", 10, description+"At what concurrency to write back to cache.")
	f.IntVar(&cfg.WriteBackBuffer, prefix+"background.write-back-buffer", 10000, description+"How many key batches to buffer for background write-back.")
}

type backgroundCache struct {
	Cache

	wg       sync.WaitGroup
	mtx      sync.RWMutex
	stopped  bool
	bgWrites chan backgroundWrite

	droppedWriteBack prometheus.Counter
	queueLength      prometheus.Gauge
}

type backgroundWrite struct {
	keys []string
	bufs [][]byte
}

// NewBackground returns a new Cache that does stores on background
// goroutines. Store never blocks the caller; writes that do not fit the
// buffer are dropped and counted. Stop drains queued writes before
// shutting the underlying cache down.
func NewBackground(name string, cfg BackgroundConfig, cache Cache, reg prometheus.Registerer) Cache {
	c := &backgroundCache{
		Cache:    cache,
		bgWrites: make(chan backgroundWrite, cfg.WriteBackBuffer),
		droppedWriteBack: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace:   constants.Tessera,
			Name:        "cache_dropped_background_writes_total",
			Help:        "Total count of dropped write backs to cache.",
			ConstLabels: prometheus.Labels{"name": name},
		}),
		queueLength: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace:   constants.Tessera,
			Name:        "cache_background_queue_length",
			Help:        "Length of the cache background write queue.",
			ConstLabels: prometheus.Labels{"name": name},
		}),
	}

	goroutines := cfg.WriteBackGoroutines
	if goroutines <= 0 {
		goroutines = 1
	}
	c.wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go c.writeBackLoop()
	}
	return c
}

// Store saves keys & bufs to the underlying cache in the background.
func (c *backgroundCache) Store(_ context.Context, keys []string, bufs [][]byte) error {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	if c.stopped {
		return nil
	}

	select {
	case c.bgWrites <- backgroundWrite{keys: keys, bufs: bufs}:
		c.queueLength.Inc()
	default:
		c.droppedWriteBack.Add(float64(len(keys)))
	}
	return nil
}

func (c *backgroundCache) writeBackLoop() {
	defer c.wg.Done()
	for write := range c.bgWrites {
		c.queueLength.Dec()
		_ = c.Cache.Store(context.Background(), write.keys, write.bufs)
	}
}

// Stop the background flushing goroutines after draining queued writes.
func (c *backgroundCache) Stop() {
	c.mtx.Lock()
	if c.stopped {
		c.mtx.Unlock()
		return
	}
	c.stopped = true
	close(c.bgWrites)
	c.mtx.Unlock()

	c.wg.Wait()
	c.Cache.Stop()
}
