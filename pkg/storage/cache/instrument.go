package cache

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tessera-db/tessera/pkg/util/constants"
)

type instrumentedCache struct {
	Cache

	requestDuration *prometheus.HistogramVec
	fetchedKeys     prometheus.Counter
	hits            prometheus.Counter
}

// Instrument returns an instrumented cache.
func Instrument(name string, cache Cache, reg prometheus.Registerer) Cache {
	return &instrumentedCache{
		Cache: cache,
		requestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   constants.Tessera,
			Name:        "cache_request_duration_seconds",
			Help:        "Total time spent in seconds doing cache requests.",
			Buckets:     prometheus.ExponentialBuckets(0.000016, 4, 8),
			ConstLabels: prometheus.Labels{"name": name},
		}, []string{"method", "status"}),
		fetchedKeys: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace:   constants.Tessera,
			Name:        "cache_fetched_keys_total",
			Help:        "Total count of keys requested from cache.",
			ConstLabels: prometheus.Labels{"name": name},
		}),
		hits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace:   constants.Tessera,
			Name:        "cache_hits_total",
			Help:        "Total count of keys found in cache.",
			ConstLabels: prometheus.Labels{"name": name},
		}),
	}
}

func (i *instrumentedCache) Store(ctx context.Context, keys []string, bufs [][]byte) error {
	start := time.Now()
	err := i.Cache.Store(ctx, keys, bufs)
	i.requestDuration.WithLabelValues("store", statusLabel(err)).Observe(time.Since(start).Seconds())
	return err
}

func (i *instrumentedCache) Fetch(ctx context.Context, keys []string) ([]string, [][]byte, []string, error) {
	start := time.Now()
	found, bufs, missing, err := i.Cache.Fetch(ctx, keys)
	i.requestDuration.WithLabelValues("fetch", statusLabel(err)).Observe(time.Since(start).Seconds())
	i.fetchedKeys.Add(float64(len(keys)))
	i.hits.Add(float64(len(found)))
	return found, bufs, missing, err
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
