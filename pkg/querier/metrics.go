package querier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tessera-db/tessera/pkg/util/constants"
)

// Metrics for the query pipelines. Per-segment identity is attributed via
// debug logs and the response context; metric labels stay low-cardinality.
type Metrics struct {
	segmentTime         *prometheus.HistogramVec
	segmentAndCacheTime *prometheus.HistogramVec
	segmentWaitTime     *prometheus.HistogramVec
	queryCPUTime        *prometheus.HistogramVec
	missingSegments     prometheus.Counter
	unknownQueryType    prometheus.Counter
	cacheHits           prometheus.Counter
	cacheMisses         prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		segmentTime: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: constants.Tessera,
			Name:      "query_segment_time_seconds",
			Help:      "Wall-clock time spent scanning one segment.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"query_type"}),
		segmentAndCacheTime: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: constants.Tessera,
			Name:      "query_segment_and_cache_time_seconds",
			Help:      "Wall-clock time spent scanning one segment including cache handling.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"query_type"}),
		segmentWaitTime: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: constants.Tessera,
			Name:      "query_segment_wait_time_seconds",
			Help:      "Time a decorated segment scan waited before starting.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"query_type"}),
		queryCPUTime: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: constants.Tessera,
			Name:      "query_cpu_time_seconds",
			Help:      "Accounted processing time for one query across all its segments.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"query_type"}),
		missingSegments: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: constants.Tessera,
			Name:      "query_missing_segments_total",
			Help:      "Segments that could not be served and were reported missing.",
		}),
		unknownQueryType: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: constants.Tessera,
			Name:      "query_unknown_type_total",
			Help:      "Queries answered empty because no handler is registered for their type.",
		}),
		cacheHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: constants.Tessera,
			Name:      "query_segment_cache_hits_total",
			Help:      "Per-segment result cache hits.",
		}),
		cacheMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: constants.Tessera,
			Name:      "query_segment_cache_misses_total",
			Help:      "Per-segment result cache misses.",
		}),
	}
}
