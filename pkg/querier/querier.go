// Package querier is the query-execution core of a tessera node: it
// resolves queries over logical time intervals to the physical segments
// serving them, builds one decorated pipeline per segment, and merges the
// per-segment streams into a single accounted result.
package querier

import (
	"context"
	"flag"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/model"

	"github.com/tessera-db/tessera/pkg/query"
	"github.com/tessera-db/tessera/pkg/segment"
	"github.com/tessera-db/tessera/pkg/storage/cache"
	"github.com/tessera-db/tessera/pkg/timeline"
)

var (
	// ErrJoinUnsupported rejects queries over join datasources.
	ErrJoinUnsupported = errors.New("cannot handle join datasource")
	// ErrUnsupportedSubquery rejects nested queries the resolved handler
	// cannot evaluate.
	ErrUnsupportedSubquery = errors.New("cannot handle subquery")
)

// Config for the Querier.
type Config struct {
	MaxScanConcurrency int          `yaml:"max_scan_concurrency"`
	Limits             query.Limits `yaml:"limits"`
	Cache              CacheConfig  `yaml:"cache"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.MaxScanConcurrency, "querier.max-scan-concurrency", 8, "How many segment scans of one query may run concurrently.")
	cfg.Limits.RegisterFlags(f)
	cfg.Cache.RegisterFlags(f)
}

// Querier resolves queries to per-segment pipelines over this node's
// timelines.
type Querier struct {
	cfg      Config
	logger   log.Logger
	registry *query.Registry
	manager  *timeline.Manager
	cache    cache.Cache
	metrics  *Metrics
}

func New(cfg Config, registry *query.Registry, manager *timeline.Manager, c cache.Cache, logger log.Logger, reg prometheus.Registerer) *Querier {
	return &Querier{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		manager:  manager,
		cache:    c,
		metrics:  NewMetrics(reg),
	}
}

// RunnerForIntervals resolves the segments overlapping the requested
// intervals and returns one composed runner for the whole query. A
// datasource this node does not serve yields an inert runner, not an
// error.
func (q *Querier) RunnerForIntervals(qry *query.Query, intervals []model.Interval) (query.Runner, error) {
	analysis := query.Analyze(qry)
	if len(analysis.PreJoinClauses()) > 0 {
		return nil, ErrJoinUnsupported
	}

	tl, ok := q.timelineFor(analysis)
	if !ok {
		return query.NoopRunner(), nil
	}

	var descs []segment.Descriptor
	for _, iv := range intervals {
		for _, holder := range tl.Lookup(iv) {
			for _, chunk := range holder.Chunks() {
				descs = append(descs, segment.Descriptor{
					Interval:  holder.Interval,
					Version:   holder.Version,
					Partition: chunk.Partition,
				})
			}
		}
	}

	return q.RunnerForSegments(qry, descs)
}

// RunnerForSegments builds one decorated runner per requested descriptor
// and merges them. Descriptors this node cannot serve become per-segment
// missing reports; sibling segments still run.
func (q *Querier) RunnerForSegments(qry *query.Query, descs []segment.Descriptor) (query.Runner, error) {
	analysis := query.Analyze(qry)
	if len(analysis.PreJoinClauses()) > 0 {
		return nil, ErrJoinUnsupported
	}

	handler, ok := q.registry.Find(qry)
	if !ok {
		// Answering an unknown type with an error is unsafe here: it may be
		// version skew rather than a bad caller. Alert and answer empty.
		level.Error(q.logger).Log("msg", "unknown query type", "type", qry.Type, "datasource", qry.Datasource.Table)
		q.metrics.unknownQueryType.Inc()
		return query.NoopRunner(), nil
	}

	if analysis.IsQuery() && !handler.CanPerformSubquery(analysis.SubQuery()) {
		return nil, errors.Wrapf(ErrUnsupportedSubquery, "type %s over subquery type %s", qry.Type, analysis.SubQuery().Type)
	}

	tl, ok := q.timelineFor(analysis)
	if !ok {
		return query.NoopRunner(), nil
	}

	runners := make([]query.Runner, 0, len(descs))
	for _, desc := range descs {
		holder, ok := tl.FindEntry(desc.Interval, desc.Version)
		if !ok {
			runners = append(runners, q.missingRunner(desc))
			continue
		}
		chunk, ok := holder.Chunk(desc.Partition)
		if !ok {
			runners = append(runners, q.missingRunner(desc))
			continue
		}
		runners = append(runners, q.decorate(handler, chunk.Segment, desc))
	}

	merged := handler.MergeRunners(q.cfg.MaxScanConcurrency, runners)
	finalized := &finalizeRunner{handler: handler, inner: merged}
	return &cpuTimeRunner{inner: finalized, report: true, metrics: q.metrics}, nil
}

func (q *Querier) timelineFor(analysis query.Analysis) (*timeline.VersionedTimeline, bool) {
	table, ok := analysis.BaseTable()
	if !ok {
		return nil, false
	}
	return q.manager.Timeline(table)
}

func (q *Querier) missingRunner(desc segment.Descriptor) query.Runner {
	q.metrics.missingSegments.Inc()
	return query.ReportMissingRunner(desc)
}

// finalizeRunner applies the handler's result-finalization step to the
// merged stream.
type finalizeRunner struct {
	handler query.Handler
	inner   query.Runner
}

func (r *finalizeRunner) Run(ctx context.Context, qry *query.Query, resp *query.ResponseContext) (query.RowIterator, error) {
	it, err := r.inner.Run(ctx, qry, resp)
	if err != nil {
		return nil, err
	}
	return r.handler.Finalize(qry, it), nil
}
