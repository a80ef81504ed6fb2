package querier

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/model"

	"github.com/tessera-db/tessera/pkg/query"
	"github.com/tessera-db/tessera/pkg/segment"
)

// layer is one decorator of the per-segment pipeline: a name for tests and
// diagnostics, and the wrap applied to the chain built so far.
type layer struct {
	name string
	wrap func(query.Runner) query.Runner
}

// assemble applies layers in order, innermost first.
func assemble(base query.Runner, layers []layer) query.Runner {
	out := base
	for _, l := range layers {
		out = l.wrap(out)
	}
	return out
}

// segmentLayers is the fixed decorator order of the per-segment pipeline,
// innermost first. decorate feeds it through assemble around the
// reference-safety scan.
func (q *Querier) segmentLayers(handler query.Handler, seg *segment.ReferenceCounted, desc segment.Descriptor) []layer {
	segmentID := seg.ID()
	return []layer{
		{name: "segment-metrics", wrap: func(inner query.Runner) query.Runner {
			return &metricsEmittingRunner{
				inner:     inner,
				logger:    q.logger,
				segmentID: segmentID,
				metric:    "segment/time",
				observer:  func(qt string) prometheus.Observer { return q.metrics.segmentTime.WithLabelValues(qt) },
			}
		}},
		{name: "cache", wrap: func(inner query.Runner) query.Runner {
			return q.newCachingRunner(inner, segmentID, desc)
		}},
		{name: "by-segment", wrap: func(inner query.Runner) query.Runner {
			return &bySegmentRunner{inner: inner, segmentID: segmentID, segmentStart: seg.Interval().Start}
		}},
		{name: "segment-and-cache-metrics", wrap: func(inner query.Runner) query.Runner {
			return &metricsEmittingRunner{
				inner:     inner,
				logger:    q.logger,
				segmentID: segmentID,
				metric:    "segment/timeWithCache",
				observer:  func(qt string) prometheus.Observer { return q.metrics.segmentAndCacheTime.WithLabelValues(qt) },
				// Wait is measured from here so queuing delay upstream of
				// this segment is excluded.
				waitFrom: time.Now(),
				waitObserver: func(qt string) prometheus.Observer {
					return q.metrics.segmentWaitTime.WithLabelValues(qt)
				},
			}
		}},
		{name: "specific-segment", wrap: func(inner query.Runner) query.Runner {
			return &specificSegmentRunner{inner: inner, desc: desc, metrics: q.metrics}
		}},
		{name: "segment-optimizer", wrap: func(inner query.Runner) query.Runner {
			return &perSegmentOptimizingRunner{inner: inner, handler: handler, desc: desc}
		}},
		{name: "cpu-time", wrap: func(inner query.Runner) query.Runner {
			return &cpuTimeRunner{inner: inner}
		}},
		{name: "verify-context", wrap: func(inner query.Runner) query.Runner {
			return &verifyContextRunner{inner: inner, limits: q.cfg.Limits}
		}},
	}
}

func (q *Querier) decorate(handler query.Handler, seg *segment.ReferenceCounted, desc segment.Descriptor) query.Runner {
	base := &referenceCountingRunner{
		handler: handler,
		segment: seg,
		desc:    desc,
		metrics: q.metrics,
	}
	return assemble(base, q.segmentLayers(handler, seg, desc))
}

// referenceCountingRunner holds a segment reference for the duration of the
// scan and releases it on every exit path. A failed acquisition means the
// segment is already releasing: it is reported missing, not failed.
type referenceCountingRunner struct {
	handler query.Handler
	segment *segment.ReferenceCounted
	desc    segment.Descriptor
	metrics *Metrics
}

func (r *referenceCountingRunner) Run(ctx context.Context, q *query.Query, resp *query.ResponseContext) (query.RowIterator, error) {
	release, ok := r.segment.TryAcquire()
	if !ok {
		resp.ReportMissing(r.desc)
		r.metrics.missingSegments.Inc()
		return query.NewEmptyIterator(), nil
	}

	it, err := r.handler.SegmentScan(ctx, r.segment, r.desc, q)
	if err != nil {
		release()
		return nil, err
	}
	return &releasingIterator{RowIterator: it, release: release}, nil
}

type releasingIterator struct {
	query.RowIterator
	release func()
}

func (it *releasingIterator) Close() error {
	err := it.RowIterator.Close()
	it.release()
	return err
}

// metricsEmittingRunner measures wall-clock time from Run until the result
// stream is closed and records it against the configured histogram.
type metricsEmittingRunner struct {
	inner     query.Runner
	logger    log.Logger
	segmentID segment.ID
	metric    string
	observer  func(queryType string) prometheus.Observer

	waitFrom     time.Time
	waitObserver func(queryType string) prometheus.Observer
}

func (r *metricsEmittingRunner) Run(ctx context.Context, q *query.Query, resp *query.ResponseContext) (query.RowIterator, error) {
	start := time.Now()
	if !r.waitFrom.IsZero() && r.waitObserver != nil {
		r.waitObserver(q.Type).Observe(start.Sub(r.waitFrom).Seconds())
	}

	it, err := r.inner.Run(ctx, q, resp)
	if err != nil {
		return nil, err
	}
	return &timedIterator{RowIterator: it, onDone: func() {
		elapsed := time.Since(start)
		r.observer(q.Type).Observe(elapsed.Seconds())
		level.Debug(r.logger).Log("msg", "segment timing", "metric", r.metric, "segment", r.segmentID, "duration", elapsed)
	}}, nil
}

type timedIterator struct {
	query.RowIterator
	once   sync.Once
	onDone func()
}

func (it *timedIterator) Close() error {
	err := it.RowIterator.Close()
	it.once.Do(it.onDone)
	return err
}

// bySegmentRunner tags result rows with the producing segment's identity
// and earliest timestamp when the caller asked for segment-grouped results.
type bySegmentRunner struct {
	inner        query.Runner
	segmentID    segment.ID
	segmentStart model.Time
}

func (r *bySegmentRunner) Run(ctx context.Context, q *query.Query, resp *query.ResponseContext) (query.RowIterator, error) {
	it, err := r.inner.Run(ctx, q, resp)
	if err != nil || !q.Context.BySegment() {
		return it, err
	}
	return &bySegmentIterator{RowIterator: it, segmentID: r.segmentID, segmentStart: r.segmentStart}, nil
}

type bySegmentIterator struct {
	query.RowIterator
	segmentID    segment.ID
	segmentStart model.Time
}

func (it *bySegmentIterator) At() query.Row {
	row := it.RowIterator.At()
	row.SegmentID = it.segmentID
	row.SegmentStart = it.segmentStart
	return row
}

// specificSegmentRunner narrows execution to exactly the requested
// descriptor and converts segment-missing scan failures into per-segment
// missing reports.
type specificSegmentRunner struct {
	inner   query.Runner
	desc    segment.Descriptor
	metrics *Metrics
}

func (r *specificSegmentRunner) Run(ctx context.Context, q *query.Query, resp *query.ResponseContext) (query.RowIterator, error) {
	it, err := r.inner.Run(ctx, q.WithSegment(r.desc), resp)
	if err != nil {
		if errors.Is(err, segment.ErrMissing) {
			r.reportMissing(resp)
			return query.NewEmptyIterator(), nil
		}
		return nil, err
	}
	return &missingTolerantIterator{RowIterator: it, onMissing: func() { r.reportMissing(resp) }}, nil
}

func (r *specificSegmentRunner) reportMissing(resp *query.ResponseContext) {
	resp.ReportMissing(r.desc)
	r.metrics.missingSegments.Inc()
}

type missingTolerantIterator struct {
	query.RowIterator
	onMissing func()
	missing   bool
}

func (it *missingTolerantIterator) Next() bool {
	if it.missing {
		return false
	}
	if it.RowIterator.Next() {
		return true
	}
	if errors.Is(it.RowIterator.Err(), segment.ErrMissing) {
		it.missing = true
		it.onMissing()
	}
	return false
}

func (it *missingTolerantIterator) Err() error {
	if it.missing {
		return nil
	}
	return it.RowIterator.Err()
}

// perSegmentOptimizingRunner lets the handler specialize the query for this
// segment before the restricted scan runs.
type perSegmentOptimizingRunner struct {
	inner   query.Runner
	handler query.Handler
	desc    segment.Descriptor
}

func (r *perSegmentOptimizingRunner) Run(ctx context.Context, q *query.Query, resp *query.ResponseContext) (query.RowIterator, error) {
	if opt, ok := r.handler.(query.SegmentOptimizer); ok {
		q = opt.OptimizeForSegment(q, r.desc)
	}
	return r.inner.Run(ctx, q, resp)
}

// verifyContextRunner validates and defaults the caller's context options
// against the node's limits before anything below it runs.
type verifyContextRunner struct {
	inner  query.Runner
	limits query.Limits
}

func (r *verifyContextRunner) Run(ctx context.Context, q *query.Query, resp *query.ResponseContext) (query.RowIterator, error) {
	verified, err := query.VerifyAndDefault(q.Context, r.limits)
	if err != nil {
		return nil, err
	}
	return r.inner.Run(ctx, q.WithContext(verified), resp)
}

// cpuTimeRunner attributes the decorated chain's processing time to the
// query's shared accumulator. When report is set it also emits the
// query-level CPU metric once the stream completes; the per-segment wrap
// leaves report unset.
type cpuTimeRunner struct {
	inner   query.Runner
	report  bool
	metrics *Metrics
}

func (r *cpuTimeRunner) Run(ctx context.Context, q *query.Query, resp *query.ResponseContext) (query.RowIterator, error) {
	start := time.Now()
	it, err := r.inner.Run(ctx, q, resp)
	resp.CPU.Add(time.Since(start))
	if err != nil {
		return nil, err
	}
	return &cpuTimeIterator{
		inner: it,
		accum: resp.CPU,
		onDone: func() {
			if r.report && r.metrics != nil {
				r.metrics.queryCPUTime.WithLabelValues(q.Type).Observe(resp.CPU.Total().Seconds())
			}
		},
	}, nil
}

type cpuTimeIterator struct {
	inner  query.RowIterator
	accum  *query.CPUAccumulator
	once   sync.Once
	onDone func()
}

func (it *cpuTimeIterator) Next() bool {
	start := time.Now()
	ok := it.inner.Next()
	it.accum.Add(time.Since(start))
	return ok
}

func (it *cpuTimeIterator) At() query.Row  { return it.inner.At() }
func (it *cpuTimeIterator) Err() error     { return it.inner.Err() }
func (it *cpuTimeIterator) Close() error {
	start := time.Now()
	err := it.inner.Close()
	it.accum.Add(time.Since(start))
	it.once.Do(it.onDone)
	return err
}
