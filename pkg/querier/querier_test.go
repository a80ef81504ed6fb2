package querier

import (
	"context"
	"testing"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/tessera-db/tessera/pkg/handlers"
	"github.com/tessera-db/tessera/pkg/query"
	"github.com/tessera-db/tessera/pkg/segment"
	"github.com/tessera-db/tessera/pkg/storage/cache"
	"github.com/tessera-db/tessera/pkg/timeline"
)

// countingScan counts segment scans on top of the stock scan handler.
type countingScan struct {
	*handlers.Scan
	calls *atomic.Int64
}

func (h *countingScan) SegmentScan(ctx context.Context, seg segment.Segment, desc segment.Descriptor, q *query.Query) (query.RowIterator, error) {
	h.calls.Inc()
	return h.Scan.SegmentScan(ctx, seg, desc, q)
}

type testEnv struct {
	querier  *Querier
	manager  *timeline.Manager
	cache    cache.Cache
	scans    *atomic.Int64
	registry *query.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	manager := timeline.NewManager(log.NewNopLogger(), prometheus.NewRegistry())
	registry := query.NewRegistry()
	scans := atomic.NewInt64(0)
	registry.Register(&countingScan{Scan: handlers.NewScan(), calls: scans})
	registry.Register(handlers.NewTimeseries())

	c := cache.NewMockCache()
	cfg := Config{MaxScanConcurrency: 4}
	cfg.Limits = query.Limits{DefaultTimeout: 0, MaxTimeout: 0, MaxPriority: 100}
	cfg.Cache = CacheConfig{UseCache: true, PopulateCache: true}

	return &testEnv{
		querier:  New(cfg, registry, manager, c, log.NewNopLogger(), prometheus.NewRegistry()),
		manager:  manager,
		cache:    c,
		scans:    scans,
		registry: registry,
	}
}

func (e *testEnv) loadSegment(start, end model.Time, version string, partition int, entries []segment.Entry) *segment.ReferenceCounted {
	return e.manager.Load(segment.NewMemory("events", model.Interval{Start: start, End: end}, version, partition, entries))
}

func scanQuery(intervals ...model.Interval) *query.Query {
	return &query.Query{
		Type:       "scan",
		Datasource: query.Datasource{Table: "events"},
		Intervals:  intervals,
	}
}

func run(t *testing.T, q *Querier, qry *query.Query) ([]query.Row, *query.ResponseContext) {
	t.Helper()
	runner, err := q.RunnerForIntervals(qry, qry.Intervals)
	require.NoError(t, err)
	resp := query.NewResponseContext()
	it, err := runner.Run(context.Background(), qry, resp)
	require.NoError(t, err)
	rows, err := query.CollectRows(it)
	require.NoError(t, err)
	return rows, resp
}

func TestFullyCoveredIntervalScansOnce(t *testing.T) {
	env := newTestEnv(t)
	rc := env.loadSegment(0, 1000, "v1", 0, []segment.Entry{
		{Timestamp: 100, Vals: map[string]float64{"bytes": 1}},
		{Timestamp: 200, Vals: map[string]float64{"bytes": 2}},
	})

	qry := scanQuery(model.Interval{Start: 0, End: 1000})
	rows, resp := run(t, env.querier, qry)

	require.Len(t, rows, 2)
	require.Equal(t, int64(1), env.scans.Load())
	require.Empty(t, resp.MissingSegments())
	require.Greater(t, resp.CPU.Total().Nanoseconds(), int64(0))
	require.Equal(t, 0, rc.References())

	// The per-segment result was cached under the (segment, descriptor,
	// query) key.
	desc := segment.Descriptor{Interval: model.Interval{Start: 0, End: 1000}, Version: "v1", Partition: 0}
	key := cacheKey(rc.ID(), desc, qry)
	found, _, _, err := env.cache.Fetch(context.Background(), []string{key})
	require.NoError(t, err)
	require.Len(t, found, 1)
}

func TestCacheHitShortCircuitsScan(t *testing.T) {
	env := newTestEnv(t)
	env.loadSegment(0, 1000, "v1", 0, []segment.Entry{
		{Timestamp: 100, Vals: map[string]float64{"bytes": 1}},
	})

	qry := scanQuery(model.Interval{Start: 0, End: 1000})
	first, _ := run(t, env.querier, qry)
	require.Equal(t, int64(1), env.scans.Load())

	second, _ := run(t, env.querier, qry)
	require.Equal(t, int64(1), env.scans.Load(), "second run must be served from cache")
	require.Equal(t, first, second)
}

func TestNoTimelineYieldsEmptyResult(t *testing.T) {
	env := newTestEnv(t)

	qry := scanQuery(model.Interval{Start: 0, End: 1000})
	rows, resp := run(t, env.querier, qry)
	require.Empty(t, rows)
	require.Empty(t, resp.MissingSegments())
}

func TestJoinDatasourceRejectedBeforeSegmentWork(t *testing.T) {
	env := newTestEnv(t)
	rc := env.loadSegment(0, 1000, "v1", 0, nil)

	qry := &query.Query{
		Type: "scan",
		Datasource: query.Datasource{
			Join: []query.JoinClause{{Right: query.Datasource{Table: "users"}, Condition: "uid = id"}},
		},
	}

	_, err := env.querier.RunnerForIntervals(qry, []model.Interval{{Start: 0, End: 1000}})
	require.ErrorIs(t, err, ErrJoinUnsupported)

	_, err = env.querier.RunnerForSegments(qry, nil)
	require.ErrorIs(t, err, ErrJoinUnsupported)

	require.Equal(t, int64(0), env.scans.Load())
	require.Equal(t, 0, rc.References())
}

func TestUnknownQueryTypeDegradesToEmpty(t *testing.T) {
	env := newTestEnv(t)
	env.loadSegment(0, 1000, "v1", 0, nil)

	reg := prometheus.NewRegistry()
	q := New(Config{MaxScanConcurrency: 2}, env.registry, env.manager, nil, log.NewNopLogger(), reg)

	qry := &query.Query{Type: "topn", Datasource: query.Datasource{Table: "events"}}
	runner, err := q.RunnerForSegments(qry, []segment.Descriptor{
		{Interval: model.Interval{Start: 0, End: 1000}, Version: "v1", Partition: 0},
	})
	require.NoError(t, err)

	resp := query.NewResponseContext()
	it, err := runner.Run(context.Background(), qry, resp)
	require.NoError(t, err)
	rows, err := query.CollectRows(it)
	require.NoError(t, err)
	require.Empty(t, rows)

	require.Equal(t, float64(1), testutil.ToFloat64(q.metrics.unknownQueryType))
}

func TestUnsupportedSubqueryRejected(t *testing.T) {
	env := newTestEnv(t)
	env.loadSegment(0, 1000, "v1", 0, nil)

	inner := &query.Query{Type: "timeseries", Datasource: query.Datasource{Table: "events"}}
	qry := &query.Query{Type: "timeseries", Datasource: query.Datasource{Query: inner}}

	_, err := env.querier.RunnerForSegments(qry, nil)
	require.ErrorIs(t, err, ErrUnsupportedSubquery)
}

func TestSupportedSubqueryRuns(t *testing.T) {
	env := newTestEnv(t)
	env.loadSegment(0, 60000, "v1", 0, []segment.Entry{
		{Timestamp: 100, Vals: map[string]float64{"bytes": 5}},
	})

	inner := &query.Query{Type: "scan", Datasource: query.Datasource{Table: "events"}}
	qry := &query.Query{
		Type:       "timeseries",
		Datasource: query.Datasource{Query: inner},
		Intervals:  []model.Interval{{Start: 0, End: 60000}},
		Params:     []byte(`{"granularity":"1m","aggregator":"count"}`),
	}

	rows, _ := run(t, env.querier, qry)
	require.Len(t, rows, 1)
	require.Equal(t, float64(1), rows[0].Vals["count"])
}

func TestMissingDescriptorsAreSegmentScoped(t *testing.T) {
	env := newTestEnv(t)
	env.loadSegment(0, 1000, "v1", 0, []segment.Entry{
		{Timestamp: 100, Vals: map[string]float64{"bytes": 1}},
	})

	missingEntry := segment.Descriptor{Interval: model.Interval{Start: 5000, End: 6000}, Version: "v1", Partition: 0}
	missingChunk := segment.Descriptor{Interval: model.Interval{Start: 0, End: 1000}, Version: "v1", Partition: 9}
	served := segment.Descriptor{Interval: model.Interval{Start: 0, End: 1000}, Version: "v1", Partition: 0}

	qry := scanQuery(model.Interval{Start: 0, End: 6000})
	runner, err := env.querier.RunnerForSegments(qry, []segment.Descriptor{missingEntry, served, missingChunk})
	require.NoError(t, err)

	resp := query.NewResponseContext()
	it, err := runner.Run(context.Background(), qry, resp)
	require.NoError(t, err)
	rows, err := query.CollectRows(it)
	require.NoError(t, err)

	// The resolvable sibling still produced its rows.
	require.Len(t, rows, 1)
	require.ElementsMatch(t, []segment.Descriptor{missingEntry, missingChunk}, resp.MissingSegments())
}

func TestReleasingSegmentReportedMissing(t *testing.T) {
	env := newTestEnv(t)
	rc := env.loadSegment(0, 1000, "v1", 0, []segment.Entry{
		{Timestamp: 100, Vals: map[string]float64{"bytes": 1}},
	})

	// Drop begins release; the timeline entry is resolved via an explicit
	// descriptor, so acquisition is what fails.
	desc := segment.Descriptor{Interval: model.Interval{Start: 0, End: 1000}, Version: "v1", Partition: 0}
	runner, err := env.querier.RunnerForSegments(scanQuery(), []segment.Descriptor{desc})
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	qry := scanQuery()
	resp := query.NewResponseContext()
	it, err := runner.Run(context.Background(), qry, resp)
	require.NoError(t, err)
	rows, err := query.CollectRows(it)
	require.NoError(t, err)

	require.Empty(t, rows)
	require.Equal(t, []segment.Descriptor{desc}, resp.MissingSegments())
}

func TestReferencesBalancedWhenConsumerAbandons(t *testing.T) {
	env := newTestEnv(t)
	var rcs []*segment.ReferenceCounted
	for i := 0; i < 3; i++ {
		start := model.Time(i * 1000)
		rcs = append(rcs, env.loadSegment(start, start+1000, "v1", 0, []segment.Entry{
			{Timestamp: start + 1, Vals: map[string]float64{"bytes": 1}},
			{Timestamp: start + 2, Vals: map[string]float64{"bytes": 2}},
		}))
	}

	qry := scanQuery(model.Interval{Start: 0, End: 3000})
	runner, err := env.querier.RunnerForIntervals(qry, qry.Intervals)
	require.NoError(t, err)

	resp := query.NewResponseContext()
	it, err := runner.Run(context.Background(), qry, resp)
	require.NoError(t, err)

	// Abandon the stream after one row; Close must wind everything down.
	require.True(t, it.Next())
	require.NoError(t, it.Close())

	for _, rc := range rcs {
		require.Equal(t, 0, rc.References())
	}
}

func TestReferencesBalancedOnScanFailure(t *testing.T) {
	env := newTestEnv(t)
	rc := env.loadSegment(0, 1000, "v1", 0, nil)

	boom := errors.New("scan exploded")
	env.registry.Register(&failingHandler{err: boom})

	qry := &query.Query{
		Type:       "failing",
		Datasource: query.Datasource{Table: "events"},
		Intervals:  []model.Interval{{Start: 0, End: 1000}},
	}
	runner, err := env.querier.RunnerForIntervals(qry, qry.Intervals)
	require.NoError(t, err)

	resp := query.NewResponseContext()
	it, err := runner.Run(context.Background(), qry, resp)
	if err == nil {
		_, err = query.CollectRows(it)
	}
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, rc.References())
}

type failingHandler struct {
	err error
}

func (h *failingHandler) Type() string                         { return "failing" }
func (h *failingHandler) CanPerformSubquery(*query.Query) bool { return false }

func (h *failingHandler) SegmentScan(context.Context, segment.Segment, segment.Descriptor, *query.Query) (query.RowIterator, error) {
	return nil, h.err
}
func (h *failingHandler) MergeRunners(concurrency int, runners []query.Runner) query.Runner {
	return query.MergeRunners(concurrency, runners)
}
func (h *failingHandler) Finalize(_ *query.Query, it query.RowIterator) query.RowIterator { return it }

func TestBySegmentGroupingTagsRows(t *testing.T) {
	env := newTestEnv(t)
	rc := env.loadSegment(0, 1000, "v1", 0, []segment.Entry{
		{Timestamp: 100, Vals: map[string]float64{"bytes": 1}},
	})

	qry := scanQuery(model.Interval{Start: 0, End: 1000})
	qry.Context = query.Context{query.CtxBySegment: true}

	rows, _ := run(t, env.querier, qry)
	require.Len(t, rows, 1)
	require.Equal(t, rc.ID(), rows[0].SegmentID)
	require.Equal(t, model.Time(0), rows[0].SegmentStart)
}

func TestContextVerificationRejectsExcessiveTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.loadSegment(0, 1000, "v1", 0, nil)

	cfg := Config{MaxScanConcurrency: 2}
	cfg.Limits = query.Limits{DefaultTimeout: 1000000000, MaxTimeout: 1000000000}
	q := New(cfg, env.registry, env.manager, nil, log.NewNopLogger(), prometheus.NewRegistry())

	qry := scanQuery(model.Interval{Start: 0, End: 1000})
	qry.Context = query.Context{query.CtxTimeout: float64(3600000)}

	runner, err := q.RunnerForIntervals(qry, qry.Intervals)
	require.NoError(t, err)

	it, err := runner.Run(context.Background(), qry, query.NewResponseContext())
	if err == nil {
		_, err = query.CollectRows(it)
	}
	require.Error(t, err)
}

func TestPartialCoverageMixesResultsAndMissing(t *testing.T) {
	env := newTestEnv(t)
	env.loadSegment(0, 1000, "v1", 0, []segment.Entry{
		{Timestamp: 100, Vals: map[string]float64{"bytes": 1}},
	})

	served := segment.Descriptor{Interval: model.Interval{Start: 0, End: 1000}, Version: "v1", Partition: 0}
	uncovered := segment.Descriptor{Interval: model.Interval{Start: 1000, End: 2000}, Version: "v1", Partition: 0}

	qry := scanQuery(model.Interval{Start: 0, End: 2000})
	runner, err := env.querier.RunnerForSegments(qry, []segment.Descriptor{served, uncovered})
	require.NoError(t, err)

	resp := query.NewResponseContext()
	it, err := runner.Run(context.Background(), qry, resp)
	require.NoError(t, err)
	rows, err := query.CollectRows(it)
	require.NoError(t, err)

	require.Len(t, rows, 1)
	require.Equal(t, []segment.Descriptor{uncovered}, resp.MissingSegments())
}
