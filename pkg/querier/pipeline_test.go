package querier

import (
	"context"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/require"

	"github.com/tessera-db/tessera/pkg/handlers"
	"github.com/tessera-db/tessera/pkg/query"
	"github.com/tessera-db/tessera/pkg/segment"
)

func testReferenceCounted() *segment.ReferenceCounted {
	return segment.NewReferenceCounted(
		segment.NewMemory("events", model.Interval{Start: 0, End: 1000}, "v1", 0, nil),
	)
}

func TestSegmentLayerOrder(t *testing.T) {
	q := New(Config{}, query.NewRegistry(), nil, nil, log.NewNopLogger(), prometheus.NewRegistry())
	rc := testReferenceCounted()
	desc := segment.DescriptorOf(rc)

	layers := q.segmentLayers(handlers.NewScan(), rc, desc)

	names := make([]string, 0, len(layers))
	for _, l := range layers {
		names = append(names, l.name)
	}
	require.Equal(t, []string{
		"segment-metrics",
		"cache",
		"by-segment",
		"segment-and-cache-metrics",
		"specific-segment",
		"segment-optimizer",
		"cpu-time",
		"verify-context",
	}, names)
}

func TestAssembleWrapsInnermostFirst(t *testing.T) {
	var order []string
	record := func(name string) layer {
		return layer{name: name, wrap: func(inner query.Runner) query.Runner {
			return query.RunnerFunc(func(ctx context.Context, qry *query.Query, resp *query.ResponseContext) (query.RowIterator, error) {
				order = append(order, name)
				return inner.Run(ctx, qry, resp)
			})
		}}
	}

	base := query.RunnerFunc(func(context.Context, *query.Query, *query.ResponseContext) (query.RowIterator, error) {
		order = append(order, "base")
		return query.NewEmptyIterator(), nil
	})

	assembled := assemble(base, []layer{record("inner"), record("middle"), record("outer")})
	_, err := assembled.Run(context.Background(), &query.Query{}, query.NewResponseContext())
	require.NoError(t, err)

	// The last layer in the list is the outermost wrap, so it runs first.
	require.Equal(t, []string{"outer", "middle", "inner", "base"}, order)
}

func TestOptimizedQueryFeedsTheRestrictedScan(t *testing.T) {
	// The optimizer runs outside the segment-spec restriction, so interval
	// clipping sees the optimized interval set.
	var seen *query.Query
	inner := query.RunnerFunc(func(_ context.Context, qry *query.Query, _ *query.ResponseContext) (query.RowIterator, error) {
		seen = qry
		return query.NewEmptyIterator(), nil
	})

	desc := segment.Descriptor{Interval: model.Interval{Start: 0, End: 1000}, Version: "v1", Partition: 0}
	runner := &perSegmentOptimizingRunner{
		inner:   &specificSegmentRunner{inner: inner, desc: desc, metrics: NewMetrics(prometheus.NewRegistry())},
		handler: handlers.NewScan(),
		desc:    desc,
	}

	qry := &query.Query{
		Type:       "scan",
		Datasource: query.Datasource{Table: "events"},
		Intervals: []model.Interval{
			{Start: 500, End: 2000},
			{Start: 9000, End: 9500}, // disjoint from the segment, optimized away
		},
	}
	it, err := runner.Run(context.Background(), qry, query.NewResponseContext())
	require.NoError(t, err)
	require.NoError(t, it.Close())

	require.NotNil(t, seen)
	require.Equal(t, &desc, seen.Segment)
	require.Equal(t, []model.Interval{{Start: 500, End: 1000}}, seen.Intervals)
	// The caller's query is untouched.
	require.Len(t, qry.Intervals, 2)
	require.Nil(t, qry.Segment)
}

func TestCachingRunnerRespectsCallerOptOut(t *testing.T) {
	env := newTestEnv(t)
	env.loadSegment(0, 1000, "v1", 0, []segment.Entry{
		{Timestamp: 100, Vals: map[string]float64{"bytes": 1}},
	})

	qry := scanQuery(model.Interval{Start: 0, End: 1000})
	qry.Context = query.Context{query.CtxUseCache: false, query.CtxPopulateCache: false}

	run(t, env.querier, qry)
	run(t, env.querier, qry)

	// Both runs hit the segment; nothing was cached.
	require.Equal(t, int64(2), env.scans.Load())
	_, _, missing, err := env.cache.Fetch(context.Background(), []string{
		cacheKey(segment.MakeID("events", model.Interval{Start: 0, End: 1000}, "v1", 0),
			segment.Descriptor{Interval: model.Interval{Start: 0, End: 1000}, Version: "v1", Partition: 0}, qry),
	})
	require.NoError(t, err)
	require.Len(t, missing, 1)
}

func TestExcludedTypeBypassesCache(t *testing.T) {
	env := newTestEnv(t)
	env.loadSegment(0, 1000, "v1", 0, []segment.Entry{
		{Timestamp: 100, Vals: map[string]float64{"bytes": 1}},
	})
	env.querier.cfg.Cache.ExcludeTypes = []string{"scan"}

	qry := scanQuery(model.Interval{Start: 0, End: 1000})
	run(t, env.querier, qry)
	run(t, env.querier, qry)
	require.Equal(t, int64(2), env.scans.Load())
}
