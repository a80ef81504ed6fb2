package handlers

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/common/model"

	"github.com/tessera-db/tessera/pkg/query"
	"github.com/tessera-db/tessera/pkg/segment"
)

// Aggregators understood by timeseries queries.
const (
	AggCount = "count"
	AggSum   = "sum"
	AggMin   = "min"
	AggMax   = "max"
	AggAvg   = "avg"
)

// Partial aggregation state flows between segments under these keys and is
// only turned into the user-facing value by Finalize.
const (
	partialCount = "__count"
	partialSum   = "__sum"
	partialMin   = "__min"
	partialMax   = "__max"
)

// TimeseriesParams are the type-specific parameters of a timeseries query.
type TimeseriesParams struct {
	// Granularity is the bucket width, e.g. "1m".
	Granularity string `json:"granularity"`
	Aggregator  string `json:"aggregator"`
	// Field is the value aggregated; unused for count.
	Field string `json:"field,omitempty"`
}

func (p TimeseriesParams) validate() (time.Duration, error) {
	gran, err := time.ParseDuration(p.Granularity)
	if err != nil || gran <= 0 {
		return 0, errors.Errorf("invalid granularity %q", p.Granularity)
	}
	switch p.Aggregator {
	case AggCount:
	case AggSum, AggMin, AggMax, AggAvg:
		if p.Field == "" {
			return 0, errors.Errorf("aggregator %s requires a field", p.Aggregator)
		}
	default:
		return 0, errors.Errorf("unknown aggregator %q", p.Aggregator)
	}
	return gran, nil
}

// Timeseries aggregates values into fixed time buckets. Segments produce
// partial states; Finalize combines them and computes the final value.
type Timeseries struct{}

func NewTimeseries() *Timeseries { return &Timeseries{} }

func (*Timeseries) Type() string { return "timeseries" }

// Scans pass rows through unchanged, so a scan subquery aggregates the
// same as its base table.
func (*Timeseries) CanPerformSubquery(sub *query.Query) bool { return sub.Type == "scan" }

func (*Timeseries) SegmentScan(_ context.Context, seg segment.Segment, _ segment.Descriptor, q *query.Query) (query.RowIterator, error) {
	var params TimeseriesParams
	if err := json.Unmarshal(q.Params, &params); err != nil {
		return nil, errors.Wrap(err, "invalid timeseries params")
	}
	gran, err := params.validate()
	if err != nil {
		return nil, err
	}
	granMs := gran.Milliseconds()

	partials := map[model.Time]*partialState{}
	for _, iv := range q.Intervals {
		for _, e := range seg.Entries(iv) {
			val, ok := e.Vals[params.Field]
			if params.Aggregator != AggCount && !ok {
				continue
			}
			bucket := model.Time(int64(e.Timestamp) - int64(e.Timestamp)%granMs)
			st, ok := partials[bucket]
			if !ok {
				st = newPartialState()
				partials[bucket] = st
			}
			st.update(val)
		}
	}

	rows := make([]query.Row, 0, len(partials))
	for bucket, st := range partials {
		rows = append(rows, st.row(bucket))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Timestamp < rows[j].Timestamp })
	return query.NewSliceIterator(rows), nil
}

func (*Timeseries) MergeRunners(concurrency int, runners []query.Runner) query.Runner {
	return query.MergeRunners(concurrency, runners)
}

// Finalize combines per-segment partial states per bucket and computes the
// user-facing value. Segment-grouped results keep their partials so the
// caller can attribute them.
func (*Timeseries) Finalize(q *query.Query, it query.RowIterator) query.RowIterator {
	if q.Context.BySegment() {
		return it
	}
	var params TimeseriesParams
	if err := json.Unmarshal(q.Params, &params); err != nil {
		return query.NewErrIterator(errors.Wrap(err, "invalid timeseries params"))
	}
	return &finalizeIterator{inner: it, aggregator: params.Aggregator}
}

// OptimizeForSegment drops requested intervals that cannot match this
// segment before the restricted scan runs.
func (*Timeseries) OptimizeForSegment(q *query.Query, desc segment.Descriptor) *query.Query {
	if len(q.Intervals) == 0 {
		return q
	}
	kept := make([]model.Interval, 0, len(q.Intervals))
	for _, iv := range q.Intervals {
		if desc.Overlaps(iv) {
			kept = append(kept, iv)
		}
	}
	if len(kept) == len(q.Intervals) {
		return q
	}
	return q.WithIntervals(kept)
}

type partialState struct {
	count float64
	sum   float64
	min   float64
	max   float64
}

func newPartialState() *partialState {
	return &partialState{min: math.Inf(1), max: math.Inf(-1)}
}

func (s *partialState) update(val float64) {
	s.count++
	s.sum += val
	if val < s.min {
		s.min = val
	}
	if val > s.max {
		s.max = val
	}
}

func (s *partialState) merge(row query.Row) {
	s.count += row.Vals[partialCount]
	s.sum += row.Vals[partialSum]
	if v := row.Vals[partialMin]; v < s.min {
		s.min = v
	}
	if v := row.Vals[partialMax]; v > s.max {
		s.max = v
	}
}

func (s *partialState) row(bucket model.Time) query.Row {
	return query.Row{
		Timestamp: bucket,
		Vals: map[string]float64{
			partialCount: s.count,
			partialSum:   s.sum,
			partialMin:   s.min,
			partialMax:   s.max,
		},
	}
}

func (s *partialState) final(aggregator string) float64 {
	switch aggregator {
	case AggCount:
		return s.count
	case AggSum:
		return s.sum
	case AggMin:
		return s.min
	case AggMax:
		return s.max
	case AggAvg:
		if s.count == 0 {
			return 0
		}
		return s.sum / s.count
	default:
		return 0
	}
}

// finalizeIterator drains the merged partial stream on first use, combines
// buckets and yields final rows in bucket order.
type finalizeIterator struct {
	inner      query.RowIterator
	aggregator string

	started bool
	rows    []query.Row
	i       int
	err     error
}

func (it *finalizeIterator) start() {
	it.started = true
	it.i = -1

	partials := map[model.Time]*partialState{}
	for it.inner.Next() {
		row := it.inner.At()
		st, ok := partials[row.Timestamp]
		if !ok {
			st = newPartialState()
			partials[row.Timestamp] = st
		}
		st.merge(row)
	}
	if err := it.inner.Err(); err != nil {
		it.err = err
		return
	}

	it.rows = make([]query.Row, 0, len(partials))
	for bucket, st := range partials {
		it.rows = append(it.rows, query.Row{
			Timestamp: bucket,
			Vals:      map[string]float64{it.aggregator: st.final(it.aggregator)},
		})
	}
	sort.Slice(it.rows, func(i, j int) bool { return it.rows[i].Timestamp < it.rows[j].Timestamp })
}

func (it *finalizeIterator) Next() bool {
	if !it.started {
		it.start()
	}
	if it.err != nil {
		return false
	}
	it.i++
	return it.i < len(it.rows)
}

func (it *finalizeIterator) At() query.Row { return it.rows[it.i] }
func (it *finalizeIterator) Err() error    { return it.err }
func (it *finalizeIterator) Close() error  { return it.inner.Close() }
