// Package query defines the query model: datasources and their analysis,
// lazy row streams, runners, the query-type handler registry and per-query
// accounting.
package query

import (
	"encoding/binary"
	"encoding/json"

	"github.com/cespare/xxhash/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/common/model"

	"github.com/tessera-db/tessera/pkg/segment"
)

// JoinClause is one pre-join of a join datasource. This node rejects
// queries carrying any.
type JoinClause struct {
	Right     Datasource `json:"right"`
	Condition string     `json:"condition"`
}

// Datasource names what a query reads: a table, a nested query, or a join
// composition. Exactly one of the fields is set.
type Datasource struct {
	Table string       `json:"table,omitempty"`
	Query *Query       `json:"query,omitempty"`
	Join  []JoinClause `json:"join,omitempty"`
}

// Query is the immutable description of one requested computation. The
// With* helpers copy; a Query is never mutated in place.
type Query struct {
	Type       string           `json:"type"`
	Datasource Datasource       `json:"datasource"`
	Intervals  []model.Interval `json:"intervals"`
	Context    Context          `json:"context,omitempty"`
	Params     json.RawMessage  `json:"params,omitempty"`

	// Segment is set by the pipeline's segment-spec restriction; it narrows
	// execution to exactly one physical partition.
	Segment *segment.Descriptor `json:"segment,omitempty"`
}

// WithContext returns a copy of q carrying c.
func (q *Query) WithContext(c Context) *Query {
	out := *q
	out.Context = c
	return &out
}

// WithSegment returns a copy of q restricted to exactly desc: the segment
// spec is pinned and the requested intervals are clipped to the
// descriptor's. A restricted scan can never span more data than the
// descriptor covers.
func (q *Query) WithSegment(desc segment.Descriptor) *Query {
	out := *q
	out.Segment = &desc
	if len(q.Intervals) == 0 {
		out.Intervals = []model.Interval{desc.Interval}
		return &out
	}
	var ivs []model.Interval
	for _, iv := range q.Intervals {
		if clipped, ok := segment.Intersect(iv, desc.Interval); ok {
			ivs = append(ivs, clipped)
		}
	}
	out.Intervals = ivs
	return &out
}

// WithIntervals returns a copy of q over the given intervals.
func (q *Query) WithIntervals(intervals []model.Interval) *Query {
	out := *q
	out.Intervals = intervals
	return &out
}

// Signature hashes everything that determines a query's results apart from
// the segment it runs against. It feeds per-segment cache keys.
func (q *Query) Signature() uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(q.Type)
	_, _ = h.WriteString("\xff")
	ds, _ := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(q.Datasource)
	_, _ = h.Write(ds)
	var buf [8]byte
	for _, iv := range q.Intervals {
		binary.BigEndian.PutUint64(buf[:], uint64(iv.Start))
		_, _ = h.Write(buf[:])
		binary.BigEndian.PutUint64(buf[:], uint64(iv.End))
		_, _ = h.Write(buf[:])
	}
	_, _ = h.Write(q.Params)
	return h.Sum64()
}

// Analysis is a read-only view of a query's datasource: the base table it
// bottoms out at, the nested query wrapping it if any, and the pre-join
// clauses collected on the way down.
type Analysis struct {
	baseTable      string
	subQuery       *Query
	preJoinClauses []JoinClause
}

// Analyze walks q's datasource down to its base.
func Analyze(q *Query) Analysis {
	a := Analysis{}
	ds := q.Datasource
	for {
		switch {
		case len(ds.Join) > 0:
			a.preJoinClauses = append(a.preJoinClauses, ds.Join...)
			return a
		case ds.Query != nil:
			if a.subQuery == nil {
				a.subQuery = ds.Query
			}
			ds = ds.Query.Datasource
		default:
			a.baseTable = ds.Table
			return a
		}
	}
}

// BaseTable returns the table the datasource bottoms out at.
func (a Analysis) BaseTable() (string, bool) {
	return a.baseTable, a.baseTable != ""
}

// PreJoinClauses returns the join clauses found in the datasource tree.
func (a Analysis) PreJoinClauses() []JoinClause {
	return a.preJoinClauses
}

// IsQuery reports whether the datasource is itself a nested query.
func (a Analysis) IsQuery() bool { return a.subQuery != nil }

// SubQuery returns the outermost nested query, if any.
func (a Analysis) SubQuery() *Query { return a.subQuery }
