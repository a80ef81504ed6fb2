// Package handlers ships the query-type handlers a tessera node registers
// by default.
package handlers

import (
	"context"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/common/model"

	"github.com/tessera-db/tessera/pkg/query"
	"github.com/tessera-db/tessera/pkg/segment"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ScanParams are the type-specific parameters of a scan query.
type ScanParams struct {
	// Limit caps the number of rows returned per segment. 0 means no cap.
	Limit int `json:"limit,omitempty"`
}

// Scan returns raw rows in the requested intervals.
type Scan struct{}

func NewScan() *Scan { return &Scan{} }

func (*Scan) Type() string { return "scan" }

func (*Scan) CanPerformSubquery(*query.Query) bool { return false }

func (*Scan) SegmentScan(_ context.Context, seg segment.Segment, _ segment.Descriptor, q *query.Query) (query.RowIterator, error) {
	var params ScanParams
	if len(q.Params) > 0 {
		if err := json.Unmarshal(q.Params, &params); err != nil {
			return nil, errors.Wrap(err, "invalid scan params")
		}
	}

	var rows []query.Row
	for _, iv := range q.Intervals {
		for _, e := range seg.Entries(iv) {
			rows = append(rows, query.Row{Timestamp: e.Timestamp, Dims: e.Dims, Vals: e.Vals})
			if params.Limit > 0 && len(rows) >= params.Limit {
				return query.NewSliceIterator(rows), nil
			}
		}
	}
	return query.NewSliceIterator(rows), nil
}

func (*Scan) MergeRunners(concurrency int, runners []query.Runner) query.Runner {
	return query.MergeRunners(concurrency, runners)
}

func (*Scan) Finalize(_ *query.Query, it query.RowIterator) query.RowIterator { return it }

// OptimizeForSegment drops requested intervals that cannot match this
// segment before the restricted scan runs.
func (*Scan) OptimizeForSegment(q *query.Query, desc segment.Descriptor) *query.Query {
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
