package query

import (
	"github.com/prometheus/common/model"

	"github.com/tessera-db/tessera/pkg/segment"
)

// Row is one element of a query result stream.
type Row struct {
	Timestamp model.Time         `json:"t"`
	Dims      map[string]string  `json:"dims,omitempty"`
	Vals      map[string]float64 `json:"vals,omitempty"`

	// Set by the by-segment wrapper when segment-grouped results are
	// requested.
	SegmentID    segment.ID `json:"segment,omitempty"`
	SegmentStart model.Time `json:"segmentStart,omitempty"`
}

// RowIterator iterates rows in single-pass, pull-based fashion. Close must
// be called on every exit path; it releases whatever resources the
// producing pipeline holds.
type RowIterator interface {
	Next() bool
	At() Row
	Err() error
	Close() error
}

type sliceIterator struct {
	rows []Row
	i    int
}

// NewSliceIterator iterates over an in-memory row slice.
func NewSliceIterator(rows []Row) RowIterator {
	return &sliceIterator{rows: rows, i: -1}
}

// NewEmptyIterator yields nothing.
func NewEmptyIterator() RowIterator { return NewSliceIterator(nil) }

func (it *sliceIterator) Next() bool {
	it.i++
	return it.i < len(it.rows)
}

func (it *sliceIterator) At() Row      { return it.rows[it.i] }
func (it *sliceIterator) Err() error   { return nil }
func (it *sliceIterator) Close() error { return nil }

type errIterator struct {
	err error
}

// NewErrIterator yields nothing and reports err.
func NewErrIterator(err error) RowIterator { return errIterator{err: err} }

func (it errIterator) Next() bool   { return false }
func (it errIterator) At() Row      { return Row{} }
func (it errIterator) Err() error   { return it.err }
func (it errIterator) Close() error { return nil }

// CollectRows drains it and closes it.
func CollectRows(it RowIterator) ([]Row, error) {
	defer func() { _ = it.Close() }()
	var rows []Row
	for it.Next() {
		rows = append(rows, it.At())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}
