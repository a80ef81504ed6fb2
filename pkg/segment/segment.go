package segment

import (
	"github.com/prometheus/common/model"
)

// Entry is one stored data point inside a segment.
type Entry struct {
	Timestamp model.Time
	Dims      map[string]string
	Vals      map[string]float64
}

// Segment is an immutable physical partition of a datasource covering one
// (interval, version, partition) triple. Implementations own the storage
// format; readers go through Entries.
type Segment interface {
	ID() ID
	Datasource() string
	Interval() model.Interval
	Version() string
	Partition() int

	// Entries returns the segment's data points overlapping the given
	// interval, in timestamp order.
	Entries(interval model.Interval) []Entry

	Close() error
}

// DescriptorOf derives the descriptor identifying s.
func DescriptorOf(s Segment) Descriptor {
	return Descriptor{
		Interval:  s.Interval(),
		Version:   s.Version(),
		Partition: s.Partition(),
	}
}
