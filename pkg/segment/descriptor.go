package segment

import (
	"fmt"

	"github.com/prometheus/common/model"
)

// ID uniquely names one physical segment on this node.
type ID string

// MakeID builds the canonical segment identifier.
func MakeID(datasource string, interval model.Interval, version string, partition int) ID {
	return ID(fmt.Sprintf("%s_%d_%d_%s_%d", datasource, interval.Start, interval.End, version, partition))
}

// Descriptor identifies one physical partition of a datasource: the time
// interval it covers, the version it was published under and its partition
// number. It is the unit of cache-key construction and of missing-segment
// reporting.
type Descriptor struct {
	Interval  model.Interval `json:"interval"`
	Version   string         `json:"version"`
	Partition int            `json:"partition"`
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%d_%d_%s_%d", d.Interval.Start, d.Interval.End, d.Version, d.Partition)
}

// Overlaps reports whether the descriptor's interval intersects iv.
func (d Descriptor) Overlaps(iv model.Interval) bool {
	return IntervalsOverlap(d.Interval, iv)
}

// IntervalsOverlap reports whether two half-open [Start, End) intervals
// intersect.
func IntervalsOverlap(a, b model.Interval) bool {
	return a.Start < b.End && b.Start < a.End
}

// Intersect clips a to b. ok is false when they do not overlap.
func Intersect(a, b model.Interval) (model.Interval, bool) {
	if !IntervalsOverlap(a, b) {
		return model.Interval{}, false
	}
	out := a
	if b.Start > out.Start {
		out.Start = b.Start
	}
	if b.End < out.End {
		out.End = b.End
	}
	return out, true
}
