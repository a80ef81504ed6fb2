package query

import (
	"time"

	"go.uber.org/atomic"
)

// CPUAccumulator tracks processing time attributed to one query. It is
// created fresh per execution, written concurrently by the per-segment
// pipelines and the top-level accounting wrap, and read once on completion.
// The total never decreases.
type CPUAccumulator struct {
	ns atomic.Int64
}

func NewCPUAccumulator() *CPUAccumulator {
	return &CPUAccumulator{}
}

// Add attributes d to the query. Negative durations are dropped so clock
// oddities cannot make the total go backwards.
func (a *CPUAccumulator) Add(d time.Duration) {
	if d <= 0 {
		return
	}
	a.ns.Add(int64(d))
}

// Total returns the accumulated processing time.
func (a *CPUAccumulator) Total() time.Duration {
	return time.Duration(a.ns.Load())
}
