package query

import (
	"context"
	"sync"

	"github.com/tessera-db/tessera/pkg/segment"
)

// Runner produces a lazy row stream for one query. Runners compose: the
// per-segment pipeline is a chain of runners each wrapping the next.
type Runner interface {
	Run(ctx context.Context, q *Query, resp *ResponseContext) (RowIterator, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, q *Query, resp *ResponseContext) (RowIterator, error)

func (f RunnerFunc) Run(ctx context.Context, q *Query, resp *ResponseContext) (RowIterator, error) {
	return f(ctx, q, resp)
}

// NoopRunner yields no rows and no error. It answers queries this node has
// nothing to say about, such as a datasource it does not serve.
func NoopRunner() Runner {
	return RunnerFunc(func(context.Context, *Query, *ResponseContext) (RowIterator, error) {
		return NewEmptyIterator(), nil
	})
}

// ReportMissingRunner records desc as missing in the response context and
// yields nothing. Sibling segments are unaffected.
func ReportMissingRunner(desc segment.Descriptor) Runner {
	return RunnerFunc(func(_ context.Context, _ *Query, resp *ResponseContext) (RowIterator, error) {
		resp.ReportMissing(desc)
		return NewEmptyIterator(), nil
	})
}

// ResponseContext travels alongside one query's execution: it collects
// missing-segment reports and owns the query's CPU accumulator. Created
// fresh per execution; safe for concurrent use by segment pipelines.
type ResponseContext struct {
	CPU *CPUAccumulator

	mtx     sync.Mutex
	missing []segment.Descriptor
}

func NewResponseContext() *ResponseContext {
	return &ResponseContext{CPU: NewCPUAccumulator()}
}

// ReportMissing records a segment that could not be served.
func (r *ResponseContext) ReportMissing(desc segment.Descriptor) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.missing = append(r.missing, desc)
}

// MissingSegments returns the descriptors reported missing so far.
func (r *ResponseContext) MissingSegments() []segment.Descriptor {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	out := make([]segment.Descriptor, len(r.missing))
	copy(out, r.missing)
	return out
}
