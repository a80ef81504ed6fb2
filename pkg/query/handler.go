package query

import (
	"context"
	"sync"

	"github.com/tessera-db/tessera/pkg/segment"
)

// Handler implements one query type: the per-segment scan plus the merge
// and finalize steps that combine segment results into the user-facing
// shape.
type Handler interface {
	// Type is the query-type identifier this handler is registered under.
	Type() string

	// CanPerformSubquery reports whether this handler can evaluate a query
	// whose datasource is the given nested query.
	CanPerformSubquery(sub *Query) bool

	// SegmentScan runs the query against one physical segment.
	SegmentScan(ctx context.Context, seg segment.Segment, desc segment.Descriptor, q *Query) (RowIterator, error)

	// MergeRunners combines per-segment runners over a worker pool bounded
	// to the given concurrency.
	MergeRunners(concurrency int, runners []Runner) Runner

	// Finalize converts intermediate per-segment state in the merged stream
	// into final results.
	Finalize(q *Query, it RowIterator) RowIterator
}

// SegmentOptimizer is an optional Handler capability: rewrite a query for
// one specific segment's characteristics before the restricted scan runs.
type SegmentOptimizer interface {
	OptimizeForSegment(q *Query, desc segment.Descriptor) *Query
}

// Registry holds the query-type handlers this node supports, keyed by type.
type Registry struct {
	mtx      sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register adds a handler, replacing any previous registration of the type.
func (r *Registry) Register(h Handler) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.handlers[h.Type()] = h
}

// Find resolves the handler for q's type.
func (r *Registry) Find(q *Query) (Handler, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	h, ok := r.handlers[q.Type]
	return h, ok
}
