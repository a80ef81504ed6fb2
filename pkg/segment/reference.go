package segment

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrMissing is returned by scans that touch a segment which has been
// dropped from this node. Callers treat it as missing data, not as a
// query failure.
var ErrMissing = errors.New("segment missing")

// ReferenceCounted guards a Segment against release while scans are in
// flight. TryAcquire hands out a reference and fails softly once Close has
// been called; the underlying segment is closed when the last outstanding
// reference is released.
type ReferenceCounted struct {
	Segment

	mtx     sync.Mutex
	refs    int
	closing bool
	closed  bool
}

func NewReferenceCounted(s Segment) *ReferenceCounted {
	return &ReferenceCounted{Segment: s}
}

// TryAcquire takes a reference for the duration of one scan. The returned
// release func is idempotent and must be called on every exit path. ok is
// false if the segment has already begun release.
func (r *ReferenceCounted) TryAcquire() (release func(), ok bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.closing {
		return nil, false
	}
	r.refs++
	var once sync.Once
	return func() {
		once.Do(r.releaseOne)
	}, true
}

func (r *ReferenceCounted) releaseOne() {
	r.mtx.Lock()
	r.refs--
	doClose := r.closing && r.refs == 0 && !r.closed
	if doClose {
		r.closed = true
	}
	r.mtx.Unlock()
	if doClose {
		_ = r.Segment.Close()
	}
}

// Close marks the segment as releasing. New acquisitions fail from here on;
// the underlying segment is closed once in-flight references drain.
func (r *ReferenceCounted) Close() error {
	r.mtx.Lock()
	if r.closing {
		r.mtx.Unlock()
		return nil
	}
	r.closing = true
	doClose := r.refs == 0 && !r.closed
	if doClose {
		r.closed = true
	}
	r.mtx.Unlock()
	if doClose {
		return r.Segment.Close()
	}
	return nil
}

// References returns the number of outstanding acquisitions.
func (r *ReferenceCounted) References() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.refs
}
