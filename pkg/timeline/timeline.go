// Package timeline indexes loaded segments by interval and version, one
// versioned timeline per datasource.
package timeline

import (
	"sort"
	"sync"

	"github.com/prometheus/common/model"

	"github.com/tessera-db/tessera/pkg/segment"
)

// Chunk is one partition of a holder's partition set.
type Chunk struct {
	Partition int
	Segment   *segment.ReferenceCounted
}

// PartitionHolder is the partition set published for one (interval, version).
type PartitionHolder struct {
	Interval model.Interval
	Version  string

	chunks map[int]*Chunk
}

// Chunk returns the chunk at the given partition number, if present.
func (h *PartitionHolder) Chunk(partition int) (*Chunk, bool) {
	c, ok := h.chunks[partition]
	return c, ok
}

// Chunks returns all chunks ordered by partition number.
func (h *PartitionHolder) Chunks() []*Chunk {
	out := make([]*Chunk, 0, len(h.chunks))
	for _, c := range h.chunks {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out
}

// VersionedTimeline maps time intervals to versioned partition sets of
// segments. Lookups under the same read lock see a consistent view; the
// segment manager mutates it as segments load and drop.
type VersionedTimeline struct {
	mtx sync.RWMutex
	// interval -> version -> holder
	entries map[model.Interval]map[string]*PartitionHolder
}

func NewVersionedTimeline() *VersionedTimeline {
	return &VersionedTimeline{
		entries: map[model.Interval]map[string]*PartitionHolder{},
	}
}

// Add publishes a segment chunk under its (interval, version, partition).
func (t *VersionedTimeline) Add(seg *segment.ReferenceCounted) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	versions, ok := t.entries[seg.Interval()]
	if !ok {
		versions = map[string]*PartitionHolder{}
		t.entries[seg.Interval()] = versions
	}
	holder, ok := versions[seg.Version()]
	if !ok {
		holder = &PartitionHolder{
			Interval: seg.Interval(),
			Version:  seg.Version(),
			chunks:   map[int]*Chunk{},
		}
		versions[seg.Version()] = holder
	}
	holder.chunks[seg.Partition()] = &Chunk{Partition: seg.Partition(), Segment: seg}
}

// Remove unpublishes the chunk named by desc and returns its segment handle.
func (t *VersionedTimeline) Remove(desc segment.Descriptor) (*segment.ReferenceCounted, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	versions, ok := t.entries[desc.Interval]
	if !ok {
		return nil, false
	}
	holder, ok := versions[desc.Version]
	if !ok {
		return nil, false
	}
	chunk, ok := holder.chunks[desc.Partition]
	if !ok {
		return nil, false
	}
	delete(holder.chunks, desc.Partition)
	if len(holder.chunks) == 0 {
		delete(versions, desc.Version)
	}
	if len(versions) == 0 {
		delete(t.entries, desc.Interval)
	}
	return chunk.Segment, true
}

// Lookup returns, for every distinct interval overlapping iv, the partition
// holder at its greatest version, ordered by interval start.
func (t *VersionedTimeline) Lookup(iv model.Interval) []*PartitionHolder {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	var out []*PartitionHolder
	for interval, versions := range t.entries {
		if !segment.IntervalsOverlap(interval, iv) {
			continue
		}
		var best *PartitionHolder
		for _, holder := range versions {
			if best == nil || holder.Version > best.Version {
				best = holder
			}
		}
		if best != nil {
			out = append(out, best)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Interval.Start < out[j].Interval.Start })
	return out
}

// FindEntry returns the partition holder published for exactly (interval,
// version), if any.
func (t *VersionedTimeline) FindEntry(iv model.Interval, version string) (*PartitionHolder, bool) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	versions, ok := t.entries[iv]
	if !ok {
		return nil, false
	}
	holder, ok := versions[version]
	return holder, ok
}

// IsEmpty reports whether the timeline holds no segments.
func (t *VersionedTimeline) IsEmpty() bool {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return len(t.entries) == 0
}
