package segment

import (
	"sort"

	"github.com/prometheus/common/model"
)

// Memory is an in-memory Segment, entries kept sorted by timestamp.
type Memory struct {
	datasource string
	interval   model.Interval
	version    string
	partition  int
	entries    []Entry
}

func NewMemory(datasource string, interval model.Interval, version string, partition int, entries []Entry) *Memory {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})
	return &Memory{
		datasource: datasource,
		interval:   interval,
		version:    version,
		partition:  partition,
		entries:    sorted,
	}
}

func (m *Memory) ID() ID {
	return MakeID(m.datasource, m.interval, m.version, m.partition)
}

func (m *Memory) Datasource() string       { return m.datasource }
func (m *Memory) Interval() model.Interval { return m.interval }
func (m *Memory) Version() string          { return m.version }
func (m *Memory) Partition() int           { return m.partition }

func (m *Memory) Entries(interval model.Interval) []Entry {
	lo := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].Timestamp >= interval.Start
	})
	hi := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].Timestamp >= interval.End
	})
	return m.entries[lo:hi]
}

func (m *Memory) Close() error { return nil }
