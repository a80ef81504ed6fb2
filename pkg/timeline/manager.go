package timeline

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tessera-db/tessera/pkg/segment"
	"github.com/tessera-db/tessera/pkg/util/constants"
)

// Manager owns the node's loaded segments, one versioned timeline per
// datasource. Dropping a segment that is still being scanned defers the
// actual release until the in-flight references drain.
type Manager struct {
	logger log.Logger

	mtx       sync.RWMutex
	timelines map[string]*VersionedTimeline

	loadedSegments *prometheus.GaugeVec
}

func NewManager(logger log.Logger, reg prometheus.Registerer) *Manager {
	return &Manager{
		logger:    logger,
		timelines: map[string]*VersionedTimeline{},
		loadedSegments: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: constants.Tessera,
			Name:      "loaded_segments",
			Help:      "Number of segments currently loaded, per datasource.",
		}, []string{"datasource"}),
	}
}

// Load publishes a segment on this node's timeline for its datasource.
func (m *Manager) Load(seg segment.Segment) *segment.ReferenceCounted {
	rc := segment.NewReferenceCounted(seg)

	m.mtx.Lock()
	tl, ok := m.timelines[seg.Datasource()]
	if !ok {
		tl = NewVersionedTimeline()
		m.timelines[seg.Datasource()] = tl
	}
	m.mtx.Unlock()

	tl.Add(rc)
	m.loadedSegments.WithLabelValues(seg.Datasource()).Inc()
	level.Info(m.logger).Log("msg", "loaded segment", "datasource", seg.Datasource(), "segment", seg.ID())
	return rc
}

// Drop unpublishes the segment named by desc. The handle is closed, which
// releases the underlying segment once the last in-flight scan finishes.
func (m *Manager) Drop(datasource string, desc segment.Descriptor) error {
	m.mtx.RLock()
	tl, ok := m.timelines[datasource]
	m.mtx.RUnlock()
	if !ok {
		return errors.Errorf("no timeline for datasource %s", datasource)
	}

	rc, ok := tl.Remove(desc)
	if !ok {
		return errors.Errorf("segment %s not loaded for datasource %s", desc, datasource)
	}
	m.loadedSegments.WithLabelValues(datasource).Dec()
	level.Info(m.logger).Log("msg", "dropped segment", "datasource", datasource, "segment", desc)
	return rc.Close()
}

// Timeline returns the timeline serving datasource, if this node has one.
func (m *Manager) Timeline(datasource string) (*VersionedTimeline, bool) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	tl, ok := m.timelines[datasource]
	if !ok || tl.IsEmpty() {
		return nil, false
	}
	return tl, true
}
