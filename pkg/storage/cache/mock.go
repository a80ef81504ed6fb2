package cache

import (
	"context"
	"sync"
)

type mockCache struct {
	mtx   sync.Mutex
	cache map[string][]byte
}

// NewMockCache makes a new MockCache for tests.
func NewMockCache() Cache {
	return &mockCache{cache: map[string][]byte{}}
}

func (m *mockCache) Store(_ context.Context, keys []string, bufs [][]byte) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for i := range keys {
		m.cache[keys[i]] = bufs[i]
	}
	return nil
}

func (m *mockCache) Fetch(_ context.Context, keys []string) (found []string, bufs [][]byte, missing []string, err error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, key := range keys {
		buf, ok := m.cache[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		found = append(found, key)
		bufs = append(bufs, buf)
	}
	return
}

func (m *mockCache) Stop() {}
