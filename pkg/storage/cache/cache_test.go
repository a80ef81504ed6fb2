package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedStoreFetch(t *testing.T) {
	c := NewEmbedded("test", EmbeddedConfig{MaxSizeMB: 1}, prometheus.NewRegistry(), log.NewNopLogger())
	defer c.Stop()

	require.NoError(t, c.Store(context.Background(), []string{"a", "b"}, [][]byte{[]byte("1"), []byte("2")}))

	found, bufs, missing, err := c.Fetch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, found)
	require.Equal(t, [][]byte{[]byte("1"), []byte("2")}, bufs)
	require.Equal(t, []string{"c"}, missing)
}

func TestEmbeddedOverwrite(t *testing.T) {
	c := NewEmbedded("test", EmbeddedConfig{MaxSizeMB: 1}, prometheus.NewRegistry(), log.NewNopLogger())
	defer c.Stop()

	require.NoError(t, c.Store(context.Background(), []string{"a"}, [][]byte{[]byte("old")}))
	require.NoError(t, c.Store(context.Background(), []string{"a"}, [][]byte{[]byte("new")}))

	_, bufs, _, err := c.Fetch(context.Background(), []string{"a"})
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("new")}, bufs)
}

func TestEmbeddedEvictsOverMaxItems(t *testing.T) {
	c := NewEmbedded("test", EmbeddedConfig{MaxSizeMB: 1, MaxItems: 2}, prometheus.NewRegistry(), log.NewNopLogger())
	defer c.Stop()

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("key-%d", i)
		require.NoError(t, c.Store(context.Background(), []string{key}, [][]byte{[]byte("v")}))
	}

	// Oldest entry is gone, newest two remain.
	_, _, missing, err := c.Fetch(context.Background(), []string{"key-0", "key-1", "key-2"})
	require.NoError(t, err)
	require.Equal(t, []string{"key-0"}, missing)
}

func TestEmbeddedTTLExpiry(t *testing.T) {
	c := NewEmbedded("test", EmbeddedConfig{MaxSizeMB: 1, TTL: time.Millisecond, PurgeInterval: time.Hour}, prometheus.NewRegistry(), log.NewNopLogger())
	defer c.Stop()

	require.NoError(t, c.Store(context.Background(), []string{"a"}, [][]byte{[]byte("1")}))
	time.Sleep(5 * time.Millisecond)

	found, _, missing, err := c.Fetch(context.Background(), []string{"a"})
	require.NoError(t, err)
	require.Empty(t, found)
	require.Equal(t, []string{"a"}, missing)
}

// slowCache records stores after a short delay, to exercise the background
// write-behind path.
type slowCache struct {
	mtx    sync.Mutex
	stored map[string][]byte
}

func (s *slowCache) Store(_ context.Context, keys []string, bufs [][]byte) error {
	time.Sleep(time.Millisecond)
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for i := range keys {
		s.stored[keys[i]] = bufs[i]
	}
	return nil
}

func (s *slowCache) Fetch(_ context.Context, keys []string) ([]string, [][]byte, []string, error) {
	return nil, nil, keys, nil
}

func (s *slowCache) Stop() {}

func (s *slowCache) get(key string) ([]byte, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	buf, ok := s.stored[key]
	return buf, ok
}

func TestBackgroundWriteBack(t *testing.T) {
	inner := &slowCache{stored: map[string][]byte{}}
	c := NewBackground("test", BackgroundConfig{WriteBackGoroutines: 2, WriteBackBuffer: 16}, inner, prometheus.NewRegistry())

	require.NoError(t, c.Store(context.Background(), []string{"a"}, [][]byte{[]byte("1")}))

	// Stop drains in-flight writes before shutting down.
	c.Stop()
	buf, ok := inner.get("a")
	require.True(t, ok)
	require.Equal(t, []byte("1"), buf)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := RedisConfig{Endpoint: mr.Addr(), Expiration: time.Hour}
	client, err := NewRedisClient(&cfg)
	require.NoError(t, err)
	c := NewRedisCache("test", client, cfg, log.NewNopLogger())
	defer c.Stop()

	require.NoError(t, c.Store(context.Background(), []string{"a", "b"}, [][]byte{[]byte("1"), []byte("2")}))

	found, bufs, missing, err := c.Fetch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, found)
	require.Equal(t, [][]byte{[]byte("1"), []byte("2")}, bufs)
	require.Equal(t, []string{"c"}, missing)
}

func TestNewRejectsMultipleBackends(t *testing.T) {
	cfg := Config{}
	cfg.Embedded.Enabled = true
	cfg.Memcached.Addresses = "localhost:11211"

	_, err := New(cfg, prometheus.NewRegistry(), log.NewNopLogger())
	require.Error(t, err)
}

func TestNewEmbeddedConfigured(t *testing.T) {
	cfg := Config{DefaultValidity: time.Hour}
	cfg.Embedded.Enabled = true
	cfg.Embedded.MaxSizeMB = 1

	c, err := New(cfg, prometheus.NewRegistry(), log.NewNopLogger())
	require.NoError(t, err)
	require.NotNil(t, c)
	defer c.Stop()

	require.NoError(t, c.Store(context.Background(), []string{"a"}, [][]byte{[]byte("1")}))
	found, _, _, err := c.Fetch(context.Background(), []string{"a"})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, found)
}
