package querier

import (
	"context"
	"flag"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	jsoniter "github.com/json-iterator/go"

	"github.com/tessera-db/tessera/pkg/query"
	"github.com/tessera-db/tessera/pkg/segment"
	"github.com/tessera-db/tessera/pkg/storage/cache"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CacheConfig is the per-segment result cache policy.
type CacheConfig struct {
	UseCache        bool                `yaml:"use_cache"`
	PopulateCache   bool                `yaml:"populate_cache"`
	MaxRowsPerEntry int                 `yaml:"max_rows_per_entry"`
	ExcludeTypes    flagext.StringSlice `yaml:"exclude_types"`
}

func (cfg *CacheConfig) RegisterFlags(f *flag.FlagSet) {
	f.BoolVar(&cfg.UseCache, "querier.cache.use", true, "Whether per-segment results may be read from cache.")
	f.BoolVar(&cfg.PopulateCache, "querier.cache.populate", true, "Whether per-segment results may be written to cache.")
	f.IntVar(&cfg.MaxRowsPerEntry, "querier.cache.max-rows-per-entry", 10000, "Largest per-segment result that will be cached, in rows. 0 disables the limit.")
	f.Var(&cfg.ExcludeTypes, "querier.cache.exclude-type", "Query type excluded from caching. May be repeated.")
}

func (cfg *CacheConfig) excluded(queryType string) bool {
	for _, t := range cfg.ExcludeTypes {
		if t == queryType {
			return true
		}
	}
	return false
}

// cacheKey builds the cache key for one (segment, descriptor, query)
// combination.
func cacheKey(segmentID segment.ID, desc segment.Descriptor, q *query.Query) string {
	return fmt.Sprintf("%s/%s/%x", segmentID, desc, q.Signature())
}

// cachingRunner short-circuits the inner scan on a cache hit and tees rows
// into the cache on a miss. Population goes through the cache's
// write-behind path, so the caller never waits on the write.
type cachingRunner struct {
	inner     query.Runner
	c         cache.Cache
	cfg       CacheConfig
	segmentID segment.ID
	desc      segment.Descriptor
	metrics   *Metrics
	logger    log.Logger
}

func (q *Querier) newCachingRunner(inner query.Runner, segmentID segment.ID, desc segment.Descriptor) query.Runner {
	if q.cache == nil {
		return inner
	}
	return &cachingRunner{
		inner:     inner,
		c:         q.cache,
		cfg:       q.cfg.Cache,
		segmentID: segmentID,
		desc:      desc,
		metrics:   q.metrics,
		logger:    q.logger,
	}
}

func (r *cachingRunner) Run(ctx context.Context, q *query.Query, resp *query.ResponseContext) (query.RowIterator, error) {
	use := r.cfg.UseCache && q.Context.UseCache(true) && !r.cfg.excluded(q.Type)
	populate := r.cfg.PopulateCache && q.Context.PopulateCache(true) && !r.cfg.excluded(q.Type)
	if !use && !populate {
		return r.inner.Run(ctx, q, resp)
	}

	key := cacheKey(r.segmentID, r.desc, q)

	if use {
		found, bufs, _, err := r.c.Fetch(ctx, []string{key})
		if err != nil {
			level.Warn(r.logger).Log("msg", "cache fetch failed, falling through to scan", "segment", r.segmentID, "err", err)
		} else if len(found) == 1 {
			var rows []query.Row
			if err := json.Unmarshal(bufs[0], &rows); err == nil {
				r.metrics.cacheHits.Inc()
				return query.NewSliceIterator(rows), nil
			}
			level.Warn(r.logger).Log("msg", "discarding corrupt cache entry", "key", key, "err", err)
		}
		r.metrics.cacheMisses.Inc()
	}

	it, err := r.inner.Run(ctx, q, resp)
	if err != nil || !populate {
		return it, err
	}
	return &teeIterator{
		RowIterator: it,
		store: func(rows []query.Row) {
			buf, err := json.Marshal(rows)
			if err != nil {
				level.Warn(r.logger).Log("msg", "failed to marshal rows for caching", "key", key, "err", err)
				return
			}
			// The query context may already be done by the time the stream
			// closes; the write must still be handed off.
			if err := r.c.Store(context.Background(), []string{key}, [][]byte{buf}); err != nil {
				level.Warn(r.logger).Log("msg", "cache store failed", "key", key, "err", err)
			}
		},
		maxRows: r.cfg.MaxRowsPerEntry,
	}, nil
}

// teeIterator buffers rows as they stream by and hands the complete result
// to store once the stream finished cleanly. Oversized or failed streams
// are never cached.
type teeIterator struct {
	query.RowIterator
	store   func(rows []query.Row)
	maxRows int

	rows     []query.Row
	overflow bool
	complete bool
	stored   bool
}

func (it *teeIterator) Next() bool {
	if it.RowIterator.Next() {
		if !it.overflow {
			it.rows = append(it.rows, it.RowIterator.At())
			if it.maxRows > 0 && len(it.rows) > it.maxRows {
				it.overflow = true
				it.rows = nil
			}
		}
		return true
	}
	it.complete = it.Err() == nil
	return false
}

func (it *teeIterator) Close() error {
	err := it.RowIterator.Close()
	if it.complete && !it.overflow && !it.stored && err == nil {
		it.stored = true
		it.store(it.rows)
	}
	return err
}
