package query

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// mergeBuffer bounds how far segment scans may run ahead of the consumer.
const mergeBuffer = 64

// MergeRunners fans per-segment runners out over a worker pool bounded to
// the given concurrency and merges their row streams in arrival order. No
// ordering is guaranteed across segments. Closing the merged iterator
// cancels outstanding scans and waits for them to wind down, so segment
// references never leak.
func MergeRunners(concurrency int, runners []Runner) Runner {
	return RunnerFunc(func(ctx context.Context, q *Query, resp *ResponseContext) (RowIterator, error) {
		switch len(runners) {
		case 0:
			return NewEmptyIterator(), nil
		case 1:
			return runners[0].Run(ctx, q, resp)
		}
		if concurrency <= 0 {
			concurrency = len(runners)
		}

		ctx, cancel := context.WithCancel(ctx)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)

		rows := make(chan Row, mergeBuffer)
		errc := make(chan error, 1)

		go func() {
			for _, r := range runners {
				g.Go(func() error {
					it, err := r.Run(gctx, q, resp)
					if err != nil {
						return err
					}
					defer func() { _ = it.Close() }()
					for it.Next() {
						select {
						case rows <- it.At():
						case <-gctx.Done():
							return gctx.Err()
						}
					}
					return it.Err()
				})
			}
			errc <- g.Wait()
			close(rows)
		}()

		return &mergeIterator{cancel: cancel, rows: rows, errc: errc}, nil
	})
}

type mergeIterator struct {
	cancel context.CancelFunc
	rows   chan Row
	errc   chan error

	cur      Row
	err      error
	waitOnce sync.Once
}

func (it *mergeIterator) wait() {
	it.waitOnce.Do(func() {
		if err := <-it.errc; err != nil && !errors.Is(err, context.Canceled) {
			it.err = err
		}
	})
}

func (it *mergeIterator) Next() bool {
	r, ok := <-it.rows
	if !ok {
		it.wait()
		return false
	}
	it.cur = r
	return true
}

func (it *mergeIterator) At() Row    { return it.cur }
func (it *mergeIterator) Err() error { return it.err }

func (it *mergeIterator) Close() error {
	it.cancel()
	it.wait()
	return it.err
}
