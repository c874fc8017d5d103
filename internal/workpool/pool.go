// Package workpool runs index-addressed work with a fixed concurrency ceiling.
package workpool

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Pool admits at most Size concurrent calls.
type Pool struct {
	Size int
}

func New(size int) Pool {
	if size < 1 {
		size = 1
	}
	return Pool{Size: size}
}

// Run calls fn for every index in [0, n). Work is contained per index: fn reports
// its own failures, so one index can never cancel another. Run stops admitting new
// indexes once ctx is done and returns ctx.Err() in that case.
func (p Pool) Run(ctx context.Context, n int, fn func(ctx context.Context, i int)) error {
	if n <= 0 {
		return ctx.Err()
	}
	size := p.Size
	if size < 1 {
		size = 1
	}

	var g errgroup.Group
	g.SetLimit(size)

	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			fn(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}
