package worker

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Job runs one unit of work identified by its index in the batch.
type Job func(ctx context.Context, i int)

// Pool runs batches of independent jobs with bounded concurrency.
type Pool struct {
	size int
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{size: size}
}

func (p *Pool) Size() int { return p.size }

// Run calls job(ctx, i) for i in [0, n) with at most Size jobs in flight and
// waits for all of them. Jobs report their own failures; one job never
// cancels its siblings. A cancelled ctx stops new jobs from starting.
func (p *Pool) Run(ctx context.Context, n int, job Job) {
	var g errgroup.Group
	g.SetLimit(p.size)
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			job(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
}
