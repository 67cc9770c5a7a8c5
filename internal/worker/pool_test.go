package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPoolRunsEveryJob(t *testing.T) {
	p := NewPool(3)
	var mu sync.Mutex
	seen := map[int]bool{}

	p.Run(context.Background(), 10, func(ctx context.Context, i int) {
		mu.Lock()
		seen[i] = true
		mu.Unlock()
	})

	assert.Len(t, seen, 10)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(2)
	var inFlight, peak atomic.Int32

	p.Run(context.Background(), 8, func(ctx context.Context, i int) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
	})

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPoolStopsOnCancelledContext(t *testing.T) {
	p := NewPool(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran atomic.Int32

	p.Run(ctx, 5, func(ctx context.Context, i int) { ran.Add(1) })

	assert.Zero(t, ran.Load())
}

func TestNewPoolDefaultsSize(t *testing.T) {
	assert.Equal(t, 1, NewPool(0).Size())
}
