package generator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"recurflow/internal/domain"
)

// RateLimited throttles calls into Next. The limiter is injected so several
// generators can share one budget for the same upstream.
type RateLimited struct {
	Next    Generator
	Limiter *rate.Limiter
}

// NewRateLimited allows perSec calls per second with a burst of the same size.
func NewRateLimited(next Generator, perSec int) RateLimited {
	if perSec <= 0 {
		perSec = 1
	}
	return RateLimited{Next: next, Limiter: rate.NewLimiter(rate.Limit(perSec), perSec)}
}

func (g RateLimited) Generate(ctx context.Context, s domain.Schedule, windowStart, now time.Time) (string, error) {
	if g.Limiter != nil {
		if err := g.Limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit: %w", err)
		}
	}
	return g.Next.Generate(ctx, s, windowStart, now)
}
