package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var pacerWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "harvester_pacer_wait_seconds",
	Help:    "Time spent waiting for a request token",
	Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
})

// Pacer spaces requests out with a token bucket shared by every worker.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer creates a pacer allowing rps requests per second with the given
// burst. rps <= 0 disables pacing.
func NewPacer(rps float64, burst int) *Pacer {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Pacer{limiter: rate.NewLimiter(limit, burst)}
}

// Unlimited reports whether the pacer never waits.
func (p *Pacer) Unlimited() bool {
	return p.limiter.Limit() == rate.Inf
}

// Wait blocks until a request may be sent or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	start := time.Now()
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pacer wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		pacerWaitSeconds.Observe(waited.Seconds())
	}
	return nil
}
