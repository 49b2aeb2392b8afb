package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for budget tracking.
var (
	budgetBurstRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvester_ratelimit_burst_remaining",
		Help: "Requests remaining in the current service protection window",
	})

	budgetTimeRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvester_ratelimit_time_remaining_seconds",
		Help: "Combined execution time remaining in the current service protection window",
	})

	budgetLowTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_ratelimit_low_total",
		Help: "Responses that reported a burst budget below the warning threshold",
	})
)

// Tracker records the service protection budget from response headers.
// It only observes; requests are never delayed or blocked on its account.
type Tracker struct {
	mu     sync.RWMutex
	state  BudgetState
	logger zerolog.Logger
}

// NewTracker creates a new budget tracker.
func NewTracker(logger zerolog.Logger) *Tracker {
	return &Tracker{
		state:  unknownState(),
		logger: logger,
	}
}

// State returns a copy of the current budget state.
func (t *Tracker) State() BudgetState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// UpdateFromHeaders parses budget headers and updates the state.
// Responses without the headers leave the state untouched.
func (t *Tracker) UpdateFromHeaders(headers http.Header) error {
	burstStr := headers.Get(HeaderBurstRemaining)
	if burstStr == "" {
		return nil
	}

	burst, err := strconv.Atoi(burstStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderBurstRemaining, err)
	}

	var remaining time.Duration
	if timeStr := headers.Get(HeaderTimeRemaining); timeStr != "" {
		seconds, err := strconv.ParseFloat(timeStr, 64)
		if err != nil {
			return fmt.Errorf("parse %s header: %w", HeaderTimeRemaining, err)
		}
		remaining = time.Duration(seconds * float64(time.Second))
	}

	state := BudgetState{
		BurstRemaining: burst,
		TimeRemaining:  remaining,
		LastUpdate:     time.Now(),
	}
	state.UpdateHealth()

	t.mu.Lock()
	t.state = state
	t.mu.Unlock()

	budgetBurstRemaining.Set(float64(burst))
	budgetTimeRemaining.Set(remaining.Seconds())

	if state.IsLow() {
		budgetLowTotal.Inc()
		t.logger.Warn().
			Int("burst_remaining", burst).
			Dur("time_remaining", remaining).
			Msg("Service protection budget low")
		return nil
	}

	t.logger.Debug().
		Int("burst_remaining", burst).
		Dur("time_remaining", remaining).
		Bool("is_healthy", state.IsHealthy).
		Msg("Service protection budget updated")

	return nil
}
