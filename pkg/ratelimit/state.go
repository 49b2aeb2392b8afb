// Package ratelimit paces outgoing requests and tracks the service
// protection budget the server reports back. It monitors the
// x-ms-ratelimit-burst-remaining-xxx-requests and
// x-ms-ratelimit-time-remaining-xxx-combined-duration headers so a long
// harvest can see how close it runs to the server's limits.
package ratelimit

import (
	"time"
)

// Response headers carrying the service protection budget.
const (
	HeaderBurstRemaining = "x-ms-ratelimit-burst-remaining-xxx-requests"
	HeaderTimeRemaining  = "x-ms-ratelimit-time-remaining-xxx-combined-duration"
)

// Thresholds for budget health, in requests remaining in the current window.
const (
	// BurstThresholdWarning flags the budget as low. The server allows
	// 6000 requests per five minute window per user.
	BurstThresholdWarning = 200

	// BurstThresholdHealthy indicates normal operation.
	BurstThresholdHealthy = 1000
)

// BudgetState is the last service protection budget reported by the server.
type BudgetState struct {
	// BurstRemaining is the number of requests left in the current window.
	// -1 when the server has not reported it yet.
	BurstRemaining int `json:"burst_remaining"`

	// TimeRemaining is the remaining combined execution time in the window.
	TimeRemaining time.Duration `json:"time_remaining"`

	// LastUpdate is when the state was last refreshed from headers.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when BurstRemaining >= BurstThresholdHealthy
	// or when nothing has been reported.
	IsHealthy bool `json:"is_healthy"`
}

// unknownState is the state before any response carried budget headers.
func unknownState() BudgetState {
	return BudgetState{BurstRemaining: -1, IsHealthy: true}
}

// Known reports whether the server has reported a budget.
func (s BudgetState) Known() bool {
	return s.BurstRemaining >= 0
}

// IsStale returns true if the state data is older than maxAge.
func (s BudgetState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// IsLow returns true when the remaining burst budget is below the warning threshold.
func (s BudgetState) IsLow() bool {
	return s.Known() && s.BurstRemaining < BurstThresholdWarning
}

// UpdateHealth updates the IsHealthy field based on BurstRemaining.
func (s *BudgetState) UpdateHealth() {
	s.IsHealthy = !s.Known() || s.BurstRemaining >= BurstThresholdHealthy
}
