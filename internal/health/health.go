// Package health tracks per-source reliability. The state transition is a pure
// function applied inside the store transaction that records each attempt, so
// counters are never mutated outside that write.
package health

import (
	"math"
	"time"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
)

// Classification thresholds on consecutive failures.
const (
	CriticalFailures = 15
	WarningFailures  = 10
	DegradedFailures = 5
)

// Result is the part of an attempt the state machine consumes.
type Result struct {
	Outcome   crawler.Outcome
	ErrorKind crawler.ErrorKind
	Duration  time.Duration
}

// ResultOf extracts the observation from an execution log.
func ResultOf(entry crawler.ExecutionLog) Result {
	return Result{Outcome: entry.Outcome, ErrorKind: entry.ErrorKind, Duration: entry.Duration()}
}

// Observe applies one attempt to state and recomputes the derived fields.
func Observe(state crawler.Source, r Result, now time.Time) crawler.Source {
	if state.MaxConsecutiveFailures <= 0 {
		state.MaxConsecutiveFailures = crawler.DefaultMaxConsecutiveFailures
	}
	state.LastAttemptAt = timePtr(now)
	switch r.Outcome {
	case crawler.OutcomeSuccess:
		state.Counters.ConsecutiveFailures = 0
		state.Counters.TotalSuccesses++
		state.LastSuccessAt = timePtr(now)
		state.LastErrorKind = crawler.KindNone
		if r.Duration > 0 {
			n := float64(state.Counters.TotalSuccesses)
			state.AvgSyncSeconds += (r.Duration.Seconds() - state.AvgSyncSeconds) / n
		}
	default:
		state.Counters.ConsecutiveFailures++
		state.Counters.TotalFailures++
		state.LastErrorKind = r.ErrorKind
		if state.LastErrorKind == crawler.KindNone {
			state.LastErrorKind = crawler.KindUnknown
		}
	}
	return refresh(state, now)
}

func refresh(state crawler.Source, now time.Time) crawler.Source {
	state.Health = Classify(state, now)
	state.ReliabilityScore = ReliabilityScore(state, now)
	state.LastHealthCheckAt = timePtr(now)
	return state
}

// Classify derives the health class; the first matching rule wins.
func Classify(state crawler.Source, now time.Time) crawler.Health {
	cf := state.Counters.ConsecutiveFailures
	switch {
	case !state.Active:
		return crawler.HealthDisabled
	case cf >= CriticalFailures:
		return crawler.HealthCritical
	case cf >= WarningFailures:
		return crawler.HealthWarning
	case cf >= DegradedFailures:
		return crawler.HealthDegraded
	case state.LastSuccessAt == nil:
		return crawler.HealthUnknown
	}
	since := now.Sub(*state.LastSuccessAt)
	switch {
	case since <= 24*time.Hour:
		return crawler.HealthHealthy
	case since <= 72*time.Hour:
		return crawler.HealthWarning
	default:
		return crawler.HealthDegraded
	}
}

// ReliabilityScore returns a 0-100 score rounded to one decimal. Sources with no
// attempts score 50.
func ReliabilityScore(state crawler.Source, now time.Time) float64 {
	attempts := state.Counters.Attempts()
	if attempts == 0 {
		return 50
	}
	rate := float64(state.Counters.TotalSuccesses) / float64(attempts)
	penalty := math.Min(float64(2*state.Counters.ConsecutiveFailures), 20)
	bonus := 0.0
	if state.LastSuccessAt != nil {
		days := int(now.Sub(*state.LastSuccessAt) / (24 * time.Hour))
		switch {
		case days <= 1:
			bonus = 10
		case days <= 7:
			bonus = 5
		}
	}
	score := math.Max(0, math.Min(100, 70*rate-penalty+bonus))
	return math.Round(score*10) / 10
}

// ShouldDisable reports whether an active source crossed its failure threshold.
func ShouldDisable(state crawler.Source) bool {
	limit := state.MaxConsecutiveFailures
	if limit <= 0 {
		limit = crawler.DefaultMaxConsecutiveFailures
	}
	return state.Active && state.Counters.ConsecutiveFailures >= limit
}

// Disable deactivates state. auto marks it as the tracker's decision.
func Disable(state crawler.Source, reason string, auto bool, now time.Time) crawler.Source {
	state.Active = false
	state.AutoDisabled = auto
	state.DisabledAt = timePtr(now)
	state.DisabledReason = reason
	return refresh(state, now)
}

// Reactivate clears the disable bookkeeping and the failure streak.
func Reactivate(state crawler.Source, now time.Time) crawler.Source {
	state.Active = true
	state.AutoDisabled = false
	state.DisabledAt = nil
	state.DisabledReason = ""
	state.Counters.ConsecutiveFailures = 0
	return refresh(state, now)
}

// Stats summarizes a source for operators.
type Stats struct {
	TotalAttempts       int            `json:"total_attempts"`
	SuccessCount        int            `json:"success_count"`
	FailureCount        int            `json:"failure_count"`
	SuccessRate         float64        `json:"success_rate"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	ReliabilityScore    float64        `json:"reliability_score"`
	Health              crawler.Health `json:"health"`
	AvgSyncSeconds      float64        `json:"avg_sync_seconds"`
}

// Statistics reports totals, success rate in percent (two decimals), score and
// health as of now.
func Statistics(state crawler.Source, now time.Time) Stats {
	attempts := state.Counters.Attempts()
	rate := 0.0
	if attempts > 0 {
		rate = math.Round(float64(state.Counters.TotalSuccesses)/float64(attempts)*10000) / 100
	}
	return Stats{
		TotalAttempts:       attempts,
		SuccessCount:        state.Counters.TotalSuccesses,
		FailureCount:        state.Counters.TotalFailures,
		SuccessRate:         rate,
		ConsecutiveFailures: state.Counters.ConsecutiveFailures,
		ReliabilityScore:    ReliabilityScore(state, now),
		Health:              state.Health,
		AvgSyncSeconds:      state.AvgSyncSeconds,
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
