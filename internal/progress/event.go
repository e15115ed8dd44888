package progress

import (
	"errors"
	"fmt"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
)

// Event is one committed attempt plus the health change it caused, if any.
type Event struct {
	// Log is the execution log as stored.
	Log crawler.ExecutionLog
	// SourceBefore and SourceAfter are empty for attempts without a source.
	SourceBefore crawler.Health
	SourceAfter  crawler.Health
	// Disabled is set when this attempt auto-disabled its source.
	Disabled bool
}

// HealthChanged reports whether the attempt moved its source between classes.
func (e Event) HealthChanged() bool {
	return e.SourceBefore != e.SourceAfter
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Log.Kind == "" {
		return errors.New("log kind is required")
	}
	if e.Log.SubjectID == "" {
		return errors.New("subject id is required")
	}
	if e.Log.EndedAt.IsZero() {
		return errors.New("end time is required")
	}
	switch e.Log.Outcome {
	case crawler.OutcomeSuccess, crawler.OutcomeFailure:
	default:
		return fmt.Errorf("unknown outcome %q", e.Log.Outcome)
	}
	if e.Log.EndedAt.Before(e.Log.StartedAt) {
		return errors.New("log ends before it starts")
	}
	return nil
}

// FromAttempt builds the Event for a recorded attempt.
func FromAttempt(entry crawler.ExecutionLog, before, after crawler.Source) Event {
	return Event{
		Log:          entry,
		SourceBefore: before.Health,
		SourceAfter:  after.Health,
		Disabled:     before.Active && !after.Active,
	}
}
