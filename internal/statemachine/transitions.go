package statemachine

import (
	"fmt"

	"notifyhub/internal/model"
)

// allowed lists the legal next states. "" is the state before creation.
var allowed = map[model.Status][]model.Status{
	"":                     {model.StatusPending, model.StatusScheduled},
	model.StatusScheduled:  {model.StatusPending, model.StatusFailed},
	model.StatusPending:    {model.StatusProcessing},
	model.StatusRetrying:   {model.StatusProcessing},
	model.StatusProcessing: {model.StatusSent, model.StatusFailed},
	model.StatusFailed:     {model.StatusRetrying},
}

func CanTransition(from, to model.Status) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Validate checks every step against the transition table.
func Validate(steps ...model.Transition) error {
	for _, s := range steps {
		if !CanTransition(s.From, s.To) {
			return fmt.Errorf("%w: %q -> %q", model.ErrInvalidTransition, s.From, s.To)
		}
		if s.IncrementRetry && !(s.From == model.StatusFailed && s.To == model.StatusRetrying) {
			return fmt.Errorf("%w: retry increment on %s -> %s", model.ErrInvalidTransition, s.From, s.To)
		}
	}
	return nil
}

// ValidatePath checks an audit trail in chronological order. Same-status
// entries are annotations and do not move the state.
func ValidatePath(entries []model.AuditEntry) error {
	var current model.Status
	for i, e := range entries {
		if i > 0 && e.PreviousStatus == e.NewStatus {
			if e.NewStatus != current {
				return fmt.Errorf("annotation %d on %s while in %s", i, e.NewStatus, current)
			}
			continue
		}
		if e.PreviousStatus != current {
			return fmt.Errorf("entry %d starts at %q, expected %q", i, e.PreviousStatus, current)
		}
		if !CanTransition(e.PreviousStatus, e.NewStatus) {
			return fmt.Errorf("%w: entry %d %q -> %q", model.ErrInvalidTransition, i, e.PreviousStatus, e.NewStatus)
		}
		current = e.NewStatus
	}
	return nil
}
