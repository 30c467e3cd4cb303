package core

import (
	"fmt"
	"time"
)

// validTransitions defines the allowed status transitions. Closed is the
// only fully terminal status; there is no reopen, a recurrence gets a new
// alert.
var validTransitions = map[AlertStatus][]AlertStatus{
	AlertStatusOpen:          {AlertStatusInProgress, AlertStatusResolved, AlertStatusFalsePositive},
	AlertStatusInProgress:    {AlertStatusResolved, AlertStatusFalsePositive},
	AlertStatusResolved:      {AlertStatusClosed},
	AlertStatusFalsePositive: {AlertStatusClosed},
	AlertStatusClosed:        {},
}

// TransitionTo validates and executes a status transition. Re-applying the
// current status is an idempotent no-op. Any transition out of closed fails
// with ErrInvalidTransition.
func (a *Alert) TransitionTo(target AlertStatus, actor string) error {
	if !target.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, target)
	}

	if target == a.Status {
		return nil
	}

	allowed, ok := validTransitions[a.Status]
	if !ok {
		return fmt.Errorf("%w: unknown current status %q", ErrInvalidTransition, a.Status)
	}

	permitted := false
	for _, s := range allowed {
		if s == target {
			permitted = true
			break
		}
	}
	if !permitted {
		return fmt.Errorf("%w: %s -> %s (allowed: %v)", ErrInvalidTransition, a.Status, target, allowed)
	}

	now := time.Now().UTC()
	a.Status = target
	a.UpdatedAt = now

	// ResolvedAt is stamped exactly once, on the first entry into resolved.
	if target == AlertStatusResolved && a.ResolvedAt == nil {
		a.ResolvedAt = &now
		a.ResolvedBy = actor
	}

	if a.AssignedTo == "" && actor != "" {
		a.AssignedTo = actor
	}

	return nil
}

// Escalate sets the monotonic escalated flag, stamping EscalatedAt once.
// Escalating an already-escalated alert is a no-op. Closed alerts cannot
// be escalated.
func (a *Alert) Escalate(actor string) error {
	if a.Status == AlertStatusClosed {
		return fmt.Errorf("%w: cannot escalate a closed alert", ErrInvalidTransition)
	}
	if a.Escalated {
		return nil
	}
	now := time.Now().UTC()
	a.Escalated = true
	a.EscalatedAt = &now
	a.EscalatedBy = actor
	a.UpdatedAt = now
	return nil
}

// CanTransitionTo checks a transition without executing it.
func (a *Alert) CanTransitionTo(target AlertStatus) bool {
	if !target.IsValid() {
		return false
	}
	if target == a.Status {
		return true
	}
	for _, s := range validTransitions[a.Status] {
		if s == target {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the statuses reachable from the current one.
func (a *Alert) AllowedTransitions() []AlertStatus {
	allowed := validTransitions[a.Status]
	out := make([]AlertStatus, len(allowed))
	copy(out, allowed)
	return out
}

// IsTerminal reports whether no further transitions are possible.
func (a *Alert) IsTerminal() bool {
	return len(validTransitions[a.Status]) == 0
}
