package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTo_ValidPaths(t *testing.T) {
	tests := []struct {
		name string
		path []AlertStatus
	}{
		{"triage flow", []AlertStatus{AlertStatusInProgress, AlertStatusResolved, AlertStatusClosed}},
		{"direct resolve", []AlertStatus{AlertStatusResolved, AlertStatusClosed}},
		{"false positive", []AlertStatus{AlertStatusFalsePositive, AlertStatusClosed}},
		{"triage to false positive", []AlertStatus{AlertStatusInProgress, AlertStatusFalsePositive, AlertStatusClosed}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alert := NewAlert("rule-1", "agent-1", AlertLevelHigh, AlertCategorySecurity, []string{"e1"})
			require.Equal(t, AlertStatusOpen, alert.Status)

			for _, target := range tt.path {
				require.NoError(t, alert.TransitionTo(target, "analyst"))
				assert.Equal(t, target, alert.Status)
			}
			assert.True(t, alert.IsTerminal())
		})
	}
}

func TestTransitionTo_InvalidPaths(t *testing.T) {
	tests := []struct {
		name   string
		from   AlertStatus
		target AlertStatus
	}{
		{"open to closed", AlertStatusOpen, AlertStatusClosed},
		{"in_progress to open", AlertStatusInProgress, AlertStatusOpen},
		{"resolved to open", AlertStatusResolved, AlertStatusOpen},
		{"resolved to in_progress", AlertStatusResolved, AlertStatusInProgress},
		{"closed to open", AlertStatusClosed, AlertStatusOpen},
		{"closed to resolved", AlertStatusClosed, AlertStatusResolved},
		{"false_positive to resolved", AlertStatusFalsePositive, AlertStatusResolved},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alert := NewAlert("rule-1", "agent-1", AlertLevelHigh, AlertCategorySecurity, []string{"e1"})
			alert.Status = tt.from

			err := alert.TransitionTo(tt.target, "analyst")
			require.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, tt.from, alert.Status, "failed transition must not mutate the alert")
		})
	}
}

func TestTransitionTo_UnknownStatus(t *testing.T) {
	alert := NewAlert("rule-1", "agent-1", AlertLevelLow, AlertCategorySystem, []string{"e1"})
	err := alert.TransitionTo(AlertStatus("bogus"), "analyst")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransitionTo_IdempotentReapply(t *testing.T) {
	alert := NewAlert("rule-1", "agent-1", AlertLevelLow, AlertCategorySystem, []string{"e1"})
	require.NoError(t, alert.TransitionTo(AlertStatusResolved, "analyst"))

	resolvedAt := alert.ResolvedAt
	require.NotNil(t, resolvedAt)
	updatedAt := alert.UpdatedAt

	require.NoError(t, alert.TransitionTo(AlertStatusResolved, "analyst"))
	assert.Equal(t, resolvedAt, alert.ResolvedAt)
	assert.Equal(t, updatedAt, alert.UpdatedAt, "no-op re-apply must not touch timestamps")
}

func TestTransitionTo_ResolvedAtStampedOnce(t *testing.T) {
	alert := NewAlert("rule-1", "agent-1", AlertLevelMedium, AlertCategoryNetwork, []string{"e1"})
	require.NoError(t, alert.TransitionTo(AlertStatusResolved, "alice"))

	require.NotNil(t, alert.ResolvedAt)
	first := *alert.ResolvedAt
	assert.Equal(t, "alice", alert.ResolvedBy)
	assert.WithinDuration(t, time.Now().UTC(), first, time.Minute)
}

func TestEscalate(t *testing.T) {
	alert := NewAlert("rule-1", "agent-1", AlertLevelHigh, AlertCategorySecurity, []string{"e1"})

	require.NoError(t, alert.Escalate("bob"))
	require.True(t, alert.Escalated)
	require.NotNil(t, alert.EscalatedAt)
	first := *alert.EscalatedAt
	assert.Equal(t, "bob", alert.EscalatedBy)

	// Monotonic: a second escalation changes nothing.
	require.NoError(t, alert.Escalate("carol"))
	assert.Equal(t, first, *alert.EscalatedAt)
	assert.Equal(t, "bob", alert.EscalatedBy)

	// Escalation sticks through status changes.
	require.NoError(t, alert.TransitionTo(AlertStatusResolved, "bob"))
	assert.True(t, alert.Escalated)
}

func TestEscalate_ClosedAlert(t *testing.T) {
	alert := NewAlert("rule-1", "agent-1", AlertLevelHigh, AlertCategorySecurity, []string{"e1"})
	require.NoError(t, alert.TransitionTo(AlertStatusResolved, "analyst"))
	require.NoError(t, alert.TransitionTo(AlertStatusClosed, "analyst"))

	err := alert.Escalate("analyst")
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.False(t, alert.Escalated)
}

func TestAllowedTransitions(t *testing.T) {
	alert := NewAlert("rule-1", "agent-1", AlertLevelInfo, AlertCategorySystem, []string{"e1"})
	assert.ElementsMatch(t,
		[]AlertStatus{AlertStatusInProgress, AlertStatusResolved, AlertStatusFalsePositive},
		alert.AllowedTransitions())

	alert.Status = AlertStatusClosed
	assert.Empty(t, alert.AllowedTransitions())
	assert.True(t, alert.IsTerminal())
}

func TestTransitionTo_AutoAssign(t *testing.T) {
	alert := NewAlert("rule-1", "agent-1", AlertLevelInfo, AlertCategorySystem, []string{"e1"})
	require.NoError(t, alert.TransitionTo(AlertStatusInProgress, "dana"))
	assert.Equal(t, "dana", alert.AssignedTo)

	// An existing assignment is never overwritten.
	require.NoError(t, alert.TransitionTo(AlertStatusResolved, "erin"))
	assert.Equal(t, "dana", alert.AssignedTo)
}

func TestClone_DeepCopy(t *testing.T) {
	alert := NewAlert("rule-1", "agent-1", AlertLevelHigh, AlertCategorySecurity, []string{"e1", "e2"})
	alert.Tags = []string{"brute-force"}
	require.NoError(t, alert.TransitionTo(AlertStatusResolved, "analyst"))

	cp := alert.Clone()
	cp.ContributingEventIDs[0] = "mutated"
	cp.Tags[0] = "mutated"
	*cp.ResolvedAt = cp.ResolvedAt.Add(time.Hour)

	assert.Equal(t, "e1", alert.ContributingEventIDs[0])
	assert.Equal(t, "brute-force", alert.Tags[0])
	assert.NotEqual(t, *cp.ResolvedAt, *alert.ResolvedAt)
}
