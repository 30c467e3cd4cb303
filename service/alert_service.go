// Package service hosts the alert lifecycle: creation from detection
// firings, status transitions, escalation, and fan-out to sinks.
package service

import (
	"context"
	"fmt"
	"time"

	"argus/core"
	"argus/detect"

	"go.uber.org/zap"
)

// AlertStore persists alerts. The service is the only writer; stores only
// need the operations listed here.
type AlertStore interface {
	SaveAlert(ctx context.Context, alert *core.Alert) error
	GetAlert(ctx context.Context, alertID string) (*core.Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]*core.Alert, error)
}

// AlertSink receives alert notifications after every state change. Sinks
// must tolerate redelivery.
type AlertSink interface {
	Notify(ctx context.Context, alert *core.Alert) error
}

// AlertFilter narrows ListAlerts results. Zero values match everything.
type AlertFilter struct {
	Status   core.AlertStatus
	Level    core.AlertLevel
	Category core.AlertCategory
	RuleID   string
	AgentID  string
	Since    time.Time
	Limit    int
}

// AlertService owns all alert mutation. Every write goes through it, so
// lifecycle invariants hold no matter who the caller is.
type AlertService struct {
	store  AlertStore
	sink   AlertSink
	logger *zap.SugaredLogger
}

// NewAlertService creates the service. The sink may be nil when no
// downstream delivery is configured.
func NewAlertService(store AlertStore, sink AlertSink, logger *zap.SugaredLogger) *AlertService {
	return &AlertService{store: store, sink: sink, logger: logger}
}

// OnFiring builds an alert from a detection firing. It satisfies
// detect.FiringHandler so the engine can hand off directly.
func (s *AlertService) OnFiring(ctx context.Context, firing detect.Firing) {
	rule := firing.Rule

	alert := core.NewAlert(rule.RuleID, firing.Event.AgentID, rule.AlertLevel, rule.AlertCategory, firing.EventIDs)
	alert.Title = rule.Name
	alert.Description = rule.Description
	alert.Tags = append([]string(nil), rule.Tags...)
	alert.MitreTechnique = rule.MitreTechnique
	alert.ComplianceFramework = rule.ComplianceFramework
	if firing.Score > 0 {
		alert.Description = fmt.Sprintf("%s (anomaly score %.2f)", alert.Description, firing.Score)
	}

	if err := s.store.SaveAlert(ctx, alert); err != nil {
		s.logger.Errorw("Failed to persist alert",
			"alert_id", alert.AlertID, "rule_id", rule.RuleID, "error", err)
		return
	}
	s.logger.Infow("Alert created",
		"alert_id", alert.AlertID, "rule_id", rule.RuleID,
		"agent_id", alert.AgentID, "level", alert.Level)
	s.deliver(ctx, alert)
}

// Create persists a pre-built alert, for callers outside the detection
// pipeline such as manual alert entry.
func (s *AlertService) Create(ctx context.Context, alert *core.Alert) error {
	if !alert.Level.IsValid() {
		return fmt.Errorf("invalid alert %s: unknown level %q", alert.AlertID, alert.Level)
	}
	if err := s.store.SaveAlert(ctx, alert); err != nil {
		return fmt.Errorf("failed to persist alert %s: %w", alert.AlertID, err)
	}
	s.deliver(ctx, alert)
	return nil
}

// Get returns one alert by ID.
func (s *AlertService) Get(ctx context.Context, alertID string) (*core.Alert, error) {
	return s.store.GetAlert(ctx, alertID)
}

// List returns alerts matching the filter.
func (s *AlertService) List(ctx context.Context, filter AlertFilter) ([]*core.Alert, error) {
	return s.store.ListAlerts(ctx, filter)
}

// Transition moves an alert to a new lifecycle status. Re-applying the
// current status is a no-op; illegal moves return ErrInvalidTransition and
// leave the alert untouched.
func (s *AlertService) Transition(ctx context.Context, alertID string, target core.AlertStatus, actor string) (*core.Alert, error) {
	alert, err := s.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}

	if alert.Status == target {
		return alert, nil
	}
	if err := alert.TransitionTo(target, actor); err != nil {
		return nil, fmt.Errorf("alert %s: %w", alertID, err)
	}

	if err := s.store.SaveAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to persist alert %s: %w", alertID, err)
	}
	s.logger.Infow("Alert transitioned",
		"alert_id", alertID, "status", target, "actor", actor)
	s.deliver(ctx, alert)
	return alert, nil
}

// Escalate marks an alert escalated. Escalation is monotonic and sticks
// through later status changes.
func (s *AlertService) Escalate(ctx context.Context, alertID, actor string) (*core.Alert, error) {
	alert, err := s.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}

	if alert.Escalated {
		return alert, nil
	}
	if err := alert.Escalate(actor); err != nil {
		return nil, fmt.Errorf("alert %s: %w", alertID, err)
	}

	if err := s.store.SaveAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to persist alert %s: %w", alertID, err)
	}
	s.logger.Infow("Alert escalated", "alert_id", alertID, "actor", actor)
	s.deliver(ctx, alert)
	return alert, nil
}

// Assign sets the alert's owner without changing its status.
func (s *AlertService) Assign(ctx context.Context, alertID, assignee string) (*core.Alert, error) {
	alert, err := s.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if alert.AssignedTo == assignee {
		return alert, nil
	}
	alert.AssignedTo = assignee
	alert.UpdatedAt = time.Now().UTC()

	if err := s.store.SaveAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to persist alert %s: %w", alertID, err)
	}
	s.deliver(ctx, alert)
	return alert, nil
}

func (s *AlertService) deliver(ctx context.Context, alert *core.Alert) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Notify(ctx, alert.Clone()); err != nil {
		s.logger.Warnw("Alert sink delivery failed",
			"alert_id", alert.AlertID, "error", err)
	}
}
