package core

import (
	"time"

	"github.com/google/uuid"
)

// AlertStatus represents the lifecycle status of an alert.
type AlertStatus string

const (
	// AlertStatusOpen is the initial status of every alert.
	AlertStatusOpen AlertStatus = "open"
	// AlertStatusInProgress indicates an analyst is working the alert.
	AlertStatusInProgress AlertStatus = "in_progress"
	// AlertStatusResolved indicates the alert was handled.
	AlertStatusResolved AlertStatus = "resolved"
	// AlertStatusClosed is the terminal status; no further transitions.
	AlertStatusClosed AlertStatus = "closed"
	// AlertStatusFalsePositive records a rule misfire distinctly from a
	// genuine resolution, for rule-tuning feedback.
	AlertStatusFalsePositive AlertStatus = "false_positive"
)

// String returns the string representation.
func (s AlertStatus) String() string {
	return string(s)
}

// IsValid checks if the status is one of the known values.
func (s AlertStatus) IsValid() bool {
	switch s {
	case AlertStatusOpen, AlertStatusInProgress, AlertStatusResolved, AlertStatusClosed, AlertStatusFalsePositive:
		return true
	default:
		return false
	}
}

// AlertLevel represents alert severity.
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelLow      AlertLevel = "low"
	AlertLevelMedium   AlertLevel = "medium"
	AlertLevelHigh     AlertLevel = "high"
	AlertLevelCritical AlertLevel = "critical"
)

// IsValid checks if the level is one of the known values.
func (l AlertLevel) IsValid() bool {
	switch l {
	case AlertLevelInfo, AlertLevelLow, AlertLevelMedium, AlertLevelHigh, AlertLevelCritical:
		return true
	default:
		return false
	}
}

// AlertCategory classifies what an alert is about.
type AlertCategory string

const (
	AlertCategorySecurity      AlertCategory = "security"
	AlertCategoryCompliance    AlertCategory = "compliance"
	AlertCategoryPerformance   AlertCategory = "performance"
	AlertCategorySystem        AlertCategory = "system"
	AlertCategoryNetwork       AlertCategory = "network"
	AlertCategoryApplication   AlertCategory = "application"
	AlertCategoryFileIntegrity AlertCategory = "file_integrity"
	AlertCategoryVulnerability AlertCategory = "vulnerability"
)

// IsValid checks if the category is one of the known values.
func (c AlertCategory) IsValid() bool {
	switch c {
	case AlertCategorySecurity, AlertCategoryCompliance, AlertCategoryPerformance, AlertCategorySystem,
		AlertCategoryNetwork, AlertCategoryApplication, AlertCategoryFileIntegrity, AlertCategoryVulnerability:
		return true
	default:
		return false
	}
}

// Alert is a core-produced, externally persisted alert record. All status
// mutation goes through TransitionTo and Escalate; callers never set Status
// directly.
type Alert struct {
	AlertID     string        `json:"alert_id"`
	RuleID      string        `json:"rule_id,omitempty"` // empty for ad hoc alerts
	AgentID     string        `json:"agent_id"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Level       AlertLevel    `json:"level"`
	Category    AlertCategory `json:"category"`
	Status      AlertStatus   `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy  string     `json:"resolved_by,omitempty"`
	Escalated   bool       `json:"escalated"`
	EscalatedAt *time.Time `json:"escalated_at,omitempty"`
	EscalatedBy string     `json:"escalated_by,omitempty"`
	AssignedTo  string     `json:"assigned_to,omitempty"`

	// ContributingEventIDs holds the events that caused the firing, in
	// window order. At least one entry.
	ContributingEventIDs []string `json:"contributing_event_ids"`

	Tags                []string `json:"tags,omitempty"`
	MitreTechnique      string   `json:"mitre_technique,omitempty"`
	ComplianceFramework string   `json:"compliance_framework,omitempty"`
}

// NewAlert creates an open alert with a generated ID and stamped timestamps.
func NewAlert(ruleID, agentID string, level AlertLevel, category AlertCategory, eventIDs []string) *Alert {
	now := time.Now().UTC()
	if level == "" {
		level = AlertLevelInfo
	}
	if category == "" {
		category = AlertCategorySecurity
	}
	return &Alert{
		AlertID:              uuid.New().String(),
		RuleID:               ruleID,
		AgentID:              agentID,
		Level:                level,
		Category:             category,
		Status:               AlertStatusOpen,
		CreatedAt:            now,
		UpdatedAt:            now,
		ContributingEventIDs: eventIDs,
	}
}

// IsHighPriority reports whether the alert is high or critical severity.
func (a *Alert) IsHighPriority() bool {
	return a.Level == AlertLevelHigh || a.Level == AlertLevelCritical
}

// Clone returns a deep copy so callers outside the owning service cannot
// mutate shared state.
func (a *Alert) Clone() *Alert {
	cp := *a
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	if a.EscalatedAt != nil {
		t := *a.EscalatedAt
		cp.EscalatedAt = &t
	}
	cp.ContributingEventIDs = append([]string(nil), a.ContributingEventIDs...)
	cp.Tags = append([]string(nil), a.Tags...)
	return &cp
}
