package core

import (
	"fmt"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/go-playground/validator/v10"
)

// RuleType tags the evaluation semantics of a rule.
type RuleType string

const (
	// RuleTypePattern fires on a single matching event, no windowing.
	RuleTypePattern RuleType = "pattern"
	// RuleTypeCorrelation fires when all step sub-patterns are satisfied
	// by distinct events within the window.
	RuleTypeCorrelation RuleType = "correlation"
	// RuleTypeThreshold fires when the windowed match count reaches the
	// firing threshold.
	RuleTypeThreshold RuleType = "threshold"
	// RuleTypeAnomaly fires when a pluggable score exceeds the rule's bound.
	RuleTypeAnomaly RuleType = "anomaly"
	// RuleTypeCompliance has pattern/threshold mechanics plus compliance
	// framework metadata carried to the alert.
	RuleTypeCompliance RuleType = "compliance"
)

// IsValid checks whether the rule type is one of the known variants.
func (t RuleType) IsValid() bool {
	switch t {
	case RuleTypePattern, RuleTypeCorrelation, RuleTypeThreshold, RuleTypeAnomaly, RuleTypeCompliance:
		return true
	default:
		return false
	}
}

// conditionOperators is the set of operators accepted in match predicates.
var conditionOperators = map[string]struct{}{
	"equals":                {},
	"not_equals":            {},
	"contains":              {},
	"starts_with":           {},
	"ends_with":             {},
	"regex":                 {},
	"greater_than":          {},
	"less_than":             {},
	"greater_than_or_equal": {},
	"less_than_or_equal":    {},
}

// Condition is a single field comparison within a rule's match predicate.
// Logic joins this condition with the next one ("AND" default, or "OR").
type Condition struct {
	Field    string `json:"field" yaml:"field" validate:"required"`
	Operator string `json:"operator" yaml:"operator" validate:"required"`
	Value    any    `json:"value" yaml:"value"`
	Logic    string `json:"logic,omitempty" yaml:"logic,omitempty"`

	regex *regexp2.Regexp
}

// Compile compiles the regex pattern for "regex" conditions. It is a no-op
// for other operators.
func (c *Condition) Compile() error {
	if c.Operator != "regex" {
		return nil
	}
	pattern, ok := c.Value.(string)
	if !ok {
		return fmt.Errorf("regex condition on field %q requires a string pattern", c.Field)
	}
	re, err := regexp2.Compile(pattern, regexp2.RE2)
	if err != nil {
		return fmt.Errorf("invalid regex pattern on field %q: %w", c.Field, err)
	}
	c.regex = re
	return nil
}

// Regex returns the compiled pattern, or nil if not compiled.
func (c *Condition) Regex() *regexp2.Regexp {
	return c.regex
}

// CorrelationStep is one sub-pattern slot of a correlation rule.
type CorrelationStep struct {
	Name       string      `json:"name" yaml:"name" validate:"required"`
	Conditions []Condition `json:"conditions" yaml:"conditions" validate:"required,min=1,dive"`
}

// Rule is a read-only snapshot of one detection rule. The rule repository
// owns the mutable rule; the core only ever swaps whole snapshots.
type Rule struct {
	RuleID      string   `json:"rule_id" yaml:"rule_id" validate:"required"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Type        RuleType `json:"type" yaml:"type" validate:"required"`

	// Conditions is the match predicate for pattern, threshold, anomaly
	// and compliance rules. Correlation rules use Steps instead.
	Conditions []Condition       `json:"conditions,omitempty" yaml:"conditions,omitempty" validate:"dive"`
	Steps      []CorrelationStep `json:"steps,omitempty" yaml:"steps,omitempty" validate:"dive"`
	// Ordered constrains correlation steps to be satisfied in declaration
	// order. Unordered by default.
	Ordered bool `json:"ordered,omitempty" yaml:"ordered,omitempty"`

	// GroupingKey names the event attributes whose values identify one
	// aggregation unit, e.g. [source_ip, user_name].
	GroupingKey []string `json:"grouping_key,omitempty" yaml:"grouping_key,omitempty"`

	Frequency         int     `json:"frequency,omitempty" yaml:"frequency,omitempty"`
	TimeWindowSeconds int     `json:"time_window_seconds,omitempty" yaml:"time_window_seconds,omitempty"`
	Threshold         int     `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	ScoreBound        float64 `json:"score_bound,omitempty" yaml:"score_bound,omitempty"`

	AlertLevel    AlertLevel    `json:"alert_level" yaml:"alert_level"`
	AlertCategory AlertCategory `json:"alert_category" yaml:"alert_category"`

	// EventCategories is a cheap pre-filter: the rule is only evaluated
	// against events whose category is listed. Empty means all categories.
	EventCategories []string `json:"event_categories,omitempty" yaml:"event_categories,omitempty"`

	MitreTechnique      string   `json:"mitre_technique,omitempty" yaml:"mitre_technique,omitempty"`
	ComplianceFramework string   `json:"compliance_framework,omitempty" yaml:"compliance_framework,omitempty"`
	Tags                []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	Enabled bool `json:"enabled" yaml:"enabled"`

	CreatedAt time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

var ruleValidate = validator.New()

// Validate checks the rule's structural invariants and compiles its regex
// conditions. A rule that fails validation must never reach evaluation.
func (r *Rule) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil rule", ErrInvalidRule)
	}
	if err := ruleValidate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if !r.Type.IsValid() {
		return fmt.Errorf("%w: unknown rule type %q", ErrInvalidRule, r.Type)
	}
	if r.AlertLevel != "" && !r.AlertLevel.IsValid() {
		return fmt.Errorf("%w: unknown alert level %q", ErrInvalidRule, r.AlertLevel)
	}
	if r.AlertCategory != "" && !r.AlertCategory.IsValid() {
		return fmt.Errorf("%w: unknown alert category %q", ErrInvalidRule, r.AlertCategory)
	}

	switch r.Type {
	case RuleTypeThreshold:
		if r.TimeWindowSeconds <= 0 {
			return fmt.Errorf("%w: threshold rule %s requires time_window_seconds > 0", ErrInvalidRule, r.RuleID)
		}
		if r.Threshold <= 0 && r.Frequency <= 0 {
			return fmt.Errorf("%w: threshold rule %s requires threshold or frequency > 0", ErrInvalidRule, r.RuleID)
		}
		if len(r.Conditions) == 0 {
			return fmt.Errorf("%w: threshold rule %s requires a match predicate", ErrInvalidRule, r.RuleID)
		}
	case RuleTypeCorrelation:
		if r.TimeWindowSeconds <= 0 {
			return fmt.Errorf("%w: correlation rule %s requires time_window_seconds > 0", ErrInvalidRule, r.RuleID)
		}
		// The count is required metadata; firing is governed by step
		// completion, not by reaching it.
		if r.Threshold <= 0 && r.Frequency <= 0 {
			return fmt.Errorf("%w: correlation rule %s requires threshold or frequency > 0", ErrInvalidRule, r.RuleID)
		}
		if len(r.Steps) == 0 {
			return fmt.Errorf("%w: correlation rule %s requires at least one step", ErrInvalidRule, r.RuleID)
		}
	case RuleTypeAnomaly:
		if r.ScoreBound <= 0 {
			return fmt.Errorf("%w: anomaly rule %s requires score_bound > 0", ErrInvalidRule, r.RuleID)
		}
	case RuleTypePattern, RuleTypeCompliance:
		if len(r.Conditions) == 0 {
			return fmt.Errorf("%w: %s rule %s requires a match predicate", ErrInvalidRule, r.Type, r.RuleID)
		}
		if r.Type == RuleTypeCompliance && r.Threshold > 0 && r.TimeWindowSeconds <= 0 {
			return fmt.Errorf("%w: windowed compliance rule %s requires time_window_seconds > 0", ErrInvalidRule, r.RuleID)
		}
	}

	for i := range r.Conditions {
		if err := validateCondition(&r.Conditions[i]); err != nil {
			return fmt.Errorf("%w: rule %s condition %d: %v", ErrInvalidRule, r.RuleID, i, err)
		}
	}
	for si := range r.Steps {
		for ci := range r.Steps[si].Conditions {
			if err := validateCondition(&r.Steps[si].Conditions[ci]); err != nil {
				return fmt.Errorf("%w: rule %s step %q condition %d: %v", ErrInvalidRule, r.RuleID, r.Steps[si].Name, ci, err)
			}
		}
	}
	return nil
}

func validateCondition(c *Condition) error {
	if _, ok := conditionOperators[c.Operator]; !ok {
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	return c.Compile()
}

// FiringThreshold returns the count that governs threshold-type firing.
// Threshold wins when both are set; frequency is the fallback because the
// rule repository may populate either field.
func (r *Rule) FiringThreshold() int {
	if r.Threshold > 0 {
		return r.Threshold
	}
	return r.Frequency
}

// Window returns the rule's sliding-window duration.
func (r *Rule) Window() time.Duration {
	return time.Duration(r.TimeWindowSeconds) * time.Second
}

// AppliesTo reports whether the rule's pre-filter admits an event category.
func (r *Rule) AppliesTo(category string) bool {
	if len(r.EventCategories) == 0 {
		return true
	}
	for _, c := range r.EventCategories {
		if c == category {
			return true
		}
	}
	return false
}
