package core

import (
	"time"

	"github.com/google/uuid"
)

// Event is the normalized shape of one ingested security event. Events are
// created by the event source and are read-only to the detection core.
type Event struct {
	EventID    string         `json:"event_id" yaml:"event_id"`
	AgentID    string         `json:"agent_id" yaml:"agent_id"`
	OccurredAt time.Time      `json:"occurred_at" yaml:"occurred_at"`
	Category   string         `json:"category" yaml:"category"`
	Attributes map[string]any `json:"attributes" yaml:"attributes"`
	RawPayload string         `json:"raw_payload" yaml:"raw_payload"`
}

// NewEvent creates an Event with a generated ID and current timestamp.
func NewEvent() *Event {
	return &Event{
		EventID:    uuid.New().String(),
		OccurredAt: time.Now().UTC(),
		Attributes: make(map[string]any),
	}
}

// Attr returns the named attribute value, or nil if absent.
func (e *Event) Attr(name string) any {
	if e.Attributes == nil {
		return nil
	}
	return e.Attributes[name]
}

// StringAttr returns the named attribute as a string, or "" if absent or
// not a string.
func (e *Event) StringAttr(name string) string {
	if s, ok := e.Attr(name).(string); ok {
		return s
	}
	return ""
}
