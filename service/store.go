package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"argus/core"
)

// MemoryStore is the default AlertStore: a mutex-guarded map holding deep
// copies so callers can never mutate stored state in place.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[string]*core.Alert
}

// NewMemoryStore creates an empty in-memory alert store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{alerts: make(map[string]*core.Alert)}
}

// SaveAlert inserts or replaces an alert.
func (m *MemoryStore) SaveAlert(_ context.Context, alert *core.Alert) error {
	if alert.AlertID == "" {
		return fmt.Errorf("alert has no ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[alert.AlertID] = alert.Clone()
	return nil
}

// GetAlert returns a copy of the alert with the given ID.
func (m *MemoryStore) GetAlert(_ context.Context, alertID string) (*core.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	alert, ok := m.alerts[alertID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrAlertNotFound, alertID)
	}
	return alert.Clone(), nil
}

// ListAlerts returns copies of alerts matching the filter, newest first.
func (m *MemoryStore) ListAlerts(_ context.Context, filter AlertFilter) ([]*core.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*core.Alert
	for _, alert := range m.alerts {
		if !matchesFilter(alert, filter) {
			continue
		}
		out = append(out, alert.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Count returns the number of stored alerts.
func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.alerts)
}

func matchesFilter(alert *core.Alert, filter AlertFilter) bool {
	if filter.Status != "" && alert.Status != filter.Status {
		return false
	}
	if filter.Level != "" && alert.Level != filter.Level {
		return false
	}
	if filter.Category != "" && alert.Category != filter.Category {
		return false
	}
	if filter.RuleID != "" && alert.RuleID != filter.RuleID {
		return false
	}
	if filter.AgentID != "" && alert.AgentID != filter.AgentID {
		return false
	}
	if !filter.Since.IsZero() && alert.CreatedAt.Before(filter.Since) {
		return false
	}
	return true
}
