package detect

import (
	"context"
	"sync"
	"testing"
	"time"

	"argus/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captureHandler struct {
	mu      sync.Mutex
	firings []Firing
}

func (h *captureHandler) OnFiring(_ context.Context, firing Firing) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.firings = append(h.firings, firing)
}

func (h *captureHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.firings)
}

func (h *captureHandler) last() Firing {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.firings[len(h.firings)-1]
}

func newTestEngine(t *testing.T, config EngineConfig) (*Engine, *captureHandler) {
	t.Helper()
	engine, err := NewEngine(context.Background(), config, nil, zap.NewNop().Sugar())
	require.NoError(t, err)

	handler := &captureHandler{}
	engine.SetHandler(handler)
	engine.Start()
	t.Cleanup(engine.Stop)
	return engine, handler
}

func patternRule(id string) *core.Rule {
	return &core.Rule{
		RuleID: id,
		Name:   "root auth failure",
		Type:   core.RuleTypePattern,
		Conditions: []core.Condition{
			{Field: "category", Operator: "equals", Value: "auth_failure"},
		},
		AlertLevel: core.AlertLevelHigh,
		Enabled:    true,
	}
}

func TestEngine_IngestFiresHandler(t *testing.T) {
	engine, handler := newTestEngine(t, EngineConfig{Workers: 2, QueueSize: 64})
	require.NoError(t, engine.UpsertRule(patternRule("p1")))

	require.NoError(t, engine.Ingest(authFailure("e1", "10.0.0.1", time.Now().UTC())))

	require.Eventually(t, func() bool { return handler.count() == 1 }, time.Second, 5*time.Millisecond)
	firing := handler.last()
	assert.Equal(t, "p1", firing.Rule.RuleID)
	assert.Equal(t, []string{"e1"}, firing.EventIDs)
}

func TestEngine_UpsertRejectsInvalidRule(t *testing.T) {
	engine, _ := newTestEngine(t, EngineConfig{})

	bad := patternRule("p1")
	bad.Conditions = nil
	err := engine.UpsertRule(bad)
	require.ErrorIs(t, err, core.ErrInvalidRule)
	assert.Empty(t, engine.Rules())
}

func TestEngine_DuplicateEventIgnored(t *testing.T) {
	engine, handler := newTestEngine(t, EngineConfig{Workers: 1, QueueSize: 64})
	require.NoError(t, engine.UpsertRule(patternRule("p1")))

	event := authFailure("e1", "10.0.0.1", time.Now().UTC())
	require.NoError(t, engine.Ingest(event))
	require.NoError(t, engine.Ingest(event))

	require.Eventually(t, func() bool { return handler.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, handler.count(), "redelivered event must not re-fire")
}

func TestEngine_CategoryPrefilter(t *testing.T) {
	engine, handler := newTestEngine(t, EngineConfig{Workers: 1, QueueSize: 64})

	scoped := patternRule("scoped")
	scoped.EventCategories = []string{"auth_failure"}
	require.NoError(t, engine.UpsertRule(scoped))

	other := &core.Event{
		EventID:    "e1",
		OccurredAt: time.Now().UTC(),
		Category:   "process_start",
		Attributes: map[string]any{},
	}
	require.NoError(t, engine.Ingest(other))
	require.NoError(t, engine.Ingest(authFailure("e2", "10.0.0.1", time.Now().UTC())))

	require.Eventually(t, func() bool { return handler.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "e2", handler.last().Event.EventID)
}

func TestEngine_DisabledRuleSkipped(t *testing.T) {
	engine, handler := newTestEngine(t, EngineConfig{Workers: 1, QueueSize: 64})
	require.NoError(t, engine.UpsertRule(patternRule("p1")))
	require.NoError(t, engine.SetRuleEnabled("p1", false))

	require.NoError(t, engine.Ingest(authFailure("e1", "10.0.0.1", time.Now().UTC())))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, handler.count())

	// Re-enabling brings the rule back.
	require.NoError(t, engine.SetRuleEnabled("p1", true))
	require.NoError(t, engine.Ingest(authFailure("e2", "10.0.0.1", time.Now().UTC())))
	require.Eventually(t, func() bool { return handler.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEngine_RemoveRule(t *testing.T) {
	engine, _ := newTestEngine(t, EngineConfig{})
	require.NoError(t, engine.UpsertRule(patternRule("p1")))

	require.NoError(t, engine.RemoveRule("p1"))
	_, err := engine.Rule("p1")
	require.ErrorIs(t, err, core.ErrRuleNotFound)

	err = engine.RemoveRule("p1")
	require.ErrorIs(t, err, core.ErrRuleNotFound)
}

func TestEngine_IngestAfterStop(t *testing.T) {
	engine, err := NewEngine(context.Background(), EngineConfig{}, nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	engine.Start()
	engine.Stop()

	err = engine.Ingest(authFailure("e1", "10.0.0.1", time.Now().UTC()))
	require.ErrorIs(t, err, core.ErrEngineStopped)
}

func TestEngine_ThresholdAcrossIngest(t *testing.T) {
	engine, handler := newTestEngine(t, EngineConfig{Workers: 1, QueueSize: 64})
	require.NoError(t, engine.UpsertRule(mustValidate(t, thresholdRule(3, 60))))

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, engine.Ingest(authFailure(string(rune('a'+i)), "10.0.0.1", base.Add(time.Duration(i)*time.Second))))
	}

	require.Eventually(t, func() bool { return handler.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, handler.last().EventIDs, 3)
}

func TestEngine_RuleUpdateDoesNotDiscardWindows(t *testing.T) {
	engine, handler := newTestEngine(t, EngineConfig{Workers: 1, QueueSize: 64})
	rule := mustValidate(t, thresholdRule(3, 60))
	require.NoError(t, engine.UpsertRule(rule))

	base := time.Now().UTC()
	require.NoError(t, engine.Ingest(authFailure("e1", "10.0.0.1", base)))
	require.NoError(t, engine.Ingest(authFailure("e2", "10.0.0.1", base.Add(time.Second))))

	// Re-publish the same rule; accumulated window state survives the swap.
	updated := mustValidate(t, thresholdRule(3, 60))
	updated.Description = "updated"
	require.NoError(t, engine.UpsertRule(updated))

	require.NoError(t, engine.Ingest(authFailure("e3", "10.0.0.1", base.Add(2*time.Second))))
	require.Eventually(t, func() bool { return handler.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEngine_RetryAfterOverloadIsEvaluated(t *testing.T) {
	engine, err := NewEngine(context.Background(), EngineConfig{Workers: 1, QueueSize: 1}, nil, zap.NewNop().Sugar())
	require.NoError(t, err)

	release := make(chan struct{})
	var mu sync.Mutex
	var fired []string
	engine.SetHandler(FiringHandlerFunc(func(_ context.Context, firing Firing) {
		<-release
		mu.Lock()
		fired = append(fired, firing.Event.EventID)
		mu.Unlock()
	}))
	engine.Start()
	t.Cleanup(engine.Stop)

	require.NoError(t, engine.UpsertRule(patternRule("p1")))

	base := time.Now().UTC()
	// e1 wedges the single worker inside the handler, e2 fills the queue.
	require.NoError(t, engine.Ingest(authFailure("e1", "10.0.0.1", base)))
	require.Eventually(t, func() bool { return engine.QueueDepth() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, engine.Ingest(authFailure("e2", "10.0.0.1", base)))

	rejected := authFailure("e3", "10.0.0.1", base)
	require.ErrorIs(t, engine.Ingest(rejected), core.ErrOverload)

	close(release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 2
	}, time.Second, 5*time.Millisecond)

	// The rejected event never entered the pipeline; retrying it must not
	// be swallowed as a duplicate.
	require.NoError(t, engine.Ingest(rejected))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 3 && fired[2] == "e3"
	}, time.Second, 5*time.Millisecond)
}
