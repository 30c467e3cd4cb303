package detect

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"argus/core"
	"argus/metrics"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Firing describes a rule that fired for an event, with enough context for
// downstream alert creation.
type Firing struct {
	Rule     *core.Rule
	Event    *core.Event
	EventIDs []string
	Score    float64
	FiredAt  time.Time
}

// FiringHandler receives firings from the engine. Handlers run on engine
// worker goroutines and must be safe for concurrent use.
type FiringHandler interface {
	OnFiring(ctx context.Context, firing Firing)
}

// FiringHandlerFunc adapts a function to the FiringHandler interface.
type FiringHandlerFunc func(ctx context.Context, firing Firing)

func (f FiringHandlerFunc) OnFiring(ctx context.Context, firing Firing) { f(ctx, firing) }

// ruleSet is an immutable snapshot of the active rules. Readers load the
// snapshot once per event; writers build a new one and swap the pointer.
type ruleSet struct {
	rules []*core.Rule
	byID  map[string]*core.Rule
	// byCategory prefilters rules for an event's category; rules with no
	// category restriction live under the "" key.
	byCategory map[string][]*core.Rule
}

func newRuleSet(rules map[string]*core.Rule) *ruleSet {
	rs := &ruleSet{
		byID:       make(map[string]*core.Rule, len(rules)),
		byCategory: make(map[string][]*core.Rule),
	}
	for id, rule := range rules {
		rs.byID[id] = rule
		rs.rules = append(rs.rules, rule)
		if !rule.Enabled {
			continue
		}
		if len(rule.EventCategories) == 0 {
			rs.byCategory[""] = append(rs.byCategory[""], rule)
			continue
		}
		for _, cat := range rule.EventCategories {
			rs.byCategory[cat] = append(rs.byCategory[cat], rule)
		}
	}
	return rs
}

func (rs *ruleSet) candidates(category string) []*core.Rule {
	unrestricted := rs.byCategory[""]
	scoped := rs.byCategory[category]
	if len(scoped) == 0 {
		return unrestricted
	}
	if len(unrestricted) == 0 {
		return scoped
	}
	out := make([]*core.Rule, 0, len(unrestricted)+len(scoped))
	out = append(out, unrestricted...)
	return append(out, scoped...)
}

// EngineConfig holds tuning for the detection engine.
type EngineConfig struct {
	Workers        int
	QueueSize      int
	ShardCount     int
	SweepInterval  time.Duration
	DedupCacheSize int
}

// Engine is the detection pipeline: it accepts events, fans them out over a
// worker pool, evaluates every candidate rule against each event, and hands
// firings to the registered handler.
type Engine struct {
	config    EngineConfig
	rules     atomic.Pointer[ruleSet]
	agg       *WindowAggregator
	evaluator *Evaluator
	pool      *core.WorkerPool
	handler   FiringHandler
	seen      *lru.Cache[string, struct{}]
	ctx       context.Context
	cancel    context.CancelFunc
	running   atomic.Bool
	logger    *zap.SugaredLogger
}

// NewEngine creates a detection engine. Zero config values fall back to
// sensible defaults; the handler may be nil until SetHandler is called.
func NewEngine(parentCtx context.Context, config EngineConfig, score ScoreFunc, logger *zap.SugaredLogger) (*Engine, error) {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1000
	}
	if config.DedupCacheSize <= 0 {
		config.DedupCacheSize = 10000
	}

	seen, err := lru.New[string, struct{}](config.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}

	ctx, cancel := context.WithCancel(parentCtx)
	agg := NewWindowAggregator(config.ShardCount, config.SweepInterval, logger)

	e := &Engine{
		config:    config,
		agg:       agg,
		evaluator: NewEvaluator(agg, score, logger),
		pool:      core.NewWorkerPool(ctx, config.Workers, config.QueueSize, "detect", logger),
		seen:      seen,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
	e.rules.Store(newRuleSet(nil))
	return e, nil
}

// SetHandler installs the firing handler. Must be called before Start.
func (e *Engine) SetHandler(h FiringHandler) {
	e.handler = h
}

// Start launches the worker pool and the window sweeper.
func (e *Engine) Start() {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	e.agg.Start()
	e.pool.Start()
	e.logger.Infow("Detection engine started",
		"workers", e.config.Workers, "queue_size", e.config.QueueSize)
}

// Stop drains in-flight events and shuts the engine down.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	e.pool.Stop()
	e.agg.Stop()
	e.cancel()
	e.logger.Info("Detection engine stopped")
}

// UpsertRule validates the rule and atomically publishes a new rule set
// containing it. In-flight evaluations keep the snapshot they started with.
func (e *Engine) UpsertRule(rule *core.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	for {
		old := e.rules.Load()
		next := make(map[string]*core.Rule, len(old.byID)+1)
		for id, r := range old.byID {
			next[id] = r
		}
		next[rule.RuleID] = rule
		if e.rules.CompareAndSwap(old, newRuleSet(next)) {
			e.logger.Infow("Rule upserted", "rule_id", rule.RuleID, "type", rule.Type, "enabled", rule.Enabled)
			return nil
		}
	}
}

// RemoveRule deletes a rule and its window state.
func (e *Engine) RemoveRule(ruleID string) error {
	for {
		old := e.rules.Load()
		if _, ok := old.byID[ruleID]; !ok {
			return fmt.Errorf("%w: %s", core.ErrRuleNotFound, ruleID)
		}
		next := make(map[string]*core.Rule, len(old.byID))
		for id, r := range old.byID {
			if id != ruleID {
				next[id] = r
			}
		}
		if e.rules.CompareAndSwap(old, newRuleSet(next)) {
			e.logger.Infow("Rule removed", "rule_id", ruleID)
			return nil
		}
	}
}

// SetRuleEnabled toggles a rule without touching its accumulated windows,
// so re-enabling resumes from the preserved state.
func (e *Engine) SetRuleEnabled(ruleID string, enabled bool) error {
	for {
		old := e.rules.Load()
		rule, ok := old.byID[ruleID]
		if !ok {
			return fmt.Errorf("%w: %s", core.ErrRuleNotFound, ruleID)
		}
		if rule.Enabled == enabled {
			return nil
		}
		updated := *rule
		updated.Enabled = enabled
		updated.UpdatedAt = time.Now().UTC()
		next := make(map[string]*core.Rule, len(old.byID))
		for id, r := range old.byID {
			next[id] = r
		}
		next[ruleID] = &updated
		if e.rules.CompareAndSwap(old, newRuleSet(next)) {
			e.logger.Infow("Rule toggled", "rule_id", ruleID, "enabled", enabled)
			return nil
		}
	}
}

// Rule returns the rule with the given ID from the current snapshot.
func (e *Engine) Rule(ruleID string) (*core.Rule, error) {
	rule, ok := e.rules.Load().byID[ruleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrRuleNotFound, ruleID)
	}
	return rule, nil
}

// Rules returns all rules in the current snapshot.
func (e *Engine) Rules() []*core.Rule {
	rs := e.rules.Load()
	out := make([]*core.Rule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

// Ingest enqueues an event for evaluation. Events already seen are dropped
// silently so redelivery stays idempotent; a full queue returns ErrOverload
// and the caller decides whether to retry.
func (e *Engine) Ingest(event *core.Event) error {
	if !e.running.Load() {
		return core.ErrEngineStopped
	}
	if dup, _ := e.seen.ContainsOrAdd(event.EventID, struct{}{}); dup {
		metrics.EventsDropped.WithLabelValues("duplicate").Inc()
		return nil
	}

	err := e.pool.Submit(func() { e.process(event) })
	if err != nil {
		// The event never entered the pipeline, so forget its ID; a retry
		// must count as the first ingestion.
		e.seen.Remove(event.EventID)
		if errors.Is(err, core.ErrWorkerPoolQueueFull) {
			metrics.EventsDropped.WithLabelValues("overload").Inc()
			return fmt.Errorf("%w: event %s", core.ErrOverload, event.EventID)
		}
		return core.ErrEngineStopped
	}
	metrics.EventsIngested.WithLabelValues(event.Category).Inc()
	return nil
}

// process evaluates every candidate rule against the event. A failure in
// one rule is contained so the rest still run.
func (e *Engine) process(event *core.Event) {
	start := time.Now()
	rs := e.rules.Load()

	for _, rule := range rs.candidates(event.Category) {
		e.evaluateOne(rule, event)
	}
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
}

func (e *Engine) evaluateOne(rule *core.Rule, event *core.Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.EventsFailed.Inc()
			e.logger.Errorw("Rule evaluation panicked",
				"rule_id", rule.RuleID, "event_id", event.EventID, "panic", r)
		}
	}()

	decision := e.evaluator.Evaluate(rule, event)
	if decision.Kind != Fired {
		return
	}
	metrics.AlertsGenerated.WithLabelValues(string(rule.AlertLevel)).Inc()
	e.logger.Debugw("Rule fired",
		"rule_id", rule.RuleID, "event_id", event.EventID, "contributing", len(decision.EventIDs))

	if e.handler != nil {
		e.handler.OnFiring(e.ctx, Firing{
			Rule:     rule,
			Event:    event,
			EventIDs: decision.EventIDs,
			Score:    decision.Score,
			FiredAt:  time.Now().UTC(),
		})
	}
}

// QueueDepth reports the number of events waiting for evaluation.
func (e *Engine) QueueDepth() int {
	return e.pool.QueuedTasks()
}

// WindowStats reports the aggregator's active window and entry counts.
func (e *Engine) WindowStats() (windows, entries int) {
	return e.agg.Stats()
}
