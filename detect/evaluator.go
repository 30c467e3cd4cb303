package detect

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"argus/core"

	"go.uber.org/zap"
)

// DecisionKind classifies one rule evaluation outcome.
type DecisionKind int

const (
	// NoMatch means the rule's conditions were not satisfied.
	NoMatch DecisionKind = iota
	// Suppressed means the conditions were satisfied but the window
	// already fired for the current occupancy.
	Suppressed
	// Fired means the rule fired and an alert should be created.
	Fired
)

// Decision is the result of evaluating one rule against one event.
type Decision struct {
	Kind DecisionKind
	// EventIDs are the contributing events, oldest first. Set only for
	// Fired decisions.
	EventIDs []string
	// Score is the anomaly score, set only for anomaly rules.
	Score float64
}

// groupKeySentinel stands in for a missing grouping attribute; an absent
// attribute is not an error, it just collapses into one bucket.
const groupKeySentinel = "-"

// stepKeySeparator joins the grouping key with a correlation step name to
// form the aggregator key for that step's slot.
const stepKeySeparator = "\x00"

// Evaluator applies one rule's matching semantics against an event and the
// window aggregator's state. It never creates alerts itself, so it can be
// unit-tested in isolation.
type Evaluator struct {
	agg    *WindowAggregator
	score  ScoreFunc
	logger *zap.SugaredLogger
}

// NewEvaluator creates an evaluator. A nil score function falls back to the
// rolling z-score baseline scorer.
func NewEvaluator(agg *WindowAggregator, score ScoreFunc, logger *zap.SugaredLogger) *Evaluator {
	if score == nil {
		score = NewZScoreScorer(ZScoreConfig{}).Score
	}
	return &Evaluator{agg: agg, score: score, logger: logger}
}

// Evaluate applies the rule to the event. The event's own timestamp drives
// all window arithmetic so evaluation is deterministic under replay.
func (ev *Evaluator) Evaluate(rule *core.Rule, event *core.Event) Decision {
	now := event.OccurredAt

	switch rule.Type {
	case core.RuleTypePattern:
		return ev.evaluatePattern(rule, event)
	case core.RuleTypeCompliance:
		// Compliance rules reuse pattern or threshold mechanics; the
		// framework tag only affects alert metadata.
		if rule.FiringThreshold() > 0 && rule.TimeWindowSeconds > 0 {
			return ev.evaluateThreshold(rule, event, now)
		}
		return ev.evaluatePattern(rule, event)
	case core.RuleTypeThreshold:
		return ev.evaluateThreshold(rule, event, now)
	case core.RuleTypeCorrelation:
		return ev.evaluateCorrelation(rule, event, now)
	case core.RuleTypeAnomaly:
		return ev.evaluateAnomaly(rule, event, now)
	default:
		ev.logger.Warnw("Skipping rule with unknown type", "rule_id", rule.RuleID, "type", rule.Type)
		return Decision{Kind: NoMatch}
	}
}

func (ev *Evaluator) evaluatePattern(rule *core.Rule, event *core.Event) Decision {
	if !matchesPredicate(rule.Conditions, event) {
		return Decision{Kind: NoMatch}
	}
	return Decision{Kind: Fired, EventIDs: []string{event.EventID}}
}

func (ev *Evaluator) evaluateThreshold(rule *core.Rule, event *core.Event, now time.Time) Decision {
	if !matchesPredicate(rule.Conditions, event) {
		return Decision{Kind: NoMatch}
	}

	gk := GroupKeyFor(rule, event)
	window := rule.Window()
	threshold := rule.FiringThreshold()

	ev.agg.Record(rule.RuleID, gk, now, event.EventID, window)

	if entries, ok := ev.agg.TryFire(rule.RuleID, gk, now, threshold); ok {
		return Decision{Kind: Fired, EventIDs: entryIDs(entries)}
	}
	// Fire at most once per window per grouping key: a still-open window
	// that already fired suppresses until aging drops it below threshold.
	if ev.agg.Suppressed(rule.RuleID, gk, now) {
		return Decision{Kind: Suppressed}
	}
	return Decision{Kind: NoMatch}
}

func (ev *Evaluator) evaluateCorrelation(rule *core.Rule, event *core.Event, now time.Time) Decision {
	matchedAny := false
	gk := GroupKeyFor(rule, event)
	window := rule.Window()

	for _, step := range rule.Steps {
		if matchesPredicate(step.Conditions, event) {
			matchedAny = true
			ev.agg.Record(rule.RuleID, gk+stepKeySeparator+step.Name, now, event.EventID, window)
		}
	}
	if !matchedAny {
		return Decision{Kind: NoMatch}
	}

	// All step slots must be satisfied by distinct events within the
	// window, in any order unless the rule is marked Ordered.
	slots := make([]stepSlot, 0, len(rule.Steps))
	for _, step := range rule.Steps {
		entries := ev.agg.Snapshot(rule.RuleID, gk+stepKeySeparator+step.Name, now)
		if len(entries) == 0 {
			return Decision{Kind: NoMatch}
		}
		slots = append(slots, stepSlot{name: step.Name, entries: entries})
	}

	contributing := pickDistinct(slots, rule.Ordered)
	if contributing == nil {
		return Decision{Kind: NoMatch}
	}

	// Clear the per-step state after a successful match so the same
	// window cannot re-fire on every subsequent event.
	for _, step := range rule.Steps {
		ev.agg.Drop(rule.RuleID, gk+stepKeySeparator+step.Name)
	}

	sort.Slice(contributing, func(i, j int) bool {
		return contributing[i].Timestamp.Before(contributing[j].Timestamp)
	})
	return Decision{Kind: Fired, EventIDs: entryIDs(contributing)}
}

// stepSlot pairs a correlation step with its surviving window entries.
type stepSlot struct {
	name    string
	entries []WindowEntry
}

// pickDistinct chooses one distinct event per slot. For ordered rules the
// chosen timestamps must be non-decreasing in step order.
func pickDistinct(slots []stepSlot, ordered bool) []WindowEntry {
	used := make(map[string]struct{}, len(slots))
	picked := make([]WindowEntry, 0, len(slots))
	var lastTS time.Time

	for _, s := range slots {
		found := false
		for _, e := range s.entries {
			if _, taken := used[e.EventID]; taken {
				continue
			}
			if ordered && e.Timestamp.Before(lastTS) {
				continue
			}
			used[e.EventID] = struct{}{}
			picked = append(picked, e)
			lastTS = e.Timestamp
			found = true
			break
		}
		if !found {
			return nil
		}
	}
	return picked
}

func (ev *Evaluator) evaluateAnomaly(rule *core.Rule, event *core.Event, now time.Time) Decision {
	if len(rule.Conditions) > 0 && !matchesPredicate(rule.Conditions, event) {
		return Decision{Kind: NoMatch}
	}

	gk := GroupKeyFor(rule, event)
	window := rule.Window()
	if window <= 0 {
		window = time.Hour
	}

	history := ev.agg.Snapshot(rule.RuleID, gk, now)
	score := ev.score(gk, event, history)
	ev.agg.Record(rule.RuleID, gk, now, event.EventID, window)

	if score > rule.ScoreBound {
		return Decision{Kind: Fired, EventIDs: []string{event.EventID}, Score: score}
	}
	return Decision{Kind: NoMatch, Score: score}
}

func entryIDs(entries []WindowEntry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.EventID
	}
	return ids
}

// GroupKeyFor builds the aggregation key from the rule's grouping-key
// attribute values. Missing attributes map to a sentinel, not an error.
func GroupKeyFor(rule *core.Rule, event *core.Event) string {
	if len(rule.GroupingKey) == 0 {
		return groupKeySentinel
	}
	parts := make([]string, len(rule.GroupingKey))
	for i, name := range rule.GroupingKey {
		v := fieldValue(name, event)
		if v == nil {
			parts[i] = groupKeySentinel
			continue
		}
		parts[i] = valueToString(v)
	}
	return strings.Join(parts, "\x1f")
}

// matchesPredicate evaluates the condition chain against the event. An
// empty chain never matches; conditions fold left with the preceding
// condition's Logic ("OR" or the default "AND").
func matchesPredicate(conds []core.Condition, event *core.Event) bool {
	if len(conds) == 0 {
		return false
	}
	result := matchesCondition(&conds[0], event)
	for i := 1; i < len(conds); i++ {
		next := matchesCondition(&conds[i], event)
		if strings.EqualFold(conds[i-1].Logic, "OR") {
			result = result || next
		} else {
			result = result && next
		}
	}
	return result
}

func matchesCondition(cond *core.Condition, event *core.Event) bool {
	v := fieldValue(cond.Field, event)
	if v == nil {
		return false
	}

	switch cond.Operator {
	case "equals":
		return looseEqual(v, cond.Value)
	case "not_equals":
		return !looseEqual(v, cond.Value)
	case "contains":
		s, ok1 := v.(string)
		sub, ok2 := cond.Value.(string)
		return ok1 && ok2 && strings.Contains(s, sub)
	case "starts_with":
		s, ok1 := v.(string)
		pre, ok2 := cond.Value.(string)
		return ok1 && ok2 && strings.HasPrefix(s, pre)
	case "ends_with":
		s, ok1 := v.(string)
		suf, ok2 := cond.Value.(string)
		return ok1 && ok2 && strings.HasSuffix(s, suf)
	case "regex":
		s, ok := v.(string)
		if !ok || cond.Regex() == nil {
			return false
		}
		matched, err := cond.Regex().MatchString(s)
		return err == nil && matched
	case "greater_than":
		return compareNumbers(v, cond.Value, func(a, b float64) bool { return a > b })
	case "less_than":
		return compareNumbers(v, cond.Value, func(a, b float64) bool { return a < b })
	case "greater_than_or_equal":
		return compareNumbers(v, cond.Value, func(a, b float64) bool { return a >= b })
	case "less_than_or_equal":
		return compareNumbers(v, cond.Value, func(a, b float64) bool { return a <= b })
	}
	return false
}

// looseEqual compares scalars, treating numerically equal values of
// different Go numeric types as equal.
func looseEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return a == b
}

func compareNumbers(a, b any, cmp func(float64, float64) bool) bool {
	fa, ok := toFloat(a)
	if !ok {
		return false
	}
	fb, ok := toFloat(b)
	if !ok {
		return false
	}
	return cmp(fa, fb)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func valueToString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'g', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case bool:
		return strconv.FormatBool(s)
	default:
		return groupKeySentinel
	}
}

// fieldValue resolves a field name against the event's intrinsic fields
// merged with its attributes, navigating nested maps with dot notation.
func fieldValue(field string, event *core.Event) any {
	intrinsic := map[string]any{
		"event_id":    event.EventID,
		"agent_id":    event.AgentID,
		"occurred_at": event.OccurredAt,
		"category":    event.Category,
		"raw_payload": event.RawPayload,
	}

	parts := strings.Split(field, ".")
	var current any
	if v, ok := intrinsic[parts[0]]; ok {
		current = v
	} else {
		current = event.Attr(parts[0])
	}

	for _, part := range parts[1:] {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}
