// Package agents tracks the fleet of log-shipping agents and their
// liveness, derived purely from heartbeat recency.
package agents

import (
	"context"
	"sort"
	"sync"
	"time"

	"argus/metrics"
	"argus/util/goroutine"

	"go.uber.org/zap"
)

// DefaultOnlineThreshold is how stale a heartbeat may be before the agent
// counts as offline.
const DefaultOnlineThreshold = 90 * time.Second

// defaultCheckInterval paces the offline-detection sweep.
const defaultCheckInterval = 15 * time.Second

// Agent is a point-in-time view of one registered agent.
type Agent struct {
	AgentID       string    `json:"agent_id"`
	Hostname      string    `json:"hostname,omitempty"`
	IPAddress     string    `json:"ip_address,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Online        bool      `json:"online"`
}

// StatusListener is notified when an agent flips between online and
// offline. Listeners run on the tracker's sweep goroutine and must not
// block.
type StatusListener func(agent Agent, online bool)

type agentState struct {
	hostname      string
	ipAddress     string
	registeredAt  time.Time
	lastHeartbeat time.Time
	// notifiedOnline is the last liveness value delivered to listeners,
	// so a flip is reported exactly once.
	notifiedOnline bool
}

// LivenessTracker derives agent online state from heartbeat timestamps.
// An agent is online when its last heartbeat is within the threshold; no
// explicit disconnect handling exists, silence is the only signal.
type LivenessTracker struct {
	mu        sync.RWMutex
	agents    map[string]*agentState
	threshold time.Duration
	// lastObserved is the latest timestamp seen by any heartbeat or sweep,
	// the reference point for judging whether a late heartbeat is already
	// stale on arrival.
	lastObserved time.Time

	listeners []StatusListener

	checkInterval time.Duration
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	logger        *zap.SugaredLogger
}

// NewLivenessTracker creates a tracker. A non-positive threshold falls back
// to the default.
func NewLivenessTracker(threshold time.Duration, logger *zap.SugaredLogger) *LivenessTracker {
	if threshold <= 0 {
		threshold = DefaultOnlineThreshold
	}
	return &LivenessTracker{
		agents:        make(map[string]*agentState),
		threshold:     threshold,
		checkInterval: defaultCheckInterval,
		logger:        logger,
	}
}

// OnStatusChange registers a listener for online/offline flips. Must be
// called before Start.
func (t *LivenessTracker) OnStatusChange(l StatusListener) {
	t.listeners = append(t.listeners, l)
}

// Start launches the periodic offline-detection sweep.
func (t *LivenessTracker) Start(parentCtx context.Context) {
	ctx, cancel := context.WithCancel(parentCtx)
	t.cancel = cancel

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer goroutine.Recover("agent-liveness-sweep", t.logger)

		ticker := time.NewTicker(t.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				t.sweep(now)
			}
		}
	}()
	t.logger.Infow("Agent liveness tracker started", "threshold", t.threshold)
}

// Stop halts the sweep goroutine.
func (t *LivenessTracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

// Register records an agent with its metadata. Registration is optional;
// a heartbeat from an unknown agent registers it implicitly.
func (t *LivenessTracker) Register(agentID, hostname, ipAddress string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.agents[agentID]
	if !ok {
		state = &agentState{registeredAt: now}
		t.agents[agentID] = state
	}
	state.hostname = hostname
	state.ipAddress = ipAddress
	if now.After(t.lastObserved) {
		t.lastObserved = now
	}
	if state.lastHeartbeat.IsZero() {
		state.lastHeartbeat = now
		state.notifiedOnline = t.onlineAt(state, t.lastObserved)
	}
}

// Heartbeat records a heartbeat, registering the agent if needed. Stale
// heartbeats arriving out of order never move the clock backwards and do
// not report an online flip when the agent is still past the threshold.
func (t *LivenessTracker) Heartbeat(agentID string, now time.Time) {
	t.mu.Lock()
	state, known := t.agents[agentID]
	if !known {
		state = &agentState{registeredAt: now}
		t.agents[agentID] = state
		t.logger.Debugw("Agent implicitly registered", "agent_id", agentID)
	}
	if now.After(state.lastHeartbeat) {
		state.lastHeartbeat = now
	}
	if now.After(t.lastObserved) {
		t.lastObserved = now
	}

	flipped := false
	if !state.notifiedOnline && t.onlineAt(state, t.lastObserved) {
		state.notifiedOnline = true
		// Registration itself is not a status change.
		flipped = known
	}
	var snapshot Agent
	if flipped {
		snapshot = t.snapshotLocked(agentID, state, t.lastObserved)
	}
	t.mu.Unlock()

	metrics.HeartbeatsRecorded.Inc()
	if flipped {
		t.notify(snapshot, true)
	}
}

// IsOnline reports whether the agent's last heartbeat is within the
// threshold of now. Unknown agents are offline.
func (t *LivenessTracker) IsOnline(agentID string, now time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state, ok := t.agents[agentID]
	if !ok {
		return false
	}
	return t.onlineAt(state, now)
}

// Agent returns the point-in-time view of one agent.
func (t *LivenessTracker) Agent(agentID string, now time.Time) (Agent, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state, ok := t.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	return t.snapshotLocked(agentID, state, now), true
}

// Snapshot returns the full roster sorted by agent ID.
func (t *LivenessTracker) Snapshot(now time.Time) []Agent {
	t.mu.RLock()
	defer t.mu.RUnlock()

	roster := make([]Agent, 0, len(t.agents))
	for id, state := range t.agents {
		roster = append(roster, t.snapshotLocked(id, state, now))
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].AgentID < roster[j].AgentID })
	return roster
}

// OnlineCount returns the number of currently online agents.
func (t *LivenessTracker) OnlineCount(now time.Time) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, state := range t.agents {
		if t.onlineAt(state, now) {
			n++
		}
	}
	return n
}

func (t *LivenessTracker) onlineAt(state *agentState, now time.Time) bool {
	if state.lastHeartbeat.IsZero() {
		return false
	}
	return now.Sub(state.lastHeartbeat) < t.threshold
}

func (t *LivenessTracker) snapshotLocked(id string, state *agentState, now time.Time) Agent {
	return Agent{
		AgentID:       id,
		Hostname:      state.hostname,
		IPAddress:     state.ipAddress,
		RegisteredAt:  state.registeredAt,
		LastHeartbeat: state.lastHeartbeat,
		Online:        t.onlineAt(state, now),
	}
}

// sweep finds agents that went silent since the last pass and notifies
// listeners of the flip.
func (t *LivenessTracker) sweep(now time.Time) {
	t.mu.Lock()
	if now.After(t.lastObserved) {
		t.lastObserved = now
	}
	var flipped []Agent
	online := 0
	for id, state := range t.agents {
		isOnline := t.onlineAt(state, now)
		if isOnline {
			online++
		}
		if state.notifiedOnline && !isOnline {
			state.notifiedOnline = false
			flipped = append(flipped, t.snapshotLocked(id, state, now))
		}
	}
	t.mu.Unlock()

	metrics.AgentsOnline.Set(float64(online))
	for _, agent := range flipped {
		t.logger.Warnw("Agent went offline",
			"agent_id", agent.AgentID, "last_heartbeat", agent.LastHeartbeat)
		t.notify(agent, false)
	}
}

func (t *LivenessTracker) notify(agent Agent, online bool) {
	for _, l := range t.listeners {
		l(agent, online)
	}
}
