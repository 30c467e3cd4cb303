package agents

import (
	"context"
	"sync"
	"testing"
	"time"

	"argus/util/goroutine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func newTestTracker() *LivenessTracker {
	return NewLivenessTracker(DefaultOnlineThreshold, zap.NewNop().Sugar())
}

func TestIsOnline_ThresholdBoundary(t *testing.T) {
	tracker := newTestTracker()
	tracker.Heartbeat("agent-1", t0)

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"just after heartbeat", t0.Add(time.Second), true},
		{"one second before threshold", t0.Add(89 * time.Second), true},
		{"exactly at threshold", t0.Add(90 * time.Second), false},
		{"one second past threshold", t0.Add(91 * time.Second), false},
		{"long gone", t0.Add(time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tracker.IsOnline("agent-1", tt.at))
		})
	}
}

func TestIsOnline_UnknownAgent(t *testing.T) {
	tracker := newTestTracker()
	assert.False(t, tracker.IsOnline("ghost", t0))
}

func TestHeartbeat_ImplicitRegistration(t *testing.T) {
	tracker := newTestTracker()
	tracker.Heartbeat("agent-1", t0)

	agent, ok := tracker.Agent("agent-1", t0)
	require.True(t, ok)
	assert.Equal(t, t0, agent.RegisteredAt)
	assert.Equal(t, t0, agent.LastHeartbeat)
	assert.True(t, agent.Online)
}

func TestHeartbeat_StaleDoesNotMoveClockBackwards(t *testing.T) {
	tracker := newTestTracker()
	tracker.Heartbeat("agent-1", t0.Add(time.Minute))
	tracker.Heartbeat("agent-1", t0)

	agent, ok := tracker.Agent("agent-1", t0.Add(time.Minute))
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Minute), agent.LastHeartbeat)
}

func TestRegister_KeepsMetadata(t *testing.T) {
	tracker := newTestTracker()
	tracker.Register("agent-1", "web-01", "192.168.1.10", t0)

	agent, ok := tracker.Agent("agent-1", t0)
	require.True(t, ok)
	assert.Equal(t, "web-01", agent.Hostname)
	assert.Equal(t, "192.168.1.10", agent.IPAddress)

	// Heartbeats preserve the registered metadata.
	tracker.Heartbeat("agent-1", t0.Add(time.Minute))
	agent, _ = tracker.Agent("agent-1", t0.Add(time.Minute))
	assert.Equal(t, "web-01", agent.Hostname)
}

func TestSnapshot(t *testing.T) {
	tracker := newTestTracker()
	tracker.Heartbeat("charlie", t0)
	tracker.Heartbeat("alpha", t0)
	tracker.Heartbeat("bravo", t0.Add(-2*time.Minute))

	roster := tracker.Snapshot(t0.Add(time.Second))
	require.Len(t, roster, 3)
	assert.Equal(t, "alpha", roster[0].AgentID, "roster is sorted by agent ID")
	assert.Equal(t, "bravo", roster[1].AgentID)
	assert.True(t, roster[0].Online)
	assert.False(t, roster[1].Online, "agent silent past the threshold is offline")

	assert.Equal(t, 2, tracker.OnlineCount(t0.Add(time.Second)))
}

func TestStatusListener_OfflineFlip(t *testing.T) {
	tracker := newTestTracker()

	var mu sync.Mutex
	type flip struct {
		agentID string
		online  bool
	}
	var flips []flip
	tracker.OnStatusChange(func(agent Agent, online bool) {
		mu.Lock()
		defer mu.Unlock()
		flips = append(flips, flip{agent.AgentID, online})
	})

	tracker.Heartbeat("agent-1", t0)
	tracker.sweep(t0.Add(2 * time.Minute))

	mu.Lock()
	require.Len(t, flips, 1)
	assert.Equal(t, flip{"agent-1", false}, flips[0])
	mu.Unlock()

	// A repeated sweep does not report the same flip twice.
	tracker.sweep(t0.Add(3 * time.Minute))
	mu.Lock()
	assert.Len(t, flips, 1)
	mu.Unlock()

	// A fresh heartbeat reports the agent back online.
	tracker.Heartbeat("agent-1", t0.Add(4*time.Minute))
	mu.Lock()
	require.Len(t, flips, 2)
	assert.Equal(t, flip{"agent-1", true}, flips[1])
	mu.Unlock()
}

func TestStartStop(t *testing.T) {
	goroutine.AssertNoLeaks(t)

	tracker := NewLivenessTracker(50*time.Millisecond, zap.NewNop().Sugar())
	tracker.checkInterval = 10 * time.Millisecond

	var mu sync.Mutex
	offline := 0
	tracker.OnStatusChange(func(agent Agent, online bool) {
		if !online {
			mu.Lock()
			offline++
			mu.Unlock()
		}
	})

	tracker.Heartbeat("agent-1", time.Now())
	tracker.Start(context.Background())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return offline == 1
	}, time.Second, 10*time.Millisecond)

	tracker.Stop()
}

func TestStatusListener_LateStaleHeartbeatDoesNotFlipOnline(t *testing.T) {
	tracker := newTestTracker()

	var mu sync.Mutex
	type flip struct {
		agentID string
		online  bool
	}
	var flips []flip
	tracker.OnStatusChange(func(agent Agent, online bool) {
		mu.Lock()
		defer mu.Unlock()
		flips = append(flips, flip{agent.AgentID, online})
	})

	tracker.Heartbeat("agent-1", t0)
	tracker.sweep(t0.Add(2 * time.Minute))

	// A delayed heartbeat carrying a timestamp already past the threshold
	// must not report the agent back online.
	tracker.Heartbeat("agent-1", t0.Add(20*time.Second))
	assert.False(t, tracker.IsOnline("agent-1", t0.Add(2*time.Minute)))

	mu.Lock()
	require.Len(t, flips, 1)
	assert.Equal(t, flip{"agent-1", false}, flips[0])
	mu.Unlock()

	// The next sweep has nothing new to report either.
	tracker.sweep(t0.Add(3 * time.Minute))
	mu.Lock()
	assert.Len(t, flips, 1)
	mu.Unlock()

	// A current heartbeat still flips it back online.
	tracker.Heartbeat("agent-1", t0.Add(3*time.Minute+time.Second))
	mu.Lock()
	require.Len(t, flips, 2)
	assert.Equal(t, flip{"agent-1", true}, flips[1])
	mu.Unlock()
}
