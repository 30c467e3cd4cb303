package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"argus/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu       sync.Mutex
	alerts   []*core.Alert
	failures int // fail this many deliveries before succeeding
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, alert *core.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("transient failure")
	}
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func newTestDispatcher(t *testing.T, sink Sink) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(sink, DispatcherConfig{
		QueueSize:  16,
		MaxRetries: 3,
		RetryBase:  time.Millisecond,
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	d.Start(context.Background())
	t.Cleanup(d.Stop)
	return d
}

func TestDispatcher_Delivers(t *testing.T) {
	sink := &recordingSink{}
	d := newTestDispatcher(t, sink)

	require.NoError(t, d.Notify(context.Background(), testAlert()))
	assert.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_RetriesTransientFailures(t *testing.T) {
	sink := &recordingSink{failures: 2}
	d := newTestDispatcher(t, sink)

	require.NoError(t, d.Notify(context.Background(), testAlert()))
	assert.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_DedupesSameRevision(t *testing.T) {
	sink := &recordingSink{}
	d := newTestDispatcher(t, sink)
	alert := testAlert()

	require.NoError(t, d.Notify(context.Background(), alert))
	require.NoError(t, d.Notify(context.Background(), alert))

	assert.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, sink.count(), "the same alert revision must deliver once")
}

func TestDispatcher_NewRevisionRedelivers(t *testing.T) {
	sink := &recordingSink{}
	d := newTestDispatcher(t, sink)
	alert := testAlert()

	require.NoError(t, d.Notify(context.Background(), alert))
	assert.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)

	// A status change bumps UpdatedAt, producing a new revision.
	updated := alert.Clone()
	require.NoError(t, updated.TransitionTo(core.AlertStatusResolved, "analyst"))
	require.NoError(t, d.Notify(context.Background(), updated))
	assert.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_StopDrainsQueue(t *testing.T) {
	sink := &recordingSink{}
	d, err := NewDispatcher(sink, DispatcherConfig{QueueSize: 16, RetryBase: time.Millisecond}, zap.NewNop().Sugar())
	require.NoError(t, err)
	d.Start(context.Background())

	for i := 0; i < 5; i++ {
		alert := testAlert()
		require.NoError(t, d.Notify(context.Background(), alert))
	}
	d.Stop()
	assert.Equal(t, 5, sink.count(), "pending notifications must drain before shutdown")
}

func TestDispatcher_NotifyAfterStopDropsQuietly(t *testing.T) {
	sink := &recordingSink{}
	d := newTestDispatcher(t, sink)
	d.Stop()

	require.NotPanics(t, func() {
		require.NoError(t, d.Notify(context.Background(), testAlert()))
	})
	assert.Equal(t, 0, sink.count())
}
