package detect

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"argus/metrics"
	"argus/util/goroutine"

	"go.uber.org/zap"
)

// WindowEntry is one recorded event inside a sliding window.
type WindowEntry struct {
	Timestamp time.Time
	EventID   string
}

// windowState holds the ordered entry sequence for one (rule, group key)
// pair. Entries are sorted by timestamp and never older than the trailing
// window; stale entries are purged lazily on access and eagerly by the
// sweep.
type windowState struct {
	entries []WindowEntry
	seen    map[string]struct{} // event IDs currently in the window
	window  time.Duration

	// fired gates re-firing: once set, the key stays suppressed until
	// aging drops the entry count below firedThreshold.
	fired          bool
	firedThreshold int

	lastAccess time.Time
}

type windowKey struct {
	ruleID   string
	groupKey string
}

type windowShard struct {
	mu      sync.Mutex
	windows map[windowKey]*windowState
}

// WindowAggregator maintains per-rule, per-grouping-key sliding windows.
// State is sharded by key hash so independent keys mutate in parallel while
// operations on one key are serialized by the shard lock.
type WindowAggregator struct {
	shards        []*windowShard
	sweepInterval time.Duration
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	logger        *zap.SugaredLogger
}

const defaultShardCount = 32

// NewWindowAggregator creates an aggregator with the given shard count and
// sweep interval. Zero values fall back to 32 shards and a 30s sweep.
func NewWindowAggregator(shardCount int, sweepInterval time.Duration, logger *zap.SugaredLogger) *WindowAggregator {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	shards := make([]*windowShard, shardCount)
	for i := range shards {
		shards[i] = &windowShard{windows: make(map[windowKey]*windowState)}
	}
	return &WindowAggregator{
		shards:        shards,
		sweepInterval: sweepInterval,
		logger:        logger,
	}
}

// Start launches the periodic sweep that removes fully-stale keys, bounding
// memory when a grouping key stops receiving events.
func (wa *WindowAggregator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	wa.cancel = cancel

	ticker := time.NewTicker(wa.sweepInterval)
	wa.wg.Add(1)
	go func() {
		defer wa.wg.Done()
		defer goroutine.Recover("window-sweep", wa.logger)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				wa.sweep(time.Now())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the sweep goroutine and waits for it to exit.
func (wa *WindowAggregator) Stop() {
	if wa.cancel != nil {
		wa.cancel()
	}
	wa.wg.Wait()
}

func (wa *WindowAggregator) shard(k windowKey) *windowShard {
	h := fnv.New32a()
	h.Write([]byte(k.ruleID))
	h.Write([]byte{0})
	h.Write([]byte(k.groupKey))
	return wa.shards[h.Sum32()%uint32(len(wa.shards))]
}

// Record appends an entry to the key's window, creating the window if
// absent. Duplicate event IDs within the window are ignored, which makes
// re-ingesting the same event idempotent for counting. Returns false for a
// duplicate.
func (wa *WindowAggregator) Record(ruleID, groupKey string, ts time.Time, eventID string, window time.Duration) bool {
	k := windowKey{ruleID: ruleID, groupKey: groupKey}
	s := wa.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.windows[k]
	if !ok {
		ws = &windowState{
			seen:   make(map[string]struct{}),
			window: window,
		}
		s.windows[k] = ws
		metrics.ActiveWindows.Inc()
	}
	ws.window = window
	ws.lastAccess = ts
	ws.purge(ts)

	if _, dup := ws.seen[eventID]; dup {
		return false
	}

	// Insert in timestamp order; out-of-order arrivals are expected from
	// independent agent streams.
	idx := sort.Search(len(ws.entries), func(i int) bool {
		if ws.entries[i].Timestamp.Equal(ts) {
			return ws.entries[i].EventID >= eventID
		}
		return ws.entries[i].Timestamp.After(ts)
	})
	ws.entries = append(ws.entries, WindowEntry{})
	copy(ws.entries[idx+1:], ws.entries[idx:])
	ws.entries[idx] = WindowEntry{Timestamp: ts, EventID: eventID}
	ws.seen[eventID] = struct{}{}
	return true
}

// Count returns the number of entries inside the trailing window at `now`,
// purging anything older first.
func (wa *WindowAggregator) Count(ruleID, groupKey string, now time.Time, window time.Duration) int {
	k := windowKey{ruleID: ruleID, groupKey: groupKey}
	s := wa.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.windows[k]
	if !ok {
		return 0
	}
	ws.window = window
	ws.lastAccess = now
	ws.purge(now)
	return len(ws.entries)
}

// Snapshot returns the surviving entries of the key's window in timestamp
// order, for building contributing event ID lists.
func (wa *WindowAggregator) Snapshot(ruleID, groupKey string, now time.Time) []WindowEntry {
	k := windowKey{ruleID: ruleID, groupKey: groupKey}
	s := wa.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.windows[k]
	if !ok {
		return nil
	}
	ws.lastAccess = now
	ws.purge(now)
	out := make([]WindowEntry, len(ws.entries))
	copy(out, ws.entries)
	return out
}

// TryFire atomically checks the fire gate for a key: if the window holds at
// least threshold entries and has not fired for its current occupancy, it
// marks the key fired and returns the contributing entries. A key that has
// already fired returns ok=false until enough entries age out to drop the
// count below the threshold recorded at fire time.
func (wa *WindowAggregator) TryFire(ruleID, groupKey string, now time.Time, threshold int) ([]WindowEntry, bool) {
	k := windowKey{ruleID: ruleID, groupKey: groupKey}
	s := wa.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.windows[k]
	if !ok {
		return nil, false
	}
	ws.lastAccess = now
	ws.purge(now)

	if len(ws.entries) < threshold {
		return nil, false
	}
	if ws.fired {
		return nil, false
	}
	ws.fired = true
	ws.firedThreshold = threshold

	out := make([]WindowEntry, len(ws.entries))
	copy(out, ws.entries)
	return out, true
}

// Suppressed reports whether the key's fire gate is currently closed.
func (wa *WindowAggregator) Suppressed(ruleID, groupKey string, now time.Time) bool {
	k := windowKey{ruleID: ruleID, groupKey: groupKey}
	s := wa.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.windows[k]
	if !ok {
		return false
	}
	ws.purge(now)
	return ws.fired
}

// Drop removes a key's window entirely. Correlation rules clear their
// per-step state this way after a successful match.
func (wa *WindowAggregator) Drop(ruleID, groupKey string) {
	k := windowKey{ruleID: ruleID, groupKey: groupKey}
	s := wa.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.windows[k]; ok {
		delete(s.windows, k)
		metrics.ActiveWindows.Dec()
	}
}

// Stats reports the live window and entry totals.
func (wa *WindowAggregator) Stats() (windows, entries int) {
	for _, s := range wa.shards {
		s.mu.Lock()
		windows += len(s.windows)
		for _, ws := range s.windows {
			entries += len(ws.entries)
		}
		s.mu.Unlock()
	}
	return windows, entries
}

// sweep removes stale entries across all shards and deletes windows whose
// sequence became empty, so no dangling empty window is retained.
func (wa *WindowAggregator) sweep(now time.Time) {
	removedWindows := 0
	purgedEntries := 0
	for _, s := range wa.shards {
		s.mu.Lock()
		for k, ws := range s.windows {
			purgedEntries += ws.purge(now)
			if len(ws.entries) == 0 {
				delete(s.windows, k)
				metrics.ActiveWindows.Dec()
				removedWindows++
			}
		}
		s.mu.Unlock()
	}
	if removedWindows > 0 || purgedEntries > 0 {
		wa.logger.Debugw("Swept window state",
			"removed_windows", removedWindows,
			"purged_entries", purgedEntries)
	}
}

// purge drops entries older than the trailing window and reopens the fire
// gate once the count falls below the threshold recorded at fire time.
// Caller must hold the shard lock. Returns the number of entries removed.
func (ws *windowState) purge(now time.Time) int {
	if ws.window <= 0 || len(ws.entries) == 0 {
		return 0
	}
	// Entries strictly older than now-window are stale; one exactly at the
	// boundary still counts.
	cutoff := now.Add(-ws.window)
	idx := sort.Search(len(ws.entries), func(i int) bool {
		return !ws.entries[i].Timestamp.Before(cutoff)
	})
	if idx == 0 {
		return 0
	}
	for _, e := range ws.entries[:idx] {
		delete(ws.seen, e.EventID)
	}
	ws.entries = ws.entries[idx:]
	metrics.WindowEntriesPurged.Add(float64(idx))

	if ws.fired && len(ws.entries) < ws.firedThreshold {
		ws.fired = false
		ws.firedThreshold = 0
	}
	return idx
}
