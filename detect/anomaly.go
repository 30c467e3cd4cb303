package detect

import (
	"math"
	"sync"
	"time"

	"argus/core"
)

// ScoreFunc produces an anomaly score for an event given the prior window
// contents of its grouping key. Higher means more anomalous.
type ScoreFunc func(groupKey string, event *core.Event, history []WindowEntry) float64

// ZScoreConfig holds tuning for the rolling z-score scorer.
type ZScoreConfig struct {
	// MinSamples is the number of observations required per grouping key
	// before any non-zero score is produced (default: 30).
	MinSamples int
	// BucketSize is the rate-sampling interval (default: 1 minute).
	BucketSize time.Duration
}

// ZScoreScorer scores events by how far the current arrival rate of a
// grouping key deviates from its learned baseline, in standard deviations.
// The baseline is a running mean/variance per key, so memory stays constant
// regardless of how long the key has been observed.
type ZScoreScorer struct {
	mu         sync.Mutex
	baselines  map[string]*rateBaseline
	minSamples int
	bucketSize time.Duration
}

type rateBaseline struct {
	count int64
	sum   float64
	sumSq float64
}

func (b *rateBaseline) observe(v float64) {
	b.count++
	b.sum += v
	b.sumSq += v * v
}

func (b *rateBaseline) zscore(v float64) float64 {
	mean := b.sum / float64(b.count)
	variance := b.sumSq/float64(b.count) - mean*mean
	if variance <= 0 {
		if v == mean {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(v-mean) / math.Sqrt(variance)
}

// NewZScoreScorer creates a scorer with the given tuning; zero values fall
// back to defaults.
func NewZScoreScorer(config ZScoreConfig) *ZScoreScorer {
	if config.MinSamples == 0 {
		config.MinSamples = 30
	}
	if config.BucketSize == 0 {
		config.BucketSize = time.Minute
	}
	return &ZScoreScorer{
		baselines:  make(map[string]*rateBaseline),
		minSamples: config.MinSamples,
		bucketSize: config.BucketSize,
	}
}

// Score observes the event's arrival rate and returns its deviation from
// the key's baseline. Keys still in warm-up score zero so a cold start
// never fires.
func (z *ZScoreScorer) Score(groupKey string, event *core.Event, history []WindowEntry) float64 {
	rate := 1.0
	cutoff := event.OccurredAt.Add(-z.bucketSize)
	for _, e := range history {
		if !e.Timestamp.Before(cutoff) {
			rate++
		}
	}

	z.mu.Lock()
	defer z.mu.Unlock()

	b, ok := z.baselines[groupKey]
	if !ok {
		b = &rateBaseline{}
		z.baselines[groupKey] = b
	}

	var score float64
	if b.count >= int64(z.minSamples) {
		score = b.zscore(rate)
	}
	b.observe(rate)
	return score
}

// Reset clears all learned baselines.
func (z *ZScoreScorer) Reset() {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.baselines = make(map[string]*rateBaseline)
}
