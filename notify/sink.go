// Package notify delivers alert notifications to downstream consumers:
// operator logs, Redis streams, or anything else implementing Sink.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"argus/core"
	"argus/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Sink is one delivery target for alert notifications.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, alert *core.Alert) error
}

// LogSink writes alerts to the structured log. It is the fallback sink so
// alerts are never silently dropped when no external target is configured.
type LogSink struct {
	logger *zap.SugaredLogger
}

// NewLogSink creates a sink that logs alert summaries.
func NewLogSink(logger *zap.SugaredLogger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, alert *core.Alert) error {
	s.logger.Infow("ALERT",
		"alert_id", alert.AlertID,
		"rule_id", alert.RuleID,
		"agent_id", alert.AgentID,
		"level", alert.Level,
		"category", alert.Category,
		"status", alert.Status,
		"title", alert.Title,
		"escalated", alert.Escalated,
		"contributing_events", len(alert.ContributingEventIDs),
	)
	return nil
}

// RedisSink appends alerts to a Redis stream for external consumers such
// as dashboards or SOAR tooling.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// RedisSinkConfig holds connection and stream settings for the Redis sink.
type RedisSinkConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	// MaxLen caps the stream with approximate trimming; zero disables
	// trimming.
	MaxLen int64
}

// NewRedisSink creates a sink that publishes to a Redis stream and verifies
// connectivity before returning.
func NewRedisSink(ctx context.Context, config RedisSinkConfig) (*RedisSink, error) {
	if config.Stream == "" {
		config.Stream = "argus:alerts"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}
	return &RedisSink{client: client, stream: config.Stream, maxLen: config.MaxLen}, nil
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Deliver(ctx context.Context, alert *core.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert %s: %w", alert.AlertID, err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"alert_id": alert.AlertID,
			"level":    string(alert.Level),
			"status":   string(alert.Status),
			"payload":  string(payload),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish alert %s to stream %s: %w", alert.AlertID, s.stream, err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

// MultiSink fans a notification out to several sinks, collecting per-sink
// failures without aborting the rest.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks into one.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Name() string { return "multi" }

func (m *MultiSink) Deliver(ctx context.Context, alert *core.Alert) error {
	var failures []string
	for _, sink := range m.sinks {
		err := sink.Deliver(ctx, alert)
		outcome := "ok"
		if err != nil {
			outcome = "error"
			failures = append(failures, fmt.Sprintf("%s: %v", sink.Name(), err))
		}
		metrics.SinkDeliveries.WithLabelValues(sink.Name(), outcome).Inc()
	}
	if len(failures) > 0 {
		return fmt.Errorf("sink delivery failed: %s", strings.Join(failures, "; "))
	}
	return nil
}
