package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"argus/core"
	"argus/metrics"
	"argus/util/goroutine"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	defaultQueueSize  = 256
	defaultMaxRetries = 3
	defaultRetryBase  = 500 * time.Millisecond
	defaultDedupeSize = 4096
)

// DispatcherConfig holds tuning for the notification dispatcher.
type DispatcherConfig struct {
	QueueSize  int
	MaxRetries int
	RetryBase  time.Duration
	DedupeSize int
}

// Dispatcher decouples alert mutation from sink delivery: Notify enqueues
// and returns immediately, a background worker delivers with retry, and a
// dedupe cache keyed on alert ID plus update time swallows redeliveries of
// the same alert revision.
type Dispatcher struct {
	sink   Sink
	config DispatcherConfig

	queue     chan *core.Alert
	delivered *lru.Cache[string, struct{}]

	// mu orders Notify sends against the queue close in Stop.
	mu      sync.RWMutex
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped sync.Once
	logger  *zap.SugaredLogger
}

// NewDispatcher creates a dispatcher in front of the given sink. Zero
// config values fall back to defaults.
func NewDispatcher(sink Sink, config DispatcherConfig, logger *zap.SugaredLogger) (*Dispatcher, error) {
	if config.QueueSize <= 0 {
		config.QueueSize = defaultQueueSize
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaultMaxRetries
	}
	if config.RetryBase <= 0 {
		config.RetryBase = defaultRetryBase
	}
	if config.DedupeSize <= 0 {
		config.DedupeSize = defaultDedupeSize
	}

	delivered, err := lru.New[string, struct{}](config.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedupe cache: %w", err)
	}

	return &Dispatcher{
		sink:      sink,
		config:    config,
		queue:     make(chan *core.Alert, config.QueueSize),
		delivered: delivered,
		logger:    logger,
	}, nil
}

// Start launches the delivery worker.
func (d *Dispatcher) Start(parentCtx context.Context) {
	ctx, cancel := context.WithCancel(parentCtx)
	d.cancel = cancel

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer goroutine.Recover("notify-dispatcher", d.logger)
		d.run(ctx)
	}()
	d.logger.Infow("Notification dispatcher started",
		"sink", d.sink.Name(), "queue_size", d.config.QueueSize)
}

// Stop drains the queue and shuts the worker down. Notify calls arriving
// after Stop drop their delivery instead of panicking.
func (d *Dispatcher) Stop() {
	d.stopped.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()

		d.wg.Wait()
		if d.cancel != nil {
			d.cancel()
		}
	})
}

// Notify enqueues an alert for delivery. A full queue drops the
// notification with a warning rather than blocking the caller; the alert
// itself is already persisted, only this delivery is lost.
func (d *Dispatcher) Notify(_ context.Context, alert *core.Alert) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.SinkDeliveries.WithLabelValues(d.sink.Name(), "dropped").Inc()
		d.logger.Warnw("Dispatcher stopped, dropping delivery",
			"alert_id", alert.AlertID)
		return nil
	}

	select {
	case d.queue <- alert:
		return nil
	default:
		metrics.SinkDeliveries.WithLabelValues(d.sink.Name(), "dropped").Inc()
		d.logger.Warnw("Notification queue full, dropping delivery",
			"alert_id", alert.AlertID, "queue_size", d.config.QueueSize)
		return nil
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	for alert := range d.queue {
		d.deliverWithRetry(ctx, alert)
	}
}

// revisionKey identifies one alert revision; the same alert after a status
// change gets a new key and is delivered again.
func revisionKey(alert *core.Alert) string {
	return alert.AlertID + "@" + alert.UpdatedAt.UTC().Format(time.RFC3339Nano)
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, alert *core.Alert) {
	key := revisionKey(alert)
	if dup, _ := d.delivered.ContainsOrAdd(key, struct{}{}); dup {
		metrics.SinkRedeliveries.Inc()
		return
	}

	var err error
	for attempt := 0; attempt <= d.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := d.config.RetryBase * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
		if err = d.sink.Deliver(ctx, alert); err == nil {
			return
		}
		d.logger.Warnw("Sink delivery attempt failed",
			"alert_id", alert.AlertID, "sink", d.sink.Name(),
			"attempt", attempt+1, "error", err)
	}

	// Exhausted retries: forget the revision so a later redelivery of the
	// same revision gets another chance.
	d.delivered.Remove(key)
	d.logger.Errorw("Giving up on alert delivery",
		"alert_id", alert.AlertID, "sink", d.sink.Name(),
		"attempts", d.config.MaxRetries+1, "error", err)
}
