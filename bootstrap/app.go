// Package bootstrap wires the detection pipeline together: config, logger,
// engine, alert service, liveness tracker, sinks, and the metrics endpoint.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"argus/agents"
	"argus/config"
	"argus/detect"
	"argus/notify"
	"argus/service"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// App holds every running component of the Argus service.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Engine       *detect.Engine
	AlertService *service.AlertService
	AlertStore   *service.MemoryStore
	Liveness     *agents.LivenessTracker
	Dispatcher   *notify.Dispatcher

	redisSink     *notify.RedisSink
	metricsServer *http.Server
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewApp creates the application and initializes all components. Nothing
// runs until Start.
func NewApp(ctx context.Context) (*App, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, sugar, err := InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	sugar.Info("Argus starting...")
	logConfig(sugar, cfg)

	appCtx, cancel := context.WithCancel(ctx)
	app := &App{
		Config: cfg,
		Logger: logger,
		Sugar:  sugar,
		ctx:    appCtx,
		cancel: cancel,
	}

	engine, err := detect.NewEngine(appCtx, detect.EngineConfig{
		Workers:        cfg.Engine.Workers,
		QueueSize:      cfg.Engine.QueueSize,
		ShardCount:     cfg.Engine.ShardCount,
		SweepInterval:  cfg.SweepInterval(),
		DedupCacheSize: cfg.Engine.DedupCacheSize,
	}, nil, sugar)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create detection engine: %w", err)
	}
	app.Engine = engine

	sink, err := app.initSink(appCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	dispatcher, err := notify.NewDispatcher(sink, notify.DispatcherConfig{
		QueueSize:  cfg.Sink.QueueSize,
		MaxRetries: cfg.Sink.MaxRetries,
	}, sugar)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}
	app.Dispatcher = dispatcher

	app.AlertStore = service.NewMemoryStore()
	app.AlertService = service.NewAlertService(app.AlertStore, dispatcher, sugar)
	engine.SetHandler(app.AlertService)

	app.Liveness = agents.NewLivenessTracker(cfg.OnlineThreshold(), sugar)

	if err := app.loadRules(); err != nil {
		cancel()
		return nil, err
	}

	return app, nil
}

func (a *App) initSink(ctx context.Context) (notify.Sink, error) {
	logSink := notify.NewLogSink(a.Sugar)
	if !a.Config.Sink.Redis.Enabled {
		return logSink, nil
	}

	redisSink, err := notify.NewRedisSink(ctx, notify.RedisSinkConfig{
		Addr:     a.Config.Sink.Redis.Addr,
		Password: a.Config.Sink.Redis.Password,
		DB:       a.Config.Sink.Redis.DB,
		Stream:   a.Config.Sink.Redis.Stream,
		MaxLen:   a.Config.Sink.Redis.MaxLen,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize redis sink: %w", err)
	}
	a.redisSink = redisSink
	a.Sugar.Infow("Redis sink connected",
		"addr", a.Config.Sink.Redis.Addr, "stream", a.Config.Sink.Redis.Stream)
	return notify.NewMultiSink(logSink, redisSink), nil
}

func (a *App) loadRules() error {
	dir := a.Config.Engine.RulesDir
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		a.Sugar.Warnw("Rules directory does not exist, starting with no rules", "dir", dir)
		return nil
	}

	rules, err := detect.LoadRulesDir(dir, a.Sugar)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	for _, rule := range rules {
		if err := a.Engine.UpsertRule(rule); err != nil {
			a.Sugar.Warnw("Skipping invalid rule", "rule_id", rule.RuleID, "error", err)
		}
	}
	return nil
}

// Start launches all components.
func (a *App) Start() error {
	a.Dispatcher.Start(a.ctx)
	a.Engine.Start()
	a.Liveness.Start(a.ctx)

	if a.Config.Metrics.Enabled {
		a.startMetricsServer()
	}

	a.Sugar.Infow("Argus started", "rules", len(a.Engine.Rules()))
	return nil
}

func (a *App) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metricsServer = &http.Server{
		Addr:              a.Config.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.Sugar.Infow("Metrics endpoint listening", "addr", a.Config.Metrics.Addr)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Sugar.Errorw("Metrics server failed", "error", err)
		}
	}()
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown stops all components in dependency order: producers first, then
// the pipeline, then delivery.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	a.Liveness.Stop()
	a.Engine.Stop()
	a.Dispatcher.Stop()

	if a.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.Sugar.Warnw("Metrics server shutdown failed", "error", err)
		}
	}
	if a.redisSink != nil {
		if err := a.redisSink.Close(); err != nil {
			a.Sugar.Warnw("Redis sink close failed", "error", err)
		}
	}

	a.cancel()
	_ = a.Logger.Sync()
	a.Sugar.Info("Shutdown complete")
}
