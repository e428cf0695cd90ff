// Package app wires the Context Carrier, Sanitizer, Logger Core, and
// Access Tracker into one long-running process, the way the teacher
// stack's internal/app.App orchestrates its monitors, dispatcher, and
// sinks: a single struct owning every component's lifecycle, a
// metrics HTTP server started alongside it, and signal-driven graceful
// shutdown.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"obscore/internal/config"
	"obscore/internal/metrics"
	"obscore/pkg/logger"
	"obscore/pkg/security"
	"obscore/pkg/tracker"
	"obscore/pkg/types"
)

// App is the demo binary's root object: every core component plus the
// ambient HTTP/metrics/logging scaffolding around it.
type App struct {
	cfg *config.Config

	opsLog    *logrus.Logger
	sanitizer *security.Sanitizer
	metrics   *metrics.Metrics
	registry  *prometheus.Registry
	Logger    *logger.Logger
	Tracker   *tracker.Tracker

	httpServer *http.Server
}

// New loads configFile (empty for defaults-only) and constructs every
// core component, fully wired but not yet started.
func New(configFile string) (*App, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	opsLog := logrus.New()
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	opsLog.SetLevel(level)
	opsLog.SetFormatter(&logrus.JSONFormatter{})

	mode := types.ModeProduction
	if cfg.Logging.Mode == "development" {
		mode = types.ModeDevelopment
	}
	policy := security.NewDefaultPolicy(mode)
	policy.StrictMode = cfg.Logging.StrictMode
	policy.MaxDepth = cfg.Logging.MaxDepth
	sanitizer := security.NewSanitizer(policy)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	log := logger.New(sanitizer, logger.NewStdoutSink(nil), opsLog)
	log.SetMetrics(m)

	trackerCfg := tracker.DefaultConfig()
	trackerCfg.MaxTrackedIPs = cfg.Tracker.MaxTrackedIPs
	trackerCfg.MaxPerIPSetSize = cfg.Tracker.MaxEventsPerIP
	trackerCfg.TTL = cfg.Tracker.RetentionTTL
	trackerCfg.CompactionInterval = cfg.Tracker.CompactionInterval
	trackerCfg.BruteForceThreshold = cfg.Tracker.BruteForceThreshold
	trackerCfg.BruteForceWindow = cfg.Tracker.BruteForceWindow
	trackerCfg.RateLimitThreshold = cfg.Tracker.RateLimitThreshold
	trackerCfg.RateLimitWindow = cfg.Tracker.RateLimitWindow
	trackerCfg.ReportMemoryUsage = true
	trk := tracker.New(trackerCfg, m, nil)

	app := &App{
		cfg:       cfg,
		opsLog:    opsLog,
		sanitizer: sanitizer,
		metrics:   m,
		registry:  registry,
		Logger:    log,
		Tracker:   trk,
	}

	if cfg.Metrics.Enabled {
		app.initHTTPServer()
	}
	return app, nil
}

func (a *App) initHTTPServer() {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	a.httpServer = &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux}
}

// Start brings up the background compaction loop and the metrics HTTP
// server, in that order.
func (a *App) Start() error {
	a.opsLog.Info("starting obscore demo")
	a.Tracker.Start()

	if a.httpServer != nil {
		go func() {
			a.opsLog.WithField("addr", a.httpServer.Addr).Info("starting metrics server")
			if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.opsLog.WithError(err).Error("metrics server error")
			}
		}()
	}
	return nil
}

// Stop gracefully shuts down the metrics server and the background
// compaction loop.
func (a *App) Stop() error {
	a.opsLog.Info("stopping obscore demo")

	if a.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.opsLog.WithError(err).Error("failed to shut down metrics server")
		}
	}

	a.Tracker.Stop()
	a.opsLog.Info("obscore demo stopped")
	return nil
}

// Run starts the application and blocks until SIGINT/SIGTERM, then
// shuts down gracefully.
func (a *App) Run() error {
	if err := a.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	return a.Stop()
}
