package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/weightopt/internal/config"
	"github.com/fyrsmithlabs/weightopt/internal/feedback"
	"github.com/fyrsmithlabs/weightopt/internal/gating"
	"github.com/fyrsmithlabs/weightopt/internal/logging"
	"github.com/fyrsmithlabs/weightopt/internal/metrics"
	"github.com/fyrsmithlabs/weightopt/internal/optimizer"
	"github.com/fyrsmithlabs/weightopt/internal/profilestore"
	"github.com/fyrsmithlabs/weightopt/internal/telemetry"
	"github.com/fyrsmithlabs/weightopt/internal/transform"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// app holds every wired component of one CLI invocation.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	tel      *telemetry.Telemetry
	registry *prometheus.Registry
	store    profilestore.Store
	learner  *feedback.Learner
	engine   *gating.Engine
	coord    *optimizer.Coordinator
}

// loadConfig loads and validates configuration, applying flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Observability.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newApp wires telemetry, logging, metrics, the profile store and the
// optimization core over source.
func newApp(ctx context.Context, cfg *config.Config, source optimizer.WeightSource) (*app, error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}

	tcfg := telemetry.NewDefaultConfig()
	tcfg.Enabled = cfg.Observability.EnableTelemetry
	tcfg.ServiceName = cfg.Observability.ServiceName
	tcfg.ServiceVersion = version
	tcfg.Endpoint = cfg.Observability.Endpoint
	tel, err := telemetry.New(ctx, tcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.tel = tel

	logger, err := initLogger(cfg, tel)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.logger = logger
	zl := logger.Underlying()

	otelSink, err := metrics.NewOTelSink(tel.Meter(metrics.InstrumentationName))
	if err != nil {
		zl.Warn("otel metrics unavailable", zap.Error(err))
	}
	var sink metrics.Sink = metrics.NewPrometheusSink(a.registry)
	if otelSink != nil {
		sink = metrics.Multi(sink, otelSink)
	}

	store, err := profilestore.NewStore(cfg.Store.Backend, cfg.Store.Path)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to create profile store: %w", err)
	}
	a.store = store

	tr, err := transform.New(cfg.Transformer, transform.WithLogger(logger.ForComponent(feedback.ComponentMatrixTransformer)), transform.WithSink(sink))
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.engine, err = gating.NewEngine(cfg.Gating, gating.WithLogger(logger.ForComponent(feedback.ComponentGatingEngine)), gating.WithSink(sink))
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	learnerOpts := []feedback.Option{feedback.WithLogger(logger.ForComponent("feedback_learner")), feedback.WithSink(sink)}
	if store != nil {
		learnerOpts = append(learnerOpts, feedback.WithStore(store))
	}
	a.learner, err = feedback.New(cfg.Feedback, learnerOpts...)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.coord, err = optimizer.New(cfg.Coordinator, source, tr, a.engine,
		optimizer.WithLogger(logger.ForComponent("coordinator")),
		optimizer.WithLearner(a.learner),
	)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	if err := a.coord.Start(ctx); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to start learner: %w", err)
	}

	zl.Debug("weightopt initialized",
		zap.String("store_backend", cfg.Store.Backend),
		zap.Bool("telemetry", tel.IsEnabled()),
	)
	return a, nil
}

// initLogger builds the structured logger from the observability section.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	lcfg := logging.NewDefaultConfig()
	if cfg.Observability.LogLevel != "" {
		lvl, err := logging.LevelFromString(cfg.Observability.LogLevel)
		if err != nil {
			return nil, err
		}
		lcfg.Level = lvl
	}
	if cfg.Observability.LogFormat != "" {
		lcfg.Format = cfg.Observability.LogFormat
	}
	lcfg.Output.OTEL = cfg.Observability.EnableTelemetry
	lcfg.Fields["service"] = cfg.Observability.ServiceName
	return logging.NewLogger(lcfg, tel.LoggerProvider())
}

// Close shuts components down in reverse order of creation.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.coord != nil {
		if err := a.coord.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("learner shutdown: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync() // Best-effort sync
	}
	return errors.Join(errs...)
}
