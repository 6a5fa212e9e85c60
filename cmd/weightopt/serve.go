package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fyrsmithlabs/weightopt/internal/optimizer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	serveAddr     string
	serveInterval time.Duration
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":9464", "metrics listen address")
	serveCmd.Flags().DurationVar(&serveInterval, "interval", 30*time.Second, "time between optimization rounds")
	serveCmd.Flags().Uint64Var(&optSeed, "seed", 42, "seed for the synthetic weight source")
	serveCmd.Flags().StringVar(&optModel, "model", "synthetic", "model ID")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Continuously optimize a synthetic model and expose metrics",
	Long: `Run optimization rounds on a synthetic model until interrupted, letting the
feedback learner tune rank fraction and gating parameters between rounds.
Prometheus metrics are served on /metrics.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, optimizer.SyntheticSource{Seed: optSeed, Specs: defaultLayers()})
	if err != nil {
		return err
	}
	logger := a.logger.Underlying()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: serveAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", zap.String("addr", serveAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ticker := time.NewTicker(serveInterval)
	defer ticker.Stop()

	round := func() {
		res, err := a.coord.Optimize(ctx, optModel, optimizer.WithForceRecompute())
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("optimization round failed", zap.Error(err))
			}
			return
		}
		logger.Info("optimization round",
			zap.Float64("rank_fraction", res.RankFraction),
			zap.Float64("flop_reduction", res.FLOPReduction),
			zap.Float64("accuracy", res.AccuracyPreservation),
			zap.String("phase", string(a.learner.Phase())),
		)
	}

	round()
	for loop := true; loop; {
		select {
		case <-ticker.C:
			round()
		case err = <-errCh:
			loop = false
		case <-ctx.Done():
			loop = false
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("metrics server shutdown failed", zap.Error(serr))
	}
	return errors.Join(err, a.Close(shutdownCtx))
}
