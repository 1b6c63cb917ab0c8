package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/danielpatrickdp/cadence/internal/api"
	"github.com/danielpatrickdp/cadence/internal/backfill"
	"github.com/danielpatrickdp/cadence/internal/config"
	"github.com/danielpatrickdp/cadence/internal/decision"
	"github.com/danielpatrickdp/cadence/internal/health"
	"github.com/danielpatrickdp/cadence/internal/logging"
	"github.com/danielpatrickdp/cadence/internal/metrics"
	"github.com/danielpatrickdp/cadence/internal/publish"
	"github.com/danielpatrickdp/cadence/internal/state"
	"github.com/danielpatrickdp/cadence/internal/store"
)

// #region main
func main() {
	configPath := flag.String("config", "", "path to config.toml (default: search XDG and home)")
	flag.Parse()

	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	var (
		cfg  config.Config
		path string
		err  error
	)
	if *configPath != "" {
		path = *configPath
		cfg, err = config.LoadFile(path)
	} else {
		path = config.Path()
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Close()
	lg := logger.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, path, lg); err != nil {
		lg.Error("cadence stopped", "error", err)
		os.Exit(1)
	}
}

// #endregion main

// #region run
func run(ctx context.Context, cfg config.Config, cfgPath string, lg *slog.Logger) error {
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	// Estimator
	estimator := state.NewEstimator(cfg.EstimatorConfig(), lg)
	source := state.NewLiveSource(db, cfg.EstimatorConfig())
	recorder, err := state.NewRecorder(db.DB(), lg)
	if err != nil {
		return err
	}
	sinks := []state.Sink{
		recorder,
		state.SinkFunc(func(_ context.Context, s state.StateVector) {
			m.StateEstimated(s.Dimensions(), s.Confidence)
		}),
	}

	// Backfill
	orch := backfill.New(backfill.Deps{
		Store:      db,
		Biometrics: db,
		RunLog:     db.DB(),
		Metrics:    m,
		Log:        lg,
	}, cfg.BackfillConfig())

	var pub *publish.Publisher
	if cfg.Kafka.Enabled() {
		pub, err = publish.New(publish.Config{
			Brokers:       cfg.Kafka.Brokers,
			StateTopic:    cfg.Kafka.StateTopic,
			ProgressTopic: cfg.Kafka.ProgressTopic,
		}, lg)
		if err != nil {
			return fmt.Errorf("create publisher: %w", err)
		}
		defer pub.Close()
		sinks = append(sinks, pub)

		ch, unsubscribe := orch.Subscribe(8)
		defer unsubscribe()
		go pub.Follow(ctx, ch)
	}

	scorer := decision.NewScorer(cfg.ScorerConfig(), m, lg)

	refreshPriors(ctx, source, db, lg)
	done, unsubscribeDone := orch.Subscribe(8)
	defer unsubscribeDone()
	go func() {
		for p := range done {
			if p.Phase == backfill.PhaseCompleted {
				refreshPriors(ctx, source, db, lg)
			}
		}
	}()

	go func() {
		if err := estimator.Run(ctx, cfg.Estimator.Tick, source, sinks...); err != nil && !errors.Is(err, context.Canceled) {
			lg.Error("estimator stopped", "error", err)
		}
	}()
	go schedule(ctx, orch, cfg.Backfill, lg)
	if cfgPath != "" {
		go func() {
			err := config.Watch(ctx, cfgPath, lg, func(next config.Config) {
				scorer.SetWeights(next.Scorer.Weights)
				lg.Info("scorer weights updated", "weights", next.Scorer.Weights.Map())
			})
			if err != nil {
				lg.Warn("config watch stopped", "path", cfgPath, "error", err)
			}
		}()
	}

	// gRPC health
	var hs *health.Server
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.GRPC.Addr, err)
		}
		hs = health.NewServer(lg)
		ch, unsubscribe := orch.Subscribe(8)
		defer unsubscribe()
		go hs.Follow(ctx, ch)
		go func() {
			if err := hs.Serve(lis); err != nil {
				lg.Error("health server stopped", "error", err)
			}
		}()
		lg.Info("health server listening", "addr", cfg.GRPC.Addr)
	}

	// HTTP
	srv := api.New(ctx, api.Deps{
		State:       estimator,
		Reporter:    source,
		Ranker:      scorer,
		Backfill:    orch,
		Library:     db,
		DecisionLog: db.DB(),
		Metrics:     m,
		MetricsPath: cfg.Metrics.Path,
		Log:         lg,
		Now:         func() time.Time { return time.Now().In(loc) },
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handlers.LoggingHandler(os.Stderr, srv.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		lg.Info("cadence ready", "db", cfg.Store.Path, "http", cfg.HTTP.Addr, "grpc", cfg.GRPC.Addr, "kafka", cfg.Kafka.Enabled())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	}

	lg.Info("shutting down")
	orch.Cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if hs != nil {
		hs.Stop()
	}
	return httpSrv.Shutdown(shutdownCtx)
}

// refreshPriors rebuilds the estimator's per-slot baselines from stored
// sessions. A failure keeps the previous priors.
func refreshPriors(ctx context.Context, source *state.LiveSource, sessions state.SessionLister, lg *slog.Logger) {
	priors, err := source.RefreshPriors(ctx, sessions)
	if err != nil {
		lg.Warn("prior refresh failed", "error", err)
		return
	}
	lg.Debug("priors refreshed", "slots", len(priors))
}

// #endregion run

// #region schedule

// schedule runs an incremental backfill every cfg.Interval, and once at
// start when RunOnStart is set. A tick that lands on an active run is
// skipped.
func schedule(ctx context.Context, orch *backfill.Orchestrator, cfg config.BackfillConfig, lg *slog.Logger) {
	runOnce := func() {
		res, err := orch.RunIncremental(ctx)
		switch {
		case errors.Is(err, backfill.ErrAlreadyRunning):
			lg.Debug("scheduled backfill skipped, run in progress")
		case err != nil:
			lg.Warn("scheduled backfill failed", "run_id", res.RunID, "error", err)
		}
	}
	if cfg.RunOnStart {
		runOnce()
	}
	if cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce()
		}
	}
}

// #endregion schedule
