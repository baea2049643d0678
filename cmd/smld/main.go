// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command smld is the long-lived daemon: it runs the Log Tailer
// continuously and the Rule Emitter on a schedule, behind the thin REST
// surface, sharing one Event Store (spec.md §5).
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/spirock/sml/internal/alerting"
	"github.com/spirock/sml/internal/anomaly"
	"github.com/spirock/sml/internal/api"
	"github.com/spirock/sml/internal/artifacts"
	"github.com/spirock/sml/internal/config"
	"github.com/spirock/sml/internal/logging"
	"github.com/spirock/sml/internal/metrics"
	"github.com/spirock/sml/internal/mode"
	"github.com/spirock/sml/internal/rules"
	"github.com/spirock/sml/internal/store"
	"github.com/spirock/sml/internal/supervisor"
	"github.com/spirock/sml/internal/tailer"
	"github.com/spirock/sml/internal/threshold"
)

func main() {
	configPath := flag.String("config", "", "Path to HCL or JSON config file")
	listenAddr := flag.String("listen", ":8090", "REST surface listen address")
	emitInterval := flag.Duration("emit-interval", time.Minute, "Rule Emitter run interval")
	flag.Parse()

	log := logging.WithComponent("smld")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	layout := artifacts.New(cfg.ModelDir, cfg.RulesDir, cfg.RuleFileName)
	if err := layout.Bootstrap(); err != nil {
		log.Error("failed to bootstrap artifact directories", "error", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.EventStoreDSN)
	if err != nil {
		log.Error("failed to open event store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	mtr := metrics.New(reg)

	modeCtl := mode.New(db, time.Now)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	group, gctx := errgroup.WithContext(ctx)

	tl := tailer.New(cfg.IDSLogPath, db, modeCtl)
	tl.SetMetrics(mtr)
	tailerGuard := supervisor.New(cfg.ModelDir, supervisor.DefaultConfig())
	group.Go(func() error {
		if err := tailerGuard.Run(gctx, tl); err != nil {
			log.Error("tailer entered safe mode, no longer restarting", "error", err)
			return err
		}
		return nil
	})

	model, thr := loadScoringArtifacts(log, cfg, layout)
	emitter := rules.New(db, modeCtl, model, cfg, thr, layout.RuleFilePath())
	emitter.SetMetrics(mtr)

	hub := api.NewHub()
	emitter.SetNotifier(hub)

	if cfg.AlertWebhookURL != "" {
		alertEngine := alerting.NewEngine([]alerting.Channel{
			{Name: "ops-webhook", Type: "webhook", WebhookURL: cfg.AlertWebhookURL},
		})
		alertEngine.Start(ctx)
		emitter.SetAlertSink(alertEngine)
	}

	handlers := api.NewHandlers(modeCtl, db)
	router := mux.NewRouter()
	handlers.RegisterRoutes(router)
	hub.RegisterRoutes(router)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	server := &http.Server{Addr: *listenAddr, Handler: router}
	group.Go(func() error {
		log.Info("REST surface listening", "addr", *listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("REST surface stopped unexpectedly", "error", err)
			return err
		}
		return nil
	})

	group.Go(func() error {
		runEmitterLoop(gctx, log, emitter, modeCtl, mtr, *emitInterval)
		return nil
	})

	// Block until either a signal arrives or one of the goroutines above
	// reports a fatal error; either way, tear everything down together.
	<-gctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	if err := group.Wait(); err != nil && gctx.Err() != context.Canceled {
		log.Error("smld exited with error", "error", err)
	}
	log.Info("smld shut down")
}

// loadScoringArtifacts loads the trained model and calibrated threshold
// if present, otherwise falls back to the configured static threshold
// with a nil-scoring stand-in that treats every event as normal (every
// reader tolerates absent artifacts per spec.md §5).
func loadScoringArtifacts(log *logging.Logger, cfg *config.Config, layout artifacts.Layout) (rules.Scorer, float64) {
	thr := cfg.AnomalyThreshold
	if layout.ThresholdExists() {
		if loaded, err := threshold.LoadThreshold(layout.ThresholdsJSON()); err == nil {
			thr = loaded
		} else {
			log.Warn("failed to load calibrated threshold, using configured fallback", "error", err)
		}
	}

	if !layout.ModelExists() {
		log.Warn("no trained model present yet, rule emission deferred until first training run")
		return alwaysNormalScorer{}, thr
	}
	model, err := anomaly.Load(layout.ModelBlob(), layout.FeatureManifest())
	if err != nil {
		log.Warn("failed to load model, rule emission deferred", "error", err)
		return alwaysNormalScorer{}, thr
	}
	return model, thr
}

// alwaysNormalScorer is the fallback Scorer used until a model has been
// trained; every row scores as maximally normal, so the emitter never
// synthesizes rules against noise.
type alwaysNormalScorer struct{}

func (alwaysNormalScorer) Score(row []float64) (float64, error) { return 1, nil }

func runEmitterLoop(ctx context.Context, log *logging.Logger, emitter *rules.Emitter, modeCtl *mode.Controller, mtr *metrics.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cfg, err := modeCtl.Get(); err == nil {
				mtr.SetMode(string(cfg.Mode))
			}
			outcome, err := emitter.Run(ctx)
			if err != nil {
				log.Error("emitter run failed", "error", err)
				continue
			}
			log.Info("emitter run complete",
				"batch_size", outcome.BatchSize,
				"training_skip", outcome.TrainingSkip,
				"rules_emitted", outcome.RulesEmitted,
				"reload_ok", outcome.ReloadOK,
			)
		}
	}
}
