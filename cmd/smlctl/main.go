// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command smlctl is the operator CLI: inspect and change mode, bootstrap
// a fresh artifact layout, and trigger one-off training or emission runs
// without waiting for smld's schedule.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/spirock/sml/internal/anomaly"
	"github.com/spirock/sml/internal/artifacts"
	"github.com/spirock/sml/internal/config"
	"github.com/spirock/sml/internal/mode"
	"github.com/spirock/sml/internal/rules"
	"github.com/spirock/sml/internal/store"
	"github.com/spirock/sml/internal/threshold"
	"github.com/spirock/sml/internal/trainer"
)

func main() {
	configPath := flag.String("config", "", "Path to HCL or JSON config file")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	layout := artifacts.New(cfg.ModelDir, cfg.RulesDir, cfg.RuleFileName)

	switch args[0] {
	case "bootstrap":
		runBootstrap(layout)
	case "mode":
		runMode(cfg, args[1:])
	case "train":
		runTrain(cfg, layout)
	case "emit":
		runEmit(cfg, layout)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: smlctl [-config path] <command> [args]

Commands:
  bootstrap            create the model/rules directory tree
  mode get             print the current mode and session hash
  mode set <mode> [--new-session]
                       set mode to off|normal|anomaly
  train                run the batch trainer against all stored events
  emit                 run one Rule Emitter pass now`)
}

func runBootstrap(layout artifacts.Layout) {
	if err := layout.Bootstrap(); err != nil {
		log.Fatalf("bootstrap failed: %v", err)
	}
	fmt.Println("artifact directories ready:", layout.ModelDir, layout.RulesDir)
}

func runMode(cfg *config.Config, args []string) {
	db, err := store.Open(cfg.EventStoreDSN)
	if err != nil {
		log.Fatalf("failed to open event store: %v", err)
	}
	defer db.Close()

	modeCtl := mode.New(db, time.Now)

	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	switch args[0] {
	case "get":
		got, err := modeCtl.Get()
		if err != nil {
			log.Fatalf("mode get failed: %v", err)
		}
		fmt.Printf("mode=%s session_hash=%s\n", got.Mode, got.SessionHash)
	case "set":
		if len(args) < 2 {
			usage()
			os.Exit(1)
		}
		newSession := false
		for _, a := range args[2:] {
			if a == "--new-session" {
				newSession = true
			}
		}
		got, err := modeCtl.Set(mode.Mode(args[1]), newSession)
		if err != nil {
			log.Fatalf("mode set failed: %v", err)
		}
		fmt.Printf("mode=%s session_hash=%s\n", got.Mode, got.SessionHash)
	default:
		usage()
		os.Exit(1)
	}
}

func runTrain(cfg *config.Config, layout artifacts.Layout) {
	db, err := store.Open(cfg.EventStoreDSN)
	if err != nil {
		log.Fatalf("failed to open event store: %v", err)
	}
	defer db.Close()

	report, err := trainer.Train(db, layout, cfg.MinPrecisionForThreshold, cfg.DefaultPercentile)
	if err != nil {
		log.Fatalf("training failed: %v", err)
	}
	fmt.Printf("run=%s trained on %s events (%s fit rows), contamination=%.6f, threshold=%.4f, fallback_used=%v\n",
		report.RunID, humanize.Comma(int64(report.EventCount)), humanize.Comma(int64(report.NormalOnlyCount)),
		report.FinalContamination, report.Calibration.Selected.Threshold, report.Calibration.FallbackUsed)
}

func runEmit(cfg *config.Config, layout artifacts.Layout) {
	db, err := store.Open(cfg.EventStoreDSN)
	if err != nil {
		log.Fatalf("failed to open event store: %v", err)
	}
	defer db.Close()

	modeCtl := mode.New(db, time.Now)

	thr := cfg.AnomalyThreshold
	if layout.ThresholdExists() {
		if loaded, err := threshold.LoadThreshold(layout.ThresholdsJSON()); err == nil {
			thr = loaded
		}
	}

	var scorer rules.Scorer
	if layout.ModelExists() {
		model, err := anomaly.Load(layout.ModelBlob(), layout.FeatureManifest())
		if err != nil {
			log.Fatalf("failed to load model: %v", err)
		}
		scorer = model
	} else {
		log.Fatalf("no trained model present; run 'smlctl train' first")
	}

	emitter := rules.New(db, modeCtl, scorer, cfg, thr, layout.RuleFilePath())
	outcome, err := emitter.Run(context.Background())
	if err != nil {
		log.Fatalf("emitter run failed: %v", err)
	}
	fmt.Printf("batch_size=%s training_skip=%v rules_emitted=%d reload_ok=%v reload_warning=%q\n",
		humanize.Comma(int64(outcome.BatchSize)), outcome.TrainingSkip, outcome.RulesEmitted, outcome.ReloadOK, outcome.ReloadWarning)
}
