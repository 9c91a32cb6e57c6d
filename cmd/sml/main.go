// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command sml runs the adaptive rule pipeline beside a Suricata IDS:
// it tails the eve.json event log into a deduplicated store, trains an
// isolation-forest model on labeled traffic, calibrates a decision
// threshold and emits firewall rules for anomalous flows.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/sml/internal/api"
	"grimm.is/sml/internal/artifacts"
	"grimm.is/sml/internal/calibrate"
	"grimm.is/sml/internal/config"
	"grimm.is/sml/internal/features"
	"grimm.is/sml/internal/groundtruth"
	"grimm.is/sml/internal/install"
	"grimm.is/sml/internal/logging"
	"grimm.is/sml/internal/mode"
	"grimm.is/sml/internal/model"
	"grimm.is/sml/internal/rules"
	"grimm.is/sml/internal/runner"
	"grimm.is/sml/internal/store"
	"grimm.is/sml/internal/supervisor"
	"grimm.is/sml/internal/tailer"
	"grimm.is/sml/internal/validation"
)

const usageText = `Usage: sml <command> [flags]

Commands:
  run           tail the event log, emit rules on cadence, serve the ops API
  preprocess    extract and scale the feature table from stored events
  train         fit the isolation forest on the preprocessed table
  ground-truth  materialize the labeled calibration table
  calibrate     select the decision threshold from analysis and ground truth
  evaluate      report precision/recall/F1 at the selected threshold
  emit          run one rule-emission batch
  mode          get or set the operating mode

Common flags:
  -config PATH  HCL configuration file
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(os.Args[2:])
	case "preprocess":
		err = cmdPreprocess(os.Args[2:])
	case "train":
		err = cmdTrain(os.Args[2:])
	case "ground-truth":
		err = cmdGroundTruth(os.Args[2:])
	case "calibrate":
		err = cmdCalibrate(os.Args[2:])
	case "evaluate":
		err = cmdEvaluate(os.Args[2:])
	case "emit":
		err = cmdEmit(os.Args[2:])
	case "mode":
		err = cmdMode(os.Args[2:])
	case "help", "-h", "--help":
		fmt.Print(usageText)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n%s", os.Args[1], usageText)
		os.Exit(2)
	}
	if err != nil {
		logging.Default().WithError(err).Error("Command failed", "command", os.Args[1])
		os.Exit(1)
	}
}

// env is the shared setup every subcommand needs: config, logging, the
// event store and the artifact layout.
type env struct {
	cfg    *config.Config
	logger *logging.Logger
	store  *store.Store
	layout artifacts.Layout
}

func setup(configPath string) (*env, error) {
	if configPath == "" {
		configPath = install.DefaultConfigPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logCfg := logging.Config{Level: logging.ParseLevel(cfg.LogLevel)}
	if cfg.Syslog != nil {
		logCfg.Syslog = *cfg.Syslog
	}
	logger := logging.New(logCfg)
	logging.SetDefault(logger)

	s, err := store.Open(cfg.DBPath, logger.WithComponent("store"))
	if err != nil {
		return nil, err
	}

	layout := artifacts.NewLayout(cfg.ModelDir)
	if err := layout.EnsureExist(); err != nil {
		s.Close()
		return nil, err
	}

	logger.Info("Pipeline configured", "config", cfg.String())
	return &env{cfg: cfg, logger: logger, store: s, layout: layout}, nil
}

func (e *env) close() {
	if err := e.store.Close(); err != nil {
		e.logger.WithError(err).Warn("Event store close failed")
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to HCL config file")
	fs.Parse(args)

	e, err := setup(*configPath)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, cancel := signalContext()
	defer cancel()

	// Crash-loop protection: after repeated crashes within the window
	// the daemon still ingests and serves, but automatic rule emission
	// is held off until the history ages out.
	sup := supervisor.New(install.GetStateDir(), supervisor.DefaultConfig())
	safeMode := false
	if !supervisor.ShouldSkipDetection() && sup.ShouldEnterSafeMode() {
		safeMode = true
		e.logger.Warn("Entering safe mode after repeated crashes, rule emission disabled")
	}

	modes := mode.NewController(e.store, e.logger.WithComponent("mode"))
	tail := tailer.New(e.cfg.EveLog, e.store, modes, e.logger.WithComponent("tailer"))
	emitter := rules.NewEmitter(e.store, modes, e.layout, e.cfg, e.logger.WithComponent("emitter"))
	srv := api.NewServer(api.ServerOptions{
		Store:   e.store,
		Modes:   modes,
		Config:  e.cfg,
		Logger:  e.logger.WithComponent("api"),
		Ingest:  tail,
		Emitter: emitter,
	})

	opts := runner.Options{
		Tailer:      tail,
		Emitter:     emitter,
		API:         srv,
		ListenAddr:  e.cfg.ListenAddr,
		EmitCadence: e.cfg.EmitCadence(),
		Logger:      e.logger.WithComponent("runner"),
	}
	if safeMode {
		opts.EmitCadence = 0
	}

	defer func() {
		if r := recover(); r != nil {
			_ = sup.RecordExit(2, 0, true)
			panic(r)
		}
	}()
	sup.StartStabilityTimer()

	err = runner.New(opts).Run(ctx)
	code := 0
	if err != nil {
		code = 1
	}
	_ = sup.RecordExit(code, 0, false)
	return err
}

func cmdPreprocess(args []string) error {
	fs := flag.NewFlagSet("preprocess", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to HCL config file")
	session := fs.String("session", "", "Restrict to one training session hash")
	trainingOnly := fs.Bool("training-only", false, "Use only training-mode events")
	fs.Parse(args)

	if *session != "" {
		if err := validation.ValidateSessionHash(*session); err != nil {
			return err
		}
	}

	e, err := setup(*configPath)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, cancel := signalContext()
	defer cancel()

	var events []store.Event
	if *trainingOnly || *session != "" {
		events, err = e.store.EventsForTraining(ctx, *session)
	} else {
		events, err = e.store.AllEvents(ctx, -1)
	}
	if err != nil {
		return err
	}

	table := features.Extract(events)
	table.RobustScale()
	if err := features.WriteArtifacts(e.layout, table); err != nil {
		return err
	}
	e.logger.Info("Feature table written",
		"rows", len(table.Rows), "columns", len(features.NumericColumns),
		"path", e.layout.Preprocessed())
	return nil
}

func cmdTrain(args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to HCL config file")
	contamination := fs.Float64("contamination", 0, "Fixed contamination fraction (0 = auto)")
	fs.Parse(args)

	e, err := setup(*configPath)
	if err != nil {
		return err
	}
	defer e.close()

	out, err := model.RunTraining(e.layout, model.Options{Contamination: *contamination},
		e.cfg.Policy.DefaultPercentile, e.logger.WithComponent("train"))
	if err != nil {
		return err
	}
	e.logger.Info("Model trained",
		"rows", out.Rows, "training_rows", out.TrainingRows,
		"threshold", out.Threshold, "anomalies", out.Anomalies,
		"model", e.layout.Model())
	return nil
}

func cmdGroundTruth(args []string) error {
	fs := flag.NewFlagSet("ground-truth", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to HCL config file")
	session := fs.String("session", "", "Restrict to one training session hash")
	fs.Parse(args)

	if *session != "" {
		if err := validation.ValidateSessionHash(*session); err != nil {
			return err
		}
	}

	e, err := setup(*configPath)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, cancel := signalContext()
	defer cancel()

	n, err := groundtruth.Run(ctx, e.store, e.layout, *session, e.logger.WithComponent("groundtruth"))
	if err != nil {
		return err
	}
	e.logger.Info("Ground truth written", "rows", n, "path", e.layout.GroundTruth())
	return nil
}

func cmdCalibrate(args []string) error {
	fs := flag.NewFlagSet("calibrate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to HCL config file")
	fs.Parse(args)

	e, err := setup(*configPath)
	if err != nil {
		return err
	}
	defer e.close()

	res, err := calibrate.Run(e.layout, e.cfg.Policy.MinPrecisionForThreshold,
		e.cfg.Policy.DefaultPercentile, e.logger.WithComponent("calibrate"))
	if err != nil {
		return err
	}
	e.logger.Info("Threshold calibrated",
		"threshold", res.Threshold, "precision", res.Precision,
		"recall", res.Recall, "f1", res.F1, "fallback", res.Fallback)
	return nil
}

func cmdEvaluate(args []string) error {
	fs := flag.NewFlagSet("evaluate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to HCL config file")
	fs.Parse(args)

	e, err := setup(*configPath)
	if err != nil {
		return err
	}
	defer e.close()

	thr, err := calibrate.LoadThreshold(e.layout)
	if err != nil {
		e.logger.WithError(err).Warn("No calibrated threshold, evaluating at configured fallback")
		thr = e.cfg.Policy.AnomalyThreshold
	}
	_, err = calibrate.Evaluate(e.layout, thr, e.logger.WithComponent("calibrate"))
	return err
}

func cmdEmit(args []string) error {
	fs := flag.NewFlagSet("emit", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to HCL config file")
	fs.Parse(args)

	e, err := setup(*configPath)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, cancel := signalContext()
	defer cancel()

	modes := mode.NewController(e.store, e.logger.WithComponent("mode"))
	emitter := rules.NewEmitter(e.store, modes, e.layout, e.cfg, e.logger.WithComponent("emitter"))
	out, err := emitter.Run(ctx)
	if err != nil {
		return err
	}
	e.logger.Info("Emitter batch complete",
		"batch", out.Batch, "anomalies", out.Anomalies,
		"new_rules", out.NewRules, "reloaded", out.Reloaded, "training", out.Training)
	return nil
}

func cmdMode(args []string) error {
	fs := flag.NewFlagSet("mode", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to HCL config file")
	newSession := fs.Bool("new-session", false, "Mint a fresh session hash on set")
	fs.Parse(args)

	e, err := setup(*configPath)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, cancel := signalContext()
	defer cancel()

	modes := mode.NewController(e.store, e.logger.WithComponent("mode"))

	var st mode.Status
	if target := fs.Arg(0); target != "" {
		m, err := mode.Parse(target)
		if err != nil {
			return err
		}
		st, err = modes.Set(ctx, m, *newSession)
		if err != nil {
			return err
		}
	} else {
		st, err = modes.Get(ctx)
		if err != nil {
			return err
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}
