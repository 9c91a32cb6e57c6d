// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package runner supervises the long-running pipeline: the log tailer,
// the scheduled rule emitter and the ops API server. The first fatal
// error from any part stops all of them.
package runner

import (
	"context"
	"sync"
	"time"

	"grimm.is/sml/internal/errors"
	"grimm.is/sml/internal/logging"
	"grimm.is/sml/internal/rules"
)

// Tailer follows the IDS event log until its context is cancelled.
type Tailer interface {
	Run(ctx context.Context) error
}

// Emitter runs one rule-emission batch.
type Emitter interface {
	Run(ctx context.Context) (rules.Outcome, error)
}

// APIServer serves the ops API until its context is cancelled.
type APIServer interface {
	Serve(ctx context.Context, addr string) error
}

// Options wires a Runner. Nil parts are simply not run.
type Options struct {
	Tailer     Tailer
	Emitter    Emitter
	API        APIServer
	ListenAddr string
	// EmitCadence schedules emitter batches; zero means on demand only.
	EmitCadence time.Duration
	Logger      *logging.Logger
}

// Runner coordinates the pipeline goroutines.
type Runner struct {
	opts   Options
	logger *logging.Logger
}

// New creates a Runner.
func New(opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("runner")
	}
	return &Runner{opts: opts, logger: logger}
}

// Run starts every configured part and blocks until ctx is cancelled or
// one of them fails. The returned error is the first fatal one, or nil
// on a clean shutdown.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	fatal := func(part string, err error) {
		if err != nil && ctx.Err() == nil {
			errCh <- errors.Wrapf(err, errors.GetKind(err), "%s failed", part)
			cancel()
		}
	}

	if r.opts.Tailer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fatal("tailer", r.opts.Tailer.Run(ctx))
		}()
	}

	if r.opts.Emitter != nil && r.opts.EmitCadence > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.emitLoop(ctx)
		}()
	}

	if r.opts.API != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fatal("api", r.opts.API.Serve(ctx, r.opts.ListenAddr))
		}()
	}

	<-ctx.Done()
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		r.logger.Info("Pipeline stopped")
		return nil
	}
}

// emitLoop runs emitter batches on the configured cadence. Batch errors
// are logged, not fatal: a transient store or reload problem must not
// take down ingestion.
func (r *Runner) emitLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.EmitCadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			out, err := r.opts.Emitter.Run(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.WithError(err).Warn("Emitter batch failed")
				continue
			}
			if out.Batch > 0 {
				r.logger.Info("Emitter batch complete",
					"batch", out.Batch, "anomalies", out.Anomalies,
					"new_rules", out.NewRules, "reloaded", out.Reloaded)
			}
		}
	}
}
