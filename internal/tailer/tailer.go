// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package tailer follows the IDS event log and feeds the event store.
// It is the single writer for its log file: lines are processed in file
// order, malformed lines are counted and skipped, and duplicates are
// absorbed by the store's unique hash index.
package tailer

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"grimm.is/sml/internal/eve"
	"grimm.is/sml/internal/logging"
	"grimm.is/sml/internal/metrics"
	"grimm.is/sml/internal/mode"
	"grimm.is/sml/internal/store"
)

const (
	defaultPollInterval  = time.Second
	defaultQueueSize     = 256
	shutdownDrainTimeout = 5 * time.Second
)

// Stats are the tailer's running counters.
type Stats struct {
	LinesRead   uint64
	ParseErrors uint64
	Filtered    uint64
	Inserted    uint64
	Duplicates  uint64
	InsertFails uint64
}

// Tailer follows one log file.
type Tailer struct {
	path   string
	store  *store.Store
	modes  *mode.Controller
	logger *logging.Logger

	pollInterval time.Duration
	queueSize    int

	linesRead   atomic.Uint64
	parseErrors atomic.Uint64
	filtered    atomic.Uint64
	inserted    atomic.Uint64
	duplicates  atomic.Uint64
	insertFails atomic.Uint64
}

// Option configures a Tailer.
type Option func(*Tailer)

// WithPollInterval overrides the fallback poll cadence (tests).
func WithPollInterval(d time.Duration) Option {
	return func(t *Tailer) { t.pollInterval = d }
}

// WithQueueSize overrides the insert queue capacity.
func WithQueueSize(n int) Option {
	return func(t *Tailer) { t.queueSize = n }
}

// New creates a Tailer for the given log path.
func New(path string, s *store.Store, m *mode.Controller, logger *logging.Logger, opts ...Option) *Tailer {
	if logger == nil {
		logger = logging.WithComponent("tailer")
	}
	t := &Tailer{
		path:         path,
		store:        s,
		modes:        m,
		logger:       logger,
		pollInterval: defaultPollInterval,
		queueSize:    defaultQueueSize,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Stats returns a snapshot of the running counters.
func (t *Tailer) Stats() Stats {
	return Stats{
		LinesRead:   t.linesRead.Load(),
		ParseErrors: t.parseErrors.Load(),
		Filtered:    t.filtered.Load(),
		Inserted:    t.inserted.Load(),
		Duplicates:  t.duplicates.Load(),
		InsertFails: t.insertFails.Load(),
	}
}

// Run follows the log until ctx is canceled. The file is opened seeked to
// its end; rotation (inode change or truncation) reopens at offset zero.
func (t *Tailer) Run(ctx context.Context) error {
	// The insert queue decouples file reads from DB latency. When it
	// saturates, the send below blocks and reading pauses: backpressure,
	// not loss.
	queue := make(chan store.Event, t.queueSize)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.insertLoop(ctx, queue)
	}()
	defer func() {
		close(queue)
		wg.Wait()
	}()

	watcher, err := newWatcher()
	if err == nil {
		defer watcher.Close()
		// Watch the directory: the file itself may not exist yet and is
		// replaced on rotation.
		if werr := watcher.Add(filepath.Dir(t.path)); werr != nil {
			t.logger.Warn("Failed to watch log directory, polling only", "error", werr)
		}
	} else {
		t.logger.Warn("fsnotify unavailable, polling only", "error", err)
		watcher = nil
	}

	t.logger.Info("Tailing IDS event log", "path", t.path)

	var (
		file    *os.File
		reader  *bufio.Reader
		fileID  os.FileInfo
		offset  int64
		partial []byte
	)
	defer func() {
		if file != nil {
			file.Close()
		}
	}()

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		if file == nil {
			f, fi, err := t.open()
			if err == nil {
				file = f
				fileID = fi
				reader = bufio.NewReader(file)
				offset, _ = file.Seek(0, io.SeekEnd)
				partial = partial[:0]
			}
		}

		if file != nil {
			n, err := t.drain(ctx, reader, &partial, queue)
			offset += n
			if err != nil {
				return err
			}

			if rotated, truncated := t.rotated(fileID, offset); rotated || truncated {
				t.logger.Info("Log rotated, reopening", "path", t.path, "truncated", truncated)
				file.Close()
				file = nil
				// Resume at offset zero of the new file.
				if f, fi, err := t.open(); err == nil {
					file = f
					fileID = fi
					reader = bufio.NewReader(file)
					offset = 0
					partial = partial[:0]
				}
				continue
			}
		}

		select {
		case <-ctx.Done():
			// Flush a complete in-flight line before releasing the handle.
			if reader != nil {
				_, _ = t.drain(context.Background(), reader, &partial, queue)
			}
			return nil
		case <-ticker.C:
		case ev, ok := <-watcherEvents(watcher):
			if !ok {
				// Watcher died; a closed channel would otherwise win the
				// select on every pass. The poll ticker takes over.
				t.logger.Warn("Watcher event stream closed, polling only")
				watcher = nil
				continue
			}
			if ev.Name != t.path {
				continue
			}
		}
	}
}

// newWatcher is a seam for tests to inject a watcher.
var newWatcher = fsnotify.NewWatcher

func watcherEvents(w *fsnotify.Watcher) <-chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

func (t *Tailer) open() (*os.File, os.FileInfo, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, fi, nil
}

// rotated reports whether the path now names a different file (inode
// change) or the file shrank below our offset (truncation).
func (t *Tailer) rotated(current os.FileInfo, offset int64) (rotated, truncated bool) {
	fi, err := os.Stat(t.path)
	if err != nil {
		return true, false
	}
	if !os.SameFile(current, fi) {
		return true, false
	}
	if fi.Size() < offset {
		return false, true
	}
	return false, false
}

// drain reads every complete line currently available and enqueues the
// resulting events. A trailing partial line is carried until its newline
// arrives. Returns the number of bytes consumed.
func (t *Tailer) drain(ctx context.Context, reader *bufio.Reader, partial *[]byte, queue chan<- store.Event) (int64, error) {
	var consumed int64
	for {
		chunk, err := reader.ReadBytes('\n')
		consumed += int64(len(chunk))

		if err != nil {
			// Incomplete line: keep it for the next pass.
			*partial = append(*partial, chunk...)
			if err != io.EOF {
				t.logger.Warn("Log read failed, retrying next poll", "error", err)
			}
			return consumed, nil
		}

		line := chunk
		if len(*partial) > 0 {
			line = append(*partial, chunk...)
			*partial = (*partial)[:0]
		}

		if ev, ok := t.processLine(ctx, line); ok {
			select {
			case queue <- ev:
			case <-ctx.Done():
				return consumed, nil
			}
		}
	}
}

// processLine parses, filters, normalizes and labels one line.
func (t *Tailer) processLine(ctx context.Context, line []byte) (store.Event, bool) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return store.Event{}, false
	}
	t.linesRead.Add(1)
	metrics.LinesRead.Inc()

	rec, err := eve.Parse([]byte(trimmed))
	if err != nil {
		t.parseErrors.Add(1)
		metrics.ParseErrors.Inc()
		t.logger.Debug("Skipping malformed line", "error", err)
		return store.Event{}, false
	}

	st, err := t.modes.Current(ctx)
	if err != nil {
		t.logger.Warn("Mode read failed, treating as off", "error", err)
		st = mode.Status{Mode: mode.Off}
	}

	if !rec.Accepted(st.Mode.Training()) {
		t.filtered.Add(1)
		metrics.EventsIngested.WithLabelValues("filtered").Inc()
		return store.Event{}, false
	}

	lab := eve.Labeling{
		TrainingMode: st.Mode.Training(),
		Label:        string(st.Mode),
		Session:      st.SessionHash,
	}
	return rec.Normalize(lab), true
}

// insertLoop pops events off the queue and inserts them. Insert errors are
// logged and counted; at-least-once delivery plus the unique hash index
// gives at-most-once effect.
func (t *Tailer) insertLoop(ctx context.Context, queue <-chan store.Event) {
	insertCtx := ctx
	graced := false
	for ev := range queue {
		if !graced && ctx.Err() != nil {
			// Run's context is canceled but the queue still holds events,
			// including the final flushed line. The file was read past
			// them, so a failed insert here is permanent loss. Finish the
			// drain on an independent bounded context.
			graced = true
			dctx, cancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
			defer cancel()
			insertCtx = dctx
		}
		outcome, err := t.store.InsertIfNew(insertCtx, ev)
		if err != nil {
			t.insertFails.Add(1)
			metrics.EventsIngested.WithLabelValues("error").Inc()
			t.logger.WithError(err).Warn("Insert failed", "hash", ev.Hash)
			continue
		}
		switch outcome {
		case store.Inserted:
			t.inserted.Add(1)
			metrics.EventsIngested.WithLabelValues("inserted").Inc()
			t.logger.Debug("Event inserted", "hash", ev.Hash, "type", ev.EventType, "signature", ev.AlertSignature)
		case store.Duplicate:
			t.duplicates.Add(1)
			metrics.EventsIngested.WithLabelValues("duplicate").Inc()
		}
	}
}
