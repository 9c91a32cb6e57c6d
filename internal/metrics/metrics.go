// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes Prometheus instrumentation for the pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the pipeline's metric registry.
var Registry = prometheus.NewRegistry()

var (
	// LinesRead counts log lines observed by the tailer, including ones
	// later skipped.
	LinesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sml",
		Subsystem: "tailer",
		Name:      "lines_read_total",
		Help:      "Log lines read from the IDS event log.",
	})

	// ParseErrors counts malformed lines skipped by the tailer.
	ParseErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sml",
		Subsystem: "tailer",
		Name:      "parse_errors_total",
		Help:      "Malformed log lines skipped.",
	})

	// EventsIngested counts insert outcomes by result (inserted, duplicate,
	// filtered, error).
	EventsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sml",
		Subsystem: "tailer",
		Name:      "events_total",
		Help:      "Events handled by the tailer, by outcome.",
	}, []string{"outcome"})

	// RulesEmitted counts emitted rules by action.
	RulesEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sml",
		Subsystem: "emitter",
		Name:      "rules_total",
		Help:      "Firewall rules written, by action.",
	}, []string{"action"})

	// ReloadResults counts IDS reload attempts by result.
	ReloadResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sml",
		Subsystem: "emitter",
		Name:      "reloads_total",
		Help:      "IDS rule reload attempts, by result.",
	}, []string{"result"})

	// Scores observes model anomaly scores at emit time.
	Scores = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sml",
		Subsystem: "model",
		Name:      "score",
		Help:      "Model scores of emitted batches (higher is more normal).",
		Buckets:   prometheus.LinearBuckets(-0.5, 0.1, 12),
	})

	// BatchDuration observes end-to-end emitter batch durations.
	BatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sml",
		Subsystem: "emitter",
		Name:      "batch_seconds",
		Help:      "Rule-emitter batch durations.",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	Registry.MustRegister(
		LinesRead,
		ParseErrors,
		EventsIngested,
		RulesEmitted,
		ReloadResults,
		Scores,
		BatchDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry over HTTP.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
