// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/sml/internal/logging"
)

var (
	// StoredEvents tracks the event-store row count.
	StoredEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sml",
		Subsystem: "store",
		Name:      "events",
		Help:      "Events currently stored.",
	})

	// TrainingSessions tracks the number of distinct training sessions.
	TrainingSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sml",
		Subsystem: "store",
		Name:      "training_sessions",
		Help:      "Distinct training sessions recorded.",
	})
)

func init() {
	Registry.MustRegister(StoredEvents, TrainingSessions)
}

// Sample is one snapshot of the sampled store state.
type Sample struct {
	Events   int
	Sessions int
}

// Sampler produces a Sample; the Collector polls it on an interval.
type Sampler func(ctx context.Context) (Sample, error)

// Collector periodically refreshes the store gauges.
type Collector struct {
	sampler  Sampler
	interval time.Duration
	logger   *logging.Logger
}

// NewCollector creates a Collector polling sampler every interval.
func NewCollector(logger *logging.Logger, interval time.Duration, sampler Sampler) *Collector {
	if logger == nil {
		logger = logging.WithComponent("metrics")
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Collector{sampler: sampler, interval: interval, logger: logger}
}

// Run polls until ctx is cancelled. Sampling errors are logged and the
// gauges keep their previous values.
func (c *Collector) Run(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	s, err := c.sampler(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.WithError(err).Warn("Metric sampling failed")
		}
		return
	}
	StoredEvents.Set(float64(s.Events))
	TrainingSessions.Set(float64(s.Sessions))
}
