// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorUpdatesGauges(t *testing.T) {
	c := NewCollector(nil, time.Hour, func(ctx context.Context) (Sample, error) {
		return Sample{Events: 42, Sessions: 3}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(StoredEvents) == 42
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(3), testutil.ToFloat64(TrainingSessions))

	cancel()
	<-done
}

func TestCollectorKeepsGaugesOnError(t *testing.T) {
	StoredEvents.Set(7)

	var calls atomic.Int64
	c := NewCollector(nil, 5*time.Millisecond, func(ctx context.Context) (Sample, error) {
		calls.Add(1)
		return Sample{}, fmt.Errorf("store busy")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 2 },
		2*time.Second, 2*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, float64(7), testutil.ToFloat64(StoredEvents))
}
