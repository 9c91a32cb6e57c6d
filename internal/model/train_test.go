// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package model

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/sml/internal/artifacts"
	"grimm.is/sml/internal/errors"
	"grimm.is/sml/internal/features"
	"grimm.is/sml/internal/store"
)

// trainingFixture writes a preprocessed table of mostly-normal labeled
// traffic plus a handful of anomalous port-scan events.
func trainingFixture(t *testing.T) artifacts.Layout {
	t.Helper()
	base := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	var events []store.Event
	for i := 0; i < 120; i++ {
		ev := store.Event{
			Hash:            fmt.Sprintf("normal-%03d", i),
			EventType:       "flow",
			Timestamp:       base.Add(time.Duration(i) * 30 * time.Second),
			Proto:           "TCP",
			SrcIP:           fmt.Sprintf("10.0.0.%d", 2+i%3),
			DestIP:          "192.168.10.20",
			SrcPort:         40000 + i,
			DestPort:        443,
			PacketLength:    500 + i%40,
			TrainingMode:    true,
			TrainingLabel:   "normal",
			TrainingSession: "cafe0123beef4567",
		}
		events = append(events, ev)
	}
	for i := 0; i < 8; i++ {
		ev := store.Event{
			Hash:            fmt.Sprintf("scan-%03d", i),
			EventType:       "alert",
			Timestamp:       base.Add(time.Hour + time.Duration(i)*100*time.Millisecond),
			Proto:           "TCP",
			SrcIP:           "10.0.0.66",
			DestIP:          "192.168.10.20",
			SrcPort:         1001 + i,
			DestPort:        1 + i*97,
			PacketLength:    60,
			AlertSeverity:   3,
			TrainingMode:    true,
			TrainingLabel:   "anomaly",
			Anomaly:         1,
			TrainingSession: "cafe0123beef4567",
		}
		events = append(events, ev)
	}

	table := features.Extract(events)
	table.RobustScale()
	layout := artifacts.NewLayout(t.TempDir())
	require.NoError(t, features.WriteArtifacts(layout, table))
	return layout
}

func TestRunTraining(t *testing.T) {
	layout := trainingFixture(t)

	out, err := RunTraining(layout, Options{}, 0.98, nil)
	require.NoError(t, err)
	assert.Equal(t, 128, out.Rows)
	assert.Equal(t, 120, out.TrainingRows) // normal-only training set
	assert.NotNil(t, out.Forest)

	// Model and manifest landed and agree.
	loaded, err := Load(layout)
	require.NoError(t, err)
	assert.Equal(t, features.ModelColumns, loaded.FeatureNames)
	cols, err := LoadManifest(layout)
	require.NoError(t, err)
	assert.Equal(t, features.ModelColumns, cols)

	// Analysis artifact covers every row.
	header, rows, err := artifacts.ReadCSV(layout.Analysis())
	require.NoError(t, err)
	assert.Equal(t, []string{"event_id", "anomaly_score", "prediction", "is_anomaly", "label"}, header)
	assert.Len(t, rows, 128)
}

func TestRunTrainingEmptyTable(t *testing.T) {
	layout := artifacts.NewLayout(t.TempDir())
	require.NoError(t, layout.EnsureExist())

	_, err := RunTraining(layout, Options{}, 0.98, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindDegenerate, errors.GetKind(err))
}

func TestRunTrainingIsReproducible(t *testing.T) {
	layout := trainingFixture(t)

	first, err := RunTraining(layout, Options{}, 0.98, nil)
	require.NoError(t, err)
	firstAnalysis, err := os.ReadFile(layout.Analysis())
	require.NoError(t, err)

	second, err := RunTraining(layout, Options{}, 0.98, nil)
	require.NoError(t, err)
	secondAnalysis, err := os.ReadFile(layout.Analysis())
	require.NoError(t, err)

	assert.Equal(t, first.Threshold, second.Threshold)
	assert.Equal(t, string(firstAnalysis), string(secondAnalysis))
}

func TestWriteAnalysis(t *testing.T) {
	layout := artifacts.NewLayout(t.TempDir())
	ids := []string{"a", "b", "c"}
	scores := []float64{-0.4, 0.1, 0.3}

	anomalies, err := WriteAnalysis(layout, ids, scores, 0.0)
	require.NoError(t, err)
	assert.Equal(t, 1, anomalies)

	_, rows, err := artifacts.ReadCSV(layout.Analysis())
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"a", "-0.4", "-1", "1", "anomaly"}, rows[0])
	assert.Equal(t, "1", rows[1][2])
	assert.Equal(t, "normal", rows[1][4])
}

func TestWriteAnalysisMismatch(t *testing.T) {
	layout := artifacts.NewLayout(t.TempDir())
	_, err := WriteAnalysis(layout, []string{"a"}, []float64{1, 2}, 0)
	require.Error(t, err)
	assert.Equal(t, errors.KindContract, errors.GetKind(err))
}
