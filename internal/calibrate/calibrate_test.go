// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package calibrate

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/sml/internal/artifacts"
	"grimm.is/sml/internal/errors"
)

func TestMetrics(t *testing.T) {
	scores := []float64{-1, -0.5, 0.1, 0.4}
	yTrue := []int{1, 1, 0, 0}

	p, r, f1 := Metrics(scores, yTrue, 0.0)
	assert.Equal(t, 1.0, p)
	assert.Equal(t, 1.0, r)
	assert.Equal(t, 1.0, f1)

	// Threshold below every score predicts nothing anomalous.
	p, r, f1 = Metrics(scores, yTrue, -2.0)
	assert.Equal(t, 0.0, p)
	assert.Equal(t, 0.0, r)
	assert.Equal(t, 0.0, f1)
}

func TestSelectSeparableScores(t *testing.T) {
	scores := []float64{-1, -0.9, -0.1, 0.1, 0.9}
	yTrue := []int{1, 1, 0, 0, 0}

	res, err := Select(scores, yTrue, DefaultMinPrecision, DefaultFallbackPercentile)
	require.NoError(t, err)
	assert.False(t, res.Fallback)
	assert.Greater(t, res.Threshold, -0.9)
	assert.LessOrEqual(t, res.Threshold, -0.1)
	assert.Equal(t, 1.0, res.Precision)
	assert.Equal(t, 1.0, res.Recall)
	assert.Equal(t, 1.0, res.F1)
	assert.NotEmpty(t, res.Grid)
}

func TestSelectFallbackWhenPrecisionUnreachable(t *testing.T) {
	// All-normal labels: precision can never reach the floor.
	scores := []float64{-1, -0.5, 0, 0.5, 1}
	yTrue := []int{0, 0, 0, 0, 0}

	res, err := Select(scores, yTrue, DefaultMinPrecision, DefaultFallbackPercentile)
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Zero(t, res.Precision)
	assert.Zero(t, res.Recall)
	assert.Zero(t, res.F1)
	// 98th percentile of the scores.
	assert.InDelta(t, 0.96, res.Threshold, 1e-9)
}

func TestSelectEmptyScores(t *testing.T) {
	_, err := Select(nil, nil, DefaultMinPrecision, DefaultFallbackPercentile)
	require.Error(t, err)
	assert.Equal(t, errors.KindDegenerate, errors.GetKind(err))
}

func TestSelectLengthMismatch(t *testing.T) {
	_, err := Select([]float64{1, 2}, []int{0}, DefaultMinPrecision, DefaultFallbackPercentile)
	require.Error(t, err)
	assert.Equal(t, errors.KindContract, errors.GetKind(err))
}

func TestGridDeduplicates(t *testing.T) {
	constant := []float64{0.3, 0.3, 0.3, 0.3}
	assert.Len(t, Grid(constant), 1)

	grid := Grid([]float64{-1, -0.9, -0.1, 0.1, 0.9})
	seen := map[float64]struct{}{}
	for _, g := range grid {
		_, dup := seen[g]
		assert.False(t, dup, "duplicate candidate %v", g)
		seen[g] = struct{}{}
	}
}

func TestSelectIsDeterministic(t *testing.T) {
	scores := []float64{-0.8, -0.6, -0.3, 0.05, 0.1, 0.2, 0.4, 0.7}
	yTrue := []int{1, 1, 1, 0, 0, 0, 0, 0}

	a, err := Select(scores, yTrue, DefaultMinPrecision, DefaultFallbackPercentile)
	require.NoError(t, err)
	b, err := Select(scores, yTrue, DefaultMinPrecision, DefaultFallbackPercentile)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestArtifactsRoundTrip(t *testing.T) {
	layout := artifacts.NewLayout(t.TempDir())
	res := Result{
		Threshold: -0.42, Precision: 0.97, Recall: 0.8, F1: 0.877,
		Grid: []Point{{Threshold: -0.42, Precision: 0.97, Recall: 0.8, F1: 0.877}},
	}
	require.NoError(t, WriteArtifacts(layout, res, DefaultMinPrecision))

	thr, err := LoadThreshold(layout)
	require.NoError(t, err)
	assert.Equal(t, -0.42, thr)

	header, rows, err := artifacts.ReadCSV(layout.ThresholdReport())
	require.NoError(t, err)
	assert.Equal(t, []string{"threshold", "precision", "recall", "f1"}, header)
	require.Len(t, rows, 1)
	assert.Equal(t, "-0.42", rows[0][0])
}

func TestLoadThresholdMissing(t *testing.T) {
	layout := artifacts.NewLayout(t.TempDir())
	_, err := LoadThreshold(layout)
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
}

func TestRunJoinsOnEventID(t *testing.T) {
	layout := artifacts.NewLayout(t.TempDir())

	scores := []float64{-1, -0.9, -0.1, 0.1, 0.9}
	labels := []string{"1", "1", "0", "0", "0"}
	var anRows, gtRows [][]string
	for i, s := range scores {
		id := "ev-" + strconv.Itoa(i)
		anRows = append(anRows, []string{id, strconv.FormatFloat(s, 'g', -1, 64), "1", "0", "normal"})
		gtRows = append(gtRows, []string{id, labels[i], strconv.FormatFloat(s, 'g', -1, 64)})
	}
	// An unmatched scored row is ignored by the join.
	anRows = append(anRows, []string{"ev-unmatched", "0.5", "1", "0", "normal"})

	require.NoError(t, artifacts.WriteCSVAtomic(layout.Analysis(),
		[]string{"event_id", "anomaly_score", "prediction", "is_anomaly", "label"}, anRows))
	require.NoError(t, artifacts.WriteCSVAtomic(layout.GroundTruth(),
		[]string{"event_id", "prediction_g", "anomaly_score_g"}, gtRows))

	res, err := Run(layout, DefaultMinPrecision, DefaultFallbackPercentile, nil)
	require.NoError(t, err)
	assert.False(t, res.Fallback)
	assert.Equal(t, 1.0, res.F1)

	// Artifacts landed.
	thr, err := LoadThreshold(layout)
	require.NoError(t, err)
	assert.Equal(t, res.Threshold, thr)
}

func TestEvaluateAtThreshold(t *testing.T) {
	layout := artifacts.NewLayout(t.TempDir())

	scores := []float64{-1, -0.9, -0.1, 0.1, 0.9}
	labels := []string{"1", "1", "0", "0", "0"}
	var anRows, gtRows [][]string
	for i, s := range scores {
		id := "ev-" + strconv.Itoa(i)
		anRows = append(anRows, []string{id, strconv.FormatFloat(s, 'g', -1, 64), "1", "0", "normal"})
		gtRows = append(gtRows, []string{id, labels[i], strconv.FormatFloat(s, 'g', -1, 64)})
	}
	require.NoError(t, artifacts.WriteCSVAtomic(layout.Analysis(),
		[]string{"event_id", "anomaly_score", "prediction", "is_anomaly", "label"}, anRows))
	require.NoError(t, artifacts.WriteCSVAtomic(layout.GroundTruth(),
		[]string{"event_id", "prediction_g", "anomaly_score_g"}, gtRows))

	pt, err := Evaluate(layout, -0.5, nil)
	require.NoError(t, err)
	assert.Equal(t, -0.5, pt.Threshold)
	assert.Equal(t, 1.0, pt.Precision)
	assert.Equal(t, 0.5, pt.Recall)

	_, err = Evaluate(artifacts.NewLayout(t.TempDir()), -0.5, nil)
	require.Error(t, err)
}

func TestRunNoOverlap(t *testing.T) {
	layout := artifacts.NewLayout(t.TempDir())
	require.NoError(t, layout.EnsureExist())

	_, err := Run(layout, DefaultMinPrecision, DefaultFallbackPercentile, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindDegenerate, errors.GetKind(err))
}
