// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package model

import (
	"strconv"

	"grimm.is/sml/internal/artifacts"
	"grimm.is/sml/internal/calibrate"
	"grimm.is/sml/internal/errors"
	"grimm.is/sml/internal/features"
	"grimm.is/sml/internal/logging"
)

// AnomalyPrediction is the legacy encoding of an anomalous prediction in
// the analysis artifact; normal rows encode as 1.
const AnomalyPrediction = -1

// TrainCalibrated fits the detector with the contamination re-fit: a
// preliminary auto-offset forest is trained on trainMatrix and scores
// scoreMatrix; if truth labels exist, the unconstrained best-F1 threshold
// sets the final contamination to the empirical fraction below it
// (clamped), and the forest is refit. labels align with scoreMatrix rows:
// 1 anomaly, 0 normal, -1 unlabeled.
func TrainCalibrated(trainMatrix, scoreMatrix [][]float64, cols []string, labels []int, opts Options) (*Forest, error) {
	prelim, err := Train(trainMatrix, cols, Options{
		Trees: opts.Trees, SubSample: opts.SubSample, Seed: opts.Seed,
	})
	if err != nil {
		return nil, err
	}

	yTrue, labeled := truthVector(labels, len(scoreMatrix))
	if !labeled {
		contamination := opts.Contamination
		if contamination <= 0 {
			contamination = DefaultContamination
		}
		opts.Contamination = contamination
		return Train(trainMatrix, cols, opts)
	}

	scores, err := prelim.ScoreAll(scoreMatrix)
	if err != nil {
		return nil, err
	}
	thr, ok := calibrate.BestF1(scores, yTrue)
	if !ok {
		return prelim, nil
	}

	below := 0
	for _, s := range scores {
		if s < thr {
			below++
		}
	}
	contamination := float64(below) / float64(len(scores))
	if contamination < 1e-6 {
		contamination = 1e-6
	}
	if contamination > 0.5 {
		contamination = 0.5
	}
	opts.Contamination = contamination
	return Train(trainMatrix, cols, opts)
}

// truthVector converts -1/0/1 labels into a 0/1 vector, reporting whether
// any row carried a real label.
func truthVector(labels []int, n int) ([]int, bool) {
	if len(labels) != n {
		return make([]int, n), false
	}
	out := make([]int, n)
	labeled := false
	for i, l := range labels {
		if l >= 0 {
			labeled = true
		}
		if l == 1 {
			out[i] = 1
		}
	}
	return out, labeled
}

// TrainOutcome summarizes a full training pass.
type TrainOutcome struct {
	Forest       *Forest
	Rows         int
	TrainingRows int
	Threshold    float64
	Anomalies    int
}

// RunTraining executes the batch training pass: load the preprocessed
// table, fit on its normal-labeled rows (whole batch when unlabeled),
// persist the model and manifest, score everything, and write the
// analysis artifact. fallbackPercentile positions the analysis threshold
// when no labels exist.
func RunTraining(layout artifacts.Layout, opts Options, fallbackPercentile float64, logger *logging.Logger) (*TrainOutcome, error) {
	if logger == nil {
		logger = logging.WithComponent("trainer")
	}

	table, err := features.Load(layout.Preprocessed())
	if err != nil {
		return nil, err
	}
	if len(table.Rows) == 0 {
		return nil, errors.New(errors.KindDegenerate, "preprocessed table is empty")
	}

	labels := table.Labels()
	full := table.Matrix(features.ModelColumns)

	// Normal-only training set when labels are available.
	var trainMatrix [][]float64
	for i, row := range full {
		if labels[i] == features.LabelNormal {
			trainMatrix = append(trainMatrix, row)
		}
	}
	if len(trainMatrix) == 0 {
		trainMatrix = full
	}

	logger.Info("Training isolation forest",
		"rows", len(full), "training_rows", len(trainMatrix), "features", len(features.ModelColumns))

	forest, err := TrainCalibrated(trainMatrix, full, features.ModelColumns, labels, opts)
	if err != nil {
		return nil, err
	}
	if err := Save(layout, forest); err != nil {
		return nil, err
	}

	scores, err := forest.ScoreAll(full)
	if err != nil {
		return nil, err
	}

	// Analysis threshold: best F1 against labels when present, else the
	// fallback percentile of the scores.
	thr := features.Quantile(scores, fallbackPercentile)
	if yTrue, labeled := truthVector(labels, len(scores)); labeled {
		if t, ok := calibrate.BestF1(scores, yTrue); ok {
			thr = t
		}
	}

	ids := make([]string, len(table.Rows))
	for i, r := range table.Rows {
		ids[i] = r.EventID
	}
	anomalies, err := WriteAnalysis(layout, ids, scores, thr)
	if err != nil {
		return nil, err
	}

	logger.Info("Model trained",
		"run_id", forest.Meta.RunID, "contamination", forest.Meta.Contamination,
		"threshold", thr, "anomalies", anomalies)

	return &TrainOutcome{
		Forest:       forest,
		Rows:         len(full),
		TrainingRows: len(trainMatrix),
		Threshold:    thr,
		Anomalies:    anomalies,
	}, nil
}

// WriteAnalysis persists the scored output: one row per event with the
// verbatim score, the legacy −1/1 prediction, the binary flag and the
// textual label. Returns the anomaly count.
func WriteAnalysis(layout artifacts.Layout, ids []string, scores []float64, thr float64) (int, error) {
	if len(ids) != len(scores) {
		return 0, errors.Errorf(errors.KindContract,
			"ids and scores disagree: %d vs %d", len(ids), len(scores))
	}
	rows := make([][]string, len(ids))
	anomalies := 0
	for i, s := range scores {
		prediction, flag, label := 1, 0, "normal"
		if s < thr {
			prediction, flag, label = AnomalyPrediction, 1, "anomaly"
			anomalies++
		}
		rows[i] = []string{
			ids[i],
			strconv.FormatFloat(s, 'g', -1, 64),
			strconv.Itoa(prediction),
			strconv.Itoa(flag),
			label,
		}
	}
	header := []string{"event_id", "anomaly_score", "prediction", "is_anomaly", "label"}
	if err := artifacts.WriteCSVAtomic(layout.Analysis(), header, rows); err != nil {
		return 0, err
	}
	return anomalies, nil
}
