// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package groundtruth materializes the labeled calibration table from
// training-mode events. One canonical schema: event_id, prediction_g,
// anomaly_score_g, then a copy of the feature columns.
package groundtruth

import (
	"context"
	"strconv"

	"grimm.is/sml/internal/artifacts"
	"grimm.is/sml/internal/errors"
	"grimm.is/sml/internal/features"
	"grimm.is/sml/internal/logging"
	"grimm.is/sml/internal/model"
	"grimm.is/sml/internal/store"
)

// Run extracts training-mode events (optionally one session), labels them
// from their stored training label, attaches model scores when a trained
// model exists, and writes the ground-truth artifact. Returns the row
// count.
func Run(ctx context.Context, s *store.Store, layout artifacts.Layout, session string, logger *logging.Logger) (int, error) {
	if logger == nil {
		logger = logging.WithComponent("groundtruth")
	}

	events, err := s.EventsForTraining(ctx, session)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, errors.New(errors.KindDegenerate, "no training-mode events to label")
	}

	table := features.Extract(events)
	table.RobustScale()
	matrix := table.Matrix(features.ModelColumns)

	// Scores are best-effort: without a trained model the column is zero.
	scores := make([]float64, len(matrix))
	if forest, err := model.Load(layout); err == nil {
		if scored, serr := forest.ScoreAll(table.Matrix(forest.FeatureNames)); serr == nil {
			scores = scored
		} else {
			logger.WithError(serr).Warn("Model scoring failed, writing zero scores")
		}
	} else if errors.GetKind(err) != errors.KindNotFound {
		logger.WithError(err).Warn("Model unavailable, writing zero scores")
	}

	labels := table.Labels()
	header := append([]string{"event_id", "prediction_g", "anomaly_score_g"}, features.ModelColumns...)
	rows := make([][]string, len(table.Rows))
	anomalies := 0
	for i, r := range table.Rows {
		pred := 0
		if labels[i] == features.LabelAnomaly {
			pred = 1
			anomalies++
		}
		rec := make([]string, 0, len(header))
		rec = append(rec, r.EventID, strconv.Itoa(pred),
			strconv.FormatFloat(scores[i], 'g', -1, 64))
		for _, v := range matrix[i] {
			rec = append(rec, strconv.FormatFloat(v, 'g', -1, 64))
		}
		rows[i] = rec
	}

	if err := artifacts.WriteCSVAtomic(layout.GroundTruth(), header, rows); err != nil {
		return 0, err
	}
	logger.Info("Ground truth written",
		"rows", len(rows), "anomalies", anomalies, "session", session)
	return len(rows), nil
}
