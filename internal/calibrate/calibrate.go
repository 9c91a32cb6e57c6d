// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package calibrate selects the decision threshold from model scores and
// ground-truth labels. It is a pure function of its inputs: the same
// scores and labels always select the same threshold and produce the
// same artifacts.
package calibrate

import (
	"os"
	"sort"
	"strconv"
	"strings"

	"grimm.is/sml/internal/artifacts"
	"grimm.is/sml/internal/errors"
	"grimm.is/sml/internal/logging"
)

const (
	// Candidate thresholds are the unique score quantiles at these levels.
	gridStart = 0.80
	gridEnd   = 0.999
	gridSteps = 120

	// DefaultMinPrecision gates threshold selection: a candidate only wins
	// if the precision it achieves meets this floor.
	DefaultMinPrecision = 0.95
	// DefaultFallbackPercentile positions the threshold when no candidate
	// meets the precision floor (or no labels exist).
	DefaultFallbackPercentile = 0.98
)

// Point is one grid candidate with the metrics it achieves.
type Point struct {
	Threshold float64
	Precision float64
	Recall    float64
	F1        float64
}

// Result is a selected threshold. Fallback marks the degenerate path: the
// 98th-percentile threshold with zero metrics.
type Result struct {
	Threshold float64
	Precision float64
	Recall    float64
	F1        float64
	Fallback  bool
	Grid      []Point
}

// Metrics computes precision, recall and F1 of the rule "score < thr ⇒
// anomaly" against the 0/1 truth labels.
func Metrics(scores []float64, yTrue []int, thr float64) (precision, recall, f1 float64) {
	var tp, fp, fn int
	for i, s := range scores {
		pred := s < thr
		truth := yTrue[i] == 1
		switch {
		case pred && truth:
			tp++
		case pred && !truth:
			fp++
		case !pred && truth:
			fn++
		}
	}
	if tp+fp > 0 {
		precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		recall = float64(tp) / float64(tp+fn)
	}
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}
	return precision, recall, f1
}

// Grid builds the deduplicated candidate thresholds: unique quantiles of
// the scores at gridSteps evenly spaced levels in [gridStart, gridEnd],
// augmented with the observed score values so the sweep can still reach
// the anomalous tail when the distribution is small or heavily skewed.
func Grid(scores []float64) []float64 {
	if len(scores) == 0 {
		return nil
	}
	seen := map[float64]struct{}{}
	var out []float64
	add := func(t float64) {
		if _, dup := seen[t]; dup {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	for i := 0; i < gridSteps; i++ {
		q := gridStart + (gridEnd-gridStart)*float64(i)/float64(gridSteps-1)
		add(quantile(scores, q))
	}
	for _, s := range scores {
		add(s)
	}
	sort.Float64s(out)
	return out
}

// Select picks the grid candidate maximizing F1 subject to the precision
// floor. With no qualifying candidate (or no positive labels) it falls
// back to the given percentile of the scores and records zero metrics.
func Select(scores []float64, yTrue []int, minPrecision, fallbackPercentile float64) (Result, error) {
	if len(scores) == 0 {
		return Result{}, errors.New(errors.KindDegenerate, "no scores to calibrate on")
	}
	if len(scores) != len(yTrue) {
		return Result{}, errors.Errorf(errors.KindContract,
			"scores and labels disagree: %d vs %d", len(scores), len(yTrue))
	}

	res := Result{}
	best := -1.0
	for _, t := range Grid(scores) {
		p, r, f1 := Metrics(scores, yTrue, t)
		res.Grid = append(res.Grid, Point{Threshold: t, Precision: p, Recall: r, F1: f1})
		if p < minPrecision {
			continue
		}
		if f1 > best {
			best = f1
			res.Threshold, res.Precision, res.Recall, res.F1 = t, p, r, f1
		}
	}

	if best < 0 {
		res.Fallback = true
		res.Threshold = quantile(scores, fallbackPercentile)
		res.Precision, res.Recall, res.F1 = 0, 0, 0
	}
	return res, nil
}

// BestF1 returns the grid threshold with the highest unconstrained F1,
// used by the contamination re-fit during training.
func BestF1(scores []float64, yTrue []int) (float64, bool) {
	var thr float64
	best := -1.0
	for _, t := range Grid(scores) {
		_, _, f1 := Metrics(scores, yTrue, t)
		if f1 > best {
			best = f1
			thr = t
		}
	}
	return thr, best > 0
}

// thresholdBundle is the JSON artifact shape.
type thresholdBundle struct {
	ThrIF        float64 `json:"thr_if"`
	MinPrecision float64 `json:"min_precision"`
	Grid         struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Steps int     `json:"steps"`
	} `json:"grid"`
}

// WriteArtifacts persists the calibration outcome: the per-candidate
// report CSV, the selected threshold as plain text, and the JSON bundle.
// All writes are atomic renames.
func WriteArtifacts(layout artifacts.Layout, res Result, minPrecision float64) error {
	rows := make([][]string, len(res.Grid))
	for i, p := range res.Grid {
		rows[i] = []string{
			formatFloat(p.Threshold), formatFloat(p.Precision),
			formatFloat(p.Recall), formatFloat(p.F1),
		}
	}
	if err := artifacts.WriteCSVAtomic(layout.ThresholdReport(),
		[]string{"threshold", "precision", "recall", "f1"}, rows); err != nil {
		return err
	}

	if err := artifacts.WriteFileAtomic(layout.SelectedThreshold(),
		[]byte(formatFloat(res.Threshold)+"\n"), 0644); err != nil {
		return err
	}

	bundle := thresholdBundle{ThrIF: res.Threshold, MinPrecision: minPrecision}
	bundle.Grid.Start = gridStart
	bundle.Grid.End = gridEnd
	bundle.Grid.Steps = gridSteps
	return artifacts.WriteJSONAtomic(layout.Thresholds(), bundle)
}

// LoadThreshold reads the selected threshold artifact. KindNotFound lets
// the emitter fall back to its configured constant.
func LoadThreshold(layout artifacts.Layout) (float64, error) {
	data, err := readFile(layout.SelectedThreshold())
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	thr, perr := strconv.ParseFloat(s, 64)
	if perr != nil {
		return 0, errors.Errorf(errors.KindContract, "corrupt threshold artifact %q", s)
	}
	return thr, nil
}

// Run joins scored output to ground truth on event_id, selects a
// threshold, and persists the artifacts. It reads the analysis and
// ground-truth CSVs written earlier in the pipeline.
func Run(layout artifacts.Layout, minPrecision, fallbackPercentile float64, logger *logging.Logger) (Result, error) {
	if logger == nil {
		logger = logging.WithComponent("calibrate")
	}

	scores, yTrue, err := joinScoresToTruth(layout)
	if err != nil {
		return Result{}, err
	}
	if len(scores) == 0 {
		return Result{}, errors.New(errors.KindDegenerate, "no labeled scores to calibrate on")
	}

	res, err := Select(scores, yTrue, minPrecision, fallbackPercentile)
	if err != nil {
		return Result{}, err
	}
	if res.Fallback {
		logger.Warn("No candidate met the precision floor, using percentile fallback",
			"threshold", res.Threshold, "percentile", fallbackPercentile)
	} else {
		logger.Info("Threshold selected",
			"threshold", res.Threshold, "precision", res.Precision,
			"recall", res.Recall, "f1", res.F1)
	}

	if err := WriteArtifacts(layout, res, minPrecision); err != nil {
		return Result{}, err
	}
	return res, nil
}

// Evaluate reports precision/recall/F1 of the stored analysis against
// ground truth at the given threshold, without touching any artifact.
func Evaluate(layout artifacts.Layout, thr float64, logger *logging.Logger) (Point, error) {
	if logger == nil {
		logger = logging.WithComponent("calibrate")
	}

	scores, yTrue, err := joinScoresToTruth(layout)
	if err != nil {
		return Point{}, err
	}
	if len(scores) == 0 {
		return Point{}, errors.New(errors.KindDegenerate, "no labeled scores to evaluate")
	}

	p, r, f1 := Metrics(scores, yTrue, thr)
	pt := Point{Threshold: thr, Precision: p, Recall: r, F1: f1}
	logger.Info("Model evaluated",
		"threshold", thr, "rows", len(scores),
		"precision", p, "recall", r, "f1", f1)
	return pt, nil
}

// joinScoresToTruth pairs anomaly scores with truth labels by event_id.
// The label column is chosen from a priority list so older ground-truth
// shapes keep working.
func joinScoresToTruth(layout artifacts.Layout) ([]float64, []int, error) {
	gtHeader, gtRows, err := artifacts.ReadCSV(layout.GroundTruth())
	if err != nil {
		return nil, nil, err
	}
	anHeader, anRows, err := artifacts.ReadCSV(layout.Analysis())
	if err != nil {
		return nil, nil, err
	}

	gtID := columnIndex(gtHeader, "event_id")
	labelCol := -1
	for _, name := range []string{"prediction_g", "training_label", "label"} {
		if i := columnIndex(gtHeader, name); i >= 0 {
			labelCol = i
			break
		}
	}
	anID := columnIndex(anHeader, "event_id")
	scoreCol := columnIndex(anHeader, "anomaly_score")
	if gtID < 0 || labelCol < 0 || anID < 0 || scoreCol < 0 {
		return nil, nil, errors.New(errors.KindContract, "calibration inputs lack required columns")
	}

	truth := map[string]int{}
	for _, row := range gtRows {
		if len(row) <= labelCol || len(row) <= gtID {
			continue
		}
		truth[row[gtID]] = parseLabel(row[labelCol])
	}

	var scores []float64
	var yTrue []int
	for _, row := range anRows {
		if len(row) <= scoreCol || len(row) <= anID {
			continue
		}
		y, ok := truth[row[anID]]
		if !ok {
			continue
		}
		s, err := strconv.ParseFloat(row[scoreCol], 64)
		if err != nil {
			continue
		}
		scores = append(scores, s)
		yTrue = append(yTrue, y)
	}
	return scores, yTrue, nil
}

// parseLabel maps a truth cell to 0/1: "1" and "anomaly" are positive.
func parseLabel(s string) int {
	if s == "1" || s == "anomaly" {
		return 1
	}
	return 0
}

func columnIndex(header []string, name string) int {
	for i, h := range header {
		if h == name {
			return i
		}
	}
	return -1
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func quantile(xs []float64, q float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64{}, xs...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	frac := pos - float64(lo)
	if lo+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	return sorted[lo]*(1-frac) + sorted[lo+1]*frac
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Errorf(errors.KindNotFound, "threshold artifact not found: %s", path)
		}
		return nil, errors.Wrapf(err, errors.KindTransient, "failed to read %s", path)
	}
	return data, nil
}
