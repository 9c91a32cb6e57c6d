// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package artifacts owns the filesystem contract between the trainer,
// calibrator and rule emitter: fixed file names under the model directory,
// torn-write-free persistence, and header bootstrap for the CSV tables.
package artifacts

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"

	"grimm.is/sml/internal/errors"
)

// Canonical artifact file names under the model directory.
const (
	PreprocessedCSV  = "suricata_preprocessed.csv"
	GroundTruthCSV   = "ground_truth.csv"
	AnalysisCSV      = "suricata_anomaly_analysis.csv"
	ModelFile        = "isolation_forest_model.pkl"
	FeatureColsJSON  = "feature_cols.json"
	ThresholdReport  = "threshold_report.csv"
	SelectedFile     = "selected_threshold.txt"
	ThresholdsJSON   = "thresholds.json"
)

// Layout resolves artifact paths under a model directory.
type Layout struct {
	ModelDir string
}

// NewLayout returns a Layout rooted at dir.
func NewLayout(dir string) Layout {
	return Layout{ModelDir: dir}
}

func (l Layout) Preprocessed() string    { return filepath.Join(l.ModelDir, PreprocessedCSV) }
func (l Layout) GroundTruth() string     { return filepath.Join(l.ModelDir, GroundTruthCSV) }
func (l Layout) Analysis() string        { return filepath.Join(l.ModelDir, AnalysisCSV) }
func (l Layout) Model() string           { return filepath.Join(l.ModelDir, ModelFile) }
func (l Layout) FeatureCols() string     { return filepath.Join(l.ModelDir, FeatureColsJSON) }
func (l Layout) ThresholdReport() string { return filepath.Join(l.ModelDir, ThresholdReport) }
func (l Layout) SelectedThreshold() string {
	return filepath.Join(l.ModelDir, SelectedFile)
}
func (l Layout) Thresholds() string { return filepath.Join(l.ModelDir, ThresholdsJSON) }

// WriteFileAtomic writes data to path via a temp file in the same directory
// followed by rename, so readers never observe a torn artifact.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, errors.KindTransient, "failed to create %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, errors.KindTransient, "failed to create temp artifact")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, errors.KindTransient, "failed to write %s", tmpName)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return errors.Wrapf(err, errors.KindTransient, "failed to chmod %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, errors.KindTransient, "failed to close %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, errors.KindTransient, "failed to rename into %s", path)
	}
	return nil
}

// WriteJSONAtomic marshals v with indentation and writes it atomically.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to marshal artifact")
	}
	return WriteFileAtomic(path, append(data, '\n'), 0644)
}

// WriteCSVAtomic writes header+rows atomically.
func WriteCSVAtomic(path string, header []string, rows [][]string) error {
	var buf []byte
	{
		tmp := &writerBuf{}
		w := csv.NewWriter(tmp)
		if err := w.Write(header); err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to encode CSV header")
		}
		if err := w.WriteAll(rows); err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to encode CSV rows")
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to flush CSV")
		}
		buf = tmp.b
	}
	return WriteFileAtomic(path, buf, 0644)
}

type writerBuf struct{ b []byte }

func (w *writerBuf) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

// Bootstrap headers for the CSV artifacts. Readers tolerate the files being
// header-only; the bootstrap just guarantees they exist with a stable shape.
var (
	preprocHeaders = []string{
		"src_ip_num", "dest_ip_num", "proto_code", "src_port", "dest_port",
		"alert_severity", "packet_length", "hour", "is_night", "ports_used",
		"conn_per_ip", "port_rarity", "ip_rarity", "conn_5m", "port_entropy",
		"failed_ratio", "hour_anomaly", "conn_velocity", "proto_pkt_mean",
		"proto_pkt_std", "proto_ports", "pkt_anomaly", "anomaly", "event_id",
	}
	groundHeaders   = []string{"event_id", "prediction_g", "anomaly_score_g"}
	analysisHeaders = []string{"event_id", "anomaly_score", "prediction", "is_anomaly", "label"}
)

// EnsureExist creates the model directory and header-only CSV artifacts for
// any that are missing or empty.
func (l Layout) EnsureExist() error {
	if err := os.MkdirAll(l.ModelDir, 0755); err != nil {
		return errors.Wrapf(err, errors.KindTransient, "failed to create model dir %s", l.ModelDir)
	}
	for _, f := range []struct {
		path    string
		headers []string
	}{
		{l.Preprocessed(), preprocHeaders},
		{l.GroundTruth(), groundHeaders},
		{l.Analysis(), analysisHeaders},
	} {
		if fi, err := os.Stat(f.path); err == nil && fi.Size() > 0 {
			continue
		}
		if err := WriteCSVAtomic(f.path, f.headers, nil); err != nil {
			return err
		}
	}
	return nil
}

// ReadCSV loads a CSV artifact as header + rows. A missing file returns
// KindNotFound so callers can take their documented fallback.
func ReadCSV(path string) ([]string, [][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errors.Errorf(errors.KindNotFound, "artifact not found: %s", path)
		}
		return nil, nil, errors.Wrapf(err, errors.KindTransient, "failed to open %s", path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, errors.Wrapf(err, errors.KindParse, "failed to parse %s", path)
	}
	if len(records) == 0 {
		return nil, nil, nil
	}
	return records[0], records[1:], nil
}
