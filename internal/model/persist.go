// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package model

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"os"

	"grimm.is/sml/internal/artifacts"
	"grimm.is/sml/internal/errors"
)

// Save persists the forest blob and its feature manifest. Both writes are
// atomic renames; the blob goes first so a manifest never points at a
// model that does not exist yet.
func Save(layout artifacts.Layout, f *Forest) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f); err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to encode model")
	}
	if err := artifacts.WriteFileAtomic(layout.Model(), buf.Bytes(), 0644); err != nil {
		return err
	}
	return artifacts.WriteJSONAtomic(layout.FeatureCols(), f.FeatureNames)
}

// Load reads a persisted forest. A missing file returns KindNotFound so
// callers can fall back; a corrupt blob is a contract violation.
func Load(layout artifacts.Layout) (*Forest, error) {
	data, err := os.ReadFile(layout.Model())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Errorf(errors.KindNotFound, "model artifact not found: %s", layout.Model())
		}
		return nil, errors.Wrapf(err, errors.KindTransient, "failed to read %s", layout.Model())
	}

	var f Forest
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&f); err != nil {
		return nil, errors.Wrap(err, errors.KindContract, "corrupt model artifact")
	}
	if len(f.Trees) == 0 || len(f.FeatureNames) == 0 {
		return nil, errors.New(errors.KindContract, "model artifact is incomplete")
	}
	return &f, nil
}

// LoadManifest reads the ordered feature column list. Missing manifests
// are contract violations: scoring cannot re-project a batch without it.
func LoadManifest(layout artifacts.Layout) ([]string, error) {
	data, err := os.ReadFile(layout.FeatureCols())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Errorf(errors.KindContract, "feature manifest not found: %s", layout.FeatureCols())
		}
		return nil, errors.Wrapf(err, errors.KindTransient, "failed to read %s", layout.FeatureCols())
	}
	var cols []string
	if err := json.Unmarshal(data, &cols); err != nil {
		return nil, errors.Wrap(err, errors.KindContract, "corrupt feature manifest")
	}
	if len(cols) == 0 {
		return nil, errors.New(errors.KindContract, "feature manifest is empty")
	}
	return cols, nil
}
