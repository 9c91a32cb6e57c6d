// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package features

import (
	"strconv"

	"grimm.is/sml/internal/artifacts"
	"grimm.is/sml/internal/errors"
)

// WriteArtifacts persists the preprocessed table and the model manifest.
// Both writes are atomic renames.
func WriteArtifacts(layout artifacts.Layout, t *Table) error {
	header := append(append([]string{}, NumericColumns...), "event_id")
	rows := make([][]string, len(t.Rows))
	for i, r := range t.Rows {
		rec := make([]string, 0, len(r.Values)+1)
		for _, v := range r.Values {
			rec = append(rec, formatFloat(v))
		}
		rec = append(rec, r.EventID)
		rows[i] = rec
	}
	if err := artifacts.WriteCSVAtomic(layout.Preprocessed(), header, rows); err != nil {
		return err
	}
	return artifacts.WriteJSONAtomic(layout.FeatureCols(), ModelColumns)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Load reads a preprocessed table back from disk. Columns are matched by
// header name, so the reader tolerates reordered or extra columns; absent
// columns materialize as zero. Unparseable cells also read as zero.
func Load(path string) (*Table, error) {
	header, records, err := artifacts.ReadCSV(path)
	if err != nil {
		return nil, err
	}

	t := NewTable()
	if len(records) == 0 {
		return t, nil
	}

	idIdx := -1
	colFor := make([]int, len(header)) // header position -> numeric column, -1 to skip
	for i, name := range header {
		colFor[i] = -1
		if name == "event_id" {
			idIdx = i
			continue
		}
		colFor[i] = t.ColumnIndex(name)
	}
	if idIdx < 0 {
		return nil, errors.Errorf(errors.KindContract, "preprocessed table %s lacks event_id column", path)
	}

	t.Rows = make([]Row, 0, len(records))
	for _, rec := range records {
		row := Row{Values: make([]float64, len(NumericColumns))}
		for i, cell := range rec {
			if i >= len(header) {
				break
			}
			if i == idIdx {
				row.EventID = cell
				continue
			}
			ci := colFor[i]
			if ci < 0 {
				continue
			}
			if v, err := strconv.ParseFloat(cell, 64); err == nil {
				row.Values[ci] = v
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
