// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package features

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/sml/internal/artifacts"
	"grimm.is/sml/internal/errors"
)

func newTestLayout(t *testing.T) artifacts.Layout {
	t.Helper()
	return artifacts.NewLayout(t.TempDir())
}

func TestLoadMissingFile(t *testing.T) {
	layout := newTestLayout(t)
	_, err := Load(layout.Preprocessed())
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
}

func TestLoadHeaderOnly(t *testing.T) {
	layout := newTestLayout(t)
	require.NoError(t, layout.EnsureExist())

	tab, err := Load(layout.Preprocessed())
	require.NoError(t, err)
	assert.Empty(t, tab.Rows)
}

func TestLoadToleratesUnknownColumns(t *testing.T) {
	layout := newTestLayout(t)
	require.NoError(t, artifacts.WriteCSVAtomic(layout.Preprocessed(),
		[]string{"dest_port", "legacy_extra", "event_id"},
		[][]string{{"443", "9.9", "abc123"}}))

	tab, err := Load(layout.Preprocessed())
	require.NoError(t, err)
	require.Len(t, tab.Rows, 1)
	assert.Equal(t, "abc123", tab.Rows[0].EventID)
	assert.Equal(t, 443.0, tab.Rows[0].Values[tab.ColumnIndex("dest_port")])
	// Columns absent from the file read as zero.
	assert.Equal(t, 0.0, tab.Rows[0].Values[tab.ColumnIndex("src_port")])
}

func TestLoadRequiresEventID(t *testing.T) {
	layout := newTestLayout(t)
	require.NoError(t, artifacts.WriteCSVAtomic(layout.Preprocessed(),
		[]string{"dest_port"}, [][]string{{"443"}}))

	_, err := Load(layout.Preprocessed())
	require.Error(t, err)
	assert.Equal(t, errors.KindContract, errors.GetKind(err))
}
