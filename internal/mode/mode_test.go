// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package mode

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"grimm.is/sml/internal/store"
)

func newController(t *testing.T) (*Controller, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "events.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewController(s, nil), s
}

func TestParse(t *testing.T) {
	for _, valid := range []string{"off", "normal", "anomaly"} {
		m, err := Parse(valid)
		require.NoError(t, err)
		assert.Equal(t, Mode(valid), m)
	}

	m, err := Parse("production")
	assert.Error(t, err)
	assert.Equal(t, Off, m)
}

func TestSetMintsSession(t *testing.T) {
	c, _ := newController(t)
	ctx := context.Background()

	st, err := c.Set(ctx, Normal, true)
	require.NoError(t, err)
	assert.Equal(t, Normal, st.Mode)
	assert.Len(t, st.SessionHash, 16)

	// Same mode without newSession keeps the session.
	again, err := c.Set(ctx, Normal, false)
	require.NoError(t, err)
	assert.Equal(t, st.SessionHash, again.SessionHash)

	// Switching training mode mints a fresh session.
	anom, err := c.Set(ctx, Anomaly, false)
	require.NoError(t, err)
	assert.Len(t, anom.SessionHash, 16)
	assert.NotEqual(t, st.SessionHash, anom.SessionHash)

	// Off clears the session.
	off, err := c.Set(ctx, Off, false)
	require.NoError(t, err)
	assert.Empty(t, off.SessionHash)
}

func TestNewSessionReMints(t *testing.T) {
	c, _ := newController(t)
	ctx := context.Background()

	first, err := c.Set(ctx, Normal, true)
	require.NoError(t, err)

	c.now = func() time.Time { return time.Now().Add(time.Minute) }
	second, err := c.Set(ctx, Normal, true)
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionHash, second.SessionHash)
}

func TestLegacyFieldsWritten(t *testing.T) {
	c, s := newController(t)
	ctx := context.Background()

	_, err := c.Set(ctx, Anomaly, true)
	require.NoError(t, err)

	mc, err := s.GetMode(ctx)
	require.NoError(t, err)
	assert.True(t, mc.LegacyValue)
	assert.Equal(t, "anomaly", mc.LegacyLabel)
	assert.Equal(t, "anomaly", mc.Mode)
}

func TestUnknownStoredModeReadsAsOff(t *testing.T) {
	c, s := newController(t)
	ctx := context.Background()

	require.NoError(t, s.SetMode(ctx, store.ModeConfig{Mode: "bogus", SessionHash: "deadbeef"}))

	st, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, Off, st.Mode)
	assert.Empty(t, st.SessionHash)
}

func TestCurrentCaches(t *testing.T) {
	c, s := newController(t)
	ctx := context.Background()

	_, err := c.Set(ctx, Normal, true)
	require.NoError(t, err)

	// Mutate the store behind the controller's back; the cache hides it
	// within the TTL.
	require.NoError(t, s.SetMode(ctx, store.ModeConfig{Mode: "off"}))

	st, err := c.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, Normal, st.Mode)

	// After the TTL the durable value wins.
	c.now = func() time.Time { return time.Now().Add(2 * time.Second) }
	st, err = c.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, Off, st.Mode)
}
