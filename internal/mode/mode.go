// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package mode owns the global operating mode of the pipeline: off,
// training-normal or training-anomaly. Transitions into a training mode
// mint a short session hash that labels every event ingested until the
// next transition.
package mode

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"grimm.is/sml/internal/errors"
	"grimm.is/sml/internal/logging"
	"grimm.is/sml/internal/store"
)

// Mode is the operating mode.
type Mode string

const (
	Off     Mode = "off"
	Normal  Mode = "normal"
	Anomaly Mode = "anomaly"
)

// Parse maps a stored or user-supplied string to a Mode. Unknown values
// fall back to Off per the mode-violation policy.
func Parse(s string) (Mode, error) {
	switch Mode(s) {
	case Off, Normal, Anomaly:
		return Mode(s), nil
	default:
		return Off, errors.Errorf(errors.KindMode, "unknown mode %q", s)
	}
}

// Training reports whether events are being labeled under this mode.
func (m Mode) Training() bool {
	return m == Normal || m == Anomaly
}

// Status is the canonical mode view handed to callers.
type Status struct {
	Mode        Mode   `json:"mode"`
	SessionHash string `json:"session_hash"`
}

// cacheTTL bounds how stale the tailer's view of the mode may be.
const cacheTTL = time.Second

// Controller reads and transitions the mode document in the event store.
type Controller struct {
	store  *store.Store
	logger *logging.Logger

	mu       sync.Mutex
	cached   Status
	cachedAt time.Time

	now func() time.Time // test hook
}

// NewController creates a Controller over the given store.
func NewController(s *store.Store, logger *logging.Logger) *Controller {
	if logger == nil {
		logger = logging.WithComponent("mode")
	}
	return &Controller{
		store:  s,
		logger: logger,
		now:    time.Now,
	}
}

// mintSession derives a fresh 16-hex-character session tag.
func mintSession(m Mode, now time.Time) string {
	sum := sha256.Sum256([]byte(string(m) + now.Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])[:16]
}

// Get returns the durable mode, bypassing the cache. An unknown stored
// value reads as Off with a warning.
func (c *Controller) Get(ctx context.Context) (Status, error) {
	mc, err := c.store.GetMode(ctx)
	if err != nil {
		return Status{Mode: Off}, err
	}
	m, perr := Parse(mc.Mode)
	if perr != nil {
		c.logger.Warn("Unknown stored mode, treating as off", "mode", mc.Mode)
		return Status{Mode: Off}, nil
	}
	st := Status{Mode: m, SessionHash: mc.SessionHash}
	if !m.Training() {
		st.SessionHash = ""
	}
	return st, nil
}

// Current returns the mode through a read cache with a one-second TTL,
// bounding database load from the tailer's per-line reads.
func (c *Controller) Current(ctx context.Context) (Status, error) {
	c.mu.Lock()
	if c.now().Sub(c.cachedAt) < cacheTTL && !c.cachedAt.IsZero() {
		st := c.cached
		c.mu.Unlock()
		return st, nil
	}
	c.mu.Unlock()

	st, err := c.Get(ctx)
	if err != nil {
		return st, err
	}

	c.mu.Lock()
	c.cached = st
	c.cachedAt = c.now()
	c.mu.Unlock()
	return st, nil
}

// Set transitions the mode. Entering Normal or Anomaly mints a new session
// hash when newSession is true or no session is active; entering Off clears
// it. The write is durable before the new status is returned or cached.
func (c *Controller) Set(ctx context.Context, target Mode, newSession bool) (Status, error) {
	if _, err := Parse(string(target)); err != nil {
		return Status{}, err
	}

	current, err := c.Get(ctx)
	if err != nil {
		return Status{}, err
	}

	st := Status{Mode: target}
	if target.Training() {
		switch {
		case newSession, current.SessionHash == "", current.Mode != target:
			st.SessionHash = mintSession(target, c.now())
		default:
			st.SessionHash = current.SessionHash
		}
	}

	mc := store.ModeConfig{
		Mode:        string(st.Mode),
		SessionHash: st.SessionHash,
		// Legacy compatibility fields; canonical fields take precedence
		// on every read path.
		LegacyValue: st.Mode.Training(),
		LegacyLabel: string(st.Mode),
	}
	if st.Mode == Off {
		mc.LegacyLabel = ""
	}
	if err := c.store.SetMode(ctx, mc); err != nil {
		return Status{}, err
	}

	c.mu.Lock()
	c.cached = st
	c.cachedAt = c.now()
	c.mu.Unlock()

	c.logger.Info("Mode transition", "mode", st.Mode, "session", st.SessionHash)
	return st, nil
}
