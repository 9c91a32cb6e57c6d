// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package store persists normalized IDS events and the operating-mode
// document in SQLite. The unique event_hash index makes ingestion
// idempotent: the tailer may replay lines freely, the store keeps one row.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/sml/internal/errors"
	"grimm.is/sml/internal/logging"
)

// Event is one normalized IDS event.
type Event struct {
	Hash           string
	Timestamp      time.Time
	EventType      string
	FlowID         int64
	Proto          string
	SrcIP          string
	DestIP         string
	SrcPort        int
	DestPort       int
	PacketLength   int
	AlertSeverity  int
	AlertSignature string

	DNSQuery     string
	TLSSNI       string
	HTTPHostname string
	HTTPURL      string
	FileMagic    string
	FileMime     string

	TrainingMode    bool
	TrainingLabel   string // normal | anomaly | unknown
	TrainingSession string // empty outside training
	Anomaly         int    // 1 iff TrainingLabel == anomaly

	Processed bool
}

// InsertOutcome reports the effect of InsertIfNew.
type InsertOutcome int

const (
	Inserted InsertOutcome = iota
	Duplicate
)

// ModeConfig is the singleton operating-mode document. The legacy value and
// label fields are written for compatibility with older readers; the
// canonical mode and session fields always take precedence.
type ModeConfig struct {
	Mode        string // off | normal | anomaly
	SessionHash string
	LegacyValue bool   // legacy: "training enabled"
	LegacyLabel string // legacy: training label
}

// SourceHistory aggregates past events per source address, used for
// contextual rule synthesis.
type SourceHistory struct {
	Count       int
	MinDestPort int
	MaxDestPort int
}

const (
	maxRetries   = 5
	retryBackoff = 50 * time.Millisecond
)

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	logger *logging.Logger
}

// Open opens or creates the event database at path.
func Open(path string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.WithComponent("store")
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTransient, "failed to open event db")
	}
	// SQLite writers serialize; a single connection avoids spurious
	// SQLITE_BUSY between the tailer and the emitter.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_hash TEXT NOT NULL UNIQUE,
		timestamp TEXT NOT NULL,
		event_type TEXT NOT NULL DEFAULT '',
		flow_id INTEGER NOT NULL DEFAULT 0,
		proto TEXT NOT NULL DEFAULT 'UNKNOWN',
		src_ip TEXT NOT NULL DEFAULT '0.0.0.0',
		dest_ip TEXT NOT NULL DEFAULT '0.0.0.0',
		src_port INTEGER NOT NULL DEFAULT 0,
		dest_port INTEGER NOT NULL DEFAULT 0,
		packet_length INTEGER NOT NULL DEFAULT 0,
		alert_severity INTEGER NOT NULL DEFAULT 0,
		alert_signature TEXT NOT NULL DEFAULT '',
		dns_query TEXT NOT NULL DEFAULT '',
		tls_sni TEXT NOT NULL DEFAULT '',
		http_hostname TEXT NOT NULL DEFAULT '',
		http_url TEXT NOT NULL DEFAULT '',
		file_magic TEXT NOT NULL DEFAULT '',
		file_mime TEXT NOT NULL DEFAULT '',
		training_mode INTEGER NOT NULL DEFAULT 0,
		training_label TEXT NOT NULL DEFAULT 'unknown',
		training_session TEXT,
		anomaly INTEGER NOT NULL DEFAULT 0,
		processed INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_events_processed ON events(processed);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(training_session);
	CREATE TABLE IF NOT EXISTS mode_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		mode TEXT NOT NULL DEFAULT 'off',
		session_hash TEXT NOT NULL DEFAULT '',
		value INTEGER NOT NULL DEFAULT 0,
		label TEXT NOT NULL DEFAULT ''
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to init event schema")
	}
	return nil
}

// retry runs op with bounded exponential backoff on transient sqlite errors.
func (s *Store) retry(ctx context.Context, op func() error) error {
	backoff := retryBackoff
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = op()
		if err == nil || !isBusy(err) {
			return err
		}
		s.logger.Debug("Retrying busy database operation", "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.KindTransient, "database operation canceled")
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return errors.Wrap(err, errors.KindTransient, "database busy after retries")
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

const eventColumns = `event_hash, timestamp, event_type, flow_id, proto, src_ip, dest_ip,
	src_port, dest_port, packet_length, alert_severity, alert_signature,
	dns_query, tls_sni, http_hostname, http_url, file_magic, file_mime,
	training_mode, training_label, training_session, anomaly, processed`

// InsertIfNew attempts insertion guarded by the unique hash index.
// Duplicates are silently dropped and reported as such.
func (s *Store) InsertIfNew(ctx context.Context, ev Event) (InsertOutcome, error) {
	var outcome InsertOutcome
	err := s.retry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO events (`+eventColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.Hash,
			ev.Timestamp.UTC().Format(time.RFC3339Nano),
			ev.EventType,
			ev.FlowID,
			ev.Proto,
			ev.SrcIP,
			ev.DestIP,
			ev.SrcPort,
			ev.DestPort,
			ev.PacketLength,
			ev.AlertSeverity,
			ev.AlertSignature,
			ev.DNSQuery,
			ev.TLSSNI,
			ev.HTTPHostname,
			ev.HTTPURL,
			ev.FileMagic,
			ev.FileMime,
			boolToInt(ev.TrainingMode),
			ev.TrainingLabel,
			nullIfEmpty(ev.TrainingSession),
			ev.Anomaly,
			boolToInt(ev.Processed),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			outcome = Duplicate
		} else {
			outcome = Inserted
		}
		return nil
	})
	if err != nil {
		return Duplicate, errors.Wrap(err, errors.KindTransient, "insert failed")
	}
	return outcome, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var ev Event
	var ts string
	var trainingMode, processed int
	var session sql.NullString
	err := rows.Scan(
		&ev.Hash, &ts, &ev.EventType, &ev.FlowID, &ev.Proto, &ev.SrcIP, &ev.DestIP,
		&ev.SrcPort, &ev.DestPort, &ev.PacketLength, &ev.AlertSeverity, &ev.AlertSignature,
		&ev.DNSQuery, &ev.TLSSNI, &ev.HTTPHostname, &ev.HTTPURL, &ev.FileMagic, &ev.FileMime,
		&trainingMode, &ev.TrainingLabel, &session, &ev.Anomaly, &processed,
	)
	if err != nil {
		return ev, err
	}
	ev.TrainingMode = trainingMode != 0
	ev.Processed = processed != 0
	ev.TrainingSession = session.String
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		ev.Timestamp = t
	}
	return ev, nil
}

func (s *Store) queryEvents(ctx context.Context, where string, args ...any) ([]Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events ` + where
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTransient, "event query failed")
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "event scan failed")
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Unprocessed returns up to limit events whose processed flag is still unset,
// oldest insertion first.
func (s *Store) Unprocessed(ctx context.Context, limit int) ([]Event, error) {
	return s.queryEvents(ctx, "WHERE processed = 0 ORDER BY id ASC LIMIT ?", limit)
}

// AllEvents returns up to limit stored events in insertion order.
func (s *Store) AllEvents(ctx context.Context, limit int) ([]Event, error) {
	return s.queryEvents(ctx, "ORDER BY id ASC LIMIT ?", limit)
}

// EventsForTraining returns training-mode events, optionally restricted to a
// single session.
func (s *Store) EventsForTraining(ctx context.Context, session string) ([]Event, error) {
	if session == "" {
		return s.queryEvents(ctx, "WHERE training_mode = 1 ORDER BY id ASC")
	}
	return s.queryEvents(ctx, "WHERE training_mode = 1 AND training_session = ? ORDER BY id ASC", session)
}

// DistinctSessions lists recorded training session tags.
func (s *Store) DistinctSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT training_session FROM events
		WHERE training_mode = 1 AND training_session IS NOT NULL
		ORDER BY training_session`)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTransient, "session query failed")
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// CountEvents returns the total number of stored events.
func (s *Store) CountEvents(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindTransient, "count query failed")
	}
	return n, nil
}

// MarkProcessed sets processed=true for the given event hashes in one
// transaction. The flag is monotonic; re-marking is harmless.
func (s *Store) MarkProcessed(ctx context.Context, hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}
	return s.retry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		stmt, err := tx.Prepare("UPDATE events SET processed = 1 WHERE event_hash = ?")
		if err != nil {
			tx.Rollback()
			return err
		}
		defer stmt.Close()
		for _, h := range hashes {
			if _, err := stmt.Exec(h); err != nil {
				tx.Rollback()
				return err
			}
		}
		return tx.Commit()
	})
}

// SourceHistories returns per-source aggregates over all stored events for
// the given addresses.
func (s *Store) SourceHistories(ctx context.Context, srcIPs []string) (map[string]SourceHistory, error) {
	out := make(map[string]SourceHistory, len(srcIPs))
	if len(srcIPs) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(srcIPs)), ",")
	args := make([]any, len(srcIPs))
	for i, ip := range srcIPs {
		args[i] = ip
	}
	q := fmt.Sprintf(`
		SELECT src_ip, COUNT(*), MIN(dest_port), MAX(dest_port)
		FROM events WHERE src_ip IN (%s) GROUP BY src_ip`, placeholders)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTransient, "history query failed")
	}
	defer rows.Close()

	for rows.Next() {
		var ip string
		var h SourceHistory
		if err := rows.Scan(&ip, &h.Count, &h.MinDestPort, &h.MaxDestPort); err != nil {
			return nil, err
		}
		out[ip] = h
	}
	return out, rows.Err()
}

// GetMode reads the singleton mode document. A missing row reads as off.
func (s *Store) GetMode(ctx context.Context) (ModeConfig, error) {
	var mc ModeConfig
	var value int
	err := s.db.QueryRowContext(ctx,
		"SELECT mode, session_hash, value, label FROM mode_config WHERE id = 1").
		Scan(&mc.Mode, &mc.SessionHash, &value, &mc.LegacyLabel)
	if err == sql.ErrNoRows {
		return ModeConfig{Mode: "off"}, nil
	}
	if err != nil {
		return mc, errors.Wrap(err, errors.KindTransient, "mode read failed")
	}
	mc.LegacyValue = value != 0
	return mc, nil
}

// SetMode upserts the singleton mode document. The write is durable before
// return; labeling must never observe a half-applied transition.
func (s *Store) SetMode(ctx context.Context, mc ModeConfig) error {
	return s.retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO mode_config (id, mode, session_hash, value, label)
			VALUES (1, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				mode = excluded.mode,
				session_hash = excluded.session_hash,
				value = excluded.value,
				label = excluded.label`,
			mc.Mode, mc.SessionHash, boolToInt(mc.LegacyValue), mc.LegacyLabel)
		return err
	})
}
