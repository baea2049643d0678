// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package store implements the Event Store (spec.md C1): a SQLite-backed,
// deduplicated record of normalized IDS events plus the single-row mode
// configuration document.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	smlerrors "github.com/spirock/sml/internal/errors"
	"github.com/spirock/sml/internal/ids"
	"github.com/spirock/sml/internal/mode"
)

// InsertOutcome reports whether InsertIfNew added a new row or found a
// pre-existing duplicate by event_hash.
type InsertOutcome int

const (
	Inserted InsertOutcome = iota
	Duplicate
)

// Store is the SQLite-backed event and mode-config persistence layer.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the event store database at path, with
// WAL mode and a busy timeout so the tailer and emitter can share it.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, smlerrors.Wrap(err, smlerrors.KindUnavailable, "open event store")
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_hash TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		flow_id INTEGER,
		proto TEXT,
		src_ip TEXT,
		dest_ip TEXT,
		src_port INTEGER,
		dest_port INTEGER,
		packet_length INTEGER DEFAULT 0,
		alert_severity INTEGER DEFAULT 0,
		alert_signature TEXT,
		dns_query TEXT,
		tls_sni TEXT,
		http_hostname TEXT,
		http_url TEXT,
		file_magic TEXT,
		file_mime TEXT,
		training_mode INTEGER DEFAULT 0,
		training_label TEXT DEFAULT 'unknown',
		training_session TEXT,
		anomaly INTEGER DEFAULT 0,
		processed INTEGER DEFAULT 0,
		UNIQUE(event_hash)
	);
	CREATE INDEX IF NOT EXISTS idx_events_processed ON events(processed);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);

	CREATE TABLE IF NOT EXISTS mode_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		mode TEXT NOT NULL DEFAULT 'off',
		session_hash TEXT,
		value INTEGER DEFAULT 0,
		label TEXT
	);
	INSERT OR IGNORE INTO mode_config (id, mode, session_hash, value, label)
		VALUES (1, 'off', '', 0, '');
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return smlerrors.Wrap(err, smlerrors.KindInternal, "create schema")
	}
	return nil
}

// InsertIfNew inserts e if no row with the same event_hash exists yet.
// Duplicate detection relies on the UNIQUE(event_hash) index plus
// INSERT ... ON CONFLICT DO NOTHING, so concurrent tailers racing on the
// same line never double-insert.
func (s *Store) InsertIfNew(e ids.Event) (InsertOutcome, error) {
	res, err := s.db.Exec(`
		INSERT INTO events (
			event_hash, timestamp, flow_id, proto, src_ip, dest_ip, src_port, dest_port,
			packet_length, alert_severity, alert_signature, dns_query, tls_sni,
			http_hostname, http_url, file_magic, file_mime,
			training_mode, training_label, training_session, anomaly, processed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_hash) DO NOTHING
	`,
		e.EventHash, e.Timestamp.Unix(), e.FlowID, e.Proto, e.SrcIP, e.DestIP, e.SrcPort, e.DestPort,
		e.PacketLength, e.AlertSeverity, e.AlertSignature, e.DNSQuery, e.TLSSNI,
		e.HTTPHostname, e.HTTPURL, e.FileMagic, e.FileMIME,
		boolToInt(e.TrainingMode), string(e.TrainingLabel), e.TrainingSession, e.Anomaly, boolToInt(e.Processed),
	)
	if err != nil {
		return Duplicate, smlerrors.Wrap(err, smlerrors.KindUnavailable, "insert event")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Duplicate, smlerrors.Wrap(err, smlerrors.KindUnavailable, "rows affected")
	}
	if n == 0 {
		return Duplicate, nil
	}
	return Inserted, nil
}

// QueryOptions filters the rows returned by Query.
type QueryOptions struct {
	UnprocessedOnly bool
	TrainingMode    *bool
	Limit           int
}

// Query returns events matching opts, ordered by id ascending (insertion
// order), so the emitter always processes the oldest backlog first.
func (s *Store) Query(opts QueryOptions) ([]ids.Event, error) {
	query := `SELECT event_hash, timestamp, flow_id, proto, src_ip, dest_ip, src_port, dest_port,
		packet_length, alert_severity, alert_signature, dns_query, tls_sni,
		http_hostname, http_url, file_magic, file_mime,
		training_mode, training_label, training_session, anomaly, processed
		FROM events WHERE 1=1`
	var args []interface{}

	if opts.UnprocessedOnly {
		query += " AND processed = 0"
	}
	if opts.TrainingMode != nil {
		query += " AND training_mode = ?"
		args = append(args, boolToInt(*opts.TrainingMode))
	}
	query += " ORDER BY id ASC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, smlerrors.Wrap(err, smlerrors.KindUnavailable, "query events")
	}
	defer rows.Close()

	var out []ids.Event
	for rows.Next() {
		var e ids.Event
		var ts int64
		var trainingMode, processed int
		var flowID sql.NullInt64
		if err := rows.Scan(
			&e.EventHash, &ts, &flowID, &e.Proto, &e.SrcIP, &e.DestIP, &e.SrcPort, &e.DestPort,
			&e.PacketLength, &e.AlertSeverity, &e.AlertSignature, &e.DNSQuery, &e.TLSSNI,
			&e.HTTPHostname, &e.HTTPURL, &e.FileMagic, &e.FileMIME,
			&trainingMode, &e.TrainingLabel, &e.TrainingSession, &e.Anomaly, &processed,
		); err != nil {
			return nil, smlerrors.Wrap(err, smlerrors.KindInternal, "scan event row")
		}
		e.Timestamp = time.Unix(ts, 0).UTC()
		e.TrainingMode = trainingMode != 0
		e.Processed = processed != 0
		if flowID.Valid {
			v := flowID.Int64
			e.FlowID = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkProcessed flags the events with the given hashes as processed, so
// the emitter's next pass skips them regardless of rule synthesis outcome.
func (s *Store) MarkProcessed(hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return smlerrors.Wrap(err, smlerrors.KindUnavailable, "begin mark-processed tx")
	}
	stmt, err := tx.Prepare(`UPDATE events SET processed = 1 WHERE event_hash = ?`)
	if err != nil {
		tx.Rollback()
		return smlerrors.Wrap(err, smlerrors.KindInternal, "prepare mark-processed")
	}
	defer stmt.Close()
	for _, h := range hashes {
		if _, err := stmt.Exec(h); err != nil {
			tx.Rollback()
			return smlerrors.Wrap(err, smlerrors.KindUnavailable, "mark processed")
		}
	}
	return tx.Commit()
}

// GetModeConfig satisfies mode.Store: reads the singleton mode row.
func (s *Store) GetModeConfig() (mode.Config, error) {
	var cfg mode.Config
	var m, session, label string
	var value int
	err := s.db.QueryRow(`SELECT mode, session_hash, value, label FROM mode_config WHERE id = 1`).
		Scan(&m, &session, &value, &label)
	if err != nil {
		return mode.Config{}, smlerrors.Wrap(err, smlerrors.KindUnavailable, "read mode_config")
	}
	cfg.Mode = mode.Mode(m)
	cfg.SessionHash = session
	cfg.LegacyValue = value != 0
	cfg.LegacyLabel = label
	return cfg, nil
}

// SetModeConfig satisfies mode.Store: upserts the singleton mode row.
func (s *Store) SetModeConfig(cfg mode.Config) error {
	_, err := s.db.Exec(`
		UPDATE mode_config SET mode = ?, session_hash = ?, value = ?, label = ? WHERE id = 1
	`, string(cfg.Mode), cfg.SessionHash, boolToInt(cfg.LegacyValue), cfg.LegacyLabel)
	if err != nil {
		return smlerrors.Wrap(err, smlerrors.KindUnavailable, "write mode_config")
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// WithRetry retries fn up to attempts times with exponential backoff,
// for the transient "database is locked" contention SQLite under WAL
// can still surface across the tailer/emitter boundary.
func WithRetry(attempts int, base time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(base * time.Duration(1<<i))
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}
