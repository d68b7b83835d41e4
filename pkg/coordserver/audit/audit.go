// Package audit implements an optional, observational sqlite-backed record
// of coordinator session lifecycle events. It sits beside the coordination
// service's in-memory session registry, never inside it: spec.md §5's "no
// further locking is required" invariant applies to the registry, not to
// this sink.
package audit

import (
	"net/netip"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
)

// Sink records coordinator session lifecycle events.
type Sink interface {
	RecordSlotRegistered(sessionID string, endpoint netip.AddrPort)
	RecordSessionEstablished(sessionID string)
	RecordSessionExpired(sessionID string)
	Close() error
}

// NoopSink discards every event. It is the default when no audit database
// is configured.
type NoopSink struct{}

func (NoopSink) RecordSlotRegistered(string, netip.AddrPort) {}
func (NoopSink) RecordSessionEstablished(string)             {}
func (NoopSink) RecordSessionExpired(string)                 {}
func (NoopSink) Close() error                                { return nil }

// SQLiteSink persists events to a sqlite3 database.
type SQLiteSink struct {
	db *sqlx.DB
}

// Open opens (creating if necessary) a sqlite3 audit database at name.
func Open(name string) (*SQLiteSink, error) {
	db, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			event      TEXT NOT NULL,
			endpoint   TEXT NOT NULL DEFAULT '',
			at         INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS session_events_session_id_idx ON session_events(session_id)`); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) insert(sessionID, event, endpoint string) {
	// Best-effort: a failed audit write must never affect coordination.
	_, _ = s.db.Exec(
		`INSERT INTO session_events (session_id, event, endpoint, at) VALUES (?, ?, ?, ?)`,
		sessionID, event, endpoint, time.Now().Unix(),
	)
}

func (s *SQLiteSink) RecordSlotRegistered(sessionID string, endpoint netip.AddrPort) {
	s.insert(sessionID, "slot_registered", endpoint.String())
}

func (s *SQLiteSink) RecordSessionEstablished(sessionID string) {
	s.insert(sessionID, "session_established", "")
}

func (s *SQLiteSink) RecordSessionExpired(sessionID string) {
	s.insert(sessionID, "session_expired", "")
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
