// Package audit keeps a write-only history of service launches and
// stops in a local SQLite database, purely for operator forensics
// ("why did this service restart three times last night"). It is
// never read by the supervisor itself and a write failure here must
// never affect a service's lifecycle: every write swallows its own
// error after logging it.
package audit

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rs/zerolog"
)

// Logger writes launch/stop events to a SQLite database. The zero
// value is not usable; construct with Open.
type Logger struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open creates (if necessary) and opens the audit database at path,
// ensuring the events table exists.
func Open(path string, log zerolog.Logger) (*Logger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS events (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	service   TEXT NOT NULL,
	kind      TEXT NOT NULL,
	cause     TEXT NOT NULL DEFAULT '',
	at        DATETIME NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}

	return &Logger{db: db, log: log.With().Str("component", "audit").Logger()}, nil
}

// Close releases the underlying database handle.
func (l *Logger) Close() error {
	return l.db.Close()
}

// RecordLaunch satisfies supervisor.AuditSink. Any write error is
// logged and otherwise swallowed: losing an audit row is never worth
// disrupting the service it describes.
func (l *Logger) RecordLaunch(service string, at time.Time) {
	l.insert(service, "launch", "", at)
}

// RecordStop satisfies supervisor.AuditSink.
func (l *Logger) RecordStop(service string, at time.Time, cause string) {
	l.insert(service, "stop", cause, at)
}

func (l *Logger) insert(service, kind, cause string, at time.Time) {
	_, err := l.db.Exec(
		`INSERT INTO events (service, kind, cause, at) VALUES (?, ?, ?, ?)`,
		service, kind, cause, at,
	)
	if err != nil {
		l.log.Warn().Err(err).Str("service", service).Str("kind", kind).Msg("failed to write audit event")
	}
}

// Event is one row read back from the audit log, used by the admin
// status endpoint's history view.
type Event struct {
	Service string
	Kind    string
	Cause   string
	At      time.Time
}

// Recent returns the most recent n events across all services,
// newest first.
func (l *Logger) Recent(n int) ([]Event, error) {
	rows, err := l.db.Query(
		`SELECT service, kind, cause, at FROM events ORDER BY id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Service, &e.Kind, &e.Cause, &e.At); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
