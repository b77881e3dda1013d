package logsink

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/device-pki/interfaces"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// migrations is an ordered list of idempotent schema statements applied on open.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS log_entries (
		row_key   TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		severity  INTEGER NOT NULL,
		message   TEXT NOT NULL,
		source    TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS log_entries_timestamp ON log_entries (timestamp)`,
}

// timeFormat is fixed width so that timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Entry is a persisted log record.
type Entry struct {
	RowKey    string
	Timestamp time.Time
	Severity  interfaces.Severity
	Message   string
	Source    string
}

// SQLiteStore persists log records in a SQLite database.
type SQLiteStore struct {
	db       *sql.DB
	fallback *slog.Logger
	now      func() time.Time
}

// OpenSQLite opens (or creates) the database at path and runs migrations. Records
// that cannot be written are reported to fallback.
func OpenSQLite(path string, fallback *slog.Logger) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, fallback: fallback, now: time.Now}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

// Migrate applies the schema. It is safe to run repeatedly.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Log implements interfaces.LogSink. Write failures never reach the caller.
func (s *SQLiteStore) Log(message string, severity interfaces.Severity, source string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Insert(ctx, Entry{Severity: severity, Message: message, Source: source}); err != nil {
		s.fallback.Error("Failed to persist log entry", "err", err, slog.String("source", source))
	}
}

// Insert writes an entry, assigning a row key and timestamp when missing.
func (s *SQLiteStore) Insert(ctx context.Context, e Entry) error {
	if e.RowKey == "" {
		e.RowKey = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO log_entries (row_key, timestamp, severity, message, source) VALUES (?, ?, ?, ?, ?)`,
		e.RowKey, e.Timestamp.UTC().Format(timeFormat), int(e.Severity), e.Message, e.Source)
	return err
}

// Recent returns up to limit entries at or above min, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, min interfaces.Severity, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT row_key, timestamp, severity, message, source FROM log_entries
		 WHERE severity >= ? ORDER BY timestamp DESC LIMIT ?`, int(min), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts string
		var sev int
		if err := rows.Scan(&e.RowKey, &ts, &sev, &e.Message, &e.Source); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(timeFormat, ts)
		e.Severity = interfaces.Severity(sev)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than before and returns how many were removed.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM log_entries WHERE timestamp < ?`, before.UTC().Format(timeFormat))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
