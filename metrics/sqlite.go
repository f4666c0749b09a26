package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	type       TEXT NOT NULL,
	request_id TEXT,
	at         INTEGER NOT NULL,
	fields     TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_events_request ON audit_events(request_id);
`

// SQLiteWriter appends audit events to a relational table.
type SQLiteWriter struct {
	db *sql.DB
}

// OpenSQLiteWriter opens (or creates) the audit database at path.
func OpenSQLiteWriter(path string) (*SQLiteWriter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(auditSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}
	return &SQLiteWriter{db: db}, nil
}

// Write implements Writer.
func (w *SQLiteWriter) Write(ctx context.Context, e Event) error {
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("encode audit fields: %w", err)
	}
	_, err = w.db.ExecContext(ctx,
		`INSERT INTO audit_events (type, request_id, at, fields) VALUES (?, ?, ?, ?)`,
		e.Type, e.RequestID, e.Time.UnixMilli(), string(fields))
	return err
}

// Count returns how many events of type were stored.
func (w *SQLiteWriter) Count(ctx context.Context, typ string) (int, error) {
	var n int
	err := w.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events WHERE type = ?`, typ).Scan(&n)
	return n, err
}

// Close closes the database.
func (w *SQLiteWriter) Close() error { return w.db.Close() }
