package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	data          TEXT NOT NULL,
	last_activity INTEGER NOT NULL,
	version       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity);
`

// SQLiteStore persists sessions in a relational table.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the session database at path,
// creating its directory. ":memory:" works for tests.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); path != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create session db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sessionSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init session schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*schema.Session, bool, error) {
	var (
		data    string
		version int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT data, version FROM sessions WHERE id = ?`, id).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query session: %w", err)
	}
	var sess schema.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, false, fmt.Errorf("decode session %s: %w", id, err)
	}
	sess.Version = version
	return &sess, true, nil
}

func (s *SQLiteStore) Save(ctx context.Context, sess *schema.Session) error {
	next := *sess
	next.Version++
	b, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	var res sql.Result
	if sess.Version == 0 {
		res, err = s.db.ExecContext(ctx, `
INSERT INTO sessions (id, data, last_activity, version) VALUES (?, ?, ?, 1)
ON CONFLICT(id) DO NOTHING`,
			sess.ID, string(b), sess.LastActivity.UnixMilli())
	} else {
		res, err = s.db.ExecContext(ctx, `
UPDATE sessions SET data = ?, last_activity = ?, version = version + 1
WHERE id = ? AND version = ?`,
			string(b), sess.LastActivity.UnixMilli(), sess.ID, sess.Version)
	}
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("save session: %w", err)
	} else if n == 0 {
		return ErrConflict
	}
	sess.Version = next.Version
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string, version int64) (bool, error) {
	q, args := `DELETE FROM sessions WHERE id = ?`, []any{id}
	if version != AnyVersion {
		q += ` AND version = ?`
		args = append(args, version)
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) Idle(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	q := `SELECT id FROM sessions WHERE last_activity < ? ORDER BY last_activity`
	args := []any{cutoff.UnixMilli()}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
