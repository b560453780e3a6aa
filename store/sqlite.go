package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alimasry/go-code-rooms/ot"
)

// SQLiteStore is a SQLite-backed DocumentStore. WAL mode keeps readers
// from blocking the room server's background writes.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// ensures the schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id         TEXT PRIMARY KEY,
		content    TEXT NOT NULL DEFAULT '',
		revision   INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS operations (
		doc_id     TEXT NOT NULL,
		revision   INTEGER NOT NULL,
		components TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (doc_id, revision)
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Create(ctx context.Context, id, content string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, content, revision, created_at, updated_at) VALUES (?, ?, 0, ?, ?)`,
		id, content, now, now)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: %q", ErrExists, id)
	}
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*DocumentInfo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT content, revision, created_at, updated_at FROM documents WHERE id = ?`, id)

	info := DocumentInfo{ID: id}
	err := row.Scan(&info.Content, &info.Revision, &info.CreatedAt, &info.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]DocumentInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, revision, created_at, updated_at FROM documents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []DocumentInfo
	for rows.Next() {
		var info DocumentInfo
		if err := rows.Scan(&info.ID, &info.Content, &info.Revision, &info.CreatedAt, &info.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, info)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, id, content string, revision int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET content = ?, revision = ?, updated_at = ? WHERE id = ?`,
		content, revision, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) AppendOperation(ctx context.Context, id string, op ot.Operation, revision int) error {
	components, err := json.Marshal(op.Ops)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO operations (doc_id, revision, components, created_at) VALUES (?, ?, ?, ?)`,
		id, revision, string(components), time.Now().UTC())
	return err
}

func (s *SQLiteStore) Operations(ctx context.Context, id string, fromRevision int) ([]ot.Operation, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT components FROM operations WHERE doc_id = ? AND revision > ? ORDER BY revision`,
		id, fromRevision)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []ot.Operation
	for rows.Next() {
		var components string
		if err := rows.Scan(&components); err != nil {
			return nil, err
		}
		var cs []ot.Component
		if err := json.Unmarshal([]byte(components), &cs); err != nil {
			return nil, fmt.Errorf("decode operation for %q: %w", id, err)
		}
		ops = append(ops, ot.Operation{Ops: cs})
	}
	return ops, rows.Err()
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint failures in the error text;
	// there is no exported sentinel to match on.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
