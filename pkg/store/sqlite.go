// Package store persists the local node document.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"muster/pkg/registry"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"
)

// DefaultFileName is the database file created inside a node's data dir.
const DefaultFileName = "node.db"

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	name       TEXT PRIMARY KEY,
	body       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLite keeps one node document per row, the body stored as ordered JSON.
type SQLite struct {
	db     *sql.DB
	name   string
	path   string
	logger *zap.Logger
}

// OpenSQLite opens (creating if needed) the database at path and binds it to
// the named node's row.
func OpenSQLite(path, name string, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Debug("Opened document store", zap.String("path", path), zap.String("node", name))
	return &SQLite{db: db, name: name, path: path, logger: logger}, nil
}

func (s *SQLite) Load(ctx context.Context) (*registry.Document, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE name = ?`, s.name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", s.name, err)
	}
	return registry.DecodeDocument([]byte(body))
}

func (s *SQLite) Save(ctx context.Context, doc *registry.Document) (err error) {
	body, err := registry.EncodeDocument(doc)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (name, body, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		s.name, string(body), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write document %s: %w", s.name, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit document %s: %w", s.name, err)
	}
	return nil
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

func (s *SQLite) Close() error {
	return s.db.Close()
}

var _ registry.DocumentStore = (*SQLite)(nil)
