package codestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "github.com/tursodatabase/go-libsql"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DefaultSQLKey is the row SQLBackend uses when none is given
const DefaultSQLKey = "current"

// SQLBackend stores the code as a row in a libSQL database
type SQLBackend struct {
	db  *sql.DB
	key string
}

// OpenSQL opens a libSQL database, e.g. "file:/var/lib/codesmith/code.db", and migrates it
func OpenSQL(ctx context.Context, dsn string, key string) (*SQLBackend, error) {
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open libsql connection: %w", err)
	}
	sb, err := NewSQLBackend(ctx, db, key)
	if err != nil {
		db.Close()
		return nil, err
	}
	return sb, nil
}

// NewSQLBackend wraps an open database, applying any pending migrations
func NewSQLBackend(ctx context.Context, db *sql.DB, key string) (*SQLBackend, error) {
	if key == "" {
		key = DefaultSQLKey
	}
	if err := migrate(ctx, db); err != nil {
		return nil, err
	}
	return &SQLBackend{db: db, key: key}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectTurso, db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (sb *SQLBackend) Load(ctx context.Context) (string, error) {
	var code string
	err := sb.db.QueryRowContext(ctx, `SELECT code FROM code_artifacts WHERE id = ?`, sb.key).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	} else if err != nil {
		return "", fmt.Errorf("failed to query code: %w", err)
	}
	if strings.TrimSpace(code) == "" {
		return "", ErrNotFound
	}
	return code, nil
}

func (sb *SQLBackend) Save(ctx context.Context, code string) error {
	if strings.TrimSpace(code) == "" {
		return ErrEmptyCode
	}
	query := `
		INSERT INTO code_artifacts (id, code, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET code = excluded.code, updated_at = excluded.updated_at
	`
	_, err := sb.db.ExecContext(ctx, query, sb.key, code, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save code: %w", err)
	}
	return nil
}

func (sb *SQLBackend) Durability() Durability {
	return Durable
}

func (sb *SQLBackend) Close() error {
	return sb.db.Close()
}
