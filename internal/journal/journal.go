// Package journal keeps an append-only SQLite record of every transfer the
// gateway performed and how it ended.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

// Entry is one finished transfer.
type Entry struct {
	RequestID string
	Op        string
	Bucket    string
	Object    string
	Bytes     int64
	Status    int
	ErrorKind string
	StartedAt time.Time
	Duration  time.Duration
}

// Journal writes entries to a SQLite database.
type Journal struct {
	db *sql.DB
}

// Open opens (creating if needed) the journal database at path and applies
// the embedded migrations.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path must not be empty")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Journal{db: db}, nil
}

// initSchema applies all SQL files in the embedded migrations directory in
// lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, err := migrationsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", path, err)
		}

		slog.Debug("Running migration", "path", path)
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", path, err)
		}
		return nil
	})
}

// Record appends e.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	var errorKind sql.NullString
	if e.ErrorKind != "" {
		errorKind = sql.NullString{String: e.ErrorKind, Valid: true}
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO transfers(request_id, op, bucket, object, bytes, status, error_kind, started_at, duration_ms)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.Op, e.Bucket, e.Object, e.Bytes, e.Status, errorKind,
		e.StartedAt.UTC(), float64(e.Duration)/float64(time.Millisecond),
	)
	if err != nil {
		return fmt.Errorf("record transfer: %w", err)
	}
	return nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
