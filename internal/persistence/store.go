// Package persistence stores projects, prompts, images and generation caches
// in SQLite. Every access runs inside Store.Transaction, which admits one
// transaction at a time.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "ij-v1-2026-10-01-generation"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// ErrNotFound is returned by Load when no row has the requested id.
var ErrNotFound = errors.New("not found")

type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// mu admits one transaction at a time. The single pooled connection
	// would otherwise deadlock a second BeginTx.
	mu  sync.Mutex
	now func() time.Time
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".ijave", "ijave.db")
}

func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{
		db:     db,
		logger: logger.With("component", "persistence"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Now is the clock used to stamp new images.
func (s *Store) Now() time.Time {
	return s.now()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// backoff spaces out retries of a transaction that hit a lock held by
// another connection, on top of the driver's busy_timeout.
type backoff struct {
	retries int
	base    time.Duration
	max     time.Duration
}

var commitBackoff = backoff{retries: 5, base: 50 * time.Millisecond, max: 500 * time.Millisecond}

// delay is base doubled per attempt, capped at max, with 25% jitter either
// way.
func (b backoff) delay(attempt int) time.Duration {
	d := b.base << uint(attempt)
	if d > b.max || d <= 0 {
		d = b.max
	}
	return d - d/4 + time.Duration(rand.Int64N(int64(d/2)+1))
}

// retryOnBusy runs f until it succeeds, fails with anything but a lock
// error, or runs out of retries.
func retryOnBusy(ctx context.Context, b backoff, f func() error) error {
	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil || !isSQLiteBusy(err) || attempt == b.retries {
			return err
		}
		timer := time.NewTimer(b.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}

// isSQLiteBusy reports SQLITE_BUSY and SQLITE_LOCKED, including the
// "database is locked" text the driver returns once busy_timeout expires.
func isSQLiteBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return err != nil && strings.Contains(err.Error(), "database is locked")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	// Image timestamps are unix nanoseconds so ordering is exact.
	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS project (
			id BLOB PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			image_width INTEGER NOT NULL,
			image_height INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS prompt (
			id BLOB PRIMARY KEY,
			project_id BLOB NOT NULL REFERENCES project(id) ON DELETE CASCADE,
			text TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS image (
			id BLOB PRIMARY KEY,
			timestamp INTEGER NOT NULL,
			content_type TEXT NOT NULL,
			data BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS prompt_image (
			prompt_id BLOB NOT NULL REFERENCES prompt(id) ON DELETE CASCADE,
			image_id BLOB NOT NULL REFERENCES image(id) ON DELETE CASCADE,
			PRIMARY KEY (prompt_id, image_id)
		);`,
		`CREATE TABLE IF NOT EXISTS generation_cache (
			id BLOB PRIMARY KEY REFERENCES prompt(id) ON DELETE CASCADE,
			step INTEGER NOT NULL,
			steps INTEGER NOT NULL,
			strength REAL NOT NULL,
			latent BLOB,
			CHECK (steps > 0 AND step >= 0 AND step <= steps)
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_prompt_project ON prompt(project_id);`,
		`CREATE INDEX IF NOT EXISTS idx_prompt_image_image ON prompt_image(image_id);`,
		`CREATE INDEX IF NOT EXISTS idx_image_timestamp ON image(timestamp, id);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	s.logger.Info("schema migrated", "from", maxVersion, "to", schemaVersionLatest, "checksum", schemaChecksumLatest)
	return nil
}
