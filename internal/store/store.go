package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/xkilldash9x/quill-cli/api/schemas"
)

// Store keeps remembered accounts and publish history in SQLite.
// Passwords are never written.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens (or creates) the database at path and migrates the schema.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand store path: %w", err)
	}
	if expanded != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(expanded), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// WAL with a busy timeout so a second CLI process waits instead of
	// failing with SQLITE_BUSY.
	if _, err := db.ExecContext(ctx, `
		PRAGMA journal_mode=WAL;
		PRAGMA busy_timeout=5000;
		PRAGMA synchronous=NORMAL;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: logger.Named("store")}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS accounts (
    username      TEXT NOT NULL,
    platform      TEXT NOT NULL,
    last_login_at TEXT NOT NULL,
    PRIMARY KEY (username, platform)
);
CREATE TABLE IF NOT EXISTS publish_history (
    id             TEXT PRIMARY KEY,
    username       TEXT NOT NULL,
    platform       TEXT NOT NULL,
    title          TEXT NOT NULL,
    mode           TEXT NOT NULL,
    status         TEXT NOT NULL,
    board          TEXT NOT NULL DEFAULT '',
    url            TEXT NOT NULL DEFAULT '',
    verified       INTEGER NOT NULL DEFAULT 0,
    images_placed  INTEGER NOT NULL DEFAULT 0,
    images_skipped INTEGER NOT NULL DEFAULT 0,
    reason         TEXT NOT NULL DEFAULT '',
    created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_user ON publish_history (username, created_at);
`)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// SaveAccount remembers a successful login.
func (s *Store) SaveAccount(ctx context.Context, acct schemas.Account) error {
	if acct.Username == "" {
		return fmt.Errorf("account username is empty")
	}
	if acct.LastLoginAt.IsZero() {
		acct.LastLoginAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO accounts (username, platform, last_login_at)
        VALUES (?, ?, ?)
        ON CONFLICT (username, platform) DO UPDATE SET
            last_login_at = excluded.last_login_at;
    `, acct.Username, acct.Platform, acct.LastLoginAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	s.log.Debug("Account saved.", zap.String("username", acct.Username))
	return nil
}

// ListAccounts returns remembered accounts, most recent login first.
func (s *Store) ListAccounts(ctx context.Context) ([]schemas.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username, platform, last_login_at FROM accounts ORDER BY last_login_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var out []schemas.Account
	for rows.Next() {
		var a schemas.Account
		var at string
		if err := rows.Scan(&a.Username, &a.Platform, &at); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		a.LastLoginAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecordPublish appends one attempt to the history. The account row is
// touched in the same transaction so history never references an unknown
// account.
func (s *Store) RecordPublish(ctx context.Context, rec schemas.PublishRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	created := rec.CreatedAt.UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.ExecContext(ctx, `
        INSERT INTO accounts (username, platform, last_login_at)
        VALUES (?, ?, ?)
        ON CONFLICT (username, platform) DO NOTHING;
    `, rec.Username, rec.Platform, created); err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO publish_history
            (id, username, platform, title, mode, status, board, url, verified, images_placed, images_skipped, reason, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
    `, rec.ID, rec.Username, rec.Platform, rec.Title, string(rec.Mode), string(rec.Status), rec.Board, rec.URL,
		boolInt(rec.Verified), rec.ImagesPlaced, rec.ImagesSkipped, rec.Reason, created); err != nil {
		return fmt.Errorf("failed to insert publish record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListHistory returns up to limit records, newest first. An empty username
// lists every account.
func (s *Store) ListHistory(ctx context.Context, username string, limit int) ([]schemas.PublishRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, username, platform, title, mode, status, board, url, verified, images_placed, images_skipped, reason, created_at
        FROM publish_history
        WHERE ? = '' OR username = ?
        ORDER BY created_at DESC
        LIMIT ?`, username, username, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []schemas.PublishRecord
	for rows.Next() {
		var r schemas.PublishRecord
		var mode, status, created string
		var verified int
		if err := rows.Scan(&r.ID, &r.Username, &r.Platform, &r.Title, &mode, &status, &r.Board, &r.URL,
			&verified, &r.ImagesPlaced, &r.ImagesSkipped, &r.Reason, &created); err != nil {
			return nil, fmt.Errorf("failed to scan publish record: %w", err)
		}
		r.Mode, r.Status, r.Verified = schemas.PublishMode(mode), schemas.PublishStatus(status), verified == 1
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
