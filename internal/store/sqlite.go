package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hpratama/wagate/internal/domain"
	"github.com/hpratama/wagate/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	busyRetryAttempts  = 3
	busyRetryBaseDelay = 50 * time.Millisecond
)

// retryOnBusy retries a write that failed with SQLITE_BUSY or a locked
// database, backing off exponentially. Any other error returns immediately.
func retryOnBusy(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if attempt == busyRetryAttempts-1 {
			return err
		}

		slog.Warn("Database busy, retrying write", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(busyRetryBaseDelay << attempt):
		}
	}
}

// SQLiteStore implements Registry using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed registry.
func NewSQLite(dbPath string) (Registry, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		bearer_token TEXT,
		owner_user_id TEXT,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Upsert inserts a session row if absent. Existing rows keep their token,
// owner, and creation time.
func (s *SQLiteStore) Upsert(ctx context.Context, sessionID string) error {
	query := `
	INSERT INTO sessions (session_id, bearer_token, owner_user_id, created_at)
	VALUES (?, NULL, NULL, ?)
	ON CONFLICT(session_id) DO NOTHING`

	err := retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, sessionID, time.Now().Unix())
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// UpdateCredentials sets the bearer token and owning user for a session.
func (s *SQLiteStore) UpdateCredentials(ctx context.Context, sessionID, token, ownerUserID string) error {
	query := `UPDATE sessions SET bearer_token = ?, owner_user_id = ? WHERE session_id = ?`

	var rows int64
	err := retryOnBusy(ctx, func() error {
		result, err := s.db.ExecContext(ctx, query, token, ownerUserID, sessionID)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update credentials: %w", err)
	}
	if rows == 0 {
		return domain.ErrSessionNotFound
	}

	return nil
}

// Get retrieves a session row by identifier.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT session_id, bearer_token, owner_user_id, created_at
		FROM sessions WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)

	var session domain.Session
	var token, owner sql.NullString
	var createdAt int64

	err := row.Scan(&session.SessionID, &token, &owner, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	session.BearerToken = token.String
	session.OwnerUserID = owner.String
	session.CreatedAt = time.Unix(createdAt, 0)

	return &session, nil
}

// Delete removes a session row.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	err := retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListAll returns every persisted session identifier.
func (s *SQLiteStore) ListAll(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	return ids, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
