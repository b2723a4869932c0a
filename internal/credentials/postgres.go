package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the linked_accounts and user_profiles tables.
// Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS linked_accounts (
    user_id        TEXT PRIMARY KEY,
    username       TEXT NOT NULL DEFAULT '',
    access_token   TEXT NOT NULL,
    refresh_token  TEXT NOT NULL DEFAULT '',
    expires_at     TIMESTAMPTZ,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS user_profiles (
    user_id      TEXT PRIMARY KEY,
    device_name  TEXT NOT NULL DEFAULT '',
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Compile-time interface checks.
var (
	_ Store    = (*PostgresStore)(nil)
	_ Profiles = (*PostgresStore)(nil)
)

// PostgresStore is a [Store] and [Profiles] backed by PostgreSQL.
type PostgresStore struct {
	db DB
}

// NewPostgresStore wraps an existing connection or pool. Call
// [PostgresStore.Migrate] before first use.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPool parses dsn, connects a pool and pings it.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("credentials: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("credentials: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("credentials: ping: %w", err)
	}
	return pool, nil
}

// Migrate executes [Schema].
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("credentials: migrate: %w", err)
	}
	return nil
}

// Load implements [Store]. Returns [ErrNotLinked] when no row exists.
func (s *PostgresStore) Load(ctx context.Context, userID string) (Token, error) {
	const query = `
		SELECT user_id, username, access_token, refresh_token, expires_at
		FROM linked_accounts WHERE user_id = $1`

	var (
		tok     Token
		expires *time.Time
	)
	err := s.db.QueryRow(ctx, query, userID).Scan(
		&tok.UserID, &tok.Username, &tok.AccessToken, &tok.RefreshToken, &expires,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Token{}, ErrNotLinked
		}
		return Token{}, fmt.Errorf("credentials: load %q: %w", userID, err)
	}
	if expires != nil {
		tok.Expiry = *expires
	}
	return tok, nil
}

// Save implements [Store] as an upsert.
func (s *PostgresStore) Save(ctx context.Context, tok Token) error {
	const query = `
		INSERT INTO linked_accounts (user_id, username, access_token, refresh_token, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			username      = EXCLUDED.username,
			access_token  = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at    = EXCLUDED.expires_at,
			updated_at    = now()`

	var expires *time.Time
	if !tok.Expiry.IsZero() {
		expires = &tok.Expiry
	}
	if _, err := s.db.Exec(ctx, query, tok.UserID, tok.Username, tok.AccessToken, tok.RefreshToken, expires); err != nil {
		return fmt.Errorf("credentials: save %q: %w", tok.UserID, err)
	}
	return nil
}

// Delete implements [Store]. Deleting a missing user is not an error.
func (s *PostgresStore) Delete(ctx context.Context, userID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM linked_accounts WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("credentials: delete %q: %w", userID, err)
	}
	return nil
}

// DeviceName implements [Profiles].
func (s *PostgresStore) DeviceName(ctx context.Context, userID string) (string, error) {
	var name string
	err := s.db.QueryRow(ctx, `SELECT device_name FROM user_profiles WHERE user_id = $1`, userID).Scan(&name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("credentials: load profile %q: %w", userID, err)
	}
	return name, nil
}

// SetDeviceName implements [Profiles] as an upsert.
func (s *PostgresStore) SetDeviceName(ctx context.Context, userID, name string) error {
	name, err := NormalizeDeviceName(name)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO user_profiles (user_id, device_name)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET
			device_name = EXCLUDED.device_name,
			updated_at  = now()`
	if _, err := s.db.Exec(ctx, query, userID, name); err != nil {
		return fmt.Errorf("credentials: save profile %q: %w", userID, err)
	}
	return nil
}
