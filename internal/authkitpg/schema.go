package authkitpg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the authbridge schema and its tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE SCHEMA IF NOT EXISTS authbridge;
CREATE TABLE IF NOT EXISTS authbridge.users (
    id BIGSERIAL PRIMARY KEY,
    external_subject_id TEXT NOT NULL UNIQUE,
    email TEXT UNIQUE,
    username TEXT NOT NULL DEFAULT '',
    first_name TEXT NOT NULL DEFAULT '',
    last_name TEXT NOT NULL DEFAULT '',
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    last_login_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS authbridge.refresh_tokens (
    id TEXT PRIMARY KEY,
    user_id BIGINT NOT NULL REFERENCES authbridge.users (id) ON DELETE CASCADE,
    token_hash TEXT NOT NULL UNIQUE,
    external_refresh_token TEXT NOT NULL DEFAULT '',
    previous_token_id TEXT NOT NULL DEFAULT '',
    issued_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    is_used BOOLEAN NOT NULL DEFAULT FALSE,
    used_at TIMESTAMPTZ,
    is_revoked BOOLEAN NOT NULL DEFAULT FALSE,
    revoked_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user ON authbridge.refresh_tokens (user_id);
CREATE TABLE IF NOT EXISTS authbridge.access_tokens (
    id TEXT PRIMARY KEY,
    user_id BIGINT NOT NULL REFERENCES authbridge.users (id) ON DELETE CASCADE,
    refresh_token_id TEXT NOT NULL,
    local_token_id TEXT NOT NULL UNIQUE,
    external_access_token TEXT NOT NULL DEFAULT '',
    external_id_token TEXT NOT NULL DEFAULT '',
    token_type TEXT NOT NULL DEFAULT 'Bearer',
    scope TEXT NOT NULL DEFAULT '',
    external_expires_at TIMESTAMPTZ,
    issued_at TIMESTAMPTZ NOT NULL,
    is_revoked BOOLEAN NOT NULL DEFAULT FALSE,
    revoked_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_access_tokens_user ON authbridge.access_tokens (user_id);
CREATE INDEX IF NOT EXISTS idx_access_tokens_refresh ON authbridge.access_tokens (refresh_token_id);
`)
	return err
}
