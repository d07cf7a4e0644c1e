package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/propertyhub/authbridge/internal/authkit"
)

const (
	driverLabel         = "pgx"
	uniqueViolationCode = "23505"

	userColumns    = `id, external_subject_id, email, username, first_name, last_name, is_active, created_at, updated_at, last_login_at`
	refreshColumns = `id, user_id, token_hash, external_refresh_token, previous_token_id, issued_at, expires_at, is_used, used_at, is_revoked, revoked_at`
	accessColumns  = `id, user_id, refresh_token_id, local_token_id, external_access_token, external_id_token, token_type, scope, external_expires_at, issued_at, is_revoked, revoked_at`
)

// Store persists users and token records in PostgreSQL with hand-written SQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Postgres store over an existing pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Driver exposes the store label.
func (store *Store) Driver() string {
	return driverLabel
}

// Ping checks database connectivity.
func (store *Store) Ping(ctx context.Context) error {
	if err := store.pool.Ping(ctx); err != nil {
		return authkit.StoreFailure("store.ping."+driverLabel, err)
	}
	return nil
}

// Close releases the pool.
func (store *Store) Close() {
	store.pool.Close()
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UpsertExternalUser inserts the user or refreshes its profile in a single statement.
func (store *Store) UpsertExternalUser(ctx context.Context, profile authkit.Profile, now time.Time) (authkit.User, error) {
	operation := "user_directory.upsert." + driverLabel
	if strings.TrimSpace(profile.Subject) == "" {
		return authkit.User{}, fmt.Errorf("%s: %w", operation, authkit.ErrEmptySubject)
	}
	return upsertUser(ctx, store.pool, operation, profile, now)
}

func upsertUser(ctx context.Context, querier rowQuerier, operation string, profile authkit.Profile, now time.Time) (authkit.User, error) {
	row := querier.QueryRow(ctx, `
INSERT INTO authbridge.users (external_subject_id, email, username, first_name, last_name, is_active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, TRUE, $6, $6)
ON CONFLICT (external_subject_id) DO UPDATE SET
    email = EXCLUDED.email,
    username = EXCLUDED.username,
    first_name = EXCLUDED.first_name,
    last_name = EXCLUDED.last_name,
    last_login_at = EXCLUDED.updated_at,
    updated_at = EXCLUDED.updated_at
RETURNING `+userColumns,
		profile.Subject, nullableText(profile.Email), profile.Username, profile.GivenName, profile.FamilyName, now)
	user, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return authkit.User{}, fmt.Errorf("%s: %w", operation, authkit.ErrEmailConflict)
		}
		return authkit.User{}, authkit.StoreFailure(operation, err)
	}
	return user, nil
}

// GetUser returns a user by local id.
func (store *Store) GetUser(ctx context.Context, userID int64) (authkit.User, error) {
	user, err := scanUser(store.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM authbridge.users WHERE id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authkit.User{}, fmt.Errorf("user_directory.get.%s: %w", driverLabel, authkit.ErrUserNotFound)
		}
		return authkit.User{}, authkit.StoreFailure("user_directory.get."+driverLabel, err)
	}
	return user, nil
}

// SetUserActive toggles the active flag; used for deactivation.
func (store *Store) SetUserActive(ctx context.Context, userID int64, active bool, now time.Time) error {
	tag, err := store.pool.Exec(ctx, `UPDATE authbridge.users SET is_active = $2, updated_at = $3 WHERE id = $1`, userID, active, now)
	if err != nil {
		return authkit.StoreFailure("user_directory.set_active."+driverLabel, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user_directory.set_active.%s: %w", driverLabel, authkit.ErrUserNotFound)
	}
	return nil
}

// OpenSession upserts the user and stores the records minted for it in one transaction.
func (store *Store) OpenSession(ctx context.Context, profile authkit.Profile, now time.Time, mint authkit.SessionMinter) (authkit.User, error) {
	operation := "session_store.open." + driverLabel
	if strings.TrimSpace(profile.Subject) == "" {
		return authkit.User{}, fmt.Errorf("%s: %w", operation, authkit.ErrEmptySubject)
	}
	var user authkit.User
	err := pgx.BeginFunc(ctx, store.pool, func(tx pgx.Tx) error {
		upserted, upsertErr := upsertUser(ctx, tx, operation, profile, now)
		if upsertErr != nil {
			return upsertErr
		}
		access, refresh, mintErr := mint(upserted)
		if mintErr != nil {
			return fmt.Errorf("%s: %w", operation, mintErr)
		}
		if insertErr := insertRecords(ctx, tx, access, refresh); insertErr != nil {
			return authkit.StoreFailure(operation, insertErr)
		}
		user = upserted
		return nil
	})
	if err != nil {
		if errors.Is(err, authkit.ErrEmailConflict) || errors.Is(err, authkit.ErrStoreFailure) {
			return authkit.User{}, err
		}
		return authkit.User{}, authkit.StoreFailure(operation, err)
	}
	return user, nil
}

// RotateRefreshToken consumes the matching refresh token with a conditional update and stores its successor.
func (store *Store) RotateRefreshToken(ctx context.Context, tokenHash string, now time.Time, mint authkit.RotationMinter) (authkit.User, error) {
	operation := "refresh_store.rotate." + driverLabel
	if strings.TrimSpace(tokenHash) == "" {
		return authkit.User{}, fmt.Errorf("%s: %w", operation, authkit.InvalidRefreshToken(authkit.ErrRefreshTokenEmptyOpaque))
	}

	var owner authkit.User
	err := pgx.BeginFunc(ctx, store.pool, func(tx pgx.Tx) error {
		consumed, consumeErr := scanRefresh(tx.QueryRow(ctx, `
UPDATE authbridge.refresh_tokens
SET is_used = TRUE, used_at = $2
WHERE token_hash = $1 AND NOT is_used AND NOT is_revoked AND expires_at > $2
RETURNING `+refreshColumns, tokenHash, now))
		if consumeErr != nil {
			if !errors.Is(consumeErr, pgx.ErrNoRows) {
				return authkit.StoreFailure(operation, consumeErr)
			}
			return classifyRejection(ctx, tx, operation, tokenHash, now)
		}

		ownerRecord, ownerErr := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM authbridge.users WHERE id = $1`, consumed.UserID))
		if ownerErr != nil && !errors.Is(ownerErr, pgx.ErrNoRows) {
			return authkit.StoreFailure(operation, ownerErr)
		}
		if ownerErr != nil || !ownerRecord.Active {
			return fmt.Errorf("%s: %w", operation, authkit.InvalidRefreshToken(authkit.ErrRefreshTokenOwnerInactive))
		}
		owner = ownerRecord

		paired, pairedErr := scanAccess(tx.QueryRow(ctx, `SELECT `+accessColumns+` FROM authbridge.access_tokens WHERE refresh_token_id = $1 LIMIT 1`, consumed.ID))
		if pairedErr != nil && !errors.Is(pairedErr, pgx.ErrNoRows) {
			return authkit.StoreFailure(operation, pairedErr)
		}

		access, successor, mintErr := mint(owner, consumed, paired)
		if mintErr != nil {
			return fmt.Errorf("%s: %w", operation, mintErr)
		}
		if insertErr := insertRecords(ctx, tx, access, successor); insertErr != nil {
			return authkit.StoreFailure(operation, insertErr)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, authkit.ErrInvalidRefreshToken) || errors.Is(err, authkit.ErrStoreFailure) {
			return authkit.User{}, err
		}
		return authkit.User{}, authkit.StoreFailure(operation, err)
	}
	return owner, nil
}

func classifyRejection(ctx context.Context, tx pgx.Tx, operation string, tokenHash string, now time.Time) error {
	record, err := scanRefresh(tx.QueryRow(ctx, `SELECT `+refreshColumns+` FROM authbridge.refresh_tokens WHERE token_hash = $1`, tokenHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%s: %w", operation, authkit.InvalidRefreshToken(authkit.ErrRefreshTokenNotFound))
		}
		return authkit.StoreFailure(operation, err)
	}
	reason := record.RejectionReason(now)
	if reason == nil {
		reason = authkit.ErrRefreshTokenUsed
	}
	return fmt.Errorf("%s: %w", operation, authkit.InvalidRefreshToken(reason))
}

// FindAccessRecord returns the access record minted with the given local token id.
func (store *Store) FindAccessRecord(ctx context.Context, localTokenID string) (authkit.AccessTokenRecord, error) {
	record, err := scanAccess(store.pool.QueryRow(ctx, `SELECT `+accessColumns+` FROM authbridge.access_tokens WHERE local_token_id = $1`, localTokenID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authkit.AccessTokenRecord{}, fmt.Errorf("session_store.find_access.%s: %w", driverLabel, authkit.ErrAccessRecordNotFound)
		}
		return authkit.AccessTokenRecord{}, authkit.StoreFailure("session_store.find_access."+driverLabel, err)
	}
	return record, nil
}

// RevokeAll marks every outstanding record owned by the user as revoked in one transaction.
func (store *Store) RevokeAll(ctx context.Context, userID int64, now time.Time) (int64, error) {
	var revoked int64
	err := pgx.BeginFunc(ctx, store.pool, func(tx pgx.Tx) error {
		accessTag, err := tx.Exec(ctx, `UPDATE authbridge.access_tokens SET is_revoked = TRUE, revoked_at = $2 WHERE user_id = $1 AND NOT is_revoked`, userID, now)
		if err != nil {
			return err
		}
		refreshTag, err := tx.Exec(ctx, `UPDATE authbridge.refresh_tokens SET is_revoked = TRUE, revoked_at = $2 WHERE user_id = $1 AND NOT is_revoked`, userID, now)
		if err != nil {
			return err
		}
		revoked = accessTag.RowsAffected() + refreshTag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, authkit.StoreFailure("session_store.revoke_all."+driverLabel, err)
	}
	return revoked, nil
}

func insertRecords(ctx context.Context, tx pgx.Tx, access authkit.AccessTokenRecord, refresh authkit.RefreshTokenRecord) error {
	_, err := tx.Exec(ctx, `
INSERT INTO authbridge.refresh_tokens (`+refreshColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		refresh.ID, refresh.UserID, refresh.TokenHash, refresh.ExternalRefreshToken, refresh.PreviousTokenID,
		refresh.IssuedAt, refresh.ExpiresAt, refresh.Used, nullableTime(refresh.UsedAt), refresh.Revoked, nullableTime(refresh.RevokedAt))
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
INSERT INTO authbridge.access_tokens (`+accessColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		access.ID, access.UserID, access.RefreshTokenID, access.LocalTokenID, access.ExternalAccessToken, access.ExternalIDToken,
		access.TokenType, access.Scope, nullableTime(access.ExternalExpiresAt), access.IssuedAt, access.Revoked, nullableTime(access.RevokedAt))
	return err
}

func scanUser(row pgx.Row) (authkit.User, error) {
	var user authkit.User
	var email *string
	var lastLogin *time.Time
	err := row.Scan(&user.ID, &user.ExternalSubject, &email, &user.Username, &user.FirstName, &user.LastName,
		&user.Active, &user.CreatedAt, &user.UpdatedAt, &lastLogin)
	if err != nil {
		return authkit.User{}, err
	}
	if email != nil {
		user.Email = *email
	}
	user.CreatedAt = user.CreatedAt.UTC()
	user.UpdatedAt = user.UpdatedAt.UTC()
	user.LastLoginAt = valueOrZero(lastLogin)
	return user, nil
}

func scanRefresh(row pgx.Row) (authkit.RefreshTokenRecord, error) {
	var record authkit.RefreshTokenRecord
	var usedAt, revokedAt *time.Time
	err := row.Scan(&record.ID, &record.UserID, &record.TokenHash, &record.ExternalRefreshToken, &record.PreviousTokenID,
		&record.IssuedAt, &record.ExpiresAt, &record.Used, &usedAt, &record.Revoked, &revokedAt)
	if err != nil {
		return authkit.RefreshTokenRecord{}, err
	}
	record.IssuedAt = record.IssuedAt.UTC()
	record.ExpiresAt = record.ExpiresAt.UTC()
	record.UsedAt = valueOrZero(usedAt)
	record.RevokedAt = valueOrZero(revokedAt)
	return record, nil
}

func scanAccess(row pgx.Row) (authkit.AccessTokenRecord, error) {
	var record authkit.AccessTokenRecord
	var externalExpiresAt, revokedAt *time.Time
	err := row.Scan(&record.ID, &record.UserID, &record.RefreshTokenID, &record.LocalTokenID, &record.ExternalAccessToken,
		&record.ExternalIDToken, &record.TokenType, &record.Scope, &externalExpiresAt, &record.IssuedAt, &record.Revoked, &revokedAt)
	if err != nil {
		return authkit.AccessTokenRecord{}, err
	}
	record.IssuedAt = record.IssuedAt.UTC()
	record.ExternalExpiresAt = valueOrZero(externalExpiresAt)
	record.RevokedAt = valueOrZero(revokedAt)
	return record, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

func nullableText(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func nullableTime(moment time.Time) *time.Time {
	if moment.IsZero() {
		return nil
	}
	return &moment
}

func valueOrZero(moment *time.Time) time.Time {
	if moment == nil {
		return time.Time{}
	}
	return moment.UTC()
}

var _ authkit.Store = (*Store)(nil)
