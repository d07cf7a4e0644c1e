package authkit

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the service. Callers branch on them with errors.Is.
var (
	// ErrInvalidCredential indicates the external token is missing, inactive, or has no profile.
	ErrInvalidCredential = errors.New("auth.invalid_credential")
	// ErrUpstreamUnavailable indicates the identity provider could not be reached in time.
	ErrUpstreamUnavailable = errors.New("auth.upstream_unavailable")
	// ErrInvalidRefreshToken indicates the refresh token is unknown, used, revoked, or expired.
	ErrInvalidRefreshToken = errors.New("auth.invalid_refresh_token")
	// ErrInvalidSession indicates the access token failed verification or its owner is inactive.
	ErrInvalidSession = errors.New("auth.invalid_session")
	// ErrStoreFailure indicates the persistence layer failed.
	ErrStoreFailure = errors.New("auth.store_failure")

	// ErrMissingAccessToken is returned when a login carries no external access token.
	ErrMissingAccessToken = errors.New("auth.missing_access_token")
	// ErrMissingRefreshToken is returned when a refresh carries no token.
	ErrMissingRefreshToken = errors.New("auth.missing_refresh_token")
)

var (
	// ErrRefreshTokenNotFound indicates no refresh token matched the provided value.
	ErrRefreshTokenNotFound = errors.New("refresh_store.not_found")
	// ErrRefreshTokenUsed indicates the refresh token was already rotated.
	ErrRefreshTokenUsed = errors.New("refresh_store.used")
	// ErrRefreshTokenRevoked indicates the refresh token has been revoked.
	ErrRefreshTokenRevoked = errors.New("refresh_store.revoked")
	// ErrRefreshTokenExpired indicates the refresh token has exceeded its expiry.
	ErrRefreshTokenExpired = errors.New("refresh_store.expired")
	// ErrRefreshTokenEmptyOpaque indicates that the provided opaque token text is empty.
	ErrRefreshTokenEmptyOpaque = errors.New("refresh_store.empty_token")
	// ErrRefreshTokenOwnerInactive indicates the owner of the token is missing or deactivated.
	ErrRefreshTokenOwnerInactive = errors.New("refresh_store.owner_inactive")

	// ErrAccessRecordNotFound indicates no access token record matched the local token id.
	ErrAccessRecordNotFound = errors.New("session_store.access_record_not_found")

	// ErrUserNotFound indicates the directory has no user with the given id.
	ErrUserNotFound = errors.New("user_directory.not_found")
	// ErrEmailConflict indicates the email already belongs to another user.
	ErrEmailConflict = errors.New("user_directory.email_conflict")
	// ErrEmptySubject indicates a profile without an external subject identifier.
	ErrEmptySubject = errors.New("user_directory.empty_subject")
)

// InvalidRefreshToken tags a rejection reason so that it also matches ErrInvalidRefreshToken.
func InvalidRefreshToken(reason error) error {
	return fmt.Errorf("%w: %w", ErrInvalidRefreshToken, reason)
}

// StoreFailure tags a persistence error so that it also matches ErrStoreFailure.
func StoreFailure(operation string, err error) error {
	return fmt.Errorf("%s: %w: %w", operation, ErrStoreFailure, err)
}
