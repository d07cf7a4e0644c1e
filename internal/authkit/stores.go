package authkit

import (
	"context"
	"time"
)

// Profile carries the identity claims returned by the identity provider.
type Profile struct {
	Subject       string
	Email         string
	Username      string
	GivenName     string
	FamilyName    string
	EmailVerified bool
}

// User is the local identity anchored to one external subject.
type User struct {
	ID              int64
	ExternalSubject string
	Email           string
	Username        string
	FirstName       string
	LastName        string
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastLoginAt     time.Time
}

// AccessTokenRecord audits the external credential accepted for an issuance.
type AccessTokenRecord struct {
	ID                  string
	UserID              int64
	RefreshTokenID      string
	LocalTokenID        string
	ExternalAccessToken string
	ExternalIDToken     string
	TokenType           string
	Scope               string
	ExternalExpiresAt   time.Time
	IssuedAt            time.Time
	Revoked             bool
	RevokedAt           time.Time
}

// RefreshTokenRecord is the unit of rotation. Only the hash of the opaque value is kept.
type RefreshTokenRecord struct {
	ID                   string
	UserID               int64
	TokenHash            string
	ExternalRefreshToken string
	PreviousTokenID      string
	IssuedAt             time.Time
	ExpiresAt            time.Time
	Used                 bool
	UsedAt               time.Time
	Revoked              bool
	RevokedAt            time.Time
}

// RejectionReason reports why the record cannot be rotated at now, or nil when it can.
func (record RefreshTokenRecord) RejectionReason(now time.Time) error {
	switch {
	case record.Revoked:
		return ErrRefreshTokenRevoked
	case record.Used:
		return ErrRefreshTokenUsed
	case !now.Before(record.ExpiresAt):
		return ErrRefreshTokenExpired
	default:
		return nil
	}
}

// RotationMinter builds the successor records for a consumed refresh token.
// It runs inside the rotation transaction; an error aborts the rotation.
type RotationMinter func(owner User, consumed RefreshTokenRecord, paired AccessTokenRecord) (AccessTokenRecord, RefreshTokenRecord, error)

// SessionMinter builds the records of a new session for the user a login resolved to.
// It runs inside the login transaction; an error aborts the login and leaves the user untouched.
type SessionMinter func(user User) (AccessTokenRecord, RefreshTokenRecord, error)

// UserDirectory persists and retrieves application users.
type UserDirectory interface {
	UpsertExternalUser(ctx context.Context, profile Profile, now time.Time) (User, error)
	GetUser(ctx context.Context, userID int64) (User, error)
}

// SessionStore persists issued token records and enforces single use and revocation.
type SessionStore interface {
	OpenSession(ctx context.Context, profile Profile, now time.Time, mint SessionMinter) (User, error)
	RotateRefreshToken(ctx context.Context, tokenHash string, now time.Time, mint RotationMinter) (User, error)
	FindAccessRecord(ctx context.Context, localTokenID string) (AccessTokenRecord, error)
	RevokeAll(ctx context.Context, userID int64, now time.Time) (int64, error)
}

// Store is implemented by backends that serve both the directory and the session records.
type Store interface {
	UserDirectory
	SessionStore
	Ping(ctx context.Context) error
	Driver() string
}
