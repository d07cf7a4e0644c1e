package authkit

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/propertyhub/authbridge/pkg/sessionvalidator"
)

var (
	errEmptySubject     = errors.New("subject must be non-empty")
	errEmptySigningKey  = errors.New("jwt.keyring: signing key must be non-empty")
	errDuplicateKeyID   = errors.New("jwt.keyring: duplicate key id")
	errMissingIssuer    = errors.New("jwt.issuer: issuer must be non-empty")
	errNonPositiveTTL   = errors.New("jwt.issuer: ttl must be greater than zero")
	errMissingKeyring   = errors.New("jwt.issuer: keyring must be provided")
	errInvalidKeyEntry  = errors.New("jwt.keyring: key entries must look like kid=secret")
	notBeforeSkewWindow = 30 * time.Second
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewSystemClock returns a Clock backed by time.Now in UTC.
func NewSystemClock() Clock {
	return systemClock{}
}

// Keyring holds the signing key and any retired keys still accepted for verification.
type Keyring struct {
	activeID string
	keys     map[string][]byte
}

// NewKeyring builds a keyring whose active key signs new tokens.
func NewKeyring(activeID string, activeKey []byte, previous map[string][]byte) (*Keyring, error) {
	if len(activeKey) == 0 {
		return nil, errEmptySigningKey
	}
	keys := map[string][]byte{activeID: activeKey}
	for keyID, secret := range previous {
		if len(secret) == 0 {
			return nil, errEmptySigningKey
		}
		if _, exists := keys[keyID]; exists {
			return nil, fmt.Errorf("%w: %s", errDuplicateKeyID, keyID)
		}
		keys[keyID] = secret
	}
	return &Keyring{activeID: activeID, keys: keys}, nil
}

// ParseKeyEntries converts kid=secret entries into a key map.
func ParseKeyEntries(entries []string) (map[string][]byte, error) {
	parsed := make(map[string][]byte, len(entries))
	for _, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		keyID, secret, found := strings.Cut(trimmed, "=")
		if !found || strings.TrimSpace(keyID) == "" || secret == "" {
			return nil, errInvalidKeyEntry
		}
		parsed[strings.TrimSpace(keyID)] = []byte(secret)
	}
	return parsed, nil
}

// ActiveID returns the key id stamped on newly signed tokens.
func (keyring *Keyring) ActiveID() string {
	return keyring.activeID
}

// VerificationKeys returns a copy of every key accepted for verification.
func (keyring *Keyring) VerificationKeys() map[string][]byte {
	clone := make(map[string][]byte, len(keyring.keys))
	for keyID, secret := range keyring.keys {
		clone[keyID] = secret
	}
	return clone
}

// AccessToken is a signed access token together with its identifiers.
type AccessToken struct {
	Value     string
	TokenID   string
	ExpiresAt time.Time
}

// TokenIssuer mints local access tokens and opaque refresh tokens.
type TokenIssuer struct {
	keyring   *Keyring
	issuer    string
	ttl       time.Duration
	clock     Clock
	validator *sessionvalidator.Validator
}

// NewTokenIssuer constructs an issuer that signs with the keyring's active key.
func NewTokenIssuer(keyring *Keyring, issuer string, ttl time.Duration, clock Clock) (*TokenIssuer, error) {
	if keyring == nil {
		return nil, errMissingKeyring
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, errMissingIssuer
	}
	if ttl <= 0 {
		return nil, errNonPositiveTTL
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		Keys:   keyring.VerificationKeys(),
		Issuer: issuer,
		Clock:  clock,
	})
	if err != nil {
		return nil, fmt.Errorf("jwt.issuer: %w", err)
	}
	return &TokenIssuer{
		keyring:   keyring,
		issuer:    issuer,
		ttl:       ttl,
		clock:     clock,
		validator: validator,
	}, nil
}

// TTL returns the configured access token lifetime.
func (tokenIssuer *TokenIssuer) TTL() time.Duration {
	return tokenIssuer.ttl
}

// IssueAccessToken creates a signed HS256 access token for the user.
func (tokenIssuer *TokenIssuer) IssueAccessToken(user User) (AccessToken, error) {
	if user.ID <= 0 {
		return AccessToken{}, fmt.Errorf("jwt.mint.failure: %w", errEmptySubject)
	}
	issuedAt := tokenIssuer.clock.Now().UTC()
	expiresAt := issuedAt.Add(tokenIssuer.ttl)
	tokenID := uuid.NewString()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionvalidator.Claims{
		UserID:     user.ID,
		Username:   user.Username,
		Email:      user.Email,
		GivenName:  user.FirstName,
		FamilyName: user.LastName,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Issuer:    tokenIssuer.issuer,
			Subject:   strconv.FormatInt(user.ID, 10),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-notBeforeSkewWindow)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	token.Header["kid"] = tokenIssuer.keyring.ActiveID()
	signed, err := token.SignedString(tokenIssuer.keyring.keys[tokenIssuer.keyring.ActiveID()])
	if err != nil {
		return AccessToken{}, fmt.Errorf("jwt.mint.failure: %w", err)
	}
	return AccessToken{Value: signed, TokenID: tokenID, ExpiresAt: expiresAt}, nil
}

// IssueRefreshToken returns a new opaque refresh token and the hash stored for it.
func (tokenIssuer *TokenIssuer) IssueRefreshToken() (string, string, error) {
	return generateRefreshOpaque()
}

// ParseAccessToken verifies signature, issuer, and expiry and returns the claims.
func (tokenIssuer *TokenIssuer) ParseAccessToken(tokenValue string) (*sessionvalidator.Claims, error) {
	return tokenIssuer.validator.ValidateToken(tokenValue)
}
