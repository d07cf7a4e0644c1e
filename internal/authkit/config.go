package authkit

import "time"

const (
	// DefaultAccessTokenTTL applies when no access token lifetime is configured.
	DefaultAccessTokenTTL = 60 * time.Minute
	// DefaultRefreshTokenTTL applies when no refresh token lifetime is configured.
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
	// DefaultIdentityProviderTimeout bounds every identity provider call.
	DefaultIdentityProviderTimeout = 5 * time.Second
)

// IdentityProviderConfig locates the identity provider endpoints and service credentials.
type IdentityProviderConfig struct {
	UserInfoURL   string
	IntrospectURL string
	ClientID      string
	ClientSecret  string
	Timeout       time.Duration
}

// ServerConfig configures the identity provider, token signing, and TTLs.
// It is built once at startup and never mutated.
type ServerConfig struct {
	IdentityProvider        IdentityProviderConfig
	Keyring                 *Keyring
	AppJWTIssuer            string
	AccessTokenTTL          time.Duration
	RefreshTokenTTL         time.Duration
	EnforceAccessRevocation bool
}
