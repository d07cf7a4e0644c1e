package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const bearerTokenType = "Bearer"

var errMissingDependency = errors.New("auth.service: missing dependency")

// LoginRequest carries the credentials the caller obtained from the identity provider.
type LoginRequest struct {
	AccessToken  string `json:"accessToken"`
	IDToken      string `json:"idToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int64  `json:"expiresIn"`
	Scope        string `json:"scope,omitempty"`
	Code         string `json:"code,omitempty"`
}

// UserSummary is the public projection of a user.
type UserSummary struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

// TokenResponse is returned by login and refresh.
type TokenResponse struct {
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	TokenType    string      `json:"tokenType"`
	ExpiresIn    int64       `json:"expiresIn"`
	User         UserSummary `json:"user"`
}

// SessionPrincipal identifies the caller behind a verified access token.
type SessionPrincipal struct {
	UserID    int64
	Username  string
	Email     string
	TokenID   string
	ExpiresAt time.Time
}

// ServiceDependencies wires the collaborators of Service.
type ServiceDependencies struct {
	Identity IdentityBridge
	Users    UserDirectory
	Sessions SessionStore
	Tokens   *TokenIssuer
	Clock    Clock
	Logger   *zap.Logger
	Metrics  MetricsRecorder
}

// Service runs the login, rotation, revocation, and validation flows.
type Service struct {
	identity          IdentityBridge
	users             UserDirectory
	sessions          SessionStore
	tokens            *TokenIssuer
	clock             Clock
	logger            *zap.Logger
	metrics           MetricsRecorder
	refreshTTL        time.Duration
	enforceRevocation bool
}

// NewService validates the dependencies and returns a ready Service.
func NewService(config ServerConfig, dependencies ServiceDependencies) (*Service, error) {
	if dependencies.Identity == nil || dependencies.Users == nil || dependencies.Sessions == nil || dependencies.Tokens == nil {
		return nil, errMissingDependency
	}
	refreshTTL := config.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTokenTTL
	}
	service := &Service{
		identity:          dependencies.Identity,
		users:             dependencies.Users,
		sessions:          dependencies.Sessions,
		tokens:            dependencies.Tokens,
		clock:             dependencies.Clock,
		logger:            dependencies.Logger,
		metrics:           dependencies.Metrics,
		refreshTTL:        refreshTTL,
		enforceRevocation: config.EnforceAccessRevocation,
	}
	if service.clock == nil {
		service.clock = NewSystemClock()
	}
	if service.logger == nil {
		service.logger = zap.NewNop()
	}
	if service.metrics == nil {
		service.metrics = noopMetrics{}
	}
	return service, nil
}

// Login exchanges an identity provider access token for a local token pair.
// Nothing is written unless both introspection and the profile fetch succeed, and
// the user upsert commits only together with the new session.
func (service *Service) Login(ctx context.Context, request LoginRequest) (TokenResponse, error) {
	externalToken := strings.TrimSpace(request.AccessToken)
	if externalToken == "" {
		return TokenResponse{}, ErrMissingAccessToken
	}

	if err := service.identity.Introspect(ctx, externalToken); err != nil {
		return TokenResponse{}, service.rejectLogin(err)
	}
	profile, err := service.identity.FetchProfile(ctx, externalToken)
	if err != nil {
		return TokenResponse{}, service.rejectLogin(err)
	}

	now := service.clock.Now().UTC()
	var issued AccessToken
	var refreshOpaque string
	mint := func(user User) (AccessTokenRecord, RefreshTokenRecord, error) {
		accessToken, err := service.tokens.IssueAccessToken(user)
		if err != nil {
			return AccessTokenRecord{}, RefreshTokenRecord{}, StoreFailure("auth.login.mint", err)
		}
		opaque, refreshHash, err := service.tokens.IssueRefreshToken()
		if err != nil {
			return AccessTokenRecord{}, RefreshTokenRecord{}, StoreFailure("auth.login.mint", err)
		}

		refreshRecord := RefreshTokenRecord{
			ID:                   uuid.NewString(),
			UserID:               user.ID,
			TokenHash:            refreshHash,
			ExternalRefreshToken: request.RefreshToken,
			IssuedAt:             now,
			ExpiresAt:            now.Add(service.refreshTTL),
		}
		accessRecord := AccessTokenRecord{
			ID:                  uuid.NewString(),
			UserID:              user.ID,
			RefreshTokenID:      refreshRecord.ID,
			LocalTokenID:        accessToken.TokenID,
			ExternalAccessToken: externalToken,
			ExternalIDToken:     request.IDToken,
			TokenType:           bearerTokenType,
			Scope:               request.Scope,
			IssuedAt:            now,
		}
		if request.ExpiresIn > 0 {
			accessRecord.ExternalExpiresAt = now.Add(time.Duration(request.ExpiresIn) * time.Second)
		}
		issued = accessToken
		refreshOpaque = opaque
		return accessRecord, refreshRecord, nil
	}
	user, err := service.sessions.OpenSession(ctx, profile, now, mint)
	if err != nil {
		return TokenResponse{}, service.rejectLogin(err)
	}

	service.metrics.Increment(metricLoginSuccess)
	service.logger.Info("login succeeded", zap.Int64("user_id", user.ID), zap.String("token_id", issued.TokenID))
	return service.tokenResponse(issued, refreshOpaque, user), nil
}

// Refresh rotates a refresh token into a new token pair.
func (service *Service) Refresh(ctx context.Context, refreshToken string) (TokenResponse, error) {
	presented := strings.TrimSpace(refreshToken)
	if presented == "" {
		return TokenResponse{}, ErrMissingRefreshToken
	}

	now := service.clock.Now().UTC()
	var issued AccessToken
	var successorOpaque string
	mint := func(owner User, consumed RefreshTokenRecord, paired AccessTokenRecord) (AccessTokenRecord, RefreshTokenRecord, error) {
		accessToken, err := service.tokens.IssueAccessToken(owner)
		if err != nil {
			return AccessTokenRecord{}, RefreshTokenRecord{}, err
		}
		opaque, hash, err := service.tokens.IssueRefreshToken()
		if err != nil {
			return AccessTokenRecord{}, RefreshTokenRecord{}, err
		}
		successor := RefreshTokenRecord{
			ID:                   uuid.NewString(),
			UserID:               owner.ID,
			TokenHash:            hash,
			ExternalRefreshToken: consumed.ExternalRefreshToken,
			PreviousTokenID:      consumed.ID,
			IssuedAt:             now,
			ExpiresAt:            now.Add(service.refreshTTL),
		}
		tokenType := paired.TokenType
		if tokenType == "" {
			tokenType = bearerTokenType
		}
		access := AccessTokenRecord{
			ID:                  uuid.NewString(),
			UserID:              owner.ID,
			RefreshTokenID:      successor.ID,
			LocalTokenID:        accessToken.TokenID,
			ExternalAccessToken: paired.ExternalAccessToken,
			ExternalIDToken:     paired.ExternalIDToken,
			TokenType:           tokenType,
			Scope:               paired.Scope,
			ExternalExpiresAt:   paired.ExternalExpiresAt,
			IssuedAt:            now,
		}
		issued = accessToken
		successorOpaque = opaque
		return access, successor, nil
	}

	owner, err := service.sessions.RotateRefreshToken(ctx, HashRefreshToken(presented), now, mint)
	if err != nil {
		service.metrics.Increment(metricRefreshFailure)
		if errors.Is(err, ErrInvalidRefreshToken) {
			service.logger.Warn("refresh rejected", zap.String("code", "auth.refresh.invalid_refresh_token"), zap.Error(err))
			return TokenResponse{}, err
		}
		err = asStoreFailure("auth.refresh", err)
		service.logger.Error("refresh failed", zap.String("code", "auth.refresh.store_failure"), zap.Error(err))
		return TokenResponse{}, err
	}

	service.metrics.Increment(metricRefreshSuccess)
	service.logger.Info("refresh succeeded", zap.Int64("user_id", owner.ID), zap.String("token_id", issued.TokenID))
	return service.tokenResponse(issued, successorOpaque, owner), nil
}

// Logout revokes every outstanding record of the principal and returns how many changed.
func (service *Service) Logout(ctx context.Context, principal SessionPrincipal) (int64, error) {
	revoked, err := service.sessions.RevokeAll(ctx, principal.UserID, service.clock.Now().UTC())
	if err != nil {
		err = asStoreFailure("auth.logout", err)
		service.logger.Error("logout failed", zap.String("code", "auth.logout.store_failure"), zap.Int64("user_id", principal.UserID), zap.Error(err))
		return 0, err
	}
	service.metrics.Increment(metricLogoutSuccess)
	service.logger.Info("logout succeeded", zap.Int64("user_id", principal.UserID), zap.Int64("revoked", revoked))
	return revoked, nil
}

// ValidateSession verifies a local access token and its owner.
// With access revocation enforced, a token whose record was revoked at logout is rejected too.
func (service *Service) ValidateSession(ctx context.Context, accessToken string) (SessionPrincipal, error) {
	principal, err := service.validateSession(ctx, accessToken)
	if err != nil {
		service.metrics.Increment(metricSessionRejected)
		if errors.Is(err, ErrInvalidSession) {
			service.logger.Debug("session rejected", zap.String("code", "auth.session.invalid"), zap.Error(err))
		} else {
			service.logger.Error("session validation failed", zap.String("code", "auth.session.store_failure"), zap.Error(err))
		}
		return SessionPrincipal{}, err
	}
	return principal, nil
}

func (service *Service) validateSession(ctx context.Context, accessToken string) (SessionPrincipal, error) {
	if strings.TrimSpace(accessToken) == "" {
		return SessionPrincipal{}, fmt.Errorf("%w: missing token", ErrInvalidSession)
	}
	claims, err := service.tokens.ParseAccessToken(accessToken)
	if err != nil {
		return SessionPrincipal{}, fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}
	user, err := service.users.GetUser(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return SessionPrincipal{}, fmt.Errorf("%w: %w", ErrInvalidSession, err)
		}
		return SessionPrincipal{}, asStoreFailure("auth.session", err)
	}
	if !user.Active {
		return SessionPrincipal{}, fmt.Errorf("%w: user inactive", ErrInvalidSession)
	}
	if service.enforceRevocation {
		record, findErr := service.sessions.FindAccessRecord(ctx, claims.ID)
		if findErr != nil {
			if errors.Is(findErr, ErrAccessRecordNotFound) {
				return SessionPrincipal{}, fmt.Errorf("%w: %w", ErrInvalidSession, findErr)
			}
			return SessionPrincipal{}, asStoreFailure("auth.session", findErr)
		}
		if record.Revoked || record.UserID != user.ID {
			return SessionPrincipal{}, fmt.Errorf("%w: access token revoked", ErrInvalidSession)
		}
	}
	principal := SessionPrincipal{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
		TokenID:  claims.ID,
	}
	if claims.ExpiresAt != nil {
		principal.ExpiresAt = claims.ExpiresAt.Time
	}
	return principal, nil
}

// IsValid reports whether accessToken is a live session belonging to userID.
func (service *Service) IsValid(ctx context.Context, userID int64, accessToken string) bool {
	principal, err := service.ValidateSession(ctx, accessToken)
	return err == nil && principal.UserID == userID
}

// CurrentUser loads the user behind the principal.
func (service *Service) CurrentUser(ctx context.Context, principal SessionPrincipal) (User, error) {
	user, err := service.users.GetUser(ctx, principal.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, fmt.Errorf("%w: %w", ErrInvalidSession, err)
		}
		return User{}, asStoreFailure("auth.user", err)
	}
	return user, nil
}

func (service *Service) rejectLogin(err error) error {
	service.metrics.Increment(metricLoginFailure)
	switch {
	case errors.Is(err, ErrUpstreamUnavailable):
		service.logger.Warn("login rejected", zap.String("code", "auth.login.upstream_unavailable"), zap.Error(err))
	case errors.Is(err, ErrInvalidCredential):
		service.logger.Info("login rejected", zap.String("code", "auth.login.invalid_credential"), zap.Error(err))
	case errors.Is(err, ErrEmailConflict):
		service.logger.Warn("login rejected", zap.String("code", "auth.login.email_conflict"), zap.Error(err))
	case errors.Is(err, ErrEmptySubject):
		err = fmt.Errorf("%w: %w", ErrInvalidCredential, err)
		service.logger.Info("login rejected", zap.String("code", "auth.login.invalid_credential"), zap.Error(err))
	default:
		err = asStoreFailure("auth.login", err)
		service.logger.Error("login failed", zap.String("code", "auth.login.store_failure"), zap.Error(err))
	}
	return err
}

func (service *Service) tokenResponse(accessToken AccessToken, refreshOpaque string, user User) TokenResponse {
	return TokenResponse{
		AccessToken:  accessToken.Value,
		RefreshToken: refreshOpaque,
		TokenType:    bearerTokenType,
		ExpiresIn:    int64(service.tokens.TTL() / time.Second),
		User:         summarizeUser(user),
	}
}

func summarizeUser(user User) UserSummary {
	return UserSummary{
		ID:        user.ID,
		Username:  user.Username,
		Email:     user.Email,
		FirstName: user.FirstName,
		LastName:  user.LastName,
	}
}

func asStoreFailure(operation string, err error) error {
	if errors.Is(err, ErrStoreFailure) {
		return err
	}
	return StoreFailure(operation, err)
}
