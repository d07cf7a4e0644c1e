package authkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

const identityResponseLimit = 1 << 20

var errMissingIdentityEndpoint = errors.New("identity_bridge: endpoint url must be provided")

// IdentityBridge checks external access tokens against the identity provider.
type IdentityBridge interface {
	Introspect(ctx context.Context, externalToken string) error
	FetchProfile(ctx context.Context, externalToken string) (Profile, error)
}

// HTTPIdentityBridge talks to the identity provider's introspection and user-info endpoints.
type HTTPIdentityBridge struct {
	config     IdentityProviderConfig
	httpClient *http.Client
}

// NewHTTPIdentityBridge validates endpoints and builds the bridge. A nil client uses http.DefaultClient.
func NewHTTPIdentityBridge(config IdentityProviderConfig, httpClient *http.Client) (*HTTPIdentityBridge, error) {
	if strings.TrimSpace(config.IntrospectURL) == "" || strings.TrimSpace(config.UserInfoURL) == "" {
		return nil, errMissingIdentityEndpoint
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultIdentityProviderTimeout
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPIdentityBridge{config: config, httpClient: httpClient}, nil
}

type introspectionResponse struct {
	Active *bool `json:"active"`
}

// Introspect succeeds only when the provider reports the token as active.
func (bridge *HTTPIdentityBridge) Introspect(ctx context.Context, externalToken string) error {
	callCtx, cancel := context.WithTimeout(ctx, bridge.config.Timeout)
	defer cancel()

	form := url.Values{"token": {externalToken}}
	request, err := http.NewRequestWithContext(callCtx, http.MethodPost, bridge.config.IntrospectURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("identity_bridge.introspect: %w: %w", ErrUpstreamUnavailable, err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("Accept", "application/json")
	if bridge.config.ClientID != "" {
		request.SetBasicAuth(bridge.config.ClientID, bridge.config.ClientSecret)
	}

	body, err := bridge.execute(bridge.httpClient, request, "identity_bridge.introspect")
	if err != nil {
		return err
	}
	var payload introspectionResponse
	if decodeErr := json.Unmarshal(body, &payload); decodeErr != nil {
		return fmt.Errorf("identity_bridge.introspect: %w: %w", ErrInvalidCredential, decodeErr)
	}
	if payload.Active == nil || !*payload.Active {
		return fmt.Errorf("identity_bridge.introspect: %w: token inactive", ErrInvalidCredential)
	}
	return nil
}

type userInfoResponse struct {
	Subject           string `json:"sub"`
	Email             string `json:"email"`
	Username          string `json:"username"`
	PreferredUsername string `json:"preferred_username"`
	GivenName         string `json:"given_name"`
	FamilyName        string `json:"family_name"`
	EmailVerified     bool   `json:"email_verified"`
}

// FetchProfile reads the user-info document with the caller's token as bearer.
func (bridge *HTTPIdentityBridge) FetchProfile(ctx context.Context, externalToken string) (Profile, error) {
	callCtx, cancel := context.WithTimeout(ctx, bridge.config.Timeout)
	defer cancel()

	clientCtx := context.WithValue(callCtx, oauth2.HTTPClient, bridge.httpClient)
	bearerClient := oauth2.NewClient(clientCtx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: externalToken, TokenType: "Bearer"}))

	request, err := http.NewRequestWithContext(callCtx, http.MethodGet, bridge.config.UserInfoURL, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("identity_bridge.userinfo: %w: %w", ErrUpstreamUnavailable, err)
	}
	request.Header.Set("Accept", "application/json")

	body, err := bridge.execute(bearerClient, request, "identity_bridge.userinfo")
	if err != nil {
		return Profile{}, err
	}
	var payload userInfoResponse
	if decodeErr := json.Unmarshal(body, &payload); decodeErr != nil {
		return Profile{}, fmt.Errorf("identity_bridge.userinfo: %w: %w", ErrInvalidCredential, decodeErr)
	}
	if strings.TrimSpace(payload.Subject) == "" {
		return Profile{}, fmt.Errorf("identity_bridge.userinfo: %w: missing sub", ErrInvalidCredential)
	}

	username := payload.Username
	if username == "" {
		username = payload.PreferredUsername
	}
	if username == "" {
		username = payload.Email
	}
	return Profile{
		Subject:       payload.Subject,
		Email:         strings.TrimSpace(payload.Email),
		Username:      username,
		GivenName:     payload.GivenName,
		FamilyName:    payload.FamilyName,
		EmailVerified: payload.EmailVerified,
	}, nil
}

// execute maps transport failures and 5xx to ErrUpstreamUnavailable and any other non-2xx to ErrInvalidCredential.
func (bridge *HTTPIdentityBridge) execute(client *http.Client, request *http.Request, operation string) ([]byte, error) {
	response, err := client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", operation, ErrUpstreamUnavailable, err)
	}
	defer response.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(response.Body, identityResponseLimit))
	if readErr != nil {
		return nil, fmt.Errorf("%s: %w: %w", operation, ErrUpstreamUnavailable, readErr)
	}
	switch {
	case response.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%s: %w: status %d", operation, ErrUpstreamUnavailable, response.StatusCode)
	case response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices:
		return nil, fmt.Errorf("%s: %w: status %d", operation, ErrInvalidCredential, response.StatusCode)
	}
	return body, nil
}
