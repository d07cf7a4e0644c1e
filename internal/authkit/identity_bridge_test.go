package authkit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIdentityServer(t *testing.T, introspect http.HandlerFunc, userInfo http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/introspect", introspect)
	mux.HandleFunc("/userinfo", userInfo)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestBridge(t *testing.T, server *httptest.Server, timeout time.Duration) *HTTPIdentityBridge {
	t.Helper()
	bridge, err := NewHTTPIdentityBridge(IdentityProviderConfig{
		IntrospectURL: server.URL + "/introspect",
		UserInfoURL:   server.URL + "/userinfo",
		ClientID:      "gateway",
		ClientSecret:  "gateway-secret",
		Timeout:       timeout,
	}, server.Client())
	require.NoError(t, err)
	return bridge
}

func TestHTTPIdentityBridge_Introspect(t *testing.T) {
	t.Parallel()

	server := newIdentityServer(t, func(w http.ResponseWriter, r *http.Request) {
		clientID, secret, ok := r.BasicAuth()
		if !ok || clientID != "gateway" || secret != "gateway-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		switch r.PostForm.Get("token") {
		case "live-token":
			_, _ = w.Write([]byte(`{"active": true, "sub": "ext-1"}`))
		case "stale-token":
			_, _ = w.Write([]byte(`{"active": false}`))
		case "odd-token":
			_, _ = w.Write([]byte(`{"sub": "ext-1"}`))
		case "broken-token":
			_, _ = w.Write([]byte(`not-json`))
		case "outage-token":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}, func(w http.ResponseWriter, r *http.Request) {})
	bridge := newTestBridge(t, server, time.Second)

	require.NoError(t, bridge.Introspect(context.Background(), "live-token"))
	assert.ErrorIs(t, bridge.Introspect(context.Background(), "stale-token"), ErrInvalidCredential)
	assert.ErrorIs(t, bridge.Introspect(context.Background(), "odd-token"), ErrInvalidCredential)
	assert.ErrorIs(t, bridge.Introspect(context.Background(), "broken-token"), ErrInvalidCredential)
	assert.ErrorIs(t, bridge.Introspect(context.Background(), "unknown-token"), ErrInvalidCredential)
	assert.ErrorIs(t, bridge.Introspect(context.Background(), "outage-token"), ErrUpstreamUnavailable)
}

func TestHTTPIdentityBridge_IntrospectTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := newIdentityServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, func(w http.ResponseWriter, r *http.Request) {})
	defer close(release)
	bridge := newTestBridge(t, server, 50*time.Millisecond)

	err := bridge.Introspect(context.Background(), "slow-token")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.NotErrorIs(t, err, ErrInvalidCredential)
}

func TestHTTPIdentityBridge_FetchProfile(t *testing.T) {
	t.Parallel()

	server := newIdentityServer(t, func(w http.ResponseWriter, r *http.Request) {}, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Header.Get("Authorization") {
		case "Bearer full-token":
			_, _ = w.Write([]byte(`{
				"sub": "ext-42",
				"email": "tenant@example.com",
				"username": "tenant42",
				"given_name": "Grace",
				"family_name": "Hopper",
				"email_verified": true
			}`))
		case "Bearer preferred-token":
			_, _ = w.Write([]byte(`{"sub": "ext-43", "preferred_username": "pref", "email": "pref@example.com"}`))
		case "Bearer email-only-token":
			_, _ = w.Write([]byte(`{"sub": "ext-44", "email": "only@example.com"}`))
		case "Bearer anonymous-token":
			_, _ = w.Write([]byte(`{"email": "nobody@example.com"}`))
		case "Bearer outage-token":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	})
	bridge := newTestBridge(t, server, time.Second)

	profile, err := bridge.FetchProfile(context.Background(), "full-token")
	require.NoError(t, err)
	assert.Equal(t, Profile{
		Subject:       "ext-42",
		Email:         "tenant@example.com",
		Username:      "tenant42",
		GivenName:     "Grace",
		FamilyName:    "Hopper",
		EmailVerified: true,
	}, profile)

	profile, err = bridge.FetchProfile(context.Background(), "preferred-token")
	require.NoError(t, err)
	assert.Equal(t, "pref", profile.Username)

	profile, err = bridge.FetchProfile(context.Background(), "email-only-token")
	require.NoError(t, err)
	assert.Equal(t, "only@example.com", profile.Username)

	_, err = bridge.FetchProfile(context.Background(), "anonymous-token")
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = bridge.FetchProfile(context.Background(), "revoked-token")
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = bridge.FetchProfile(context.Background(), "outage-token")
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestHTTPIdentityBridge_UnreachableProvider(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	bridge := newTestBridge(t, server, time.Second)
	server.Close()

	assert.ErrorIs(t, bridge.Introspect(context.Background(), "any"), ErrUpstreamUnavailable)
	_, err := bridge.FetchProfile(context.Background(), "any")
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestNewHTTPIdentityBridgeRequiresEndpoints(t *testing.T) {
	t.Parallel()

	_, err := NewHTTPIdentityBridge(IdentityProviderConfig{UserInfoURL: "http://idp/userinfo"}, nil)
	assert.ErrorIs(t, err, errMissingIdentityEndpoint)
}
