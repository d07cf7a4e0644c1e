package authkit

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

type httpHarness struct {
	t      *testing.T
	server *httptest.Server
	client *http.Client
}

func newHTTPHarness(t *testing.T, fixture serviceFixture) *httpHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	MountAuthRoutes(router.Group("/api/auth"), fixture.service)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &httpHarness{t: t, server: server, client: server.Client()}
}

func (harness *httpHarness) do(method string, path string, bearer string, body string) (int, map[string]interface{}) {
	harness.t.Helper()
	request, err := http.NewRequest(method, harness.server.URL+path, bytes.NewReader([]byte(body)))
	if err != nil {
		harness.t.Fatalf("building %s %s failed: %v", method, path, err)
	}
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}
	response, err := harness.client.Do(request)
	if err != nil {
		harness.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	payload := map[string]interface{}{}
	_ = json.NewDecoder(response.Body).Decode(&payload)
	return response.StatusCode, payload
}

func stringField(payload map[string]interface{}, key string) string {
	value, _ := payload[key].(string)
	return value
}

func TestHTTPAuthLifecycleEndToEnd(t *testing.T) {
	fixture := newServiceFixture(t, NewMemoryStore(), true)
	fixture.bridge.accept("idp-token", tenantProfile)
	harness := newHTTPHarness(t, fixture)

	status, payload := harness.do(http.MethodPost, "/api/auth/login", "", `{"accessToken":"idp-token","expiresIn":3600,"scope":"openid"}`)
	if status != http.StatusOK {
		t.Fatalf("expected 200 from login, got %d (%v)", status, payload)
	}
	accessToken := stringField(payload, "accessToken")
	refreshToken := stringField(payload, "refreshToken")
	if accessToken == "" || refreshToken == "" || stringField(payload, "tokenType") != "Bearer" {
		t.Fatalf("unexpected login payload: %v", payload)
	}
	if payload["expiresIn"] != float64(900) {
		t.Fatalf("expected expiresIn 900, got %v", payload["expiresIn"])
	}
	loginUser, _ := payload["user"].(map[string]interface{})
	if loginUser["firstName"] != "Grace" || loginUser["email"] != "tenant@example.com" {
		t.Fatalf("unexpected login user: %v", loginUser)
	}

	claims, err := fixture.tokens.ParseAccessToken(accessToken)
	if err != nil {
		t.Fatalf("parse access token: %v", err)
	}
	status, payload = harness.do(http.MethodGet, "/api/auth/user", accessToken, "")
	if status != http.StatusOK {
		t.Fatalf("expected 200 from /user, got %d", status)
	}
	if payload["id"] != float64(claims.UserID) || payload["username"] != "tenant" || payload["lastName"] != "Hopper" {
		t.Fatalf("unexpected /user payload: %v", payload)
	}

	status, payload = harness.do(http.MethodGet, "/api/auth/validate", accessToken, "")
	if status != http.StatusOK || payload["valid"] != true || payload["userId"] != float64(claims.UserID) || payload["email"] != "tenant@example.com" {
		t.Fatalf("unexpected /validate response %d %v", status, payload)
	}

	status, payload = harness.do(http.MethodPost, "/api/auth/refresh", "", `{"refreshToken":"`+refreshToken+`"}`)
	if status != http.StatusOK {
		t.Fatalf("expected 200 from refresh, got %d (%v)", status, payload)
	}
	rotatedAccess := stringField(payload, "accessToken")
	rotatedRefresh := stringField(payload, "refreshToken")
	if rotatedRefresh == refreshToken {
		t.Fatalf("expected refresh token to rotate")
	}

	status, payload = harness.do(http.MethodPost, "/api/auth/refresh", "", `{"refreshToken":"`+refreshToken+`"}`)
	if status != http.StatusUnauthorized || stringField(payload, "code") != "auth.invalid_refresh_token" {
		t.Fatalf("expected 401 on refresh reuse, got %d %v", status, payload)
	}

	status, payload = harness.do(http.MethodPost, "/api/auth/logout", rotatedAccess, "")
	if status != http.StatusOK || stringField(payload, "message") != "Logged out successfully" {
		t.Fatalf("unexpected logout response %d %v", status, payload)
	}

	status, _ = harness.do(http.MethodGet, "/api/auth/validate", rotatedAccess, "")
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 from /validate after logout, got %d", status)
	}
	status, _ = harness.do(http.MethodPost, "/api/auth/refresh", "", `{"refreshToken":"`+rotatedRefresh+`"}`)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 from refresh after logout, got %d", status)
	}

	status, payload = harness.do(http.MethodPost, "/api/auth/login", "", `{"accessToken":"idp-token"}`)
	if status != http.StatusOK {
		t.Fatalf("expected 200 from second login, got %d", status)
	}
	status, _ = harness.do(http.MethodGet, "/api/auth/user", stringField(payload, "accessToken"), "")
	if status != http.StatusOK {
		t.Fatalf("expected 200 from /user after re-login, got %d", status)
	}

	if fixture.metrics.Count(metricLoginSuccess) != 2 {
		t.Fatalf("expected 2 login successes, got %d", fixture.metrics.Count(metricLoginSuccess))
	}
	if fixture.metrics.Count(metricRefreshSuccess) != 1 || fixture.metrics.Count(metricRefreshFailure) != 2 {
		t.Fatalf("unexpected refresh metrics: %#v", fixture.metrics.Snapshot())
	}
	if fixture.metrics.Count(metricLogoutSuccess) != 1 {
		t.Fatalf("expected logout metric")
	}
}

func TestHTTPAuthErrorMapping(t *testing.T) {
	store := newFailingStore()
	fixture := newServiceFixture(t, store, true)
	fixture.bridge.accept("owner-token", Profile{Subject: "ext-owner", Email: "shared@example.com"})
	fixture.bridge.accept("intruder-token", Profile{Subject: "ext-intruder", Email: "shared@example.com"})
	fixture.bridge.accept("newcomer-token", Profile{Subject: "ext-newcomer", Email: "newcomer@example.com"})
	fixture.bridge.fail("outage-token", ErrUpstreamUnavailable)
	harness := newHTTPHarness(t, fixture)

	status, login := harness.do(http.MethodPost, "/api/auth/login", "", `{"accessToken":"owner-token"}`)
	if status != http.StatusOK {
		t.Fatalf("expected owner login to succeed, got %d", status)
	}
	ownerAccess := stringField(login, "accessToken")
	ownerRefresh := stringField(login, "refreshToken")

	testCases := []struct {
		name           string
		method         string
		path           string
		bearer         string
		body           string
		storeDown      bool
		expectedStatus int
		expectedCode   string
	}{
		{name: "login without body", method: http.MethodPost, path: "/api/auth/login", expectedStatus: http.StatusBadRequest, expectedCode: "auth.invalid_json"},
		{name: "login without token", method: http.MethodPost, path: "/api/auth/login", body: `{}`, expectedStatus: http.StatusBadRequest, expectedCode: "auth.missing_access_token"},
		{name: "login inactive token", method: http.MethodPost, path: "/api/auth/login", body: `{"accessToken":"unknown"}`, expectedStatus: http.StatusUnauthorized, expectedCode: "auth.invalid_credential"},
		{name: "login upstream outage", method: http.MethodPost, path: "/api/auth/login", body: `{"accessToken":"outage-token"}`, expectedStatus: http.StatusUnauthorized, expectedCode: "auth.upstream_unavailable"},
		{name: "login email conflict", method: http.MethodPost, path: "/api/auth/login", body: `{"accessToken":"intruder-token"}`, expectedStatus: http.StatusConflict, expectedCode: "auth.email_conflict"},
		{name: "refresh without token", method: http.MethodPost, path: "/api/auth/refresh", body: `{}`, expectedStatus: http.StatusBadRequest, expectedCode: "auth.missing_refresh_token"},
		{name: "refresh unknown token", method: http.MethodPost, path: "/api/auth/refresh", body: `{"refreshToken":"never-issued"}`, expectedStatus: http.StatusUnauthorized, expectedCode: "auth.invalid_refresh_token"},
		{name: "user without bearer", method: http.MethodGet, path: "/api/auth/user", expectedStatus: http.StatusUnauthorized, expectedCode: "auth.invalid_session"},
		{name: "validate tampered", method: http.MethodGet, path: "/api/auth/validate", bearer: "tampered", expectedStatus: http.StatusUnauthorized, expectedCode: "auth.invalid_session"},
		{name: "logout without bearer", method: http.MethodPost, path: "/api/auth/logout", expectedStatus: http.StatusUnauthorized, expectedCode: "auth.invalid_session"},
		{name: "login store failure", method: http.MethodPost, path: "/api/auth/login", body: `{"accessToken":"newcomer-token"}`, storeDown: true, expectedStatus: http.StatusInternalServerError, expectedCode: "auth.internal_error"},
		{name: "refresh store failure", method: http.MethodPost, path: "/api/auth/refresh", body: `{"refreshToken":"` + ownerRefresh + `"}`, storeDown: true, expectedStatus: http.StatusInternalServerError, expectedCode: "auth.internal_error"},
		{name: "logout store failure", method: http.MethodPost, path: "/api/auth/logout", bearer: ownerAccess, storeDown: true, expectedStatus: http.StatusInternalServerError, expectedCode: "auth.internal_error"},
		{name: "refresh after store recovers", method: http.MethodPost, path: "/api/auth/refresh", body: `{"refreshToken":"` + ownerRefresh + `"}`, expectedStatus: http.StatusOK},
	}
	for _, testCase := range testCases {
		store.broken.Store(testCase.storeDown)
		status, payload := harness.do(testCase.method, testCase.path, testCase.bearer, testCase.body)
		if status != testCase.expectedStatus {
			t.Fatalf("%s: expected status %d, got %d (%v)", testCase.name, testCase.expectedStatus, status, payload)
		}
		if testCase.expectedCode == "" {
			continue
		}
		if stringField(payload, "code") != testCase.expectedCode {
			t.Fatalf("%s: expected code %s, got %v", testCase.name, testCase.expectedCode, payload)
		}
		if stringField(payload, "message") == "" {
			t.Fatalf("%s: expected a message", testCase.name)
		}
		encoded, _ := json.Marshal(payload)
		if strings.Contains(string(encoded), "disk full") || strings.Contains(string(encoded), "store") {
			t.Fatalf("%s: expected no internal detail in %s", testCase.name, encoded)
		}
	}
}
