package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/mcp-gateway/internal/testutil"
	"github.com/giantswarm/mcp-gateway/storage/memory"
)

const testRedirectURI = "https://client.example/cb"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestGateway builds a gateway over an in-memory store with rate limiting
// disabled so tests are deterministic.
func newTestGateway(t *testing.T) (*Server, *http.ServeMux) {
	t.Helper()

	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)

	cfg := DefaultConfig()
	cfg.Issuer = "https://gw.example"
	cfg.MasterKey = testutil.TestMasterKey()
	cfg.RateLimitPerSecond = 0

	logger := discardLogger()
	server, err := New(cfg, store, logger)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = server.Close(context.Background()) })

	handler := NewHandler(server, logger)
	mux := http.NewServeMux()
	handler.Routes(mux)
	handler.StreamRoutes(mux)
	return server, mux
}

// obtainCode drives GET /authorize and returns the issued code together with
// the PKCE verifier that unlocks it.
func obtainCode(t *testing.T, mux *http.ServeMux) (code, verifier string) {
	t.Helper()

	challenge, verifier := testutil.GeneratePKCEPair()
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("redirect_uri", testRedirectURI)
	q.Set("state", "opaque-state")
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")

	rr := testutil.NewHTTPRequest(http.MethodGet, "/authorize?"+q.Encode()).Do(mux)
	if rr.Code != http.StatusFound {
		t.Fatalf("authorize status %d, want 302: %s", rr.Code, rr.Body.String())
	}

	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("bad Location header: %v", err)
	}
	code = loc.Query().Get("code")
	if code == "" {
		t.Fatal("no code in redirect")
	}
	return code, verifier
}

// exchangeCode drives POST /token and returns the recorder.
func exchangeCode(t *testing.T, mux *http.ServeMux, code, verifier string) *httptest.ResponseRecorder {
	t.Helper()

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", testRedirectURI)
	form.Set("code_verifier", verifier)

	return testutil.NewHTTPRequest(http.MethodPost, "/token").
		WithHeader("Content-Type", "application/x-www-form-urlencoded").
		WithBody(form.Encode()).
		Do(mux)
}

// obtainToken runs the full authorize + exchange flow.
func obtainToken(t *testing.T, mux *http.ServeMux) TokenResponse {
	t.Helper()

	code, verifier := obtainCode(t, mux)
	rr := exchangeCode(t, mux, code, verifier)
	if rr.Code != http.StatusOK {
		t.Fatalf("exchange status %d, want 200: %s", rr.Code, rr.Body.String())
	}

	var resp TokenResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad token response: %v", err)
	}
	return resp
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad error response %q: %v", rr.Body.String(), err)
	}
	return resp
}

func TestAuthorizeRedirectsWithCodeAndState(t *testing.T) {
	_, mux := newTestGateway(t)

	challenge, _ := testutil.GeneratePKCEPair()
	q := url.Values{}
	q.Set("redirect_uri", testRedirectURI)
	q.Set("state", "opaque-state")
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")

	rr := testutil.NewHTTPRequest(http.MethodGet, "/authorize?"+q.Encode()).Do(mux)
	if rr.Code != http.StatusFound {
		t.Fatalf("status %d, want 302: %s", rr.Code, rr.Body.String())
	}

	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("bad Location: %v", err)
	}
	if loc.Scheme != "https" || loc.Host != "client.example" || loc.Path != "/cb" {
		t.Errorf("redirect went to %q, want the client's redirect_uri", loc.String())
	}
	if loc.Query().Get("code") == "" {
		t.Error("no code parameter in redirect")
	}
	if got := loc.Query().Get("state"); got != "opaque-state" {
		t.Errorf("state %q, want echoed verbatim", got)
	}
}

func TestAuthorizeRejectsInvalidRedirectURI(t *testing.T) {
	_, mux := newTestGateway(t)

	tests := []struct {
		name string
		uri  string
	}{
		{"plain http non-loopback", "http://evil.example/cb"},
		{"relative", "/cb"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := url.Values{}
			if tt.uri != "" {
				q.Set("redirect_uri", tt.uri)
			}
			q.Set("code_challenge", "whatever")

			rr := testutil.NewHTTPRequest(http.MethodGet, "/authorize?"+q.Encode()).Do(mux)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status %d, want 400", rr.Code)
			}
			if resp := decodeError(t, rr); resp.Error != ErrorCodeInvalidRequest {
				t.Errorf("error %q, want invalid_request", resp.Error)
			}
		})
	}
}

func TestAuthorizeAllowsLoopbackRedirect(t *testing.T) {
	_, mux := newTestGateway(t)

	for _, uri := range []string{"http://localhost:1234/cb", "http://127.0.0.1:1234/cb"} {
		challenge, _ := testutil.GeneratePKCEPair()
		q := url.Values{}
		q.Set("redirect_uri", uri)
		q.Set("code_challenge", challenge)

		rr := testutil.NewHTTPRequest(http.MethodGet, "/authorize?"+q.Encode()).Do(mux)
		if rr.Code != http.StatusFound {
			t.Errorf("loopback uri %q: status %d, want 302", uri, rr.Code)
		}
	}
}

func TestAuthorizeRejectsUnsupportedResponseType(t *testing.T) {
	_, mux := newTestGateway(t)

	q := url.Values{}
	q.Set("response_type", "token")
	q.Set("redirect_uri", testRedirectURI)

	rr := testutil.NewHTTPRequest(http.MethodGet, "/authorize?"+q.Encode()).Do(mux)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rr.Code)
	}
}

func TestAuthorizeRejectsPlainPKCEMethod(t *testing.T) {
	_, mux := newTestGateway(t)

	q := url.Values{}
	q.Set("redirect_uri", testRedirectURI)
	q.Set("code_challenge", "whatever")
	q.Set("code_challenge_method", "plain")

	rr := testutil.NewHTTPRequest(http.MethodGet, "/authorize?"+q.Encode()).Do(mux)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rr.Code)
	}
	if resp := decodeError(t, rr); resp.Error != ErrorCodeInvalidRequest {
		t.Errorf("error %q, want invalid_request", resp.Error)
	}
}

func TestExchangeHappyPath(t *testing.T) {
	server, mux := newTestGateway(t)

	resp := obtainToken(t, mux)
	if resp.AccessToken == "" {
		t.Fatal("no access token")
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token type %q, want Bearer", resp.TokenType)
	}
	if resp.ExpiresIn != int(server.Config.SessionTTL.Seconds()) {
		t.Errorf("expires_in %d, want %d", resp.ExpiresIn, int(server.Config.SessionTTL.Seconds()))
	}
	if !strings.Contains(resp.Scope, "read:portfolio") {
		t.Errorf("scope %q, want default scopes", resp.Scope)
	}

	claims, err := server.Tokens.Validate(context.Background(), resp.AccessToken)
	if err != nil {
		t.Fatalf("issued token failed validation: %v", err)
	}
	alive, err := server.Sessions.Validate(context.Background(), claims.SessionID)
	if err != nil || !alive {
		t.Errorf("token's session should exist: alive=%v err=%v", alive, err)
	}
}

func TestExchangeWrongVerifierLeavesCodeUsable(t *testing.T) {
	_, mux := newTestGateway(t)

	code, verifier := obtainCode(t, mux)

	_, wrongVerifier := testutil.GeneratePKCEPair()
	rr := exchangeCode(t, mux, code, wrongVerifier)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rr.Code)
	}
	resp := decodeError(t, rr)
	if resp.Error != ErrorCodeInvalidGrant {
		t.Errorf("error %q, want invalid_grant", resp.Error)
	}
	if resp.ErrorDescription != "PKCE validation failed" {
		t.Errorf("description %q, want PKCE failure", resp.ErrorDescription)
	}

	// The failed attempt must not consume the code.
	rr = exchangeCode(t, mux, code, verifier)
	if rr.Code != http.StatusOK {
		t.Errorf("retry with the right verifier: status %d, want 200: %s", rr.Code, rr.Body.String())
	}
}

func TestExchangeIsOneTime(t *testing.T) {
	_, mux := newTestGateway(t)

	code, verifier := obtainCode(t, mux)

	if rr := exchangeCode(t, mux, code, verifier); rr.Code != http.StatusOK {
		t.Fatalf("first exchange: status %d, want 200", rr.Code)
	}

	rr := exchangeCode(t, mux, code, verifier)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("second exchange: status %d, want 400", rr.Code)
	}
	if resp := decodeError(t, rr); resp.Error != ErrorCodeInvalidGrant {
		t.Errorf("error %q, want invalid_grant", resp.Error)
	}
}

func TestExchangeRejectsRedirectMismatch(t *testing.T) {
	_, mux := newTestGateway(t)

	code, verifier := obtainCode(t, mux)

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", "https://other.example/cb")
	form.Set("code_verifier", verifier)

	rr := testutil.NewHTTPRequest(http.MethodPost, "/token").
		WithHeader("Content-Type", "application/x-www-form-urlencoded").
		WithBody(form.Encode()).
		Do(mux)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rr.Code)
	}
	if resp := decodeError(t, rr); resp.Error != ErrorCodeInvalidGrant {
		t.Errorf("error %q, want invalid_grant", resp.Error)
	}
}

func TestExchangeRejectsUnknownGrantType(t *testing.T) {
	_, mux := newTestGateway(t)

	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	rr := testutil.NewHTTPRequest(http.MethodPost, "/token").
		WithHeader("Content-Type", "application/x-www-form-urlencoded").
		WithBody(form.Encode()).
		Do(mux)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rr.Code)
	}
	if resp := decodeError(t, rr); resp.Error != ErrorCodeUnsupportedGrantType {
		t.Errorf("error %q, want unsupported_grant_type", resp.Error)
	}
}

func TestExchangeRejectsUnknownCode(t *testing.T) {
	_, mux := newTestGateway(t)

	_, verifier := testutil.GeneratePKCEPair()
	rr := exchangeCode(t, mux, "never-issued", verifier)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rr.Code)
	}
	if resp := decodeError(t, rr); resp.Error != ErrorCodeInvalidGrant {
		t.Errorf("error %q, want invalid_grant", resp.Error)
	}
}

func TestRevocationEndpoint(t *testing.T) {
	server, mux := newTestGateway(t)

	token := obtainToken(t, mux)

	form := url.Values{}
	form.Set("token", token.AccessToken)
	rr := testutil.NewHTTPRequest(http.MethodPost, "/revoke").
		WithHeader("Content-Type", "application/x-www-form-urlencoded").
		WithBody(form.Encode()).
		Do(mux)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rr.Code)
	}

	if _, err := server.Tokens.Validate(context.Background(), token.AccessToken); err == nil {
		t.Error("revoked token still validates")
	}

	// Unparseable tokens still get 200 per RFC 7009.
	form.Set("token", "garbage")
	rr = testutil.NewHTTPRequest(http.MethodPost, "/revoke").
		WithHeader("Content-Type", "application/x-www-form-urlencoded").
		WithBody(form.Encode()).
		Do(mux)
	if rr.Code != http.StatusOK {
		t.Errorf("garbage token: status %d, want 200", rr.Code)
	}

	// A missing token parameter is a malformed request.
	rr = testutil.NewHTTPRequest(http.MethodPost, "/revoke").
		WithHeader("Content-Type", "application/x-www-form-urlencoded").
		WithBody("").
		Do(mux)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing token: status %d, want 400", rr.Code)
	}
}

func TestRegistrationNotSupported(t *testing.T) {
	_, mux := newTestGateway(t)

	rr := testutil.NewHTTPRequest(http.MethodPost, "/register").
		WithBody(`{"client_name":"anything"}`).
		Do(mux)
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status %d, want 501", rr.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if body["info"] != "registration_not_supported" {
		t.Errorf("info %q, want registration_not_supported", body["info"])
	}
	if body["info_message"] == "" {
		t.Error("expected an info_message")
	}
}

func TestAuthorizationServerMetadata(t *testing.T) {
	server, mux := newTestGateway(t)

	rr := testutil.NewHTTPRequest(http.MethodGet, "/.well-known/oauth-authorization-server").Do(mux)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rr.Code)
	}

	var meta AuthorizationServerMetadata
	if err := json.Unmarshal(rr.Body.Bytes(), &meta); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if meta.Issuer != server.Config.Issuer {
		t.Errorf("issuer %q, want %q", meta.Issuer, server.Config.Issuer)
	}
	if meta.AuthorizationEndpoint != server.Config.AuthorizationEndpoint() {
		t.Errorf("authorization_endpoint %q", meta.AuthorizationEndpoint)
	}
	if len(meta.CodeChallengeMethodsSupported) != 1 || meta.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("code_challenge_methods_supported %v, want [S256]", meta.CodeChallengeMethodsSupported)
	}
	if len(meta.GrantTypesSupported) != 1 || meta.GrantTypesSupported[0] != "authorization_code" {
		t.Errorf("grant_types_supported %v, want [authorization_code]", meta.GrantTypesSupported)
	}
}

func TestProtectedResourceMetadata(t *testing.T) {
	server, mux := newTestGateway(t)

	rr := testutil.NewHTTPRequest(http.MethodGet, "/.well-known/oauth-protected-resource").Do(mux)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rr.Code)
	}

	var meta ProtectedResourceMetadata
	if err := json.Unmarshal(rr.Body.Bytes(), &meta); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if meta.Resource != server.Config.Resource {
		t.Errorf("resource %q, want %q", meta.Resource, server.Config.Resource)
	}
	if len(meta.AuthorizationServers) != 1 || meta.AuthorizationServers[0] != server.Config.Issuer {
		t.Errorf("authorization_servers %v", meta.AuthorizationServers)
	}
}

func TestOAuthResponsesCarrySecurityHeaders(t *testing.T) {
	_, mux := newTestGateway(t)

	rr := testutil.NewHTTPRequest(http.MethodGet, "/.well-known/oauth-authorization-server").Do(mux)
	if got := rr.Header().Get("Cache-Control"); !strings.Contains(got, "no-store") {
		t.Errorf("Cache-Control %q, want no-store", got)
	}
	if got := rr.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options %q, want nosniff", got)
	}
}

func TestRateLimitOnOAuthEndpoints(t *testing.T) {
	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)

	cfg := DefaultConfig()
	cfg.Issuer = "https://gw.example"
	cfg.MasterKey = testutil.TestMasterKey()
	cfg.RateLimitPerSecond = 1
	cfg.RateLimitBurst = 2

	server, err := New(cfg, store, discardLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = server.Close(context.Background()) })

	mux := http.NewServeMux()
	NewHandler(server, discardLogger()).Routes(mux)

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = testutil.NewHTTPRequest(http.MethodGet, "/authorize?redirect_uri="+url.QueryEscape(testRedirectURI)).Do(mux)
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d, want 429 after burst", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Error("expected a Retry-After header")
	}
	if resp := decodeError(t, last); resp.Error != ErrorCodeRateLimitExceeded {
		t.Errorf("error %q, want rate_limit_exceeded", resp.Error)
	}
}

func TestRecoverTurnsPanicInto500(t *testing.T) {
	server, _ := newTestGateway(t)
	handler := NewHandler(server, discardLogger())

	guarded := handler.Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := testutil.NewHTTPRequest(http.MethodGet, "/anything").Do(guarded)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", rr.Code)
	}
	resp := decodeError(t, rr)
	if resp.Error != ErrorCodeServerError {
		t.Errorf("error %q, want server_error", resp.Error)
	}
	if strings.Contains(resp.ErrorDescription, "boom") {
		t.Error("panic detail leaked into the response body")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, mux := newTestGateway(t)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/authorize"},
		{http.MethodGet, "/token"},
		{http.MethodGet, "/revoke"},
		{http.MethodPost, "/.well-known/oauth-authorization-server"},
	}
	for _, tt := range tests {
		rr := testutil.NewHTTPRequest(tt.method, tt.path).Do(mux)
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: status %d, want 405", tt.method, tt.path, rr.Code)
		}
	}
}
