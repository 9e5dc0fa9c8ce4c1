// Package testutil provides shared helpers for the gateway's tests.
package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/mcp-gateway/storage"
)

// GenerateRandomString generates a random base64url string of the given
// length.
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid S256 challenge/verifier pair.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// TestMasterKey returns a deterministic base64-encoded 32-byte master key.
func TestMasterKey() string {
	return base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
}

// NewTestSession builds a session record with sane timestamps.
func NewTestSession(id string) *storage.Session {
	now := time.Now().UTC()
	return &storage.Session{
		ID:          id,
		ConnectedAt: now,
		LastActive:  now,
		Expiry:      now.Add(time.Hour),
		Data:        map[string]any{},
	}
}

// NewTestCode builds an authorization code record bound to sessionID.
func NewTestCode(code, sessionID, challenge string) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                code,
		SessionID:           sessionID,
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		Scope:               []string{"read:portfolio", "read:trades"},
		RedirectURI:         "https://client.example/cb",
		CreatedAt:           time.Now().UTC(),
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want.
func AssertEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// AssertStringContains fails the test if s does not contain substr.
func AssertStringContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("string %q does not contain %q", s, substr)
	}
}

// HTTPRequest is a fluent helper for exercising handlers in tests.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// NewHTTPRequest creates a request helper.
func NewHTTPRequest(method, url string) *HTTPRequest {
	return &HTTPRequest{
		Method:  method,
		URL:     url,
		Headers: make(map[string]string),
	}
}

// WithHeader adds a header to the request.
func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	r.Headers[key] = value
	return r
}

// WithBody sets the request body.
func (r *HTTPRequest) WithBody(body string) *HTTPRequest {
	r.Body = body
	return r
}

// Do executes the request against handler and returns the recorder.
func (r *HTTPRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	var req *http.Request
	if r.Body != "" {
		req = httptest.NewRequest(r.Method, r.URL, strings.NewReader(r.Body))
	} else {
		req = httptest.NewRequest(r.Method, r.URL, nil)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
