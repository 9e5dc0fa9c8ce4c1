package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/mcp-gateway/storage/memory"
)

var testSigningKey = []byte("0123456789abcdef0123456789abcdef")

// stubSessions is a SessionValidator with a fixed answer.
type stubSessions struct {
	alive bool
	err   error
}

func (s stubSessions) Validate(context.Context, string) (bool, error) {
	return s.alive, s.err
}

func newTestService(t *testing.T, cfg Config, sessions SessionValidator) *Service {
	t.Helper()
	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)
	return newTestServiceWithStore(t, cfg, sessions, store)
}

func newTestServiceWithStore(t *testing.T, cfg Config, sessions SessionValidator, store *memory.Store) *Service {
	t.Helper()
	if cfg.Issuer == "" {
		cfg.Issuer = "https://gw.example"
	}
	if cfg.Audience == "" {
		cfg.Audience = "https://gw.example/mcp"
	}
	if cfg.TTL == 0 {
		cfg.TTL = time.Hour
	}
	if len(cfg.SigningKey) == 0 {
		cfg.SigningKey = testSigningKey
	}
	if sessions == nil {
		sessions = stubSessions{alive: true}
	}

	svc, err := NewService(cfg, store, sessions, nil)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc
}

func TestNewServiceValidation(t *testing.T) {
	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)
	valid := Config{
		Issuer:     "https://gw.example",
		Audience:   "https://gw.example/mcp",
		TTL:        time.Hour,
		SigningKey: testSigningKey,
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing issuer", func(c *Config) { c.Issuer = "" }},
		{"missing audience", func(c *Config) { c.Audience = "" }},
		{"zero ttl", func(c *Config) { c.TTL = 0 }},
		{"missing signing key", func(c *Config) { c.SigningKey = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			if _, err := NewService(cfg, store, stubSessions{alive: true}, nil); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := NewService(valid, nil, stubSessions{alive: true}, nil); err == nil {
		t.Error("expected error for nil metadata store")
	}
	if _, err := NewService(valid, store, nil, nil); err == nil {
		t.Error("expected error for nil session validator")
	}
}

func TestIssueAndValidate(t *testing.T) {
	svc := newTestService(t, Config{}, nil)
	ctx := context.Background()

	signed, issued, err := svc.Issue(ctx, "sess-1", []string{"read:portfolio", "read:trades"})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if issued.ID == "" {
		t.Fatal("expected a jti")
	}

	claims, err := svc.Validate(ctx, signed)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if claims.SessionID != "sess-1" {
		t.Errorf("got session id %q, want %q", claims.SessionID, "sess-1")
	}
	if len(claims.Scope) != 2 || claims.Scope[0] != "read:portfolio" {
		t.Errorf("unexpected scope: %v", claims.Scope)
	}
	if claims.ID != issued.ID {
		t.Errorf("jti mismatch: %q vs %q", claims.ID, issued.ID)
	}
}

func TestValidateExpired(t *testing.T) {
	svc := newTestService(t, Config{
		TTL:    10 * time.Millisecond,
		Leeway: time.Nanosecond,
	}, nil)
	ctx := context.Background()

	signed, _, err := svc.Issue(ctx, "sess-1", nil)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	if _, err := svc.Validate(ctx, signed); !errors.Is(err, ErrExpired) {
		t.Errorf("got %v, want ErrExpired", err)
	}
}

func TestValidateRevoked(t *testing.T) {
	svc := newTestService(t, Config{}, nil)
	ctx := context.Background()

	signed, claims, err := svc.Issue(ctx, "sess-1", nil)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	ok, err := svc.Revoke(ctx, claims.ID)
	if err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if !ok {
		t.Fatal("expected Revoke to report true")
	}

	if _, err := svc.Validate(ctx, signed); !errors.Is(err, ErrRevoked) {
		t.Errorf("got %v, want ErrRevoked", err)
	}
}

func TestValidateMetadataAbsentIsRevoked(t *testing.T) {
	// Two services share a signing key but not a store. A token issued by one
	// has no metadata record in the other; validation must fail safe.
	issuer := newTestService(t, Config{}, nil)
	verifier := newTestService(t, Config{}, nil)
	ctx := context.Background()

	signed, _, err := issuer.Issue(ctx, "sess-1", nil)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if _, err := verifier.Validate(ctx, signed); !errors.Is(err, ErrRevoked) {
		t.Errorf("got %v, want ErrRevoked for a token without metadata", err)
	}
}

func TestValidateSessionGone(t *testing.T) {
	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)
	svc := newTestServiceWithStore(t, Config{}, stubSessions{alive: false}, store)
	ctx := context.Background()

	signed, _, err := svc.Issue(ctx, "sess-1", nil)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if _, err := svc.Validate(ctx, signed); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("got %v, want ErrSessionNotFound", err)
	}
}

func TestValidateWrongAudience(t *testing.T) {
	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)
	issuer := newTestServiceWithStore(t, Config{Audience: "https://gw.example/mcp"}, nil, store)
	verifier := newTestServiceWithStore(t, Config{Audience: "https://other.example/mcp"}, nil, store)
	ctx := context.Background()

	signed, _, err := issuer.Issue(ctx, "sess-1", nil)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if _, err := verifier.Validate(ctx, signed); !errors.Is(err, ErrAudience) {
		t.Errorf("got %v, want ErrAudience", err)
	}
}

func TestValidateWrongIssuer(t *testing.T) {
	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)
	issuer := newTestServiceWithStore(t, Config{Issuer: "https://gw.example"}, nil, store)
	verifier := newTestServiceWithStore(t, Config{Issuer: "https://other.example"}, nil, store)
	ctx := context.Background()

	signed, _, err := issuer.Issue(ctx, "sess-1", nil)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if _, err := verifier.Validate(ctx, signed); !errors.Is(err, ErrIssuer) {
		t.Errorf("got %v, want ErrIssuer", err)
	}
}

func TestValidateMalformed(t *testing.T) {
	svc := newTestService(t, Config{}, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		raw  string
	}{
		{"garbage", "not-a-token"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Validate(ctx, tt.raw); !errors.Is(err, ErrMalformed) {
				t.Errorf("got %v, want ErrMalformed", err)
			}
		})
	}
}

func TestValidateWrongKey(t *testing.T) {
	svc := newTestService(t, Config{}, nil)
	ctx := context.Background()

	claims := &Claims{
		SessionID: "sess-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://gw.example",
			Audience:  jwt.ClaimStrings{"https://gw.example/mcp"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        "jti-1",
		},
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("another-key-another-key-another!"))
	if err != nil {
		t.Fatalf("SignedString failed: %v", err)
	}

	if _, err := svc.Validate(ctx, forged); !errors.Is(err, ErrMalformed) {
		t.Errorf("got %v, want ErrMalformed for a badly signed token", err)
	}
}

func TestValidateMissingSessionClaim(t *testing.T) {
	svc := newTestService(t, Config{}, nil)
	ctx := context.Background()

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://gw.example",
			Audience:  jwt.ClaimStrings{"https://gw.example/mcp"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        "jti-1",
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSigningKey)
	if err != nil {
		t.Fatalf("SignedString failed: %v", err)
	}

	if _, err := svc.Validate(ctx, signed); !errors.Is(err, ErrMalformed) {
		t.Errorf("got %v, want ErrMalformed for a token without session_id", err)
	}
}

func TestParseForRevocationToleratesExpiry(t *testing.T) {
	svc := newTestService(t, Config{
		TTL:    10 * time.Millisecond,
		Leeway: time.Nanosecond,
	}, nil)
	ctx := context.Background()

	signed, issued, err := svc.Issue(ctx, "sess-1", nil)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	claims, err := svc.ParseForRevocation(signed)
	if err != nil {
		t.Fatalf("ParseForRevocation failed on expired token: %v", err)
	}
	if claims.ID != issued.ID {
		t.Errorf("jti mismatch: %q vs %q", claims.ID, issued.ID)
	}
}

func TestParseForRevocationRejectsWrongAudience(t *testing.T) {
	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)
	issuer := newTestServiceWithStore(t, Config{
		Audience: "https://other.example/mcp",
		TTL:      10 * time.Millisecond,
		Leeway:   time.Nanosecond,
	}, nil, store)
	verifier := newTestServiceWithStore(t, Config{Leeway: time.Nanosecond}, nil, store)
	ctx := context.Background()

	signed, _, err := issuer.Issue(ctx, "sess-1", nil)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	// Tolerating the elapsed exp must not excuse an audience mismatch on
	// the same token.
	if _, err := verifier.ParseForRevocation(signed); !errors.Is(err, ErrAudience) {
		t.Errorf("got %v, want ErrAudience for an expired foreign-audience token", err)
	}
}

func TestParseForRevocationRejectsBadSignature(t *testing.T) {
	svc := newTestService(t, Config{}, nil)

	if _, err := svc.ParseForRevocation("not-a-token"); !errors.Is(err, ErrMalformed) {
		t.Errorf("got %v, want ErrMalformed", err)
	}
}

func TestRevokeUnknownJTI(t *testing.T) {
	svc := newTestService(t, Config{}, nil)

	ok, err := svc.Revoke(context.Background(), "never-issued")
	if err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if ok {
		t.Error("expected Revoke to report false for an unknown jti")
	}
}

func TestMultipleLiveTokensPerSession(t *testing.T) {
	svc := newTestService(t, Config{}, nil)
	ctx := context.Background()

	first, firstClaims, err := svc.Issue(ctx, "sess-1", nil)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	second, _, err := svc.Issue(ctx, "sess-1", nil)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	// Revoking one token must not affect the other.
	if _, err := svc.Revoke(ctx, firstClaims.ID); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if _, err := svc.Validate(ctx, first); !errors.Is(err, ErrRevoked) {
		t.Errorf("got %v, want ErrRevoked", err)
	}
	if _, err := svc.Validate(ctx, second); err != nil {
		t.Errorf("second token should remain valid, got %v", err)
	}
}
