package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist or has been
// evicted by the backend's TTL. Callers that need to distinguish "never
// existed" from "expired" cannot: the backend does not retain tombstones.
var ErrNotFound = errors.New("storage: not found")

// ErrCorruptData is returned when a record exists but cannot be decoded into
// its expected shape. It is deliberately distinct from ErrNotFound so callers
// can surface data corruption instead of silently recreating state.
var ErrCorruptData = errors.New("storage: corrupt data")

// Session is the durable, cross-process session record.
// Data is an open extension point owned by downstream tool logic; the
// gateway stores and returns it without interpreting it.
type Session struct {
	ID          string         `json:"id"`
	ConnectedAt time.Time      `json:"connected_at"`
	LastActive  time.Time      `json:"last_active"`
	Expiry      time.Time      `json:"expiry"`
	Data        map[string]any `json:"data"`
}

// AuthorizationCode is an issued one-time authorization code pending
// exchange. It carries the PKCE challenge and the redirect URI presented at
// authorization time so the token endpoint can verify both.
type AuthorizationCode struct {
	Code                string    `json:"code"`
	SessionID           string    `json:"session_id"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	Scope               []string  `json:"scope"`
	RedirectURI         string    `json:"redirect_uri"`
	CreatedAt           time.Time `json:"created_at"`
}

// TokenMetadata is the jti-keyed revocation record for an issued bearer
// token. A token whose metadata record is absent is treated as revoked by
// the token service, so the record's TTL bounds the token's effective
// lifetime regardless of the signed exp claim.
type TokenMetadata struct {
	JTI       string    `json:"jti"`
	SessionID string    `json:"session_id"`
	IssuedAt  time.Time `json:"issued_at"`
	Revoked   bool      `json:"revoked"`
}

// SessionStore defines the interface for durable session records.
// All methods accept context.Context for tracing and cancellation.
type SessionStore interface {
	// PutSession writes a session record. When ttl is positive the backend's
	// physical TTL is (re)set to ttl; when ttl is zero or negative an
	// existing live record keeps its remaining TTL. A TTL-preserving write
	// against an absent or lapsed record returns ErrNotFound rather than
	// recreating the record without a TTL.
	PutSession(ctx context.Context, session *Session, ttl time.Duration) error

	// GetSession retrieves a session record.
	// Returns ErrNotFound if absent, ErrCorruptData if undecodable.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// SessionExists reports whether a session record is present.
	SessionExists(ctx context.Context, sessionID string) (bool, error)

	// ExpireSession resets the backend's physical TTL for a session.
	// Returns false (without error) if the session does not exist.
	ExpireSession(ctx context.Context, sessionID string, ttl time.Duration) (bool, error)

	// DeleteSession removes a session record. Deleting an absent session is
	// not an error.
	DeleteSession(ctx context.Context, sessionID string) error
}

// CodeStore defines the interface for one-time authorization codes.
// All methods accept context.Context for tracing and cancellation.
type CodeStore interface {
	// PutCode stores an authorization code record with the given TTL.
	PutCode(ctx context.Context, code *AuthorizationCode, ttl time.Duration) error

	// GetCode retrieves an authorization code record.
	// Returns ErrNotFound if absent or expired.
	GetCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteCode removes an authorization code and reports whether the record
	// existed. The boolean settles concurrent exchange races: exactly one
	// caller observes true for a given code.
	DeleteCode(ctx context.Context, code string) (bool, error)
}

// TokenMetadataStore defines the interface for jti-keyed token metadata.
// All methods accept context.Context for tracing and cancellation.
type TokenMetadataStore interface {
	// PutTokenMetadata stores a token metadata record with the given TTL.
	PutTokenMetadata(ctx context.Context, meta *TokenMetadata, ttl time.Duration) error

	// GetTokenMetadata retrieves a token metadata record by jti.
	// Returns ErrNotFound if absent or expired.
	GetTokenMetadata(ctx context.Context, jti string) (*TokenMetadata, error)

	// MarkTokenRevoked sets revoked=true on a metadata record, preserving its
	// remaining TTL. Returns false (without error) if the record is absent.
	MarkTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// Store composes all storage interfaces. Backends implement the full set so
// a single client handles every record kind, namespaced by key prefix.
type Store interface {
	SessionStore
	CodeStore
	TokenMetadataStore
}
