// Package token issues and validates the gateway's bearer tokens.
//
// Tokens are HS256-signed claim sets bound to a session id. Each issued
// token has a jti-keyed metadata record in durable storage with the same TTL
// as sessions; validation requires the record to exist and be unrevoked, so
// a metadata record that has expired out of the store invalidates the token
// even while its signed exp claim is still in the future.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-gateway/storage"
)

// signingAlg is the only accepted JWS algorithm.
const signingAlg = "HS256"

// Tagged validation failures. Callers at the protocol boundary collapse all
// of these into a uniform unauthorized response; the distinct kinds exist
// for logs and metrics.
var (
	// ErrMalformed indicates the token could not be decoded or its signature
	// did not verify.
	ErrMalformed = errors.New("token: malformed or badly signed token")

	// ErrExpired indicates the token's exp claim has passed.
	ErrExpired = errors.New("token: token expired")

	// ErrAudience indicates the aud claim does not match this gateway.
	ErrAudience = errors.New("token: invalid audience")

	// ErrIssuer indicates the iss claim does not match this gateway.
	ErrIssuer = errors.New("token: invalid issuer")

	// ErrRevoked indicates the token's metadata record is revoked or absent.
	ErrRevoked = errors.New("token: token revoked")

	// ErrSessionNotFound indicates the referenced session's durable record no
	// longer exists.
	ErrSessionNotFound = errors.New("token: session not found")
)

// Claims is the gateway's bearer token claim set.
type Claims struct {
	SessionID string   `json:"session_id"`
	Scope     []string `json:"scope"`
	jwt.RegisteredClaims
}

// SessionValidator is the narrow view of the session manager the token
// service needs: a pure liveness check against the durable store.
type SessionValidator interface {
	Validate(ctx context.Context, sessionID string) (bool, error)
}

// Config holds token service settings.
type Config struct {
	// Issuer is the value of the iss claim (the gateway's issuer URL).
	Issuer string

	// Audience is the value of the aud claim (the protected resource URL).
	Audience string

	// TTL is the token lifetime, also applied to the metadata record.
	TTL time.Duration

	// SigningKey is the HS256 secret.
	SigningKey []byte

	// Leeway tolerates clock skew during exp/iat validation.
	// Default: 30 seconds.
	Leeway time.Duration
}

// Service issues, validates, and revokes bearer tokens.
type Service struct {
	config   Config
	metadata storage.TokenMetadataStore
	sessions SessionValidator
	logger   *slog.Logger
}

// NewService creates a token service.
func NewService(config Config, metadata storage.TokenMetadataStore, sessions SessionValidator, logger *slog.Logger) (*Service, error) {
	if config.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if config.Audience == "" {
		return nil, fmt.Errorf("audience is required")
	}
	if config.TTL <= 0 {
		return nil, fmt.Errorf("token ttl must be positive")
	}
	if len(config.SigningKey) == 0 {
		return nil, fmt.Errorf("signing key is required")
	}
	if config.Leeway <= 0 {
		config.Leeway = 30 * time.Second
	}
	if metadata == nil {
		return nil, fmt.Errorf("token metadata store is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session validator is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		config:   config,
		metadata: metadata,
		sessions: sessions,
		logger:   logger,
	}, nil
}

// TTL returns the configured token lifetime.
func (s *Service) TTL() time.Duration { return s.config.TTL }

// Issue signs a new bearer token bound to the given session id and scopes
// and persists its metadata record, returning the compact token and its
// claims. Multiple live tokens per session are permitted.
func (s *Service) Issue(ctx context.Context, sessionID string, scopes []string) (string, *Claims, error) {
	now := time.Now().UTC()
	jti := oauth2.GenerateVerifier()

	claims := &Claims{
		SessionID: sessionID,
		Scope:     scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Audience:  jwt.ClaimStrings{s.config.Audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.config.SigningKey)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}

	meta := &storage.TokenMetadata{
		JTI:       jti,
		SessionID: sessionID,
		IssuedAt:  now,
		Revoked:   false,
	}
	if err := s.metadata.PutTokenMetadata(ctx, meta, s.config.TTL); err != nil {
		return "", nil, fmt.Errorf("failed to store token metadata: %w", err)
	}

	s.logger.Info("Issued bearer token",
		"session_id", sessionID,
		"jti_prefix", truncate(jti, 8))
	return signed, claims, nil
}

// Validate decodes and verifies a bearer token, then checks its metadata
// record and the referenced session's liveness. A token is valid only while
// all of signature, audience, issuer, expiry, unrevoked metadata, and
// session existence hold at once; the conjunction is re-evaluated on every
// call with no caching across requests.
func (s *Service) Validate(ctx context.Context, raw string) (*Claims, error) {
	claims, err := s.parse(raw, false)
	if err != nil {
		return nil, err
	}

	meta, err := s.metadata.GetTokenMetadata(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Fail-safe: a token whose metadata has expired out of the store
			// is no longer honored even if its own exp has not passed.
			s.logger.Warn("Token metadata absent, treating as revoked",
				"jti_prefix", truncate(claims.ID, 8))
			return nil, ErrRevoked
		}
		return nil, fmt.Errorf("failed to load token metadata: %w", err)
	}
	if meta.Revoked {
		return nil, ErrRevoked
	}

	alive, err := s.sessions.Validate(ctx, claims.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to check session: %w", err)
	}
	if !alive {
		return nil, ErrSessionNotFound
	}

	return claims, nil
}

// Revoke marks the metadata record for the given jti as revoked. Subsequent
// Validate calls for that jti fail even before the token's natural expiry.
// Returns false if no metadata record exists (already expired or never
// issued; either way the token is already unusable).
func (s *Service) Revoke(ctx context.Context, jti string) (bool, error) {
	ok, err := s.metadata.MarkTokenRevoked(ctx, jti)
	if err != nil {
		return false, fmt.Errorf("failed to revoke token: %w", err)
	}
	if ok {
		s.logger.Info("Revoked bearer token", "jti_prefix", truncate(jti, 8))
	}
	return ok, nil
}

// ParseForRevocation verifies a token's signature and shape but tolerates an
// elapsed exp claim, returning its claims so the revocation endpoint can
// locate the jti. Revoking an expired token must succeed per RFC 7009.
func (s *Service) ParseForRevocation(raw string) (*Claims, error) {
	return s.parse(raw, true)
}

// parse verifies signature, audience, issuer, and (unless skipExpiry) the
// time claims, mapping library failures onto the package's tagged errors.
func (s *Service) parse(raw string, skipExpiry bool) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{signingAlg}),
		jwt.WithIssuer(s.config.Issuer),
		jwt.WithAudience(s.config.Audience),
		jwt.WithLeeway(s.config.Leeway),
		jwt.WithIssuedAt(),
	}
	if !skipExpiry {
		opts = append(opts, jwt.WithExpirationRequired())
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return s.config.SigningKey, nil
	}, opts...)
	if err != nil {
		// jwt/v5 joins all claim failures into one error, so audience and
		// issuer mismatches must win before an elapsed exp is excused.
		switch {
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return nil, ErrAudience
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, ErrIssuer
		case skipExpiry && errors.Is(err, jwt.ErrTokenExpired):
			// Signature and claim shape verified; expiry is acceptable here.
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		default:
			return nil, ErrMalformed
		}
	}

	if claims.SessionID == "" || claims.ID == "" {
		return nil, ErrMalformed
	}
	return claims, nil
}

// truncate shortens identifiers for logging without panicking.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
