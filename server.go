// Package gateway implements a session-scoped authentication gateway for a
// protocol server: a simplified OAuth 2.1 + PKCE flow issuing bearer tokens
// bound to durable sessions, an authentication gate for protected endpoints,
// and a process-local transport registry pairing each live connection with
// its session.
package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-gateway/instrumentation"
	"github.com/giantswarm/mcp-gateway/security"
	"github.com/giantswarm/mcp-gateway/sessions"
	"github.com/giantswarm/mcp-gateway/storage"
	"github.com/giantswarm/mcp-gateway/token"
	"github.com/giantswarm/mcp-gateway/transport"
)

const (
	grantTypeAuthorizationCode = "authorization_code"
	responseTypeCode           = "code"
	tokenTypeBearer            = "Bearer"

	pkceMethodS256 = "S256"

	// RFC 7636 §4.1 bounds on code_verifier length.
	minCodeVerifierLength = 43
	maxCodeVerifierLength = 128
)

// CredentialExchanger completes a secondary external-login handshake: it
// accepts temporary callback credentials and exchanges them for a durable
// credential the gateway stores on the session. The gateway defines only the
// interface; the handshake itself belongs to an external collaborator.
type CredentialExchanger interface {
	Exchange(ctx context.Context, callbackParams url.Values) (*oauth2.Token, error)
}

// Server is the gateway's composition root. It owns the session manager,
// token service, transport registry, and security helpers, and implements
// the OAuth flow operations the HTTP layer exposes.
type Server struct {
	Config Config
	Logger *slog.Logger

	Store    storage.Store
	Sessions *sessions.Manager
	Tokens   *token.Service
	Registry *transport.Registry

	RateLimiter     *security.RateLimiter
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation

	// CredentialExchanger is optional; when nil the external-login callback
	// surface is simply absent.
	CredentialExchanger CredentialExchanger

	stopReaper chan struct{}
	reaperOnce sync.Once
}

// bindingReapInterval is how often bindings are checked against the store.
// Bearer-path bindings have no connection whose teardown could close them,
// so session expiry in the store is their only end-of-life signal.
const bindingReapInterval = time.Minute

// New creates a fully wired Server. The store is shared by sessions,
// authorization codes, and token metadata, namespaced by key prefix.
func New(cfg Config, store storage.Store, logger *slog.Logger) (*Server, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	masterKey, err := base64.StdEncoding.DecodeString(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid base64: %w", err)
	}
	keys, err := security.DeriveKeys(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive keys: %w", err)
	}

	sessionMgr, err := sessions.NewManager(store, cfg.SessionTTL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}
	if cfg.EncryptCredentials {
		enc, err := security.NewEncryptor(keys.Encryption)
		if err != nil {
			return nil, fmt.Errorf("failed to create encryptor: %w", err)
		}
		sessionMgr.SetEncryptor(enc)
	}

	tokenSvc, err := token.NewService(token.Config{
		Issuer:     cfg.Issuer,
		Audience:   cfg.Resource,
		TTL:        cfg.SessionTTL,
		SigningKey: keys.Signing,
	}, store, sessionMgr, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create token service: %w", err)
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "mcp-gateway",
		ServiceVersion: cfg.ServiceVersion,
		LogClientIPs:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create instrumentation: %w", err)
	}

	registry := transport.NewRegistry()
	if err := inst.RegisterBindingCountCallback(func() int64 {
		return int64(registry.Len())
	}); err != nil {
		return nil, fmt.Errorf("failed to register binding gauge: %w", err)
	}

	var limiter *security.RateLimiter
	if cfg.RateLimitPerSecond > 0 {
		limiter = security.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, logger)
	}

	server := &Server{
		Config:          cfg,
		Logger:          logger,
		Store:           store,
		Sessions:        sessionMgr,
		Tokens:          tokenSvc,
		Registry:        registry,
		RateLimiter:     limiter,
		Auditor:         security.NewAuditor(logger, cfg.AuditEnabled),
		Instrumentation: inst,
		stopReaper:      make(chan struct{}),
	}
	go server.reapLoop()
	return server, nil
}

func (s *Server) reapLoop() {
	ticker := time.NewTicker(bindingReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.reapOrphanedBindings(context.Background())
		case <-s.stopReaper:
			return
		}
	}
}

// reapOrphanedBindings closes every binding whose durable session record no
// longer exists, so the registry does not accumulate one entry per expired
// session for the life of the process.
func (s *Server) reapOrphanedBindings(ctx context.Context) {
	for _, id := range s.Registry.IDs() {
		alive, err := s.Sessions.Validate(ctx, id)
		if err != nil {
			s.Logger.Warn("Failed to check session while reaping bindings",
				"session_id", id, "error", err)
			continue
		}
		if alive {
			continue
		}
		if binding, ok := s.Registry.Get(id); ok {
			binding.Close()
			s.Logger.Info("Reaped binding for expired session", "session_id", id)
		}
	}
}

// Close releases the server's background resources.
func (s *Server) Close(ctx context.Context) error {
	s.reaperOnce.Do(func() { close(s.stopReaper) })
	if s.RateLimiter != nil {
		s.RateLimiter.Stop()
	}
	s.Registry.CloseAll()
	return s.Instrumentation.Shutdown(ctx)
}

// AuthorizeRequest carries the authorization endpoint's validated inputs.
type AuthorizeRequest struct {
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	ClientIP            string
}

// AuthorizeResult is the successful outcome of an authorization request.
type AuthorizeResult struct {
	// RedirectURL is the client's redirect_uri with code and state attached.
	RedirectURL string
	// SessionID is the freshly created session's id.
	SessionID string
}

// Authorize runs the authorization endpoint's flow: validates the redirect
// URI and PKCE parameters, creates an empty session, mints a one-time code
// bound to it, and returns the redirect target. The session exists before
// the client ever authenticates; session identity precedes credential
// binding.
func (s *Server) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, *OAuthError) {
	if req.RedirectURI == "" {
		return nil, ErrInvalidRequest("redirect_uri is required")
	}
	redirectURL, err := validateRedirectURI(req.RedirectURI)
	if err != nil {
		s.Logger.Warn("Rejected authorization request", "ip", req.ClientIP, "error", err)
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventInvalidRedirect,
				IPAddress: req.ClientIP,
			})
		}
		return nil, ErrInvalidRequest(fmt.Sprintf("invalid redirect_uri: %v", err))
	}

	method := req.CodeChallengeMethod
	if method == "" {
		method = pkceMethodS256
	}
	if method != pkceMethodS256 {
		return nil, ErrInvalidRequest(fmt.Sprintf("code_challenge_method %q is not supported, use %s", method, pkceMethodS256))
	}

	scopes := s.Config.DefaultScopes
	if req.Scope != "" {
		scopes = strings.Fields(req.Scope)
	}

	sessionID := sessions.NewID()
	if _, err := s.Sessions.CreateOrTouch(ctx, sessionID); err != nil {
		s.Logger.Error("Failed to create session", "error", err)
		return nil, ErrServerError("failed to create session")
	}
	s.Instrumentation.Metrics().RecordSessionCreated(ctx)

	// GenerateVerifier yields 256 bits of crypto/rand entropy, base64url
	// encoded. The same quality the client uses for its verifier serves for
	// the one-time code.
	code := oauth2.GenerateVerifier()

	record := &storage.AuthorizationCode{
		Code:                code,
		SessionID:           sessionID,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		Scope:               scopes,
		RedirectURI:         req.RedirectURI,
		CreatedAt:           time.Now().UTC(),
	}
	if err := s.Store.PutCode(ctx, record, s.Config.SessionTTL); err != nil {
		s.Logger.Error("Failed to store authorization code", "error", err)
		return nil, ErrServerError("failed to store authorization code")
	}

	s.Instrumentation.Metrics().RecordAuthorizationStarted(ctx)
	if s.Auditor != nil {
		s.Auditor.LogCodeIssued(sessionID, req.ClientIP, scopes)
	}

	q := redirectURL.Query()
	q.Set("code", code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	redirectURL.RawQuery = q.Encode()

	s.Logger.Info("Authorization code issued",
		"session_id", sessionID,
		"scope", strings.Join(scopes, " "))

	return &AuthorizeResult{
		RedirectURL: redirectURL.String(),
		SessionID:   sessionID,
	}, nil
}

// ExchangeRequest carries the token endpoint's form inputs.
type ExchangeRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	ClientIP     string
}

// Exchange runs the token endpoint's flow: validates the grant, the stored
// code, the redirect URI binding, and the PKCE verifier, then consumes the
// code and issues a bearer token. The code is deleted only after full
// validation succeeds; a failed verifier leaves it usable. Concurrent
// exchanges of the same code are settled by the store's atomic delete, so
// at most one caller receives a token.
func (s *Server) Exchange(ctx context.Context, req ExchangeRequest) (*TokenResponse, *OAuthError) {
	if req.GrantType != grantTypeAuthorizationCode {
		return nil, ErrUnsupportedGrantType(fmt.Sprintf("grant_type %q is not supported", req.GrantType))
	}
	if req.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	record, err := s.Store.GetCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Absent means expired, never issued, or already consumed. The
			// reuse counter is best effort; the store cannot tell these
			// apart after the fact.
			s.Instrumentation.Metrics().RecordCodeReuseDetected(ctx)
			return nil, ErrInvalidGrant("invalid or expired authorization code")
		}
		s.Logger.Error("Failed to load authorization code", "error", err)
		return nil, ErrServerError("failed to load authorization code")
	}

	if subtle.ConstantTimeCompare([]byte(record.RedirectURI), []byte(req.RedirectURI)) != 1 {
		s.Logger.Warn("Redirect URI mismatch on exchange",
			"session_id", record.SessionID, "ip", req.ClientIP)
		return nil, ErrInvalidGrant("redirect_uri does not match authorization request")
	}

	if err := validatePKCE(record.CodeChallenge, record.CodeChallengeMethod, req.CodeVerifier); err != nil {
		s.Logger.Warn("PKCE validation failed",
			"session_id", record.SessionID, "ip", req.ClientIP, "error", err)
		s.Instrumentation.Metrics().RecordPKCEValidationFailed(ctx, record.CodeChallengeMethod)
		if s.Auditor != nil {
			s.Auditor.LogPKCEFailed(record.SessionID, req.ClientIP)
		}
		return nil, ErrInvalidGrant("PKCE validation failed")
	}

	consumed, err := s.Store.DeleteCode(ctx, req.Code)
	if err != nil {
		s.Logger.Error("Failed to consume authorization code", "error", err)
		return nil, ErrServerError("failed to consume authorization code")
	}
	if !consumed {
		// A concurrent exchange won the delete.
		s.Instrumentation.Metrics().RecordCodeReuseDetected(ctx)
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventCodeReuse,
				SessionID: record.SessionID,
				IPAddress: req.ClientIP,
			})
		}
		return nil, ErrInvalidGrant("invalid or expired authorization code")
	}

	signed, claims, err := s.Tokens.Issue(ctx, record.SessionID, record.Scope)
	if err != nil {
		s.Logger.Error("Failed to issue token", "session_id", record.SessionID, "error", err)
		return nil, ErrServerError("failed to issue token")
	}

	s.Instrumentation.Metrics().RecordCodeExchange(ctx, record.CodeChallengeMethod)
	s.Instrumentation.Metrics().RecordTokenIssued(ctx)
	if s.Auditor != nil {
		s.Auditor.LogCodeExchanged(record.SessionID, req.ClientIP)
		s.Auditor.LogTokenIssued(record.SessionID, claims.ID, req.ClientIP)
	}

	return &TokenResponse{
		AccessToken: signed,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   int(s.Config.SessionTTL.Seconds()),
		Scope:       strings.Join(record.Scope, " "),
	}, nil
}

// RevokeToken revokes the given bearer token per RFC 7009 semantics:
// unparseable or unknown tokens are not an error, since the desired end
// state (token unusable) already holds.
func (s *Server) RevokeToken(ctx context.Context, raw, clientIP string) {
	claims, err := s.Tokens.ParseForRevocation(raw)
	if err != nil {
		s.Logger.Debug("Revocation request with unparseable token", "ip", clientIP)
		return
	}

	revoked, err := s.Tokens.Revoke(ctx, claims.ID)
	if err != nil {
		s.Logger.Error("Failed to revoke token", "error", err)
		return
	}
	if revoked {
		s.Instrumentation.Metrics().RecordTokenRevocation(ctx)
		if s.Auditor != nil {
			s.Auditor.LogTokenRevoked(claims.ID, clientIP)
		}
	}
}

// CompleteExternalLogin exchanges temporary callback credentials through the
// configured CredentialExchanger and stores the durable result on the
// session.
func (s *Server) CompleteExternalLogin(ctx context.Context, sessionID string, callbackParams url.Values) error {
	if s.CredentialExchanger == nil {
		return fmt.Errorf("no credential exchanger configured")
	}

	cred, err := s.CredentialExchanger.Exchange(ctx, callbackParams)
	if err != nil {
		return fmt.Errorf("failed to exchange callback credentials: %w", err)
	}
	return s.Sessions.StoreCredential(ctx, sessionID, cred)
}

// validateRedirectURI accepts a redirect URI iff its host is a loopback
// address or its scheme is https.
func validateRedirectURI(raw string) (*url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("not a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("must be an absolute URL")
	}
	if parsed.Scheme == "https" {
		return parsed, nil
	}

	host := parsed.Hostname()
	if host == "localhost" {
		return parsed, nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return parsed, nil
	}
	return nil, fmt.Errorf("host must be loopback or scheme must be https")
}

// validatePKCE checks a code_verifier against the stored challenge. Only
// S256 is supported: challenge = base64url(sha256(verifier)) without
// padding, compared in constant time.
func validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		return fmt.Errorf("authorization request carried no code_challenge")
	}
	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}
	if len(verifier) < minCodeVerifierLength || len(verifier) > maxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be %d-%d characters (RFC 7636)", minCodeVerifierLength, maxCodeVerifierLength)
	}
	for _, ch := range verifier {
		valid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !valid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}
	if method != pkceMethodS256 {
		return fmt.Errorf("code_challenge_method %q is not supported", method)
	}

	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}
