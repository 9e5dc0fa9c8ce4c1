package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-gateway/security"
)

// Handler is a thin HTTP adapter for the Server. It parses requests,
// delegates to the Server for flow logic, and renders OAuth-shaped
// responses.
type Handler struct {
	server *Server
	logger *slog.Logger
	tracer trace.Tracer
}

// NewHandler creates an HTTP handler for the given server.
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server: server,
		logger: logger,
		tracer: server.Instrumentation.Tracer("http"),
	}
}

// Routes registers the gateway's OAuth and discovery endpoints on mux.
// Protected endpoints are wired separately through RequireAuth and the
// event-stream handlers.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/authorize", h.ServeAuthorization)
	mux.HandleFunc("/token", h.ServeToken)
	mux.HandleFunc("/revoke", h.ServeRevocation)
	mux.HandleFunc("/register", h.ServeClientRegistration)
	mux.HandleFunc("/.well-known/oauth-authorization-server", h.ServeAuthorizationServerMetadata)
	mux.HandleFunc("/.well-known/oauth-protected-resource", h.ServeProtectedResourceMetadata)
}

// ServeAuthorization handles GET /authorize: validates the request, creates
// a session and one-time code, and 302-redirects back to the client.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "gateway.authorize")
	defer span.End()

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkRateLimit(w, r, clientIP, "authorize") {
		return
	}

	q := r.URL.Query()
	if rt := q.Get("response_type"); rt != "" && rt != responseTypeCode {
		h.writeError(w, ErrorCodeInvalidRequest,
			fmt.Sprintf("response_type %q is not supported", rt), http.StatusBadRequest)
		h.recordHTTPMetrics(ctx, "authorize", r.Method, http.StatusBadRequest, start)
		return
	}

	result, oauthErr := h.server.Authorize(ctx, AuthorizeRequest{
		RedirectURI:         q.Get("redirect_uri"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Scope:               q.Get("scope"),
		ClientIP:            clientIP,
	})
	if oauthErr != nil {
		h.writeOAuthError(w, oauthErr)
		h.recordHTTPMetrics(ctx, "authorize", r.Method, oauthErr.Status, start)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
	h.recordHTTPMetrics(ctx, "authorize", r.Method, http.StatusFound, start)
}

// ServeToken handles POST /token: exchanges a one-time code plus PKCE
// verifier for a bearer token.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "gateway.token")
	defer span.End()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkRateLimit(w, r, clientIP, "token") {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request body", http.StatusBadRequest)
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusBadRequest, start)
		return
	}

	resp, oauthErr := h.server.Exchange(ctx, ExchangeRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		ClientIP:     clientIP,
	})
	if oauthErr != nil {
		h.writeOAuthError(w, oauthErr)
		h.recordHTTPMetrics(ctx, "token", r.Method, oauthErr.Status, start)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
	h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusOK, start)
}

// ServeRevocation handles POST /revoke per RFC 7009. Well-formed requests
// always get 200, whether or not the presented token was live.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "gateway.revoke")
	defer span.End()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkRateLimit(w, r, clientIP, "revoke") {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request body", http.StatusBadRequest)
		h.recordHTTPMetrics(ctx, "revoke", r.Method, http.StatusBadRequest, start)
		return
	}

	raw := r.PostFormValue("token")
	if raw == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest)
		h.recordHTTPMetrics(ctx, "revoke", r.Method, http.StatusBadRequest, start)
		return
	}

	h.server.RevokeToken(ctx, raw, clientIP)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
	h.recordHTTPMetrics(ctx, "revoke", r.Method, http.StatusOK, start)
}

// ServeClientRegistration handles the registration endpoint: always 501.
// The gateway runs a single implicit client.
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	h.writeJSON(w, http.StatusNotImplemented, registrationNotSupportedBody{
		Info:        "registration_not_supported",
		InfoMessage: "This server does not require client registration.",
	})
	h.recordHTTPMetrics(ctx, "register", r.Method, http.StatusNotImplemented, start)
}

// ServeAuthorizationServerMetadata serves the RFC 8414 discovery document.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := &h.server.Config
	h.writeJSON(w, http.StatusOK, AuthorizationServerMetadata{
		Issuer:                            cfg.Issuer,
		AuthorizationEndpoint:             cfg.AuthorizationEndpoint(),
		TokenEndpoint:                     cfg.TokenEndpoint(),
		RevocationEndpoint:                cfg.RevocationEndpoint(),
		ScopesSupported:                   cfg.DefaultScopes,
		ResponseTypesSupported:            []string{responseTypeCode},
		GrantTypesSupported:               []string{grantTypeAuthorizationCode},
		CodeChallengeMethodsSupported:     []string{pkceMethodS256},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	})
}

// ServeProtectedResourceMetadata serves the RFC 9728 discovery document.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := &h.server.Config
	h.writeJSON(w, http.StatusOK, ProtectedResourceMetadata{
		Resource:               cfg.Resource,
		AuthorizationServers:   []string{cfg.Issuer},
		ScopesSupported:        cfg.DefaultScopes,
		BearerMethodsSupported: []string{"header"},
	})
}

// Recover is the outermost middleware: a panic below it becomes a logged
// 500 with a generic body instead of a torn connection. Stack detail stays
// in the log.
func (h *Handler) Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("Panic while serving request",
					"path", r.URL.Path,
					"request_id", security.GetRequestID(r.Context()),
					"panic", rec,
					"stack", string(debug.Stack()))
				h.writeError(w, ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// clientIP resolves the request's client IP per proxy configuration.
func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// checkRateLimit applies the per-IP limiter. Returns true if the request
// was rejected.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request, clientIP, endpoint string) bool {
	if h.server.RateLimiter == nil || h.server.RateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	h.server.Instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP)
	}
	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// extractBearerToken pulls the bearer token out of the Authorization
// header. On failure it writes the uniform 401 challenge and returns false.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeUnauthorizedError(w, "Missing Authorization header")
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], tokenTypeBearer) {
		h.writeUnauthorizedError(w, "Invalid Authorization header format")
		return "", false
	}

	return parts[1], true
}

// writeJSON writes a JSON response with security headers applied.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError writes an OAuth error body.
func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeOAuthError renders an *OAuthError.
func (h *Handler) writeOAuthError(w http.ResponseWriter, err *OAuthError) {
	h.writeError(w, err.Code, err.Description, err.Status)
}

// writeUnauthorizedError writes the uniform 401 with the bearer challenge.
// The description stays generic; which validation check failed is logged,
// never returned.
func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, description string) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            ErrorCodeInvalidToken,
		ErrorDescription: description,
	})
}

// formatWWWAuthenticate builds the bearer challenge naming the realm, the
// protected resource, and the authorization server metadata URL.
//
// Example:
//
//	Bearer realm="mcp", resource="https://gw.example/mcp",
//	       as_uri="https://gw.example/.well-known/oauth-authorization-server"
func (h *Handler) formatWWWAuthenticate() string {
	cfg := &h.server.Config
	params := []string{
		fmt.Sprintf(`realm="%s"`, cfg.Realm),
		fmt.Sprintf(`resource="%s"`, cfg.Resource),
		fmt.Sprintf(`as_uri="%s"`, cfg.AuthorizationServerMetadataEndpoint()),
	}
	return tokenTypeBearer + " " + strings.Join(params, ", ")
}

// recordHTTPMetrics records the request counter and latency histogram.
func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, start time.Time) {
	h.server.Instrumentation.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, float64(time.Since(start).Milliseconds()))
}
