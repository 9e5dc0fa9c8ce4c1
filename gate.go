package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/giantswarm/mcp-gateway/sessions"
	"github.com/giantswarm/mcp-gateway/token"
	"github.com/giantswarm/mcp-gateway/transport"
)

// RequireAuth guards the stateless bearer-protected path. Every request must
// carry a valid bearer token; all token failures collapse to the same 401
// plus challenge, with the failing check kept to the log. On success the
// session is confirmed and touched, its id is propagated via header and
// context, a transport binding is lazily provisioned, and the request is
// delegated to the downstream dispatcher with the response passed through
// verbatim.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := h.clientIP(r)
		if h.checkRateLimit(w, r, clientIP, r.URL.Path) {
			return
		}

		raw, ok := h.extractBearerToken(w, r)
		if !ok {
			return
		}

		claims, err := h.server.Tokens.Validate(r.Context(), raw)
		if err != nil {
			result := validationResult(err)
			h.logger.Warn("Token validation failed", "ip", clientIP, "result", result, "error", err)
			h.server.Instrumentation.Metrics().RecordTokenValidated(r.Context(), result)
			if h.server.Auditor != nil {
				h.server.Auditor.LogAuthFailure(clientIP, result)
			}
			h.writeUnauthorizedError(w, "Token validation failed")
			return
		}
		h.server.Instrumentation.Metrics().RecordTokenValidated(r.Context(), "ok")

		session, err := h.server.Sessions.Retrieve(r.Context(), claims.SessionID)
		if err != nil {
			// Validate confirmed existence moments ago; the record can still
			// vanish in between. The bearer path answers 401 either way.
			h.logger.Warn("Session lookup failed after token validation",
				"session_id", claims.SessionID, "error", err)
			h.writeUnauthorizedError(w, "Token validation failed")
			return
		}

		// The binding outlives this request; its context is rooted in the
		// process, not the request.
		h.server.Registry.Provision(context.Background(), session.ID, func() transport.Transport {
			return transport.NewStream()
		})

		w.Header().Set(SessionIDHeader, session.ID)
		r.Header.Set(SessionIDHeader, session.ID)

		ctx := ContextWithSessionID(r.Context(), session.ID)
		ctx = ContextWithScopes(ctx, claims.Scope)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// StatefulBootstrap serves the pre-authenticated streaming handshake: no
// bearer is required. A request without a session header mints a fresh
// session id and binding; one with a header reuses the existing session and
// transport, touching activity.
func (h *Handler) StatefulBootstrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.Header.Get(SessionIDHeader)
		created := sessionID == ""
		if created {
			sessionID = sessions.NewID()
		} else if err := sessions.ValidateID(sessionID); err != nil {
			h.writeError(w, ErrorCodeInvalidRequest, "Invalid session id", http.StatusBadRequest)
			return
		}

		session, err := h.server.Sessions.CreateOrTouch(r.Context(), sessionID)
		if err != nil {
			h.logger.Error("Failed to create or touch session", "session_id", sessionID, "error", err)
			h.writeError(w, ErrorCodeServerError, "Failed to establish session", http.StatusInternalServerError)
			return
		}
		if created {
			h.server.Instrumentation.Metrics().RecordSessionCreated(r.Context())
		}

		h.server.Registry.Provision(context.Background(), session.ID, func() transport.Transport {
			return transport.NewStream()
		})

		w.Header().Set(SessionIDHeader, session.ID)
		r.Header.Set(SessionIDHeader, session.ID)
		next.ServeHTTP(w, r.WithContext(ContextWithSessionID(r.Context(), session.ID)))
	})
}

// validationResult maps token validation failures onto metric/audit labels.
func validationResult(err error) string {
	switch {
	case errors.Is(err, token.ErrExpired):
		return "expired"
	case errors.Is(err, token.ErrRevoked):
		return "revoked"
	case errors.Is(err, token.ErrAudience):
		return "audience"
	case errors.Is(err, token.ErrIssuer):
		return "issuer"
	case errors.Is(err, token.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, token.ErrMalformed):
		return "malformed"
	default:
		return "error"
	}
}
