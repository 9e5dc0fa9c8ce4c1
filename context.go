package gateway

import "context"

// SessionIDHeader carries the session id to the downstream dispatcher and
// back to clients on the stateful bootstrap path.
const SessionIDHeader = "Mcp-Session-Id"

type sessionIDContextKey struct{}
type scopesContextKey struct{}

// ContextWithSessionID stores the authenticated session id on the context.
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDContextKey{}, sessionID)
}

// SessionIDFromContext returns the session id set by the authentication
// gate, or "" when the request did not pass through it.
func SessionIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(sessionIDContextKey{}).(string); ok {
		return id
	}
	return ""
}

// ContextWithScopes stores the token's granted scopes on the context.
func ContextWithScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, scopesContextKey{}, scopes)
}

// ScopesFromContext returns the granted scopes, or nil.
func ScopesFromContext(ctx context.Context) []string {
	if scopes, ok := ctx.Value(scopesContextKey{}).([]string); ok {
		return scopes
	}
	return nil
}
