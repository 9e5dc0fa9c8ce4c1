package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Audit event types. Session ids and token ids are hashed before logging.
const (
	EventAuthorizationStarted = "authorization_started"
	EventCodeIssued           = "authorization_code_issued"
	EventCodeExchanged        = "authorization_code_exchanged"
	EventCodeReuse            = "authorization_code_reuse"
	EventPKCEFailed           = "pkce_validation_failed"
	EventInvalidRedirect      = "invalid_redirect"
	EventTokenIssued          = "token_issued"
	EventTokenRevoked         = "token_revoked"
	EventAuthFailure          = "auth_failure"
	EventRateLimitExceeded    = "rate_limit_exceeded"
	EventSessionCreated       = "session_created"
	EventSessionCleaned       = "session_cleaned"
	EventStreamConnected      = "stream_connected"
	EventStreamDisconnected   = "stream_disconnected"
)

// Auditor writes structured security events. Identifiers that could be used
// to hijack a session or token are logged as truncated SHA-256 hashes, so
// audit output correlates events without being replayable.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates an auditor. When disabled, all logging methods are
// no-ops.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event is one security audit record.
type Event struct {
	Type      string
	SessionID string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent writes an audit record with the session id hashed.
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"session_id_hash", hashForLogging(event.SessionID),
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogCodeIssued records issuance of an authorization code.
func (a *Auditor) LogCodeIssued(sessionID, ipAddress string, scope []string) {
	a.LogEvent(Event{
		Type:      EventCodeIssued,
		SessionID: sessionID,
		IPAddress: ipAddress,
		Details:   map[string]any{"scope": scope},
	})
}

// LogCodeExchanged records a successful code-for-token exchange.
func (a *Auditor) LogCodeExchanged(sessionID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventCodeExchanged,
		SessionID: sessionID,
		IPAddress: ipAddress,
	})
}

// LogPKCEFailed records a failed verifier check. The code stays consumable,
// so repeated failures for one session are worth alerting on.
func (a *Auditor) LogPKCEFailed(sessionID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventPKCEFailed,
		SessionID: sessionID,
		IPAddress: ipAddress,
	})
}

// LogTokenIssued records issuance of a bearer token.
func (a *Auditor) LogTokenIssued(sessionID, jti, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		SessionID: sessionID,
		IPAddress: ipAddress,
		Details:   map[string]any{"jti_hash": hashForLogging(jti)},
	})
}

// LogTokenRevoked records a token revocation.
func (a *Auditor) LogTokenRevoked(jti, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		IPAddress: ipAddress,
		Details:   map[string]any{"jti_hash": hashForLogging(jti)},
	})
}

// LogAuthFailure records a rejected bearer credential. The reason never
// reaches the client; it lives here and in the server log only.
func (a *Auditor) LogAuthFailure(ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogRateLimitExceeded records a rate limit rejection.
func (a *Auditor) LogRateLimitExceeded(ipAddress string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
	})
}

// hashForLogging returns a 16-hex-char SHA-256 prefix of sensitive data.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
