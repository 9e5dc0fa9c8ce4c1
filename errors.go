package gateway

import (
	"fmt"
	"net/http"
)

// OAuth error codes returned in the "error" field of error responses.
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidToken         = "invalid_token"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeServerError          = "server_error"
	ErrorCodeRateLimitExceeded    = "rate_limit_exceeded"
)

// OAuthError pairs an OAuth error code with the HTTP status it is served
// under. Flow operations return it so the HTTP layer can render the right
// RFC 6749 error body without inspecting message strings.
type OAuthError struct {
	Code        string
	Description string
	Status      int
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates an OAuthError with an explicit status code.
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// ErrInvalidRequest covers malformed or incomplete request parameters.
func ErrInvalidRequest(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
}

// ErrInvalidGrant covers a bad authorization code, PKCE verifier, or
// redirect URI at the token endpoint.
func ErrInvalidGrant(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
}

// ErrInvalidToken covers a bearer token that fails any validation check.
// The description stays generic on the wire; the failing check is logged.
func ErrInvalidToken(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
}

// ErrUnsupportedGrantType covers grant types other than authorization_code.
func ErrUnsupportedGrantType(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
}

// ErrServerError covers internal failures surfaced to the client.
func ErrServerError(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
}
