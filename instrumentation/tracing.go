package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. Attributes carry metadata only: never set an actual
// token, code, or verifier value on a span.
const (
	AttrSessionID    = "gateway.session_id"
	AttrScope        = "gateway.scope"
	AttrPKCEMethod   = "gateway.pkce.method"
	AttrGrantType    = "gateway.grant_type"
	AttrResponseType = "gateway.response_type"
	AttrRedirectURI  = "gateway.redirect_uri"
	AttrError        = "gateway.error"

	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"

	AttrClientIP = "security.client_ip"

	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with error status. Nil-safe.
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful. Nil-safe.
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span. Nil-safe.
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes adds authorization flow attributes to a span. Nil-safe.
func AddFlowAttributes(span trace.Span, sessionID, scope string) {
	if sessionID != "" {
		SetSpanAttributes(span, attribute.String(AttrSessionID, sessionID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddHTTPAttributes adds HTTP request attributes to a span. Nil-safe.
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}
