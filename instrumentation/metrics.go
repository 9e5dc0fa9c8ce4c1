package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the gateway's metric instruments.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Authorization flow
	AuthorizationStarted metric.Int64Counter
	CodeExchanged        metric.Int64Counter
	TokenIssued          metric.Int64Counter
	TokenValidated       metric.Int64Counter
	TokenRevoked         metric.Int64Counter

	// Security
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	AuditEventsTotal     metric.Int64Counter

	// Sessions and transport
	SessionsCreated     metric.Int64Counter
	SessionsCleaned     metric.Int64Counter
	StreamsConnected    metric.Int64Counter
	StreamsDisconnected metric.Int64Counter
	MessagesDelivered   metric.Int64Counter
	LiveBindings        metric.Int64ObservableGauge

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
}

// newMetrics creates all metric instruments against the current meter
// provider.
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	transportMeter := inst.Meter("transport")
	storageMeter := inst.Meter("storage")

	var err error

	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"gateway.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"gateway.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.AuthorizationStarted, err = serverMeter.Int64Counter(
		"gateway.authorization.started",
		metric.WithDescription("Number of authorization flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization.started counter: %w", err)
	}

	m.CodeExchanged, err = serverMeter.Int64Counter(
		"gateway.code.exchanged",
		metric.WithDescription("Number of authorization codes exchanged for tokens"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.exchanged counter: %w", err)
	}

	m.TokenIssued, err = serverMeter.Int64Counter(
		"gateway.token.issued",
		metric.WithDescription("Number of bearer tokens issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.issued counter: %w", err)
	}

	m.TokenValidated, err = serverMeter.Int64Counter(
		"gateway.token.validated",
		metric.WithDescription("Number of bearer token validations by result"),
		metric.WithUnit("{validation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.validated counter: %w", err)
	}

	m.TokenRevoked, err = serverMeter.Int64Counter(
		"gateway.token.revoked",
		metric.WithDescription("Number of bearer tokens revoked"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.revoked counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"gateway.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.PKCEValidationFailed, err = securityMeter.Int64Counter(
		"gateway.pkce.validation_failed",
		metric.WithDescription("Number of PKCE verifier check failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pkce.validation_failed counter: %w", err)
	}

	m.CodeReuseDetected, err = securityMeter.Int64Counter(
		"gateway.code.reuse_detected",
		metric.WithDescription("Number of authorization code reuse attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.reuse_detected counter: %w", err)
	}

	m.AuditEventsTotal, err = securityMeter.Int64Counter(
		"gateway.audit.events.total",
		metric.WithDescription("Total number of audit events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	m.SessionsCreated, err = serverMeter.Int64Counter(
		"gateway.sessions.created",
		metric.WithDescription("Number of durable sessions created"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.created counter: %w", err)
	}

	m.SessionsCleaned, err = serverMeter.Int64Counter(
		"gateway.sessions.cleaned",
		metric.WithDescription("Number of durable sessions cleaned up"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.cleaned counter: %w", err)
	}

	m.StreamsConnected, err = transportMeter.Int64Counter(
		"gateway.streams.connected",
		metric.WithDescription("Number of event streams opened"),
		metric.WithUnit("{stream}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streams.connected counter: %w", err)
	}

	m.StreamsDisconnected, err = transportMeter.Int64Counter(
		"gateway.streams.disconnected",
		metric.WithDescription("Number of event streams closed"),
		metric.WithUnit("{stream}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streams.disconnected counter: %w", err)
	}

	m.MessagesDelivered, err = transportMeter.Int64Counter(
		"gateway.messages.delivered",
		metric.WithDescription("Number of client messages accepted for delivery"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messages.delivered counter: %w", err)
	}

	m.LiveBindings, err = transportMeter.Int64ObservableGauge(
		"gateway.bindings.live",
		metric.WithDescription("Number of live transport bindings in this process"),
		metric.WithUnit("{binding}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bindings.live gauge: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"gateway.storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"gateway.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	return m, nil
}

// Helper methods for common recording patterns.

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorizationStarted records the start of an authorization flow.
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context) {
	m.AuthorizationStarted.Add(ctx, 1)
}

// RecordCodeExchange records a successful code-for-token exchange.
func (m *Metrics) RecordCodeExchange(ctx context.Context, pkceMethod string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordTokenIssued records a bearer token issuance.
func (m *Metrics) RecordTokenIssued(ctx context.Context) {
	m.TokenIssued.Add(ctx, 1)
}

// RecordTokenValidated records a validation attempt with its result
// ("ok", "expired", "revoked", "malformed", "audience", "issuer",
// "session_not_found").
func (m *Metrics) RecordTokenValidated(ctx context.Context, result string) {
	m.TokenValidated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordTokenRevocation records a token revocation.
func (m *Metrics) RecordTokenRevocation(ctx context.Context) {
	m.TokenRevoked.Add(ctx, 1)
}

// RecordRateLimitExceeded records a rate limit violation.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordPKCEValidationFailed records a failed verifier check.
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordCodeReuseDetected records an attempted reuse of a consumed code.
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordAuditEvent records an emitted audit event.
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordSessionCreated records a durable session creation.
func (m *Metrics) RecordSessionCreated(ctx context.Context) {
	m.SessionsCreated.Add(ctx, 1)
}

// RecordSessionCleaned records a durable session cleanup.
func (m *Metrics) RecordSessionCleaned(ctx context.Context) {
	m.SessionsCleaned.Add(ctx, 1)
}

// RecordStreamConnected records an event stream opening.
func (m *Metrics) RecordStreamConnected(ctx context.Context) {
	m.StreamsConnected.Add(ctx, 1)
}

// RecordStreamDisconnected records an event stream closing.
func (m *Metrics) RecordStreamDisconnected(ctx context.Context) {
	m.StreamsDisconnected.Add(ctx, 1)
}

// RecordMessageDelivered records a client message accepted for delivery.
func (m *Metrics) RecordMessageDelivered(ctx context.Context) {
	m.MessagesDelivered.Add(ctx, 1)
}

// RecordStorageOperation records one storage operation.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
