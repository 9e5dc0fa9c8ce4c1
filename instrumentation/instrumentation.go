package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// scopePrefix namespaces meter and tracer scopes.
const scopePrefix = "github.com/giantswarm/mcp-gateway/"

// DefaultServiceVersion is used when no version is provided.
const DefaultServiceVersion = "unknown"

// Config holds instrumentation configuration.
type Config struct {
	// ServiceName identifies the service in telemetry, default "mcp-gateway".
	ServiceName string

	// ServiceVersion is the running version.
	ServiceVersion string

	// LogClientIPs controls whether client IP addresses appear in telemetry.
	// IP addresses can be PII; some deployments must omit them.
	LogClientIPs bool

	// Resource overrides the default resource attributes when non-nil.
	Resource *resource.Resource
}

// Instrumentation bundles the gateway's telemetry providers and instruments.
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates an instrumentation instance. Providers start as no-ops;
// recording costs nothing until SetProviders installs real ones.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = "mcp-gateway"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
		// No-op providers until an exporter-backed provider is wired in via
		// SetProviders.
		meterProvider:  noop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// SetProviders replaces the telemetry providers and rebuilds all metric
// instruments against the new meter provider. Call before serving traffic.
func (i *Instrumentation) SetProviders(mp metric.MeterProvider, tp trace.TracerProvider) error {
	if mp != nil {
		i.meterProvider = mp
	}
	if tp != nil {
		i.tracerProvider = tp
	}

	metrics, err := newMetrics(i)
	if err != nil {
		return fmt.Errorf("failed to rebuild metrics: %w", err)
	}
	i.metrics = metrics
	return nil
}

// RegisterShutdown adds a function to run during Shutdown. Not safe for
// concurrent use; register during startup only.
func (i *Instrumentation) RegisterShutdown(fn func(context.Context) error) {
	i.shutdownFuncs = append(i.shutdownFuncs, fn)
}

// Shutdown runs all registered shutdown functions once, returning the first
// error while still running the rest.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})

	return shutdownErr
}

// Meter returns a named meter for the given scope ("http", "server",
// "storage", "transport", "security").
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the gateway's metric instruments.
func (i *Instrumentation) Metrics() *Metrics { return i.metrics }

// TracerProvider returns the underlying tracer provider.
func (i *Instrumentation) TracerProvider() trace.TracerProvider { return i.tracerProvider }

// MeterProvider returns the underlying meter provider.
func (i *Instrumentation) MeterProvider() metric.MeterProvider { return i.meterProvider }

// ShouldLogClientIPs reports whether client IPs may appear in telemetry.
func (i *Instrumentation) ShouldLogClientIPs() bool { return i.config.LogClientIPs }

// RegisterBindingCountCallback registers an observable gauge callback
// reporting the number of live transport bindings in this process.
func (i *Instrumentation) RegisterBindingCountCallback(count func() int64) error {
	if count == nil {
		return fmt.Errorf("count callback is required")
	}

	meter := i.Meter("transport")
	_, err := meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			observer.ObserveInt64(i.metrics.LiveBindings, count())
			return nil
		},
		i.metrics.LiveBindings,
	)
	return err
}
