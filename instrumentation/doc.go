// Package instrumentation provides OpenTelemetry metrics and tracing for the
// gateway. Providers default to no-op implementations, so carrying the
// instrumentation costs nothing until an exporter-backed provider is
// injected.
package instrumentation
