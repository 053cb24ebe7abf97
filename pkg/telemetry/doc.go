// Package telemetry bundles the observability stack: structured logging
// (zerolog), metrics (Prometheus on a private registry), distributed
// tracing (OpenTelemetry), and in-process event publishing.
//
// Every component is safe to use in its disabled form: a disabled
// Metrics records nothing, a disabled Tracer produces no-op spans, a
// disabled EventPublisher drops publishes. Callers never branch on
// whether telemetry is configured.
//
// The Telemetry aggregate wires all four from one Config and travels on
// the context:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	ctx = tel.WithContext(ctx)
//	...
//	telemetry.FromTelemetryContext(ctx).Logger.Info("ready")
package telemetry
