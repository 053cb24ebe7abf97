package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/qbsync/qbsync/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	// Create configuration
	cfg := telemetry.DefaultConfig()
	cfg.ServiceName = "qbsync"
	cfg.ServiceVersion = "1.0.0"

	// Initialize telemetry
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	// Add telemetry to context
	ctx := tel.WithContext(context.Background())

	// Use telemetry
	logger := telemetry.FromContext(ctx)
	logger.Info("Service started")

	// Output can vary, so we don't specify output for this example
}

// Example_structuredLogging demonstrates structured logging features.
func Example_structuredLogging() {
	cfg := telemetry.DevelopmentConfig()
	cfg.Logging.Output = "stdout"

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Component-specific logger
	logger := tel.Logger.NewComponentLogger("engine")

	// Add run and block fields
	logger = logger.
		WithRunID("run-123").
		WithAccount("Assets:Checking")

	// Log at different levels
	logger.Debug("Querying account balance")
	logger.Info("Balance delivered to sink")
	logger.Warn("Interface revision probe fell through to older version")

	// Log with error
	err := fmt.Errorf("connection refused")
	logger.WithError(err).Error("Failed to reach spreadsheet sink")

	// Output varies, no output specified
}

// Example_metricsCollection demonstrates metrics collection.
func Example_metricsCollection() {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = true

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Record run metrics
	tel.Metrics.RecordRunStarted()

	// Simulate run execution
	start := time.Now()
	time.Sleep(50 * time.Millisecond)
	duration := time.Since(start)

	tel.Metrics.RecordRunCompleted("succeeded", duration)

	// Record per-block and per-call metrics
	tel.Metrics.RecordBlockOutcome("delivered")
	tel.Metrics.RecordDispatchCall("ProcessRequest", "success", 15*time.Millisecond)
	tel.Metrics.RecordSinkRequest("200", 25*time.Millisecond)

	// Record error metrics
	tel.Metrics.RecordError("transient", "CONNECTION_FAILED")

	fmt.Println("Metrics recorded successfully")
	// Output: Metrics recorded successfully
}

// Example_eventPublishing demonstrates event publishing and subscription.
func Example_eventPublishing() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.Enabled = true
	cfg.Events.EnableAsync = false // Synchronous for example

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Subscribe to events
	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
	}, nil) // No filter, receive all events

	// Publish events
	tel.Events.PublishRunStarted("run-123", 3)
	tel.Events.PublishBlockSynced("run-123", "Assets:Checking", "delivered")
	tel.Events.PublishRunCompleted("run-123", "succeeded", 2*time.Second)

	// Output varies due to async nature, no output specified
}

// Example_eventFiltering demonstrates event filtering.
func Example_eventFiltering() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.Enabled = true
	cfg.Events.EnableAsync = false

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Subscribe with level filter (only warnings and errors)
	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("Important event: %s\n", event.Type)
	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))

	// Subscribe with type filter (only fallback events)
	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("Fallback event: %s\n", event.Message)
	}, telemetry.FilterByType(telemetry.EventTypeFallbackEngaged))

	// Publish various events
	tel.Events.PublishRunStarted("run-123", 2)
	tel.Events.PublishFallbackEngaged("run-123", "automation interface unavailable")
	tel.Events.PublishBlockFailed("run-123", "Assets:Checking", "sink rejected value")

	// Output varies, no output specified
}

// Example_instrumentedOperation demonstrates using the InstrumentedContext helper.
func Example_instrumentedOperation() {
	cfg := telemetry.DevelopmentConfig()
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	// Start instrumented operation
	ic := telemetry.StartOperation(ctx, "probe_interface",
		attribute.String("prog.id", "QBXMLRP2.RequestProcessor.2"),
	)
	defer ic.End(nil)

	// Use the instrumented context
	ic.Logger.Info("Probing automation interface")

	// Simulate probe
	time.Sleep(5 * time.Millisecond)

	ic.Logger.Debug("Probe complete")

	fmt.Println("Operation instrumentation complete")
	// Output: Operation instrumentation complete
}

// Example_productionConfiguration demonstrates production-ready configuration.
func Example_productionConfiguration() {
	cfg := telemetry.ProductionConfig()

	// Customize for your environment
	cfg.ServiceName = "qbsync"
	cfg.ServiceVersion = "1.2.3"
	cfg.Environment = "production"

	// Configure OTLP exporter
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Endpoint = "otel-collector.monitoring.svc.cluster.local:4317"
	cfg.Tracing.SamplingRate = 0.1 // 10% sampling
	cfg.Tracing.Insecure = false   // Use TLS in production

	// Configure metrics
	cfg.Metrics.ListenAddress = ":9090"
	cfg.Metrics.Namespace = "qbsync"

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	fmt.Println("Production configuration validated")
	// Output: Production configuration validated
}
