package telemetry_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/qbsync/qbsync/pkg/telemetry"
)

func TestMetricsDisabledIsSafe(t *testing.T) {
	m, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	// None of these may panic when collectors are absent.
	m.RecordRunStarted()
	m.RecordRunCompleted("succeeded", time.Second)
	m.RecordBlockOutcome("delivered")
	m.RecordDispatchCall("ProcessRequest", "success", time.Millisecond)
	m.RecordSinkRequest("200", time.Millisecond)
	m.RecordError("transient", "CONNECTION_FAILED")

	// A nil receiver must be equally safe.
	var nilMetrics *telemetry.Metrics
	nilMetrics.RecordRunStarted()
	nilMetrics.RecordRunCompleted("failed", time.Second)
	nilMetrics.RecordBlockOutcome("sink-failed")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("disabled metrics handler returned %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestMetricsScrape(t *testing.T) {
	cfg := telemetry.DefaultConfig().Metrics
	cfg.Enabled = true

	m, err := telemetry.NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m.RecordRunStarted()
	m.RecordRunCompleted("partial", 1500*time.Millisecond)
	m.RecordBlockOutcome("delivered")
	m.RecordBlockOutcome("not-found")
	m.RecordDispatchCall("BeginSession", "success", 20*time.Millisecond)
	m.RecordSinkRequest("200", 30*time.Millisecond)
	m.RecordError("expected", "ACCOUNT_NOT_FOUND")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics handler returned %d, want %d", resp.StatusCode, http.StatusOK)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	body := string(raw)

	for _, want := range []string{
		`qbsync_runs_total{status="partial"} 1`,
		`qbsync_blocks_total{outcome="delivered"} 1`,
		`qbsync_blocks_total{outcome="not-found"} 1`,
		`qbsync_dispatch_calls_total{method="BeginSession",result="success"} 1`,
		`qbsync_sink_requests_total{code="200"} 1`,
		`qbsync_errors_by_code_total{code="ACCOUNT_NOT_FOUND"} 1`,
		`qbsync_run_duration_seconds_count 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}

func TestConfigValidateRejectsBadLevel(t *testing.T) {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "verbose"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown log level")
	}
}
