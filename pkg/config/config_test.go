package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/qbsync/qbsync/pkg/quickbooks"
)

const fullConfig = `
quickbooks:
  company_file: 'C:\books\acme.qbw'
  access_mode: single_user
  application_id: qbsync-prod
  application_name: Acme Balance Sync
  interface_revisions:
    - QBXMLRP2.RequestProcessor.2
  call_timeout: 45s
sheets:
  webapp_url: https://sheets.example.com/exec
  api_key: sekrit
  request_timeout: 10s
sync:
  interval: 30m
  blocks:
    - account: "Assets:Current:Checking"
      spreadsheet_id: 1BxiMVs0XRA5
      sheet_name: Balances
      cell: B4
    - account: "Liabilities:Visa"
      spreadsheet_id: 1BxiMVs0XRA5
      cell: C10
fallback:
  enabled: true
store:
  path: qbsync.db
lease:
  path: /var/run/qbsync.lease
  ttl: 5m
logging:
  level: debug
  format: json
  output: stderr
  timestamp: unixms
metrics:
  enabled: true
  listen_address: 127.0.0.1:9400
tracing:
  enabled: true
  exporter: otlp
  endpoint: localhost:4317
  sampling_rate: 0.25
  insecure: true
`

const minimalConfig = `
sheets:
  webapp_url: https://sheets.example.com/exec
  api_key: sekrit
sync:
  blocks:
    - account: "Assets:Checking"
      spreadsheet_id: sheet-1
      cell: A1
`

func TestLoadFullConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qbsync.yaml")
	if err := os.WriteFile(path, []byte(fullConfig), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.QuickBooks.CompanyFile != `C:\books\acme.qbw` {
		t.Errorf("company_file = %q", cfg.QuickBooks.CompanyFile)
	}
	if cfg.QuickBooks.AccessMode != "single_user" {
		t.Errorf("access_mode = %q", cfg.QuickBooks.AccessMode)
	}
	if cfg.QuickBooks.ApplicationID != "qbsync-prod" {
		t.Errorf("application_id = %q", cfg.QuickBooks.ApplicationID)
	}
	if got := cfg.QuickBooks.CallTimeout.Std(); got != 45*time.Second {
		t.Errorf("call_timeout = %v, want 45s", got)
	}
	if len(cfg.QuickBooks.InterfaceRevisions) != 1 {
		t.Errorf("interface_revisions = %v", cfg.QuickBooks.InterfaceRevisions)
	}
	if cfg.Sheets.WebAppURL != "https://sheets.example.com/exec" {
		t.Errorf("webapp_url = %q", cfg.Sheets.WebAppURL)
	}
	if got := cfg.Sheets.RequestTimeout.Std(); got != 10*time.Second {
		t.Errorf("request_timeout = %v, want 10s", got)
	}
	if got := cfg.Sync.Interval.Std(); got != 30*time.Minute {
		t.Errorf("interval = %v, want 30m", got)
	}
	if len(cfg.Sync.Blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(cfg.Sync.Blocks))
	}
	first := cfg.Sync.Blocks[0]
	if first.Account != "Assets:Current:Checking" || first.SheetName != "Balances" || first.Cell != "B4" {
		t.Errorf("unexpected first block: %+v", first)
	}
	if cfg.Sync.Blocks[1].SheetName != "" {
		t.Errorf("sheet_name should default empty, got %q", cfg.Sync.Blocks[1].SheetName)
	}
	if !cfg.Fallback.Enabled {
		t.Error("fallback should be enabled")
	}
	if cfg.Store.Path != "qbsync.db" {
		t.Errorf("store path = %q", cfg.Store.Path)
	}
	if cfg.Lease.Path != "/var/run/qbsync.lease" || cfg.Lease.TTL.Std() != 5*time.Minute {
		t.Errorf("unexpected lease: %+v", cfg.Lease)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" || cfg.Logging.Timestamp != "unixms" {
		t.Errorf("unexpected logging: %+v", cfg.Logging)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.ListenAddress != "127.0.0.1:9400" {
		t.Errorf("unexpected metrics: %+v", cfg.Metrics)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Exporter != "otlp" || cfg.Tracing.SamplingRate != 0.25 {
		t.Errorf("unexpected tracing: %+v", cfg.Tracing)
	}
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	if cfg.QuickBooks.CompanyFile != quickbooks.FileAuto {
		t.Errorf("company_file = %q, want %q", cfg.QuickBooks.CompanyFile, quickbooks.FileAuto)
	}
	if cfg.QuickBooks.AccessMode != string(quickbooks.AccessDontCare) {
		t.Errorf("access_mode = %q", cfg.QuickBooks.AccessMode)
	}
	if cfg.QuickBooks.ApplicationID != "QuickBooks-Sheets-Sync" {
		t.Errorf("application_id = %q", cfg.QuickBooks.ApplicationID)
	}
	if cfg.QuickBooks.ApplicationName != "QuickBooks Sheets Sync" {
		t.Errorf("application_name = %q", cfg.QuickBooks.ApplicationName)
	}
	if got := cfg.QuickBooks.CallTimeout.Std(); got != 30*time.Second {
		t.Errorf("call_timeout = %v, want 30s", got)
	}
	if got := cfg.Sheets.RequestTimeout.Std(); got != 30*time.Second {
		t.Errorf("request_timeout = %v, want 30s", got)
	}
	if got := cfg.Sync.Interval.Std(); got != time.Hour {
		t.Errorf("interval = %v, want 1h", got)
	}
	if cfg.Lease.Path != "qbsync.lease" || cfg.Lease.TTL.Std() != 15*time.Minute {
		t.Errorf("unexpected lease defaults: %+v", cfg.Lease)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "console" || cfg.Logging.Output != "stdout" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.Logging.Timestamp != "rfc3339" {
		t.Errorf("timestamp = %q, want rfc3339", cfg.Logging.Timestamp)
	}
	if cfg.Metrics.Enabled || cfg.Metrics.ListenAddress != ":9090" {
		t.Errorf("unexpected metrics defaults: %+v", cfg.Metrics)
	}
	if cfg.Tracing.Exporter != "none" || cfg.Tracing.SamplingRate != 1.0 {
		t.Errorf("unexpected tracing defaults: %+v", cfg.Tracing)
	}
}

func TestParseRejections(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "empty document",
			yaml: "",
		},
		{
			name: "missing sink section",
			yaml: `
sync:
  blocks:
    - account: "Assets:Checking"
      spreadsheet_id: sheet-1
      cell: A1
`,
		},
		{
			name: "missing blocks",
			yaml: `
sheets:
  webapp_url: https://sheets.example.com/exec
  api_key: sekrit
`,
		},
		{
			name: "malformed cell",
			yaml: `
sheets:
  webapp_url: https://sheets.example.com/exec
  api_key: sekrit
sync:
  blocks:
    - account: "Assets:Checking"
      spreadsheet_id: sheet-1
      cell: balance!
`,
		},
		{
			name: "unknown top-level key",
			yaml: `
sheet:
  webapp_url: https://sheets.example.com/exec
sync:
  blocks:
    - account: "Assets:Checking"
      spreadsheet_id: sheet-1
      cell: A1
`,
		},
		{
			name: "access mode misspelled",
			yaml: `
quickbooks:
  access_mode: exclusive
sheets:
  webapp_url: https://sheets.example.com/exec
  api_key: sekrit
sync:
  blocks:
    - account: "Assets:Checking"
      spreadsheet_id: sheet-1
      cell: A1
`,
		},
		{
			name: "duration is not a duration",
			yaml: `
quickbooks:
  call_timeout: fast
sheets:
  webapp_url: https://sheets.example.com/exec
  api_key: sekrit
sync:
  blocks:
    - account: "Assets:Checking"
      spreadsheet_id: sheet-1
      cell: A1
`,
		},
		{
			name: "sampling rate above one",
			yaml: `
sheets:
  webapp_url: https://sheets.example.com/exec
  api_key: sekrit
sync:
  blocks:
    - account: "Assets:Checking"
      spreadsheet_id: sheet-1
      cell: A1
tracing:
  sampling_rate: 2.0
`,
		},
		{
			name: "webapp url without scheme",
			yaml: `
sheets:
  webapp_url: sheets.example.com/exec
  api_key: sekrit
sync:
  blocks:
    - account: "Assets:Checking"
      spreadsheet_id: sheet-1
      cell: A1
`,
		},
		{
			name: "unknown log level",
			yaml: `
sheets:
  webapp_url: https://sheets.example.com/exec
  api_key: sekrit
sync:
  blocks:
    - account: "Assets:Checking"
      spreadsheet_id: sheet-1
      cell: A1
logging:
  level: loud
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatalf("expected validation error, got config %+v", cfg)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "read config") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestWarnings(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}
	if warnings := cfg.Warnings(); len(warnings) != 0 {
		t.Errorf("expected no warnings, got %v", warnings)
	}

	cfg.QuickBooks.CompanyFile = quickbooks.FilePrompt
	cfg.Fallback.Enabled = true
	warnings := cfg.Warnings()
	if len(warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %v", warnings)
	}
	if !strings.Contains(warnings[0], "PROMPT") {
		t.Errorf("first warning should mention PROMPT: %q", warnings[0])
	}
	if !strings.Contains(warnings[1], "fallback") {
		t.Errorf("second warning should mention fallback: %q", warnings[1])
	}
}

func TestSessionOptionsBridge(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	opts := cfg.SessionOptions()
	if opts.AppID != "qbsync-prod" {
		t.Errorf("AppID = %q", opts.AppID)
	}
	if opts.AppName != "Acme Balance Sync" {
		t.Errorf("AppName = %q", opts.AppName)
	}
	if opts.CompanyFile != `C:\books\acme.qbw` {
		t.Errorf("CompanyFile = %q", opts.CompanyFile)
	}
	if opts.AccessMode != quickbooks.AccessSingleUser {
		t.Errorf("AccessMode = %q", opts.AccessMode)
	}
	if opts.CallTimeout != 45*time.Second {
		t.Errorf("CallTimeout = %v", opts.CallTimeout)
	}
	if len(opts.Candidates) != 1 || opts.Candidates[0] != "QBXMLRP2.RequestProcessor.2" {
		t.Errorf("Candidates = %v", opts.Candidates)
	}
}

func TestBlocksBridge(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	blocks := cfg.Blocks()
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if blocks[0].Account != "Assets:Current:Checking" {
		t.Errorf("Account = %q", blocks[0].Account)
	}
	if blocks[0].SpreadsheetID != "1BxiMVs0XRA5" {
		t.Errorf("SpreadsheetID = %q", blocks[0].SpreadsheetID)
	}
	if blocks[0].Cell != "B4" {
		t.Errorf("Cell = %q", blocks[0].Cell)
	}
	if blocks[1].SheetName != "" {
		t.Errorf("SheetName = %q, want empty", blocks[1].SheetName)
	}
}

func TestTelemetryBridge(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	tel := cfg.Telemetry("1.2.3")
	if tel.ServiceVersion != "1.2.3" {
		t.Errorf("ServiceVersion = %q", tel.ServiceVersion)
	}
	if tel.Logging.Level != "debug" || tel.Logging.Format != "json" {
		t.Errorf("unexpected logging bridge: %+v", tel.Logging)
	}
	if tel.Logging.TimeFormat != "unixms" {
		t.Errorf("TimeFormat = %q", tel.Logging.TimeFormat)
	}
	if !tel.Metrics.Enabled || tel.Metrics.ListenAddress != "127.0.0.1:9400" {
		t.Errorf("unexpected metrics bridge: %+v", tel.Metrics)
	}
	if !tel.Tracing.Enabled || tel.Tracing.Exporter != "otlp" || tel.Tracing.Endpoint != "localhost:4317" {
		t.Errorf("unexpected tracing bridge: %+v", tel.Tracing)
	}
	if tel.Tracing.SamplingRate != 0.25 {
		t.Errorf("SamplingRate = %v", tel.Tracing.SamplingRate)
	}
	if !tel.Tracing.Insecure {
		t.Error("Insecure should carry over")
	}
}
