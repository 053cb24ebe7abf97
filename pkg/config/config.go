// Package config loads and validates the service configuration: one YAML
// document describing the accounting connection, the sink, the sync
// blocks, and the ambient telemetry. Loading is a pipeline: unmarshal
// with unknown keys rejected, fill defaults, struct-tag validation, then
// a CUE schema check over the assembled document.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/qbsync/qbsync/pkg/engine"
	"github.com/qbsync/qbsync/pkg/quickbooks"
	"github.com/qbsync/qbsync/pkg/telemetry"
)

// validate is shared across loads; the validator is safe for concurrent
// use.
var validate = validator.New()

// Config is the whole service configuration.
type Config struct {
	// QuickBooks drives the accounting session.
	QuickBooks QuickBooksConfig `yaml:"quickbooks" json:"quickbooks"`

	// Sheets is the delivery sink.
	Sheets SheetsConfig `yaml:"sheets" json:"sheets" validate:"required"`

	// Sync binds accounts to destination cells and paces watch mode.
	Sync SyncConfig `yaml:"sync" json:"sync" validate:"required"`

	// Fallback opts into synthetic balances when the live interface is
	// unreachable.
	Fallback FallbackConfig `yaml:"fallback" json:"fallback"`

	// Store configures run history persistence.
	Store StoreConfig `yaml:"store" json:"store"`

	// Lease configures the cross-process run guard.
	Lease LeaseConfig `yaml:"lease" json:"lease"`

	// Logging, Metrics, and Tracing shape the telemetry stack.
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// QuickBooksConfig is the accounting-session section.
type QuickBooksConfig struct {
	// CompanyFile is a company-file path, AUTO (the currently open
	// file), or PROMPT (user picks; unsuitable unattended).
	CompanyFile string `yaml:"company_file" json:"company_file"`

	// AccessMode is dont_care, single_user, or multi_user.
	AccessMode string `yaml:"access_mode" json:"access_mode" validate:"omitempty,oneof=dont_care single_user multi_user"`

	// ApplicationID identifies this integration to the application.
	ApplicationID string `yaml:"application_id" json:"application_id"`

	// ApplicationName appears in the application's integrated-application
	// list.
	ApplicationName string `yaml:"application_name" json:"application_name"`

	// InterfaceRevisions overrides the built-in ProgID probe list,
	// newest first.
	InterfaceRevisions []string `yaml:"interface_revisions" json:"interface_revisions,omitempty"`

	// CallTimeout bounds each automation call.
	CallTimeout Duration `yaml:"call_timeout" json:"call_timeout"`
}

// SheetsConfig is the delivery-sink section.
type SheetsConfig struct {
	// WebAppURL is the deployed web-app endpoint balances are posted to.
	WebAppURL string `yaml:"webapp_url" json:"webapp_url" validate:"required,url"`

	// APIKey is the pre-shared key the endpoint expects in each payload.
	APIKey string `yaml:"api_key" json:"api_key" validate:"required"`

	// RequestTimeout bounds each delivery request.
	RequestTimeout Duration `yaml:"request_timeout" json:"request_timeout"`
}

// SyncConfig is the block table plus the watch cadence.
type SyncConfig struct {
	// Interval paces watch mode.
	Interval Duration `yaml:"interval" json:"interval"`

	// Blocks are the account-to-cell bindings, at least one.
	Blocks []BlockConfig `yaml:"blocks" json:"blocks" validate:"required,min=1,dive"`
}

// BlockConfig binds one account to one destination cell.
type BlockConfig struct {
	// Account is the colon-delimited full account name.
	Account string `yaml:"account" json:"account" validate:"required"`

	// SpreadsheetID identifies the destination spreadsheet.
	SpreadsheetID string `yaml:"spreadsheet_id" json:"spreadsheet_id" validate:"required"`

	// SheetName is the destination tab; the sink's default when empty.
	SheetName string `yaml:"sheet_name" json:"sheet_name"`

	// Cell is the A1-style destination cell.
	Cell string `yaml:"cell" json:"cell" validate:"required"`
}

// FallbackConfig opts into deterministic synthetic balances.
type FallbackConfig struct {
	// Enabled engages the generator when the live interface cannot
	// serve a run.
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// StoreConfig configures run history.
type StoreConfig struct {
	// Path is the history database file. Empty disables history.
	Path string `yaml:"path" json:"path"`
}

// LeaseConfig configures the cross-process run guard.
type LeaseConfig struct {
	// Path is the lease file location.
	Path string `yaml:"path" json:"path"`

	// TTL is how long a lease from a crashed run stays credible.
	TTL Duration `yaml:"ttl" json:"ttl"`
}

// LoggingConfig is the structured-logging section.
type LoggingConfig struct {
	// Level is trace, debug, info, warn, error, or fatal.
	Level string `yaml:"level" json:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`

	// Format is console or json.
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=console json"`

	// Output is stdout, stderr, or a file path.
	Output string `yaml:"output" json:"output"`

	// Timestamp is unix, unixms, or rfc3339.
	Timestamp string `yaml:"timestamp" json:"timestamp" validate:"omitempty,oneof=unix unixms rfc3339"`
}

// MetricsConfig is the metrics-endpoint section.
type MetricsConfig struct {
	// Enabled serves the scrape endpoint in watch mode.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// ListenAddress is where the endpoint listens.
	ListenAddress string `yaml:"listen_address" json:"listen_address"`
}

// TracingConfig is the distributed-tracing section.
type TracingConfig struct {
	// Enabled turns span export on.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Exporter is otlp, stdout, or none.
	Exporter string `yaml:"exporter" json:"exporter" validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP collector address.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// SamplingRate is the fraction of runs traced. Zero means sample
	// everything.
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate" validate:"gte=0,lte=1"`

	// Insecure disables TLS toward the collector.
	Insecure bool `yaml:"insecure" json:"insecure"`
}

// Duration unmarshals YAML strings like "30s" or "1h" into an exact
// duration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes one YAML document, fills defaults, and validates.
// Unknown keys are rejected: a typoed section silently ignored would
// surface as a run doing the wrong thing much later.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills every field the document left unset.
func (c *Config) applyDefaults() {
	if c.QuickBooks.CompanyFile == "" {
		c.QuickBooks.CompanyFile = quickbooks.FileAuto
	}
	if c.QuickBooks.AccessMode == "" {
		c.QuickBooks.AccessMode = string(quickbooks.AccessDontCare)
	}
	if c.QuickBooks.ApplicationID == "" {
		c.QuickBooks.ApplicationID = "QuickBooks-Sheets-Sync"
	}
	if c.QuickBooks.ApplicationName == "" {
		c.QuickBooks.ApplicationName = "QuickBooks Sheets Sync"
	}
	if c.QuickBooks.CallTimeout <= 0 {
		c.QuickBooks.CallTimeout = Duration(30 * time.Second)
	}
	if c.Sheets.RequestTimeout <= 0 {
		c.Sheets.RequestTimeout = Duration(30 * time.Second)
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = Duration(time.Hour)
	}
	if c.Lease.Path == "" {
		c.Lease.Path = "qbsync.lease"
	}
	if c.Lease.TTL <= 0 {
		c.Lease.TTL = Duration(15 * time.Minute)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Logging.Timestamp == "" {
		c.Logging.Timestamp = "rfc3339"
	}
	if c.Metrics.ListenAddress == "" {
		c.Metrics.ListenAddress = ":9090"
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "none"
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1.0
	}
}

// Validate runs struct-tag validation, then the CUE schema check.
// Failures carry field paths.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return checkSchema(c)
}

// Warnings lists accepted-but-dubious settings for the caller to log.
func (c *Config) Warnings() []string {
	var warnings []string
	if c.QuickBooks.CompanyFile == quickbooks.FilePrompt {
		warnings = append(warnings,
			"company_file PROMPT surfaces a file picker and is unsuitable for unattended runs")
	}
	if c.Fallback.Enabled {
		warnings = append(warnings,
			"fallback enabled: unreachable-interface runs will deliver synthetic balances")
	}
	return warnings
}

// SessionOptions renders the quickbooks section for the session layer.
func (c *Config) SessionOptions() quickbooks.Options {
	return quickbooks.Options{
		AppID:       c.QuickBooks.ApplicationID,
		AppName:     c.QuickBooks.ApplicationName,
		CompanyFile: c.QuickBooks.CompanyFile,
		AccessMode:  quickbooks.AccessMode(c.QuickBooks.AccessMode),
		CallTimeout: c.QuickBooks.CallTimeout.Std(),
		Candidates:  c.QuickBooks.InterfaceRevisions,
	}
}

// Blocks renders the sync blocks for the engine.
func (c *Config) Blocks() []engine.SyncBlock {
	out := make([]engine.SyncBlock, len(c.Sync.Blocks))
	for i, b := range c.Sync.Blocks {
		out[i] = engine.SyncBlock{
			Account:       b.Account,
			SpreadsheetID: b.SpreadsheetID,
			SheetName:     b.SheetName,
			Cell:          b.Cell,
		}
	}
	return out
}

// Telemetry renders the logging, metrics, and tracing sections onto the
// telemetry configuration.
func (c *Config) Telemetry(serviceVersion string) *telemetry.Config {
	tel := telemetry.DefaultConfig()
	tel.ServiceVersion = serviceVersion
	tel.Logging.Level = c.Logging.Level
	tel.Logging.Format = c.Logging.Format
	tel.Logging.Output = c.Logging.Output
	tel.Logging.TimeFormat = c.Logging.Timestamp
	tel.Metrics.Enabled = c.Metrics.Enabled
	tel.Metrics.ListenAddress = c.Metrics.ListenAddress
	tel.Tracing.Enabled = c.Tracing.Enabled
	tel.Tracing.Exporter = c.Tracing.Exporter
	tel.Tracing.Endpoint = c.Tracing.Endpoint
	tel.Tracing.SamplingRate = c.Tracing.SamplingRate
	tel.Tracing.Insecure = c.Tracing.Insecure
	return tel
}
