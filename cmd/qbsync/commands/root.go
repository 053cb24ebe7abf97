package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/qbsync/qbsync/pkg/config"
	"github.com/qbsync/qbsync/pkg/engine"
	"github.com/qbsync/qbsync/pkg/fallback"
	"github.com/qbsync/qbsync/pkg/quickbooks"
	"github.com/qbsync/qbsync/pkg/sheets"
	"github.com/qbsync/qbsync/pkg/stores"
	"github.com/qbsync/qbsync/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	// appVersion feeds the telemetry service metadata; Execute stamps it.
	appVersion string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	appVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "qbsync",
		Short: "QuickBooks Desktop to spreadsheet balance sync",
		Long: `qbsync reads account balances from a local QuickBooks Desktop
installation over its automation interface and writes them into
spreadsheet cells through a deployed web-app endpoint.

Each configured block binds one account's balance to one destination
cell. A run opens a single accounting session, walks the blocks in
order, delivers what it can, and tears the session down no matter how
far it got.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "qbsync.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newProbeCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}

// loadConfig reads the configured file and logs any accepted-but-dubious
// settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	for _, warning := range cfg.Warnings() {
		log.Warn().Msg(warning)
	}
	return cfg, nil
}

// buildTelemetry assembles the telemetry stack from the configuration.
// --verbose forces debug logging over the configured level.
func buildTelemetry(cfg *config.Config) (*telemetry.Telemetry, error) {
	tcfg := cfg.Telemetry(appVersion)
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	return telemetry.NewTelemetry(tcfg)
}

// shutdownTelemetry flushes and stops the telemetry stack. It survives an
// already-canceled command context so exporters can still drain.
func shutdownTelemetry(ctx context.Context, tel *telemetry.Telemetry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		tel.Logger.WithError(err).Warn("Telemetry shutdown incomplete")
	}
}

// syncApp is the assembled service: the orchestrator with its source,
// sink, guard, optional fallback and history, plus the telemetry stack.
// watch rebuilds everything but telemetry on config reload.
type syncApp struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	orch   *engine.Orchestrator
	store  *stores.SQLiteStore
	blocks []engine.SyncBlock
}

// buildSyncApp loads the configuration and wires the full sync stack.
func buildSyncApp(ctx context.Context) (*syncApp, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := buildTelemetry(cfg)
	if err != nil {
		return nil, err
	}

	app := &syncApp{tel: tel}
	if err := app.assemble(ctx, cfg); err != nil {
		shutdownTelemetry(ctx, tel)
		return nil, err
	}
	return app, nil
}

// assemble wires source, sink, guard, fallback, and store from cfg onto
// the app, keeping the existing telemetry. On error the previous
// assembly stays in place.
func (a *syncApp) assemble(ctx context.Context, cfg *config.Config) error {
	var store *stores.SQLiteStore
	if cfg.Store.Path != "" {
		s, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
		if err != nil {
			return err
		}
		if err := s.Init(ctx); err != nil {
			return err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return err
		}
		store = s
	}

	source := quickbooks.NewSession(cfg.SessionOptions(), nil).WithTelemetry(a.tel)
	sink := sheets.NewClient(cfg.Sheets.WebAppURL, cfg.Sheets.APIKey, cfg.Sheets.RequestTimeout.Std()).
		WithTelemetry(a.tel)
	guard := engine.NewRunGuard(cfg.Lease.Path, cfg.Lease.TTL.Std())

	orch := engine.NewOrchestrator(source, sink, guard).WithTelemetry(a.tel)
	if cfg.Fallback.Enabled {
		orch = orch.WithSynthesizer(fallback.NewGenerator())
	}
	if store != nil {
		orch = orch.WithStore(store)
	}

	if a.store != nil {
		_ = a.store.Close()
	}
	a.cfg = cfg
	a.orch = orch
	a.store = store
	a.blocks = cfg.Blocks()
	return nil
}

// close releases the store and flushes telemetry.
func (a *syncApp) close(ctx context.Context) {
	if a.store != nil {
		_ = a.store.Close()
	}
	shutdownTelemetry(ctx, a.tel)
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
