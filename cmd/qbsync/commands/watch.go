package commands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/qbsync/qbsync/pkg/config"
	"github.com/qbsync/qbsync/pkg/engine"
	"github.com/qbsync/qbsync/pkg/telemetry"
)

// reloadDebounce coalesces editor write bursts into one reload.
const reloadDebounce = 500 * time.Millisecond

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sync on a schedule until interrupted",
		Long: `Run sync cycles at the configured interval until the process is
interrupted. The first cycle starts immediately.

A cycle that would overlap a still-running one is skipped, never
queued. Config file edits are picked up while the watcher runs: a
valid edit is applied without a restart, a rejected one keeps the
previous configuration. When metrics are enabled the scrape endpoint
is served for the lifetime of the watcher.`,
		Example: `  # Watch with the default config file
  qbsync watch

  # Verbose watch with a specific config
  qbsync watch -c /etc/qbsync/qbsync.yaml -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context())
		},
	}

	return cmd
}

func runWatch(ctx context.Context) error {
	app, err := buildSyncApp(ctx)
	if err != nil {
		return err
	}
	defer app.close(ctx)

	logger := app.tel.Logger.NewComponentLogger("watch")

	if app.cfg.Metrics.Enabled {
		go func() {
			if err := app.tel.StartMetricsServer(ctx); err != nil {
				logger.WithError(err).Error("Metrics endpoint failed")
			}
		}()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files by rename, which drops
	// a watch set on the file itself.
	configDir := filepath.Dir(configPath)
	if err := watcher.Add(configDir); err != nil {
		logger.WithError(err).WithField("path", configDir).Warn("Config reload disabled")
	}

	interval := app.cfg.Sync.Interval.Std()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Infof("Watching %d blocks every %s", len(app.blocks), interval)

	// Cycles run detached so the loop stays responsive; the run guard
	// turns any overlap into a logged skip.
	runCycle := func() {
		orch, blocks := app.orch, app.blocks
		go func() {
			if _, err := orch.Run(ctx, blocks); err != nil && !errors.Is(err, engine.ErrRunActive) {
				logger.WithError(err).Error("Sync cycle failed to start")
			}
		}()
	}

	runCycle()

	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			logger.Info("Watch stopped")
			return nil

		case <-ticker.C:
			runCycle()

		case event, ok := <-watcher.Events:
			if !ok {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 &&
				filepath.Base(event.Name) == filepath.Base(configPath) {
				logger.WithField("file", event.Name).Debug("Configuration changed")
				reload = time.After(reloadDebounce)
			}

		case <-reload:
			reload = nil
			if next := reloadConfig(ctx, app, logger); next != nil {
				if d := next.Sync.Interval.Std(); d != interval {
					interval = d
					ticker.Reset(interval)
				}
				logger.Infof("Configuration reloaded: %d blocks every %s", len(app.blocks), interval)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				continue
			}
			logger.WithError(err).Error("Config watcher error")
		}
	}
}

// reloadConfig applies a changed config file, keeping the previous
// assembly when the new file does not validate or cannot be wired.
func reloadConfig(ctx context.Context, app *syncApp, logger *telemetry.Logger) *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.WithError(err).Error("Config reload rejected, keeping previous configuration")
		return nil
	}
	for _, warning := range cfg.Warnings() {
		logger.Warn(warning)
	}
	if err := app.assemble(ctx, cfg); err != nil {
		logger.WithError(err).Error("Config reload failed, keeping previous configuration")
		return nil
	}
	return cfg
}
