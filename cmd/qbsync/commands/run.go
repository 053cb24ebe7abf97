package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/qbsync/qbsync/pkg/engine"
)

func newRunCommand() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one balance sync cycle",
		Long: `Execute a single sync cycle: open an accounting session, query the
balance behind every configured block, deliver each one to its
spreadsheet cell, and tear the session down.

The exit code reports the run-level outcome. By default the process
fails only when the run could not start or every block failed;
--strict makes any failed block fatal. An absent account is an
expected outcome, not a failure.`,
		Example: `  # Run one cycle with the default config file
  qbsync run

  # Machine-readable summary
  qbsync run --json

  # Fail the process when any block fails
  qbsync run --strict`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := buildSyncApp(ctx)
			if err != nil {
				return err
			}
			defer app.close(ctx)

			summary, err := app.orch.Run(ctx, app.blocks)
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := printJSON(summary); err != nil {
					return err
				}
			} else {
				printRunSummary(summary)
			}

			_, _, failed := summary.Counts()
			if strict && failed > 0 {
				return fmt.Errorf("%d of %d blocks failed", failed, len(summary.Results))
			}
			if summary.Status == engine.RunStatusFailed {
				return fmt.Errorf("every block failed")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when any block fails")

	return cmd
}

// printRunSummary renders a human-readable run report.
func printRunSummary(summary *engine.RunSummary) {
	delivered, notFound, failed := summary.Counts()
	duration := summary.Finished.Sub(summary.Started).Round(time.Millisecond)

	fmt.Printf("Run %s: %s (%d delivered, %d not found, %d failed) in %s\n",
		summary.RunID, summary.Status, delivered, notFound, failed, duration)
	if summary.ProgID != "" {
		fmt.Printf("Interface: %s\n", summary.ProgID)
	}

	for _, r := range summary.Results {
		line := fmt.Sprintf("  %-12s %s", r.Outcome, r.Block.Label())
		if r.Balance != nil {
			line += "  " + r.Balance.Amount.StringFixed(2)
			if r.Balance.Synthetic {
				line += " (synthetic)"
			}
		}
		if detail := r.Detail(); detail != "" && r.Outcome != engine.OutcomeDelivered {
			line += "  [" + detail + "]"
		}
		fmt.Println(line)
	}
}
