package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/qbsync/qbsync/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		runID string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded sync runs",
		Long: `History reads the run-history database and lists recent runs, newest
first. With --run it shows the per-block results of a single run
instead. Requires store.path to be set in the configuration.`,
		Example: `  # List the 20 most recent runs
  qbsync history

  # List the 5 most recent runs as JSON
  qbsync history --limit 5 --json

  # Show every block outcome of one run
  qbsync history --run 550e8400-e29b-41d4-a716-446655440000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Store.Path == "" {
				return fmt.Errorf("run history is disabled: store.path is not set")
			}

			store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
			if err != nil {
				return err
			}
			if err := store.Init(ctx); err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				return err
			}

			if runID != "" {
				return showRun(ctx, store, runID)
			}
			return listRuns(ctx, store, limit)
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "show the block results of one run by ID")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list")

	return cmd
}

func listRuns(ctx context.Context, store *stores.SQLiteStore, limit int) error {
	runs, err := store.GetRecentRuns(ctx, limit)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(runs)
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tSTARTED\tDURATION\tDELIVERED\tNOT FOUND\tFAILED")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			run.ID,
			run.Status,
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			run.Duration().Round(time.Millisecond),
			run.Delivered,
			run.NotFound,
			run.Failed,
		)
	}
	return w.Flush()
}

func showRun(ctx context.Context, store *stores.SQLiteStore, runID string) error {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	results, err := store.GetRunResults(ctx, runID)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(struct {
			Run     *stores.StoredRun      `json:"run"`
			Results []*stores.StoredResult `json:"results"`
		}{Run: run, Results: results})
	}

	fmt.Printf("Run %s: %s (%d delivered, %d not found, %d failed) in %s\n",
		run.ID, run.Status, run.Delivered, run.NotFound, run.Failed,
		run.Duration().Round(time.Millisecond))
	if run.ProgID != "" {
		fmt.Printf("Interface: %s\n", run.ProgID)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OUTCOME\tACCOUNT\tCELL\tAMOUNT\tDETAIL")
	for _, res := range results {
		amount := ""
		if res.Amount != nil {
			amount = *res.Amount
		}
		if res.Synthetic {
			amount += " (synthetic)"
		}
		cell := res.Cell
		if res.SheetName != "" {
			cell = res.SheetName + "!" + res.Cell
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			res.Outcome, res.Account, cell, amount, res.Detail)
	}
	return w.Flush()
}
