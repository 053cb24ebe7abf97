package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qbsync/qbsync/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Validate parses the configuration file, applies defaults, and runs the
full structural and schema validation without touching the accounting
interface or the spreadsheet endpoint. Non-fatal findings are reported
as warnings.`,
		Example: `  # Validate the default config file
  qbsync validate

  # Validate a specific file
  qbsync validate --config /etc/qbsync/qbsync.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			warnings := cfg.Warnings()

			if jsonOutput {
				return printJSON(struct {
					Valid    bool     `json:"valid"`
					Blocks   int      `json:"blocks"`
					Warnings []string `json:"warnings,omitempty"`
				}{
					Valid:    true,
					Blocks:   len(cfg.Sync.Blocks),
					Warnings: warnings,
				})
			}

			fmt.Printf("%s: valid (%d sync blocks)\n", configPath, len(cfg.Sync.Blocks))
			for _, w := range warnings {
				fmt.Printf("warning: %s\n", w)
			}
			return nil
		},
	}

	return cmd
}
