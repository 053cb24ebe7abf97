package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qbsync/qbsync/pkg/config"
	"github.com/qbsync/qbsync/pkg/quickbooks"
	"github.com/qbsync/qbsync/pkg/sheets"
	"github.com/qbsync/qbsync/pkg/telemetry"
)

// probeReport is the layered result of a connectivity check.
type probeReport struct {
	ProgID      string `json:"prog_id,omitempty"`
	Connected   bool   `json:"connected"`
	SessionOpen bool   `json:"session_open"`
	CompanyFile string `json:"company_file,omitempty"`
	Versions    string `json:"qbxml_versions,omitempty"`
	SinkOK      *bool  `json:"sink_ok,omitempty"`
	Error       string `json:"error,omitempty"`
}

func newProbeCommand() *cobra.Command {
	var pingSink bool

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check the accounting interface without syncing",
		Long: `Probe connectivity layer by layer: resolve the automation interface,
open a connection, begin a session, and report the winning interface
revision, the company file name, and the supported qbXML versions.
The session is torn down before the command returns; no balances are
read or written.`,
		Example: `  # Probe the accounting interface
  qbsync probe

  # Probe and ping the spreadsheet endpoint too
  qbsync probe --sink

  # Machine-readable report
  qbsync probe --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tel, err := buildTelemetry(cfg)
			if err != nil {
				return err
			}
			defer shutdownTelemetry(ctx, tel)

			report, probeErr := runProbe(tel.WithContext(ctx), cfg, tel, pingSink)

			if jsonOutput {
				if probeErr != nil {
					report.Error = probeErr.Error()
				}
				if err := printJSON(report); err != nil {
					return err
				}
			} else {
				printProbeReport(report)
			}

			return probeErr
		},
	}

	cmd.Flags().BoolVar(&pingSink, "sink", false, "also ping the spreadsheet endpoint")

	return cmd
}

// runProbe walks the connectivity layers in order and stops at the first
// failure. Company file and version lookups are informational; a session
// that opened but cannot answer them still probes healthy.
func runProbe(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, pingSink bool) (*probeReport, error) {
	report := &probeReport{}

	op := telemetry.StartOperation(ctx, "probe")
	var err error
	defer func() { op.End(err) }()

	session := quickbooks.NewSession(cfg.SessionOptions(), nil).WithTelemetry(tel)
	defer session.Teardown(op.Ctx)

	if err = session.Connect(op.Ctx); err != nil {
		return report, err
	}
	report.Connected = true
	report.ProgID = session.ProgID()

	if _, err = session.Begin(op.Ctx); err != nil {
		return report, err
	}
	report.SessionOpen = true

	if name, nameErr := session.CompanyFileName(op.Ctx); nameErr == nil {
		report.CompanyFile = name
	} else {
		op.Logger.WithError(nameErr).Debug("Company file name unavailable")
	}
	if versions, verErr := session.SupportedVersions(op.Ctx); verErr == nil {
		report.Versions = versions
	} else {
		op.Logger.WithError(verErr).Debug("Version list unavailable")
	}

	if pingSink {
		ok := false
		report.SinkOK = &ok
		client := sheets.NewClient(cfg.Sheets.WebAppURL, cfg.Sheets.APIKey, cfg.Sheets.RequestTimeout.Std()).
			WithTelemetry(tel)
		if err = client.Ping(op.Ctx, cfg.Blocks()[0]); err != nil {
			return report, err
		}
		ok = true
	}

	return report, nil
}

func printProbeReport(report *probeReport) {
	status := func(ok bool) string {
		if ok {
			return "ok"
		}
		return "failed"
	}

	fmt.Printf("Connection:     %s\n", status(report.Connected))
	if report.ProgID != "" {
		fmt.Printf("Interface:      %s\n", report.ProgID)
	}
	fmt.Printf("Session:        %s\n", status(report.SessionOpen))
	if report.CompanyFile != "" {
		fmt.Printf("Company file:   %s\n", report.CompanyFile)
	}
	if report.Versions != "" {
		fmt.Printf("qbXML versions: %s\n", report.Versions)
	}
	if report.SinkOK != nil {
		fmt.Printf("Sink:           %s\n", status(*report.SinkOK))
	}
}
