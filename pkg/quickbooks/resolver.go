// Package quickbooks drives QuickBooks Desktop through its automation
// interface: resolving whichever interface revision the host machine
// registers, holding the one-per-run company-file session on a dedicated
// apartment thread, and turning account queries into qbXML round trips.
package quickbooks

import (
	"fmt"

	"github.com/qbsync/qbsync/pkg/dispatch"
	"github.com/qbsync/qbsync/pkg/engine"
	"github.com/qbsync/qbsync/pkg/telemetry"
)

// DefaultCandidates lists the interface ProgIDs probed at connect time,
// newest first. The list is configuration data: supporting another
// application release means adding an entry, never touching call logic.
var DefaultCandidates = []string{
	"QBXMLRP2.RequestProcessor.2",
	"QBXMLRP2.RequestProcessor",
	"QBFC16.QBSessionManager",
	"QBFC15.QBSessionManager",
	"QBFC14.QBSessionManager",
	"QBFC13.QBSessionManager",
}

// Resolver finds a live automation object among candidate interface
// revisions. First success wins; candidates after the winner are never
// probed.
type Resolver struct {
	connector  dispatch.Connector
	candidates []string
	logger     *telemetry.Logger
}

// NewResolver returns a resolver probing candidates through connector.
// An empty candidate list falls back to DefaultCandidates; a nil logger
// falls back to a silent one.
func NewResolver(connector dispatch.Connector, candidates []string, logger *telemetry.Logger) *Resolver {
	if len(candidates) == 0 {
		candidates = DefaultCandidates
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Resolver{connector: connector, candidates: candidates, logger: logger}
}

// Resolve probes the candidates in order and returns the first live
// object together with the ProgID that won. The caller owns the object
// and must run Resolve on the goroutine holding the automation
// apartment. Individual candidate failures are logged and absorbed; only
// all of them failing is an error.
func (r *Resolver) Resolve() (dispatch.Object, string, error) {
	for _, progID := range r.candidates {
		obj, err := r.connector.Connect(progID)
		if err != nil {
			r.logger.WithProgID(progID).WithError(err).Debug("interface revision not available")
			continue
		}
		r.logger.WithProgID(progID).Info("interface revision resolved")
		return obj, progID, nil
	}
	return nil, "", engine.NewTransientError(engine.ErrCodeInterfaceUnavailable,
		fmt.Errorf("no request processor among %d known revisions", len(r.candidates)))
}
