package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SyncBlock binds one ledger account to one spreadsheet cell. Blocks are
// static configuration; the engine never invents or rewrites them.
type SyncBlock struct {
	// Account is the colon-delimited full account name in the company
	// file (e.g. "Assets:Current:Checking"). Queries filter on the full
	// name; short account numbers can be ambiguous.
	Account string `json:"account"`

	// SpreadsheetID identifies the destination spreadsheet at the sink.
	SpreadsheetID string `json:"spreadsheet_id"`

	// SheetName is the tab inside the destination spreadsheet.
	SheetName string `json:"sheet_name"`

	// Cell is the A1-style destination cell address.
	Cell string `json:"cell"`
}

// Label is the block's log identity: account plus destination cell.
func (b SyncBlock) Label() string {
	return fmt.Sprintf("%s -> %s!%s", b.Account, b.SheetName, b.Cell)
}

// AccountBalance is one retrieved or synthesized balance.
type AccountBalance struct {
	// Account is the full account name the balance belongs to.
	Account string `json:"account"`

	// Amount is the exact balance with sign preserved verbatim.
	Amount decimal.Decimal `json:"amount"`

	// RetrievedAt is when the balance was obtained.
	RetrievedAt time.Time `json:"retrieved_at"`

	// Synthetic marks balances produced by the fallback generator rather
	// than the live accounting interface.
	Synthetic bool `json:"synthetic"`
}

// Outcome is a block's final disposition for one run. Every configured
// block gets exactly one outcome per run.
type Outcome string

const (
	// OutcomeDelivered means the balance reached its destination cell.
	OutcomeDelivered Outcome = "delivered"

	// OutcomeNotFound means the account does not exist in the company
	// file. An expected outcome, never reported as a zero balance and
	// never synthesized away.
	OutcomeNotFound Outcome = "not-found"

	// OutcomeQueryFailed means the balance could not be retrieved.
	OutcomeQueryFailed Outcome = "query-failed"

	// OutcomeSinkFailed means the balance was obtained but delivery to
	// the sink failed.
	OutcomeSinkFailed Outcome = "sink-failed"
)

// IsFailure reports whether the outcome is a failure. Not-found is an
// expected outcome, not a failure.
func (o Outcome) IsFailure() bool {
	return o == OutcomeQueryFailed || o == OutcomeSinkFailed
}

// SyncResult records what happened to a single block during a run.
type SyncResult struct {
	// Block is the configured account-to-cell binding.
	Block SyncBlock `json:"block"`

	// Outcome is the block's final disposition.
	Outcome Outcome `json:"outcome"`

	// Balance is the retrieved or synthesized balance, when one exists.
	// A not-found block carries none.
	Balance *AccountBalance `json:"balance,omitempty"`

	// Err is the failure behind a non-delivered outcome.
	Err error `json:"-"`
}

// Detail returns the result's failure text, "" for clean deliveries.
func (r SyncResult) Detail() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// MarshalJSON includes the failure detail, which errors alone would not
// serialize.
func (r SyncResult) MarshalJSON() ([]byte, error) {
	type alias SyncResult
	return json.Marshal(struct {
		alias
		Detail string `json:"detail,omitempty"`
	}{alias(r), r.Detail()})
}

// RunStatus is the overall status of one sync run.
type RunStatus string

const (
	// RunStatusSucceeded indicates no block failed. Not-found blocks do
	// not count against success.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusPartial indicates some blocks failed and some did not.
	RunStatusPartial RunStatus = "partial"

	// RunStatusFailed indicates every block failed.
	RunStatusFailed RunStatus = "failed"
)

// RunSummary is everything that happened in one sync run.
type RunSummary struct {
	// RunID is the unique identifier of the run.
	RunID string `json:"run_id"`

	// Started is when the run acquired the guard.
	Started time.Time `json:"started"`

	// Finished is when the run completed, teardown included.
	Finished time.Time `json:"finished"`

	// ProgID is the automation interface revision that won resolution,
	// "" when resolution failed or never happened.
	ProgID string `json:"prog_id,omitempty"`

	// Results holds one entry per configured block, in block order.
	Results []SyncResult `json:"results"`

	// Status is the run's overall disposition.
	Status RunStatus `json:"status"`
}

// Counts tallies results by disposition.
func (s *RunSummary) Counts() (delivered, notFound, failed int) {
	for _, r := range s.Results {
		switch {
		case r.Outcome == OutcomeDelivered:
			delivered++
		case r.Outcome == OutcomeNotFound:
			notFound++
		case r.Outcome.IsFailure():
			failed++
		}
	}
	return delivered, notFound, failed
}

// statusOf derives the run status from its block results.
func statusOf(results []SyncResult) RunStatus {
	failed := 0
	for _, r := range results {
		if r.Outcome.IsFailure() {
			failed++
		}
	}
	switch {
	case failed == 0:
		return RunStatusSucceeded
	case failed == len(results):
		return RunStatusFailed
	default:
		return RunStatusPartial
	}
}
