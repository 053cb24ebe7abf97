package engine

import (
	"context"
	"time"
)

// BalanceSource is the session-plus-query façade over the accounting
// application. A source serves one run at a time: Open once, query
// sequentially, Teardown unconditionally. A torn-down source can be
// opened again by the next run.
type BalanceSource interface {
	// Open resolves the automation interface, connects, and begins a
	// session. It returns the ProgID that won resolution. Open on an
	// already-open source is an error.
	Open(ctx context.Context) (progID string, err error)

	// QueryBalance fetches one account's balance by full name. Failures
	// come back classified; an absent account is IsNotFound, not a zero
	// balance.
	QueryBalance(ctx context.Context, fullName string) (AccountBalance, error)

	// Teardown ends the session and closes the connection from whatever
	// state the source is in, best effort. Failures are logged by the
	// implementation, never escalated.
	Teardown(ctx context.Context)
}

// Sink delivers one balance to a block's destination cell.
type Sink interface {
	// Deliver posts the balance to the block's spreadsheet cell. A
	// rejected or unreachable destination is a classified error.
	Deliver(ctx context.Context, block SyncBlock, balance AccountBalance) error
}

// Synthesizer produces deterministic stand-in balances for accounts the
// live interface could not serve.
type Synthesizer interface {
	// Synthesize derives a balance from the identifier and date alone.
	// Same inputs, same balance; the result is marked Synthetic.
	Synthesize(identifier string, date time.Time) AccountBalance
}

// RunStore persists run history. The orchestrator treats it as optional:
// without one, runs simply leave no record.
type RunStore interface {
	// RecordRun persists one finished run with its block results.
	RecordRun(ctx context.Context, summary *RunSummary) error
}
