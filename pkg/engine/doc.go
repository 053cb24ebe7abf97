// Package engine orchestrates balance sync cycles and defines the types
// every other package speaks.
//
// # Overview
//
// A cycle ("run") takes the configured sync blocks, opens one session
// against the accounting application, queries each block's account
// balance sequentially, delivers each balance to its spreadsheet cell,
// and tears the session down unconditionally. Exactly one Outcome is
// recorded per block per run.
//
// # Core Types
//
//   - SyncBlock: one account-to-cell binding from configuration
//   - AccountBalance: one exact-decimal balance, live or synthetic
//   - SyncResult: a block's outcome for one run
//   - RunSummary: everything that happened in one run
//
// # Collaborator Interfaces
//
// The orchestrator is hub-and-spoke: it owns the loop and accepts its
// collaborators as interfaces at construction.
//
//   - BalanceSource: session lifecycle plus account queries
//   - Sink: per-block balance delivery
//   - Synthesizer: deterministic fallback balances
//   - RunStore: optional run history persistence
//
// # Error Classification
//
// Failures are classified for cycle-to-cycle behavior:
//
//   - transient: may succeed next run (application closed, sink down)
//   - permanent: will not heal on its own (malformed response, bad call)
//   - expected: normal domain outcomes (account not in the company file)
//
// Use the helper functions to inspect errors:
//
//	if engine.IsNotFound(err) {
//	    // expected outcome, never synthesized away
//	}
//
// # Overlap Exclusion
//
// RunGuard serializes runs both in-process (mutex) and across processes
// (an on-disk lease with a staleness TTL). An overlapping trigger is
// skipped with ErrRunActive, never queued.
package engine
