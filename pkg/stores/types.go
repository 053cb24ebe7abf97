package stores

import (
	"context"
	"time"

	"github.com/qbsync/qbsync/pkg/engine"
)

// StoredRun is one persisted sync run with its outcome tallies.
type StoredRun struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	ProgID     string    `json:"prog_id,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Delivered  int       `json:"delivered"`
	NotFound   int       `json:"not_found"`
	Failed     int       `json:"failed"`
}

// Duration is the wall-clock span of the run.
func (r *StoredRun) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// StoredResult is one persisted block outcome within a run.
type StoredResult struct {
	ID            int64      `json:"id"`
	RunID         string     `json:"run_id"`
	Account       string     `json:"account"`
	SpreadsheetID string     `json:"spreadsheet_id"`
	SheetName     string     `json:"sheet_name"`
	Cell          string     `json:"cell"`
	Outcome       string     `json:"outcome"`
	Amount        *string    `json:"amount,omitempty"` // decimal text, nil when no balance was obtained
	Synthetic     bool       `json:"synthetic"`
	RetrievedAt   *time.Time `json:"retrieved_at,omitempty"`
	Detail        string     `json:"detail,omitempty"`
}

// Store defines the interface for the run-history persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Write side, satisfies engine.RunStore
	RecordRun(ctx context.Context, summary *engine.RunSummary) error

	// Read side
	GetRun(ctx context.Context, id string) (*StoredRun, error)
	GetRecentRuns(ctx context.Context, limit int) ([]*StoredRun, error)
	GetRunResults(ctx context.Context, runID string) ([]*StoredResult, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
