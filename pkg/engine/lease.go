package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// leaseRecord is the on-disk form of a held run lease.
type leaseRecord struct {
	// PID is the process holding the lease.
	PID int `json:"pid"`

	// Host is the machine the holder runs on.
	Host string `json:"host"`

	// AcquiredAt is when the lease was taken.
	AcquiredAt time.Time `json:"acquired_at"`
}

// RunGuard serializes sync runs. The in-process mutex stops overlapping
// triggers inside one process; the on-disk lease stops a second process
// (scheduled task plus manual trigger is a supported deployment). A lease
// older than its TTL counts as abandoned and is taken over.
type RunGuard struct {
	mu   sync.Mutex
	path string
	ttl  time.Duration
}

// NewRunGuard returns a guard backed by the lease file at path. An empty
// path disables the cross-process lease, keeping only the in-process
// mutex. A zero TTL means a held lease never goes stale.
func NewRunGuard(path string, ttl time.Duration) *RunGuard {
	return &RunGuard{path: path, ttl: ttl}
}

// Acquire claims the guard. On success it returns a release function to
// call once the run's teardown has completed. An overlapping claim fails
// with an error matching ErrRunActive; the caller skips the cycle, it is
// never queued.
func (g *RunGuard) Acquire() (release func(), err error) {
	if !g.mu.TryLock() {
		return nil, NewTransientError(ErrCodeRunActive,
			errors.New("a run is already active in this process"))
	}
	if g.path == "" {
		return g.mu.Unlock, nil
	}
	if holder, live := g.liveHolder(); live {
		g.mu.Unlock()
		return nil, NewTransientError(ErrCodeRunActive,
			fmt.Errorf("lease %s held by pid %d on %s since %s",
				g.path, holder.PID, holder.Host, holder.AcquiredAt.Format(time.RFC3339)))
	}
	if err := g.writeLease(); err != nil {
		g.mu.Unlock()
		return nil, err
	}
	return func() {
		_ = os.Remove(g.path)
		g.mu.Unlock()
	}, nil
}

// liveHolder reads the lease file and reports whether a non-stale holder
// exists. A missing, unreadable, or corrupt lease counts as stale.
func (g *RunGuard) liveHolder() (leaseRecord, bool) {
	raw, err := os.ReadFile(g.path)
	if err != nil {
		return leaseRecord{}, false
	}
	var rec leaseRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return leaseRecord{}, false
	}
	if g.ttl > 0 && time.Since(rec.AcquiredAt) >= g.ttl {
		return leaseRecord{}, false
	}
	return rec, true
}

// writeLease records this process as the holder.
func (g *RunGuard) writeLease() error {
	host, _ := os.Hostname()
	rec := leaseRecord{PID: os.Getpid(), Host: host, AcquiredAt: time.Now()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode run lease: %w", err)
	}
	if err := os.WriteFile(g.path, raw, 0o644); err != nil {
		return fmt.Errorf("write run lease %s: %w", g.path, err)
	}
	return nil
}
