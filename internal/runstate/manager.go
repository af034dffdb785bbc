// Package runstate keeps the per-owner run lock and the status of ingestion runs.
package runstate

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/vladimiradmaev/health-importer/internal/errors"
)

// Run states
const (
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// StatusTTL is how long a finished run's status stays readable.
const StatusTTL = 24 * time.Hour

// Status describes one ingestion run.
type Status struct {
	RunID        string    `json:"run_id"`
	UserID       uint64    `json:"user_id"`
	State        string    `json:"state"`
	RowsImported int64     `json:"rows_imported"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at,omitempty"`
}

// Tracker serializes runs per owner and records their status.
type Tracker interface {
	// Acquire takes the owner's run lock for runID, or fails with
	// errors.ErrRunInProgress when another run holds it.
	Acquire(ctx context.Context, userID uint64, runID string) error
	// Release drops the lock if runID still holds it.
	Release(ctx context.Context, userID uint64, runID string) error
	SetStatus(ctx context.Context, status Status) error
	// GetStatus returns the status of runID; found is false for unknown or expired runs.
	GetStatus(ctx context.Context, runID string) (status Status, found bool, err error)
	Close() error
}

// Manager is an in-process Tracker.
type Manager struct {
	locks    map[uint64]string
	statuses map[string]statusEntry
	now      func() time.Time
	mu       sync.RWMutex
}

type statusEntry struct {
	status  Status
	expires time.Time
}

// NewManager creates a new in-memory tracker
func NewManager() *Manager {
	return &Manager{
		locks:    make(map[uint64]string),
		statuses: make(map[string]statusEntry),
		now:      time.Now,
	}
}

func (m *Manager) Acquire(ctx context.Context, userID uint64, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if holder, held := m.locks[userID]; held && holder != runID {
		return apperrors.Derive(apperrors.ErrRunInProgress, nil)
	}
	m.locks[userID] = runID
	return nil
}

func (m *Manager) Release(ctx context.Context, userID uint64, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[userID] == runID {
		delete(m.locks, userID)
	}
	return nil
}

// SetStatus stores the status. It expires StatusTTL after the last update.
func (m *Manager) SetStatus(ctx context.Context, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, e := range m.statuses {
		if now.After(e.expires) {
			delete(m.statuses, id)
		}
	}
	m.statuses[status.RunID] = statusEntry{status: status, expires: now.Add(StatusTTL)}
	return nil
}

func (m *Manager) GetStatus(ctx context.Context, runID string) (Status, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.statuses[runID]
	if !ok || m.now().After(e.expires) {
		return Status{}, false, nil
	}
	return e.status, true, nil
}

func (m *Manager) Close() error {
	return nil
}
