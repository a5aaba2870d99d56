package tract

import (
	"sync"
	"time"
)

// DefaultRunHistory is how many runs a RunTracker remembers.
const DefaultRunHistory = 64

// RunRecord describes one finished query.
type RunRecord struct {
	RunID     string     `json:"runId"`
	Query     string     `json:"query"`
	Summary   RunSummary `json:"summary"`
	Cached    bool       `json:"cached"`
	Timestamp time.Time  `json:"timestamp"`
}

// RunTracker keeps the most recent runs for the HTTP status endpoints.
type RunTracker struct {
	mu    sync.RWMutex
	limit int
	order []string
	runs  map[string]RunRecord
}

// NewRunTracker creates a tracker holding up to limit runs.
func NewRunTracker(limit int) *RunTracker {
	if limit <= 0 {
		limit = DefaultRunHistory
	}
	return &RunTracker{limit: limit, runs: make(map[string]RunRecord)}
}

// Record stores rec, evicting the oldest run when full.
func (t *RunTracker) Record(rec RunRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.runs[rec.RunID]; !ok {
		t.order = append(t.order, rec.RunID)
	}
	t.runs[rec.RunID] = rec
	for len(t.order) > t.limit {
		delete(t.runs, t.order[0])
		t.order = t.order[1:]
	}
}

// Get returns the run with the given id.
func (t *RunTracker) Get(runID string) (RunRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.runs[runID]
	return rec, ok
}

// Latest returns the most recent run.
func (t *RunTracker) Latest() (RunRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.order) == 0 {
		return RunRecord{}, false
	}
	return t.runs[t.order[len(t.order)-1]], true
}

// Len returns the number of remembered runs.
func (t *RunTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}
