package steps

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/nodeflow/internal/store"
)

// MemoryJournal is an in-process store.StepJournal. Records do not survive
// the process; use it for tests and one-shot local runs.
type MemoryJournal struct {
	mu      sync.Mutex
	records map[string]map[string]*store.StepRecord
}

// NewMemoryJournal returns an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{records: make(map[string]map[string]*store.StepRecord)}
}

func (j *MemoryJournal) GetStepRecord(_ context.Context, runID, name string) (*store.StepRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.records[runID][name]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (j *MemoryJournal) SaveStepRecord(_ context.Context, rec *store.StepRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if j.records[rec.RunID] == nil {
		j.records[rec.RunID] = make(map[string]*store.StepRecord)
	}
	cp := *rec
	j.records[rec.RunID][rec.Name] = &cp
	return nil
}

func (j *MemoryJournal) ListStepRecords(_ context.Context, runID string) ([]*store.StepRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*store.StepRecord, 0, len(j.records[runID]))
	for _, rec := range j.records[runID] {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out, nil
}

var _ store.StepJournal = (*MemoryJournal)(nil)
