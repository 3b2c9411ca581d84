package durable

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryJournal keeps step outputs in process memory.
type MemoryJournal struct {
	runs map[string]map[string]json.RawMessage
	mu   sync.Mutex
}

// NewMemoryJournal returns an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{runs: make(map[string]map[string]json.RawMessage)}
}

func (j *MemoryJournal) LoadSteps(_ context.Context, runID string) (map[string]json.RawMessage, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make(map[string]json.RawMessage, len(j.runs[runID]))
	for k, v := range j.runs[runID] {
		out[k] = v
	}
	return out, nil
}

// RecordStep stores output for stepKey unless one is already recorded.
func (j *MemoryJournal) RecordStep(_ context.Context, runID, stepKey string, output json.RawMessage) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	steps, ok := j.runs[runID]
	if !ok {
		steps = make(map[string]json.RawMessage)
		j.runs[runID] = steps
	}
	if _, exists := steps[stepKey]; !exists {
		steps[stepKey] = append(json.RawMessage(nil), output...)
	}
	return nil
}

// Keys lists the recorded step keys of a run.
func (j *MemoryJournal) Keys(runID string) []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	keys := make([]string, 0, len(j.runs[runID]))
	for k := range j.runs[runID] {
		keys = append(keys, k)
	}
	return keys
}
