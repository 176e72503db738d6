package runs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/yeto-platform/ingestcore/pkg/errors"
)

// MemoryStore is a single-process Store. One mutex serialises every method,
// which gives the same atomicity the Postgres statements provide.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	runs    map[int64]*Run
	running map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    make(map[int64]*Run),
		running: make(map[string]int64),
	}
}

func (m *MemoryStore) Begin(_ context.Context, sourceID, connector string, startedAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.running[sourceID]; busy {
		return 0, fmt.Errorf("source %s: %w", sourceID, apperrors.ErrConcurrentRun)
	}
	m.nextID++
	id := m.nextID
	m.runs[id] = &Run{
		ID:            id,
		SourceID:      sourceID,
		ConnectorName: connector,
		Status:        StatusRunning,
		StartedAt:     startedAt.UTC(),
	}
	m.running[sourceID] = id
	return id, nil
}

func (m *MemoryStore) Finish(_ context.Context, id int64, status Status, counts *Counts, msg string, at time.Time) (Run, bool, error) {
	if !CanTransition(StatusRunning, status) || status == StatusStuck {
		return Run{}, false, fmt.Errorf("finish with status %q: %w", status, apperrors.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return Run{}, false, fmt.Errorf("run %d: %w", id, apperrors.ErrRunNotFound)
	}
	if r.Status != StatusRunning {
		return clone(r), false, nil
	}
	if counts != nil {
		r.Counts = *counts
	}
	r.ErrorMessage = msg
	m.close(r, status, at)
	return clone(r), true, nil
}

func (m *MemoryStore) Progress(_ context.Context, id int64, c Counts) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.Status != StatusRunning {
		return false, nil
	}
	r.Counts = c
	return true, nil
}

func (m *MemoryStore) ReapStuck(_ context.Context, cutoff, at time.Time, msg string) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var reaped []Run
	for _, id := range m.running {
		r := m.runs[id]
		if !r.StartedAt.Before(cutoff) {
			continue
		}
		r.ErrorMessage = msg
		m.close(r, StatusStuck, at)
		reaped = append(reaped, clone(r))
	}
	sort.Slice(reaped, func(i, j int) bool { return reaped[i].ID < reaped[j].ID })
	return reaped, nil
}

// close finalises r; the caller holds mu.
func (m *MemoryStore) close(r *Run, status Status, at time.Time) {
	at = at.UTC()
	r.Status = status
	r.CompletedAt = &at
	r.DurationSeconds = at.Sub(r.StartedAt).Seconds()
	if r.DurationSeconds < 0 {
		r.DurationSeconds = 0
	}
	delete(m.running, r.SourceID)
}

func (m *MemoryStore) Get(_ context.Context, id int64) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return Run{}, fmt.Errorf("run %d: %w", id, apperrors.ErrRunNotFound)
	}
	return clone(r), nil
}

func (m *MemoryStore) LatestBySource(_ context.Context) (map[string]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Run)
	for _, r := range m.runs {
		cur, ok := out[r.SourceID]
		if !ok || newer(r, &cur) {
			out[r.SourceID] = clone(r)
		}
	}
	return out, nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Run
	for _, r := range m.runs {
		if f.SourceID != "" && r.SourceID != f.SourceID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, clone(r))
	}
	sort.Slice(out, func(i, j int) bool { return newer(&out[i], &out[j]) })
	if len(out) > f.limit() {
		out = out[:f.limit()]
	}
	return out, nil
}

func (m *MemoryStore) RecordCounts(_ context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64)
	for _, r := range m.runs {
		if r.Status == StatusSuccess {
			out[r.SourceID] += r.Created
		}
	}
	return out, nil
}

func (m *MemoryStore) ConsecutiveFailures(_ context.Context, sourceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var lastSuccess time.Time
	for _, r := range m.runs {
		if r.SourceID == sourceID && r.Status == StatusSuccess && r.StartedAt.After(lastSuccess) {
			lastSuccess = r.StartedAt
		}
	}
	n := 0
	for _, r := range m.runs {
		if r.SourceID == sourceID && r.Status.Failed() && r.StartedAt.After(lastSuccess) {
			n++
		}
	}
	return n, nil
}

func newer(a, b *Run) bool {
	if !a.StartedAt.Equal(b.StartedAt) {
		return a.StartedAt.After(b.StartedAt)
	}
	return a.ID > b.ID
}

func clone(r *Run) Run {
	out := *r
	if r.CompletedAt != nil {
		ts := *r.CompletedAt
		out.CompletedAt = &ts
	}
	return out
}
