package gaps

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryTicketStore is a TicketStore for dev mode and tests.
type MemoryTicketStore struct {
	mu      sync.Mutex
	tickets map[string]Ticket
}

func NewMemoryTicketStore() *MemoryTicketStore {
	return &MemoryTicketStore{tickets: make(map[string]Ticket)}
}

func (m *MemoryTicketStore) FindOpen(_ context.Context, sector, indicator string) (Ticket, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.openLocked(sector, indicator)
	return t, ok, nil
}

func (m *MemoryTicketStore) openLocked(sector, indicator string) (Ticket, bool) {
	for _, t := range m.tickets {
		if t.Status == StatusOpen && t.SectorCode == sector && t.IndicatorCode == indicator {
			return t, true
		}
	}
	return Ticket{}, false
}

func (m *MemoryTicketStore) Create(_ context.Context, t Ticket) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tickets[t.ID]; exists {
		return false, nil
	}
	if _, open := m.openLocked(t.SectorCode, t.IndicatorCode); open {
		return false, nil
	}
	t.Status = StatusOpen
	t.ResolvedAt = nil
	m.tickets[t.ID] = t
	return true, nil
}

func (m *MemoryTicketStore) Resolve(_ context.Context, id string, at, observed time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok || t.Status != StatusOpen {
		return false, nil
	}
	t.Status = StatusResolved
	t.ResolvedAt = &at
	t.LastObservedAt = &observed
	m.tickets[id] = t
	return true, nil
}

func (m *MemoryTicketStore) List(_ context.Context, status Status) ([]Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Ticket
	for _, t := range m.tickets {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.After(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MemoryPresence is a Presence fed by Observe.
type MemoryPresence struct {
	mu     sync.Mutex
	latest map[string]time.Time
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{latest: make(map[string]time.Time)}
}

// Observe records a data point; older points than the stored one are ignored.
func (p *MemoryPresence) Observe(sector, indicator string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := sector + "|" + indicator
	if cur, ok := p.latest[k]; !ok || at.After(cur) {
		p.latest[k] = at
	}
}

func (p *MemoryPresence) LatestObservation(_ context.Context, sector, indicator string) (time.Time, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	at, ok := p.latest[sector+"|"+indicator]
	return at, ok, nil
}
