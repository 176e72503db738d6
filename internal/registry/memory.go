package registry

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/yeto-platform/ingestcore/pkg/errors"
)

// MemoryStore is a Store kept in process memory, used in dev mode and tests.
type MemoryStore struct {
	mu      sync.Mutex
	sources map[string]Source
}

func NewMemoryStore(sources ...Source) *MemoryStore {
	m := &MemoryStore{sources: make(map[string]Source, len(sources))}
	for _, src := range sources {
		m.Put(src)
	}
	return m
}

// Put inserts or replaces a source, standing in for the registry import tool.
func (m *MemoryStore) Put(src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[src.ID] = cloneSource(src)
}

func (m *MemoryStore) ListSources(_ context.Context) ([]Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Source, 0, len(m.sources))
	for _, src := range m.sources {
		out = append(out, cloneSource(src))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetSource(_ context.Context, id string) (Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return Source{}, fmt.Errorf("source %s: %w", id, apperrors.ErrSourceNotFound)
	}
	return cloneSource(src), nil
}

func (m *MemoryStore) MarkSuccess(_ context.Context, id string, at time.Time) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return time.Time{}, fmt.Errorf("source %s: %w", id, apperrors.ErrSourceNotFound)
	}
	at = at.UTC()
	if src.LastSuccessAt == nil || at.After(*src.LastSuccessAt) {
		src.LastSuccessAt = &at
		m.sources[id] = src
	}
	return *src.LastSuccessAt, nil
}

func cloneSource(src Source) Source {
	if src.LastSuccessAt != nil {
		ts := *src.LastSuccessAt
		src.LastSuccessAt = &ts
	}
	return src
}

type sourceFile struct {
	Sources []struct {
		ID               string `yaml:"id"`
		Name             string `yaml:"name"`
		Tier             string `yaml:"tier"`
		Status           string `yaml:"status"`
		AccessMethod     string `yaml:"accessMethod"`
		Cadence          string `yaml:"cadence"`
		ReliabilityScore int    `yaml:"reliabilityScore"`
		Connector        string `yaml:"connector"`
	} `yaml:"sources"`
}

// LoadSourcesFile parses a YAML registry seed. Every enum value is validated
// so a typo fails at startup instead of silently dropping a source.
func LoadSourcesFile(path string) ([]Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading source file: %w", err)
	}
	var f sourceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing source file: %w", err)
	}

	out := make([]Source, 0, len(f.Sources))
	for i, raw := range f.Sources {
		if raw.ID == "" {
			return nil, fmt.Errorf("source #%d: missing id", i)
		}
		tier, err := ParseTier(raw.Tier)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", raw.ID, err)
		}
		status, err := ParseStatus(raw.Status)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", raw.ID, err)
		}
		method, err := ParseAccessMethod(raw.AccessMethod)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", raw.ID, err)
		}
		cadence, err := ParseCadence(raw.Cadence)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", raw.ID, err)
		}
		if raw.ReliabilityScore < 0 || raw.ReliabilityScore > 100 {
			return nil, fmt.Errorf("source %s: reliability score %d out of range", raw.ID, raw.ReliabilityScore)
		}
		out = append(out, Source{
			ID:               raw.ID,
			Name:             raw.Name,
			Tier:             tier,
			Status:           status,
			AccessMethod:     method,
			Cadence:          cadence,
			ReliabilityScore: raw.ReliabilityScore,
			Active:           status == StatusActive,
			ConnectorName:    raw.Connector,
		})
	}
	return out, nil
}
