package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	apperrors "github.com/yeto-platform/ingestcore/pkg/errors"
)

// Cache shares the last loaded registry between instances. It is consulted
// only when the store cannot be read.
type Cache interface {
	Load(ctx context.Context) ([]Source, bool, error)
	Save(ctx context.Context, sources []Source) error
}

// Service owns an in-memory snapshot of the registry. The snapshot is only
// replaced by Reload, so a scheduler tick always works from one consistent
// view of the table.
type Service struct {
	store  Store
	cache  Cache
	logger *slog.Logger
	now    func() time.Time

	group singleflight.Group

	mu       sync.RWMutex
	sources  map[string]Source
	loadedAt time.Time
}

type Option func(*Service)

// WithCache attaches a shared snapshot cache.
func WithCache(c Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithClock overrides time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:   store,
		logger:  slog.Default().With("component", "registry"),
		now:     time.Now,
		sources: make(map[string]Source),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reload re-reads the store and swaps the snapshot. Concurrent callers share
// a single store read. When the store fails the snapshot is left untouched,
// or seeded from the cache if it was never loaded, and the error is returned.
func (s *Service) Reload(ctx context.Context) error {
	_, err, _ := s.group.Do("reload", func() (any, error) {
		sources, err := s.store.ListSources(ctx)
		if err != nil {
			s.warmFromCache(ctx)
			return nil, fmt.Errorf("reloading registry: %w", err)
		}
		s.replace(sources)
		if s.cache != nil {
			if err := s.cache.Save(ctx, sources); err != nil {
				s.logger.Warn("failed to refresh registry cache", "error", err)
			}
		}
		s.logger.Debug("registry reloaded", "sources", len(sources))
		return nil, nil
	})
	return err
}

func (s *Service) warmFromCache(ctx context.Context) {
	if s.cache == nil || s.Loaded() {
		return
	}
	sources, ok, err := s.cache.Load(ctx)
	if err != nil {
		s.logger.Warn("failed to read registry cache", "error", err)
		return
	}
	if ok {
		s.replace(sources)
		s.logger.Info("registry seeded from cache", "sources", len(sources))
	}
}

func (s *Service) replace(sources []Source) {
	next := make(map[string]Source, len(sources))
	for _, src := range sources {
		next[src.ID] = src
	}
	s.mu.Lock()
	s.sources = next
	s.loadedAt = s.now()
	s.mu.Unlock()
}

// Loaded reports whether a snapshot has ever been taken.
func (s *Service) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.loadedAt.IsZero()
}

// LoadedAt is when the current snapshot was taken.
func (s *Service) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadedAt
}

func (s *Service) ensureLoaded(ctx context.Context) error {
	if s.Loaded() {
		return nil
	}
	return s.Reload(ctx)
}

// GetActiveSources returns ACTIVE sources by tier, then reliability score
// descending, then source ID.
func (s *Service) GetActiveSources(ctx context.Context) ([]Source, error) {
	return s.filter(ctx, Source.Schedulable)
}

// GetSourcesByTier returns the sources of one tier in the same order as
// GetActiveSources.
func (s *Service) GetSourcesByTier(ctx context.Context, tier Tier) ([]Source, error) {
	if !tier.Valid() {
		return nil, fmt.Errorf("tier %q: %w", tier, apperrors.ErrInvalidInput)
	}
	return s.filter(ctx, func(src Source) bool { return src.Tier == tier })
}

func (s *Service) GetSource(ctx context.Context, id string) (Source, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return Source{}, err
	}
	s.mu.RLock()
	src, ok := s.sources[id]
	s.mu.RUnlock()
	if !ok {
		return Source{}, fmt.Errorf("source %s: %w", id, apperrors.ErrSourceNotFound)
	}
	return src, nil
}

func (s *Service) filter(ctx context.Context, keep func(Source) bool) ([]Source, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]Source, 0, len(s.sources))
	for _, src := range s.sources {
		if keep(src) {
			out = append(out, src)
		}
	}
	s.mu.RUnlock()
	SortByPriority(out)
	return out, nil
}

// MarkSuccess records a successful fetch. The stored timestamp never moves
// backwards, so replays and out-of-order completions are harmless.
func (s *Service) MarkSuccess(ctx context.Context, id string, at time.Time) error {
	stored, err := s.store.MarkSuccess(ctx, id, at)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if src, ok := s.sources[id]; ok {
		if src.LastSuccessAt == nil || stored.After(*src.LastSuccessAt) {
			ts := stored
			src.LastSuccessAt = &ts
			s.sources[id] = src
		}
	}
	s.mu.Unlock()
	return nil
}

// Stats holds registry counts for the operator status view.
type Stats struct {
	Total  int
	Active int
	ByTier map[Tier]int
}

func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Total: len(s.sources), ByTier: make(map[Tier]int)}
	for _, src := range s.sources {
		if src.Schedulable() {
			st.Active++
		}
		st.ByTier[src.Tier]++
	}
	return st
}

// SortByPriority orders sources by tier, reliability score descending and
// source ID.
func SortByPriority(sources []Source) {
	sort.SliceStable(sources, func(i, j int) bool {
		a, b := sources[i], sources[j]
		if a.Tier.Rank() != b.Tier.Rank() {
			return a.Tier.Rank() < b.Tier.Rank()
		}
		if a.ReliabilityScore != b.ReliabilityScore {
			return a.ReliabilityScore > b.ReliabilityScore
		}
		return a.ID < b.ID
	})
}

// IsNotFound reports whether err means the source does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, apperrors.ErrSourceNotFound)
}
