package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"

	"github.com/yeto-platform/ingestcore/pkg/config"
	apperrors "github.com/yeto-platform/ingestcore/pkg/errors"
	"github.com/yeto-platform/ingestcore/pkg/redis"
)

func ids(sources []Source) []string {
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = s.ID
	}
	return out
}

func fixtures() []Source {
	return []Source{
		{ID: "SRC-010", Tier: TierT2, Status: StatusActive, ReliabilityScore: 90},
		{ID: "SRC-003", Tier: TierT1, Status: StatusActive, ReliabilityScore: 70},
		{ID: "SRC-001", Tier: TierT1, Status: StatusActive, ReliabilityScore: 95},
		{ID: "SRC-002", Tier: TierT1, Status: StatusActive, ReliabilityScore: 70},
		{ID: "SRC-020", Tier: TierT1, Status: StatusNeedsKey, ReliabilityScore: 99},
		{ID: "SRC-030", Tier: TierT3, Status: StatusDeprecated, ReliabilityScore: 50},
	}
}

func TestGetActiveSourcesOrdering(t *testing.T) {
	svc := NewService(NewMemoryStore(fixtures()...))
	got, err := svc.GetActiveSources(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"SRC-001", "SRC-002", "SRC-003", "SRC-010"}
	if diff := cmp.Diff(want, ids(got)); diff != "" {
		t.Fatalf("active order (-want +got):\n%s", diff)
	}
}

func TestGetSourcesByTier(t *testing.T) {
	svc := NewService(NewMemoryStore(fixtures()...))
	ctx := context.Background()

	got, err := svc.GetSourcesByTier(ctx, TierT1)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"SRC-020", "SRC-001", "SRC-002", "SRC-003"}
	if diff := cmp.Diff(want, ids(got)); diff != "" {
		t.Fatalf("tier T1 (-want +got):\n%s", diff)
	}

	if _, err := svc.GetSourcesByTier(ctx, Tier("T9")); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Fatalf("unknown tier error = %v", err)
	}
}

func TestGetSourceNotFound(t *testing.T) {
	svc := NewService(NewMemoryStore(fixtures()...))
	_, err := svc.GetSource(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMarkSuccessMonotonic(t *testing.T) {
	store := NewMemoryStore(fixtures()...)
	svc := NewService(store)
	ctx := context.Background()

	later := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	if err := svc.MarkSuccess(ctx, "SRC-001", later); err != nil {
		t.Fatal(err)
	}
	// Replaying the same completion and an older one leaves the value put.
	for _, ts := range []time.Time{later, earlier} {
		if err := svc.MarkSuccess(ctx, "SRC-001", ts); err != nil {
			t.Fatal(err)
		}
	}

	src, err := svc.GetSource(ctx, "SRC-001")
	if err != nil {
		t.Fatal(err)
	}
	if src.LastSuccessAt == nil || !src.LastSuccessAt.Equal(later) {
		t.Fatalf("snapshot lastSuccessAt = %v, want %v", src.LastSuccessAt, later)
	}
	stored, _ := store.GetSource(ctx, "SRC-001")
	if !stored.LastSuccessAt.Equal(later) {
		t.Fatalf("store lastSuccessAt = %v, want %v", stored.LastSuccessAt, later)
	}

	if err := svc.MarkSuccess(ctx, "nope", later); !IsNotFound(err) {
		t.Fatalf("unknown source error = %v", err)
	}
}

func TestReloadReplacesSnapshot(t *testing.T) {
	store := NewMemoryStore(fixtures()...)
	svc := NewService(store)
	ctx := context.Background()

	if err := svc.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	if st := svc.Stats(); st.Total != 6 || st.Active != 4 {
		t.Fatalf("stats before = %+v", st)
	}

	store.Put(Source{ID: "SRC-040", Tier: TierT4, Status: StatusActive})
	store.Put(Source{ID: "SRC-010", Tier: TierT2, Status: StatusInactive})

	// Snapshot is unchanged until the explicit reload.
	if st := svc.Stats(); st.Total != 6 {
		t.Fatalf("snapshot changed without reload: %+v", st)
	}
	if err := svc.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	st := svc.Stats()
	if st.Total != 7 || st.Active != 4 || st.ByTier[TierT4] != 1 {
		t.Fatalf("stats after = %+v", st)
	}
}

type countingStore struct {
	Store
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (c *countingStore) ListSources(ctx context.Context) ([]Source, error) {
	c.calls.Add(1)
	if c.release != nil {
		<-c.release
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.Store.ListSources(ctx)
}

func TestReloadCoalescesConcurrentCalls(t *testing.T) {
	store := &countingStore{Store: NewMemoryStore(fixtures()...), release: make(chan struct{})}
	svc := NewService(store)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.Reload(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	// Give the goroutines time to pile up behind the first read.
	time.Sleep(50 * time.Millisecond)
	close(store.release)
	wg.Wait()

	if n := store.calls.Load(); n < 1 || n > 8 {
		t.Fatalf("store reads = %d", n)
	}
	if !svc.Loaded() {
		t.Fatal("snapshot not loaded")
	}
}

func newCache(t *testing.T) *RedisCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(config.RedisConfig{Addr: mr.Addr(), PoolSize: 2, KeyPrefix: "yi:"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })
	return NewRedisCache(client, time.Hour)
}

func TestReloadFallsBackToCache(t *testing.T) {
	cache := newCache(t)
	ctx := context.Background()

	warm := NewService(NewMemoryStore(fixtures()...), WithCache(cache))
	if err := warm.Reload(ctx); err != nil {
		t.Fatal(err)
	}

	broken := &countingStore{Store: NewMemoryStore(), err: apperrors.Persistence("listing sources", errors.New("connection refused"))}
	cold := NewService(broken, WithCache(cache))
	err := cold.Reload(ctx)
	if !errors.Is(err, apperrors.ErrPersistence) {
		t.Fatalf("Reload error = %v, want persistence", err)
	}
	if st := cold.Stats(); st.Total != 6 || st.Active != 4 {
		t.Fatalf("cold stats = %+v", st)
	}
}

func TestRedisCacheMiss(t *testing.T) {
	cache := newCache(t)
	_, ok, err := cache.Load(context.Background())
	if err != nil || ok {
		t.Fatalf("Load on empty cache = %v, %v", ok, err)
	}
}

func TestLoadSourcesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yaml")
	body := `sources:
  - id: SRC-001
    name: Central Bank of Yemen (Aden)
    tier: T1
    status: ACTIVE
    accessMethod: API
    cadence: DAILY
    reliabilityScore: 90
    connector: http
  - id: SRC-002
    tier: T3
    status: NEEDS_KEY
    accessMethod: SCRAPE
    cadence: MONTHLY
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := LoadSourcesFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := []Source{
		{ID: "SRC-001", Name: "Central Bank of Yemen (Aden)", Tier: TierT1, Status: StatusActive,
			AccessMethod: AccessAPI, Cadence: CadenceDaily, ReliabilityScore: 90, Active: true, ConnectorName: "http"},
		{ID: "SRC-002", Tier: TierT3, Status: StatusNeedsKey, AccessMethod: AccessScrape, Cadence: CadenceMonthly},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("sources (-want +got):\n%s", diff)
	}

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("sources:\n  - id: X\n    tier: T7\n"), 0o644)
	if _, err := LoadSourcesFile(bad); err == nil {
		t.Fatal("expected error for unknown tier")
	}
}
