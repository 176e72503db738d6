//go:build integration

// Package integration runs the stores against a real PostgreSQL database to
// check the guarantees that only the database can give: one running run per
// source, single reaping and ticket deduplication under concurrency.
//
// Run with:
//
//	go test -v -tags=integration ./test/integration/...
package integration

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yeto-platform/ingestcore/internal/connector"
	"github.com/yeto-platform/ingestcore/internal/gaps"
	"github.com/yeto-platform/ingestcore/internal/registry"
	"github.com/yeto-platform/ingestcore/internal/runs"
	"github.com/yeto-platform/ingestcore/internal/scheduler"
	"github.com/yeto-platform/ingestcore/pkg/config"
	apperrors "github.com/yeto-platform/ingestcore/pkg/errors"
	"github.com/yeto-platform/ingestcore/pkg/postgres"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// setupDB connects, applies the schema and empties every table. It skips the
// test when PostgreSQL is unavailable.
func setupDB(t *testing.T) *postgres.Client {
	t.Helper()
	db, err := postgres.New(testPostgresConfig())
	if err != nil {
		t.Skipf("skipping integration test: postgres unavailable: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema, err := os.ReadFile(filepath.Join("..", "..", "migrations", "0001_init.sql"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := db.DB.ExecContext(ctx, string(schema)); err != nil {
		t.Fatalf("applying schema: %v", err)
	}
	if _, err := db.DB.ExecContext(ctx,
		`TRUNCATE ingestion_runs, gap_tickets, time_series, source_registry`); err != nil {
		t.Fatalf("truncating: %v", err)
	}
	return db
}

func insertSource(t *testing.T, db *postgres.Client, id string, tier registry.Tier) {
	t.Helper()
	_, err := db.DB.Exec(
		`INSERT INTO source_registry (source_id, name, tier, status, access_method, cadence, reliability_score)
		 VALUES ($1, $1, $2, 'ACTIVE', 'API', 'DAILY', 80)`, id, tier)
	if err != nil {
		t.Fatal(err)
	}
}

func testPostgresConfig() config.PostgresConfig {
	return config.PostgresConfig{
		Host:            envOrDefault("TEST_POSTGRES_HOST", "localhost"),
		Port:            envOrDefaultInt("TEST_POSTGRES_PORT", 5432),
		Database:        envOrDefault("TEST_POSTGRES_DB", "yeto_test"),
		User:            envOrDefault("TEST_POSTGRES_USER", "yeto"),
		Password:        envOrDefault("TEST_POSTGRES_PASSWORD", "localdev"),
		SSLMode:         "disable",
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestConcurrentBeginRunAdmitsOne(t *testing.T) {
	db := setupDB(t)
	insertSource(t, db, "SRC-001", registry.TierT1)
	tracker := runs.NewTracker(runs.NewPostgresStore(db))

	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
		refused  atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tracker.BeginRun(context.Background(), "SRC-001", "api")
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, apperrors.ErrConcurrentRun):
				refused.Add(1)
			default:
				t.Errorf("BeginRun: %v", err)
			}
		}()
	}
	wg.Wait()

	if admitted.Load() != 1 || refused.Load() != 15 {
		t.Fatalf("admitted=%d refused=%d", admitted.Load(), refused.Load())
	}
}

func TestConcurrentReapersReapOnce(t *testing.T) {
	db := setupDB(t)
	insertSource(t, db, "SRC-002", registry.TierT2)
	started := time.Now().Add(-61 * time.Minute)
	if _, err := db.DB.Exec(
		`INSERT INTO ingestion_runs (source_id, connector_name, status, started_at)
		 VALUES ('SRC-002', 'api', 'running', $1)`, started); err != nil {
		t.Fatal(err)
	}
	tracker := runs.NewTracker(runs.NewPostgresStore(db))

	var (
		wg     sync.WaitGroup
		reaped atomic.Int32
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := tracker.ReapStuckRuns(context.Background(), time.Hour)
			if err != nil {
				t.Errorf("ReapStuckRuns: %v", err)
			}
			reaped.Add(int32(len(out)))
		}()
	}
	wg.Wait()

	if reaped.Load() != 1 {
		t.Fatalf("reaped %d runs, want exactly 1", reaped.Load())
	}
	list, err := tracker.ListRuns(context.Background(), runs.Filter{SourceID: "SRC-002"})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Status != runs.StatusStuck || list[0].ErrorMessage != runs.StuckMessage(time.Hour) {
		t.Fatalf("runs = %+v", list)
	}
}

func TestConcurrentGapScansOpenOneTicket(t *testing.T) {
	db := setupDB(t)
	if _, err := db.DB.Exec(
		`INSERT INTO time_series (sector_code, indicator_code, observed_at, value)
		 VALUES ('energy', 'fuel_imports', $1, 1.0)`, time.Now().Add(-60*24*time.Hour)); err != nil {
		t.Fatal(err)
	}
	exp := []gaps.Expectation{{SectorCode: "energy", IndicatorCode: "fuel_imports", Cadence: registry.CadenceMonthly, Critical: true}}
	tickets := gaps.NewPostgresTicketStore(db)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gen := gaps.NewGenerator(exp, gaps.NewPostgresPresence(db), tickets, time.Hour)
			if _, err := gen.Scan(context.Background()); err != nil {
				t.Errorf("Scan: %v", err)
			}
		}()
	}
	wg.Wait()

	open, err := tickets.List(context.Background(), gaps.StatusOpen)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].SectorCode != "energy" || open[0].IndicatorCode != "fuel_imports" {
		t.Fatalf("open tickets = %+v", open)
	}
}

func TestFirstRunScenario(t *testing.T) {
	db := setupDB(t)
	insertSource(t, db, "SRC-001", registry.TierT1)

	sources := registry.NewService(registry.NewPostgresStore(db))
	tracker := runs.NewTracker(runs.NewPostgresStore(db))
	conns := connector.NewRegistry()
	conns.Register("api", connector.Func(func(ctx context.Context, _ registry.Source) (runs.Counts, error) {
		time.Sleep(20 * time.Millisecond)
		return runs.Counts{Fetched: 15, Created: 10, Updated: 3, Skipped: 2}, nil
	}))
	conns.SetDefault(registry.AccessAPI, "api")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	policy, err := scheduler.PolicyFromConfig(cfg.Scheduler)
	if err != nil {
		t.Fatal(err)
	}
	sched := scheduler.New(policy, time.Minute, sources, tracker, conns)

	ctx := context.Background()
	res, err := sched.Tick(ctx)
	if err != nil || res.Dispatched != 1 {
		t.Fatalf("Tick = %+v, %v", res, err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sched.Wait(waitCtx); err != nil {
		t.Fatal(err)
	}

	latest, err := tracker.LatestBySource(ctx)
	if err != nil {
		t.Fatal(err)
	}
	run := latest["SRC-001"]
	if run.Status != runs.StatusSuccess || run.Created != 10 || run.DurationSeconds <= 0 || run.CompletedAt == nil {
		t.Fatalf("run = %+v", run)
	}
	if err := sources.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	src, err := sources.GetSource(ctx, "SRC-001")
	if err != nil {
		t.Fatal(err)
	}
	if src.LastSuccessAt == nil || !src.LastSuccessAt.Equal(*run.CompletedAt) {
		t.Fatalf("last_success_at = %v, completed_at = %v", src.LastSuccessAt, run.CompletedAt)
	}

	res, err = sched.Tick(ctx)
	if err != nil || res.Dispatched != 0 {
		t.Fatalf("second tick = %+v, %v", res, err)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
