package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/yeto-platform/ingestcore/internal/gaps"
	"github.com/yeto-platform/ingestcore/internal/monitor"
	"github.com/yeto-platform/ingestcore/internal/registry"
	"github.com/yeto-platform/ingestcore/internal/runs"
	"github.com/yeto-platform/ingestcore/internal/scheduler"
	"github.com/yeto-platform/ingestcore/pkg/config"
	apperrors "github.com/yeto-platform/ingestcore/pkg/errors"
	"github.com/yeto-platform/ingestcore/pkg/health"
	"github.com/yeto-platform/ingestcore/pkg/metrics"
)

type fakeScheduler struct {
	running   atomic.Bool
	statusErr error
	triggered atomic.Value
}

func (f *fakeScheduler) Start() { f.running.Store(true) }
func (f *fakeScheduler) Stop()  { f.running.Store(false) }

func (f *fakeScheduler) Status(context.Context) (scheduler.Status, error) {
	if f.statusErr != nil {
		return scheduler.Status{}, f.statusErr
	}
	return scheduler.Status{
		IsRunning:     f.running.Load(),
		TotalSources:  3,
		ActiveSources: 2,
		Upcoming: []scheduler.UpcomingRun{
			{SourceID: "SRC-001", Tier: registry.TierT1, NextDueAt: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)},
		},
	}, nil
}

func (f *fakeScheduler) TriggerNow(_ context.Context, id string) (int64, error) {
	switch id {
	case "SRC-001":
		f.triggered.Store(id)
		return 41, nil
	case "SRC-002":
		return 0, apperrors.Newf(apperrors.ErrConcurrentRun, http.StatusTooManyRequests, "tier T1 is at its concurrency limit")
	default:
		return 0, fmt.Errorf("source %s: %w", id, apperrors.ErrSourceNotFound)
	}
}

type fakeHealth struct{}

func (fakeHealth) Latest() ([]monitor.Assessment, time.Time) {
	return []monitor.Assessment{
		{SourceID: "SRC-003", Status: monitor.LevelCritical, HoursSinceLastSuccess: 400},
	}, time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
}

func (fakeHealth) Summary() map[monitor.Level]int {
	return map[monitor.Level]int{monitor.LevelCritical: 1}
}

type testServer struct {
	sched   *fakeScheduler
	runs    *runs.MemoryStore
	tickets *gaps.MemoryTicketStore
	metrics *metrics.Metrics
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		sched:   &fakeScheduler{},
		runs:    runs.NewMemoryStore(),
		tickets: gaps.NewMemoryTicketStore(),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	reg := registry.NewService(registry.NewMemoryStore(
		registry.Source{ID: "SRC-001", Tier: registry.TierT1, Status: registry.StatusActive},
		registry.Source{ID: "SRC-009", Tier: registry.TierT3, Status: registry.StatusInactive},
	))
	h := NewHandler(ts.sched, runs.NewTracker(ts.runs), fakeHealth{}, ts.tickets, reg)
	ts.handler = NewRouter(h, health.NewChecker(), ts.metrics, config.ServerConfig{
		RequestTimeout: time.Second,
		AllowOrigins:   []string{"*"},
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("%s %s: invalid JSON %q", method, path, rec.Body.String())
	}
	return rec, body
}

func TestSchedulerControls(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodPost, "/scheduler/start")
	if rec.Code != http.StatusOK || body["is_running"] != true || !ts.sched.running.Load() {
		t.Fatalf("start: %d %v", rec.Code, body)
	}

	rec, body = ts.do(t, http.MethodGet, "/scheduler/status")
	if rec.Code != http.StatusOK || body["is_running"] != true || body["active_sources"] != float64(2) {
		t.Fatalf("status: %d %v", rec.Code, body)
	}
	upcoming := body["upcoming"].([]any)
	if first := upcoming[0].(map[string]any); first["source_id"] != "SRC-001" || first["next_due_at"] != "2026-05-01T08:00:00Z" {
		t.Errorf("upcoming = %v", upcoming)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing request id header")
	}

	rec, body = ts.do(t, http.MethodPost, "/scheduler/stop")
	if rec.Code != http.StatusOK || body["is_running"] != false || ts.sched.running.Load() {
		t.Fatalf("stop: %d %v", rec.Code, body)
	}

	got := testutil.ToFloat64(ts.metrics.HTTPRequestsTotal.WithLabelValues("GET", "/scheduler/status", "200"))
	if got != 1 {
		t.Errorf("request counter = %v", got)
	}
}

func TestStatusStoreDown(t *testing.T) {
	ts := newTestServer(t)
	ts.sched.statusErr = apperrors.Persistence("listing sources", fmt.Errorf("dial tcp: refused"))

	rec, body := ts.do(t, http.MethodGet, "/scheduler/status")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d", rec.Code)
	}
	if strings.Contains(body["error"].(string), "dial tcp") {
		t.Error("internal error detail leaked to the client")
	}
}

func TestTriggerSource(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodPost, "/scheduler/sources/SRC-001/run")
	if rec.Code != http.StatusAccepted || body["run_id"] != float64(41) || ts.sched.triggered.Load() != "SRC-001" {
		t.Fatalf("trigger: %d %v", rec.Code, body)
	}

	rec, _ = ts.do(t, http.MethodPost, "/scheduler/sources/SRC-002/run")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("tier full: %d", rec.Code)
	}

	rec, _ = ts.do(t, http.MethodPost, "/scheduler/sources/SRC-404/run")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown source: %d", rec.Code)
	}
}

func TestRunsEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC)
	id, _ := ts.runs.Begin(ctx, "SRC-001", "api", start)
	ts.runs.Finish(ctx, id, runs.StatusSuccess, &runs.Counts{Fetched: 15, Created: 10, Updated: 3, Skipped: 2}, "", start.Add(time.Minute))

	rec, body := ts.do(t, http.MethodGet, "/runs?source=SRC-001&status=success")
	if rec.Code != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("list: %d %v", rec.Code, body)
	}

	rec, body = ts.do(t, http.MethodGet, fmt.Sprintf("/runs/%d", id))
	if rec.Code != http.StatusOK || body["records_created"] != float64(10) || body["status"] != "success" {
		t.Fatalf("get: %d %v", rec.Code, body)
	}

	for path, want := range map[string]int{
		"/runs/999":          http.StatusNotFound,
		"/runs/abc":          http.StatusBadRequest,
		"/runs?status=bogus": http.StatusBadRequest,
		"/runs?limit=-1":     http.StatusBadRequest,
	} {
		if rec, _ := ts.do(t, http.MethodGet, path); rec.Code != want {
			t.Errorf("GET %s = %d, want %d", path, rec.Code, want)
		}
	}
}

func TestMonitorAndGaps(t *testing.T) {
	ts := newTestServer(t)
	ts.tickets.Create(context.Background(), gaps.Ticket{
		ID: "GAP-1", Severity: gaps.SeverityHigh, SectorCode: "energy", IndicatorCode: "fuel_imports",
		OpenedAt: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	})

	rec, body := ts.do(t, http.MethodGet, "/monitor/sources")
	if rec.Code != http.StatusOK {
		t.Fatalf("monitor: %d", rec.Code)
	}
	sources := body["sources"].([]any)
	if first := sources[0].(map[string]any); first["status"] != "critical" || first["hours_since_last_success"] != float64(400) {
		t.Errorf("sources = %v", sources)
	}

	rec, body = ts.do(t, http.MethodGet, "/gaps?status=open")
	if rec.Code != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("gaps: %d %v", rec.Code, body)
	}
	rec, body = ts.do(t, http.MethodGet, "/gaps?status=resolved")
	if rec.Code != http.StatusOK || body["count"] != float64(0) {
		t.Fatalf("resolved gaps: %d %v", rec.Code, body)
	}
	if rec, _ := ts.do(t, http.MethodGet, "/gaps?status=closed"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad status: %d", rec.Code)
	}
}

func TestRegistryReloadAndProbes(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodPost, "/registry/reload")
	if rec.Code != http.StatusOK || body["total_sources"] != float64(2) || body["active_sources"] != float64(1) {
		t.Fatalf("reload: %d %v", rec.Code, body)
	}

	rec, body = ts.do(t, http.MethodGet, "/health/live")
	if rec.Code != http.StatusOK || body["status"] != "alive" {
		t.Fatalf("live: %d %v", rec.Code, body)
	}
	rec, _ = ts.do(t, http.MethodGet, "/health/ready")
	if rec.Code != http.StatusOK {
		t.Fatalf("ready: %d", rec.Code)
	}
}
