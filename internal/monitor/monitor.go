// Package monitor classifies every active source as healthy, warning or
// critical from the age of its last success and the outcome of its latest
// run, and raises an alert when a source turns critical.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yeto-platform/ingestcore/internal/notify"
	"github.com/yeto-platform/ingestcore/internal/registry"
	"github.com/yeto-platform/ingestcore/internal/runs"
	"github.com/yeto-platform/ingestcore/pkg/config"
	"github.com/yeto-platform/ingestcore/pkg/metrics"
)

type Level string

const (
	LevelHealthy  Level = "healthy"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

var levels = []Level{LevelHealthy, LevelWarning, LevelCritical}

// Thresholds are the staleness limits. Ages must exceed a limit to cross it.
type Thresholds struct {
	Stale    time.Duration
	Critical time.Duration
}

func ThresholdsFromConfig(cfg config.MonitorConfig) Thresholds {
	return Thresholds{
		Stale:    time.Duration(cfg.StaleDataThresholdDays) * 24 * time.Hour,
		Critical: time.Duration(cfg.CriticalThresholdDays) * 24 * time.Hour,
	}
}

// Classify returns the level of one source and the hours since its last
// success, which is +Inf when it never succeeded. latest may be nil.
func Classify(now time.Time, src registry.Source, latest *runs.Run, th Thresholds) (Level, float64) {
	hours := math.Inf(1)
	if src.LastSuccessAt != nil {
		hours = now.Sub(*src.LastSuccessAt).Hours()
	}
	switch {
	case latest != nil && latest.Status.Failed():
		return LevelCritical, hours
	case hours > th.Critical.Hours():
		return LevelCritical, hours
	case hours > th.Stale.Hours():
		return LevelWarning, hours
	}
	return LevelHealthy, hours
}

// Assessment is the health projection of one source for one pass.
type Assessment struct {
	SourceID              string        `json:"source_id"`
	Name                  string        `json:"name"`
	Tier                  registry.Tier `json:"tier"`
	Status                Level         `json:"status"`
	RecordCount           int64         `json:"record_count"`
	LastError             string        `json:"last_error,omitempty"`
	HoursSinceLastSuccess float64       `json:"hours_since_last_success"`
	LastSuccessAt         *time.Time    `json:"last_success_at,omitempty"`
	LastRunStatus         runs.Status   `json:"last_run_status,omitempty"`
	EvaluatedAt           time.Time     `json:"evaluated_at"`
}

// MarshalJSON writes an infinite age as null.
func (a Assessment) MarshalJSON() ([]byte, error) {
	type plain Assessment
	out := struct {
		plain
		HoursSinceLastSuccess *float64 `json:"hours_since_last_success"`
	}{plain: plain(a)}
	if !math.IsInf(a.HoursSinceLastSuccess, 0) {
		h := math.Round(a.HoursSinceLastSuccess*100) / 100
		out.HoursSinceLastSuccess = &h
	}
	return json.Marshal(out)
}

// reason explains a critical classification in an alert message.
func (a Assessment) reason() string {
	switch {
	case a.LastRunStatus.Failed():
		if a.LastError != "" {
			return fmt.Sprintf("last run %s: %s", a.LastRunStatus, a.LastError)
		}
		return fmt.Sprintf("last run %s", a.LastRunStatus)
	case math.IsInf(a.HoursSinceLastSuccess, 1):
		return "no successful ingestion recorded"
	}
	return fmt.Sprintf("no successful ingestion for %.0f hours", a.HoursSinceLastSuccess)
}

type Sources interface {
	Reload(ctx context.Context) error
	GetActiveSources(ctx context.Context) ([]registry.Source, error)
}

type Runs interface {
	LatestBySource(ctx context.Context) (map[string]runs.Run, error)
	RecordCounts(ctx context.Context) (map[string]int64, error)
}

// Monitor only reads sources and runs.
type Monitor struct {
	sources      Sources
	runs         Runs
	state        StateStore
	notifier     notify.Notifier
	metrics      *metrics.Metrics
	thresholds   Thresholds
	interval     time.Duration
	enableAlerts bool
	parallelism  int
	now          func() time.Time
	logger       *slog.Logger

	mu          sync.RWMutex
	latest      []Assessment
	evaluatedAt time.Time
}

type Option func(*Monitor)

func WithStateStore(s StateStore) Option {
	return func(m *Monitor) { m.state = s }
}

func WithNotifier(n notify.Notifier) Option {
	return func(m *Monitor) { m.notifier = n }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func New(cfg config.MonitorConfig, sources Sources, runStore Runs, opts ...Option) *Monitor {
	m := &Monitor{
		sources:      sources,
		runs:         runStore,
		state:        NewMemoryStateStore(),
		notifier:     notify.NewLogNotifier(),
		thresholds:   ThresholdsFromConfig(cfg),
		interval:     cfg.Interval,
		enableAlerts: cfg.EnableAlerts,
		parallelism:  cfg.Parallelism,
		now:          time.Now,
		logger:       slog.Default().With("component", "monitor"),
	}
	if m.parallelism <= 0 {
		m.parallelism = 4
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run evaluates immediately and then on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		if _, err := m.Evaluate(ctx); err != nil {
			m.logger.Error("health evaluation failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Evaluate classifies every active source and alerts on transitions into
// critical. The assessments are returned even when some alerts failed.
func (m *Monitor) Evaluate(ctx context.Context) ([]Assessment, error) {
	if err := m.sources.Reload(ctx); err != nil {
		m.logger.Warn("registry reload failed, using last snapshot", "error", err)
	}
	sources, err := m.sources.GetActiveSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}
	latest, err := m.runs.LatestBySource(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading latest runs: %w", err)
	}
	counts, err := m.runs.RecordCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading record counts: %w", err)
	}

	now := m.now().UTC()
	out := make([]Assessment, 0, len(sources))
	for _, src := range sources {
		a := Assessment{
			SourceID:      src.ID,
			Name:          src.Name,
			Tier:          src.Tier,
			RecordCount:   counts[src.ID],
			LastSuccessAt: src.LastSuccessAt,
			EvaluatedAt:   now,
		}
		var run *runs.Run
		if r, ok := latest[src.ID]; ok {
			run = &r
			a.LastRunStatus = r.Status
			a.LastError = r.ErrorMessage
		}
		a.Status, a.HoursSinceLastSuccess = Classify(now, src, run, m.thresholds)
		out = append(out, a)
	}

	var g errgroup.Group
	g.SetLimit(m.parallelism)
	for _, a := range out {
		g.Go(func() error { return m.track(ctx, a) })
	}
	alertErr := g.Wait()

	m.record(out, now)
	return out, alertErr
}

func (m *Monitor) track(ctx context.Context, a Assessment) error {
	prev, known, err := m.state.Swap(ctx, a.SourceID, a.Status)
	if err != nil {
		return fmt.Errorf("storing health state for %s: %w", a.SourceID, err)
	}
	if a.Status != LevelCritical || (known && prev == LevelCritical) {
		return nil
	}
	m.logger.Warn("source became critical", "source_id", a.SourceID, "previous", prev, "reason", a.reason())
	if !m.enableAlerts {
		return nil
	}
	alert := notify.Alert{
		SourceID: a.SourceID,
		Status:   string(a.Status),
		Message:  fmt.Sprintf("source %s is critical: %s", a.SourceID, a.reason()),
		RaisedAt: a.EvaluatedAt,
	}
	if err := m.notifier.Notify(ctx, alert); err != nil {
		if ferr := m.state.Forget(ctx, a.SourceID); ferr != nil {
			m.logger.Error("failed to reset health state", "source_id", a.SourceID, "error", ferr)
		}
		return fmt.Errorf("alerting for %s: %w", a.SourceID, err)
	}
	return nil
}

func (m *Monitor) record(out []Assessment, at time.Time) {
	m.mu.Lock()
	m.latest = out
	m.evaluatedAt = at
	m.mu.Unlock()

	if m.metrics == nil {
		return
	}
	summary := summarize(out)
	for _, l := range levels {
		m.metrics.SourceHealth.WithLabelValues(string(l)).Set(float64(summary[l]))
	}
}

// Latest returns the assessments of the last pass, worst first.
func (m *Monitor) Latest() ([]Assessment, time.Time) {
	m.mu.RLock()
	out := make([]Assessment, len(m.latest))
	copy(out, m.latest)
	at := m.evaluatedAt
	m.mu.RUnlock()

	rank := map[Level]int{LevelCritical: 0, LevelWarning: 1, LevelHealthy: 2}
	sort.SliceStable(out, func(i, j int) bool {
		return rank[out[i].Status] < rank[out[j].Status]
	})
	return out, at
}

// Summary counts the last pass per level.
func (m *Monitor) Summary() map[Level]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return summarize(m.latest)
}

func summarize(as []Assessment) map[Level]int {
	out := make(map[Level]int, len(levels))
	for _, l := range levels {
		out[l] = 0
	}
	for _, a := range as {
		out[a.Status]++
	}
	return out
}
