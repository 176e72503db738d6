package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/yeto-platform/ingestcore/pkg/errors"
	"github.com/yeto-platform/ingestcore/pkg/logger"
	"github.com/yeto-platform/ingestcore/pkg/metrics"
	"github.com/yeto-platform/ingestcore/pkg/resilience"
)

// Publisher receives every state change the tracker commits.
type Publisher interface {
	PublishRunEvent(ctx context.Context, ev Event) error
}

// BatchPublisher is implemented by publishers that can write several events
// at once. The reaper uses it when one sweep moves many runs.
type BatchPublisher interface {
	PublishRunEvents(ctx context.Context, evs []Event) error
}

// Tracker is the only writer of run state. Connectors hand their result back
// to the scheduler, which records it here.
type Tracker struct {
	store     Store
	publisher Publisher
	metrics   *metrics.Metrics
	retry     resilience.RetryConfig
	now       func() time.Time
	logger    *slog.Logger
}

type TrackerOption func(*Tracker)

func WithPublisher(p Publisher) TrackerOption {
	return func(t *Tracker) { t.publisher = p }
}

func WithMetrics(m *metrics.Metrics) TrackerOption {
	return func(t *Tracker) { t.metrics = m }
}

func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithRetry overrides the retry policy applied to finalising writes.
func WithRetry(cfg resilience.RetryConfig) TrackerOption {
	return func(t *Tracker) { t.retry = cfg }
}

func NewTracker(store Store, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store: store,
		now:   time.Now,
		retry: resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2,
			ShouldRetry:  isTransient,
		},
		logger: slog.Default().With("component", "run-tracker"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// isTransient limits retries to store outages. Domain errors never change on
// a second attempt.
func isTransient(err error) bool {
	return errors.Is(err, apperrors.ErrPersistence)
}

// BeginRun opens a running row for sourceID. It returns ErrConcurrentRun if
// the source already has one.
func (t *Tracker) BeginRun(ctx context.Context, sourceID, connector string) (int64, error) {
	if sourceID == "" {
		return 0, fmt.Errorf("empty source id: %w", apperrors.ErrInvalidInput)
	}
	startedAt := t.now().UTC()
	id, err := t.store.Begin(ctx, sourceID, connector, startedAt)
	if err != nil {
		return 0, err
	}
	logger.WithRun(t.logger, id, sourceID).Info("run started", "connector", connector)
	t.publish(ctx, Event{
		RunID: id, SourceID: sourceID, ConnectorName: connector,
		From: StatusQueued, To: StatusRunning, At: startedAt,
	})
	return id, nil
}

// CompleteRun marks a run successful with the connector's counts. It is a
// no-op on a run that already reached a terminal state.
func (t *Tracker) CompleteRun(ctx context.Context, id int64, counts Counts) (Run, error) {
	return t.finish(ctx, id, StatusSuccess, &counts, "")
}

// FailRun marks a run failed, keeping any counters already recorded. It is a
// no-op on a run that already reached a terminal state.
func (t *Tracker) FailRun(ctx context.Context, id int64, msg string) (Run, error) {
	return t.finish(ctx, id, StatusError, nil, msg)
}

func (t *Tracker) finish(ctx context.Context, id int64, status Status, counts *Counts, msg string) (Run, error) {
	var (
		run     Run
		changed bool
	)
	at := t.now().UTC()
	err := resilience.Retry(ctx, "finish run", t.retry, func() error {
		var err error
		run, changed, err = t.store.Finish(ctx, id, status, counts, msg, at)
		return err
	})
	if err != nil {
		return Run{}, err
	}

	log := logger.WithRun(t.logger, id, run.SourceID)
	if !changed {
		log.Info("run already finished, ignoring", "status", run.Status, "requested", status)
		return run, nil
	}
	if status == StatusSuccess {
		log.Info("run completed",
			"duration_s", run.DurationSeconds,
			"fetched", run.Fetched,
			"created", run.Created,
			"updated", run.Updated,
			"skipped", run.Skipped,
		)
	} else {
		log.Warn("run failed", "duration_s", run.DurationSeconds, "error", msg)
	}
	t.observe(run)
	t.publish(ctx, Event{
		RunID: id, SourceID: run.SourceID, ConnectorName: run.ConnectorName,
		From: StatusRunning, To: run.Status, At: at, Counts: run.Counts, ErrorMessage: run.ErrorMessage,
	})
	return run, nil
}

// RecordProgress stores intermediate counters on a running run. It reports
// false when the run is no longer running.
func (t *Tracker) RecordProgress(ctx context.Context, id int64, counts Counts) (bool, error) {
	return t.store.Progress(ctx, id, counts)
}

// ReapStuckRuns moves every run that has been running longer than timeout to
// stuck. Concurrent callers each get a disjoint set of runs, so no run is
// reaped twice.
func (t *Tracker) ReapStuckRuns(ctx context.Context, timeout time.Duration) ([]Run, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("reap timeout %s: %w", timeout, apperrors.ErrInvalidInput)
	}
	now := t.now().UTC()
	reaped, err := t.store.ReapStuck(ctx, now.Add(-timeout), now, StuckMessage(timeout))
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(reaped))
	for _, r := range reaped {
		logger.WithRun(t.logger, r.ID, r.SourceID).Warn("run reaped",
			"started_at", r.StartedAt,
			"error", fmt.Errorf("%s: %w", r.ErrorMessage, apperrors.ErrStuckRun),
		)
		t.observe(r)
		if t.metrics != nil {
			t.metrics.RunsReaped.Inc()
		}
		events = append(events, Event{
			RunID: r.ID, SourceID: r.SourceID, ConnectorName: r.ConnectorName,
			From: StatusRunning, To: StatusStuck, At: now, Counts: r.Counts, ErrorMessage: r.ErrorMessage,
		})
	}
	t.publishAll(ctx, events)
	return reaped, nil
}

func (t *Tracker) GetRun(ctx context.Context, id int64) (Run, error) {
	return t.store.Get(ctx, id)
}

// LatestBySource maps each source to its most recently started run.
func (t *Tracker) LatestBySource(ctx context.Context) (map[string]Run, error) {
	return t.store.LatestBySource(ctx)
}

func (t *Tracker) ListRuns(ctx context.Context, f Filter) ([]Run, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("run status %q: %w", f.Status, apperrors.ErrInvalidInput)
	}
	return t.store.List(ctx, f)
}

// RecordCounts returns records created per source across successful runs.
func (t *Tracker) RecordCounts(ctx context.Context) (map[string]int64, error) {
	return t.store.RecordCounts(ctx)
}

func (t *Tracker) ConsecutiveFailures(ctx context.Context, sourceID string) (int, error) {
	return t.store.ConsecutiveFailures(ctx, sourceID)
}

func (t *Tracker) observe(r Run) {
	if t.metrics == nil {
		return
	}
	t.metrics.RunsFinished.WithLabelValues(string(r.Status)).Inc()
	t.metrics.RunDuration.WithLabelValues(string(r.Status)).Observe(r.DurationSeconds)
}

// publish is best effort; the row is already committed.
func (t *Tracker) publish(ctx context.Context, ev Event) {
	if t.publisher == nil {
		return
	}
	if err := t.publisher.PublishRunEvent(ctx, ev); err != nil {
		t.logger.Warn("failed to publish run event", "run_id", ev.RunID, "error", err)
	}
}

func (t *Tracker) publishAll(ctx context.Context, evs []Event) {
	if t.publisher == nil || len(evs) == 0 {
		return
	}
	bp, ok := t.publisher.(BatchPublisher)
	if !ok {
		for _, ev := range evs {
			t.publish(ctx, ev)
		}
		return
	}
	if err := bp.PublishRunEvents(ctx, evs); err != nil {
		t.logger.Warn("failed to publish run events", "count", len(evs), "error", err)
	}
}
