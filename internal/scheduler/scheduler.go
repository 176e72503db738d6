// Package scheduler decides which sources are due and dispatches their
// connectors. A single driver loop owns the decision; each dispatched
// connector call runs on its own goroutine and reports back through the run
// tracker. Mutual exclusion per source lives in the run store, so several
// scheduler processes can share one database.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/yeto-platform/ingestcore/internal/connector"
	"github.com/yeto-platform/ingestcore/internal/registry"
	"github.com/yeto-platform/ingestcore/internal/runs"
	apperrors "github.com/yeto-platform/ingestcore/pkg/errors"
	"github.com/yeto-platform/ingestcore/pkg/logger"
	"github.com/yeto-platform/ingestcore/pkg/metrics"
	"github.com/yeto-platform/ingestcore/pkg/tracing"
)

// Sources is the part of the registry service the scheduler uses.
type Sources interface {
	Reload(ctx context.Context) error
	GetActiveSources(ctx context.Context) ([]registry.Source, error)
	GetSource(ctx context.Context, id string) (registry.Source, error)
	MarkSuccess(ctx context.Context, id string, at time.Time) error
	Stats() registry.Stats
}

// Runs is the part of the run tracker the scheduler uses.
type Runs interface {
	BeginRun(ctx context.Context, sourceID, connector string) (int64, error)
	CompleteRun(ctx context.Context, id int64, counts runs.Counts) (runs.Run, error)
	FailRun(ctx context.Context, id int64, msg string) (runs.Run, error)
	RecordProgress(ctx context.Context, id int64, counts runs.Counts) (bool, error)
	LatestBySource(ctx context.Context) (map[string]runs.Run, error)
	ConsecutiveFailures(ctx context.Context, sourceID string) (int, error)
}

// Resolver maps a source to the connector that fetches it.
type Resolver interface {
	Resolve(src registry.Source) (string, connector.Connector, error)
}

// Scheduler is the tiered dispatcher.
type Scheduler struct {
	policy     Policy
	sources    Sources
	runs       Runs
	connectors Resolver
	metrics    *metrics.Metrics
	tick       time.Duration
	upcoming   int
	now        func() time.Time
	logger     *slog.Logger

	sems map[registry.Tier]*semaphore.Weighted

	active   atomic.Bool
	wake     chan struct{}
	wg       sync.WaitGroup
	inFlight map[registry.Tier]*atomic.Int64

	mu        sync.Mutex
	lastTick  time.Time
	lastError string
}

type Option func(*Scheduler)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithUpcoming sets how many upcoming due times Status reports.
func WithUpcoming(n int) Option {
	return func(s *Scheduler) { s.upcoming = n }
}

func New(policy Policy, tick time.Duration, sources Sources, tracker Runs, connectors Resolver, opts ...Option) *Scheduler {
	s := &Scheduler{
		policy:     policy,
		sources:    sources,
		runs:       tracker,
		connectors: connectors,
		tick:       tick,
		upcoming:   10,
		now:        time.Now,
		logger:     slog.Default().With("component", "scheduler"),
		sems:       make(map[registry.Tier]*semaphore.Weighted, len(registry.Tiers)),
		inFlight:   make(map[registry.Tier]*atomic.Int64, len(registry.Tiers)),
		wake:       make(chan struct{}, 1),
	}
	for _, tier := range registry.Tiers {
		s.sems[tier] = semaphore.NewWeighted(int64(policy.Cap(tier)))
		s.inFlight[tier] = new(atomic.Int64)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start enables ticking and requests an immediate tick.
func (s *Scheduler) Start() {
	if s.active.CompareAndSwap(false, true) {
		s.logger.Info("scheduler started")
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop pauses ticking. Runs already dispatched finish normally.
func (s *Scheduler) Stop() {
	if s.active.CompareAndSwap(true, false) {
		s.logger.Info("scheduler stopped")
	}
}

func (s *Scheduler) IsRunning() bool {
	return s.active.Load()
}

// Run is the driver loop. It returns when ctx is done; in-flight runs are
// not cancelled, use Wait to let them drain.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("driver loop started", "tick", s.tick)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("driver loop exiting")
			return
		case <-ticker.C:
		case <-s.wake:
		}
		if !s.active.Load() {
			continue
		}
		if _, err := s.Tick(ctx); err != nil {
			s.logger.Error("tick aborted", "error", err)
		}
	}
}

// TickResult summarises one pass over the registry.
type TickResult struct {
	Due        int `json:"due"`
	Dispatched int `json:"dispatched"`
	Skipped    int `json:"skipped"`
	Deferred   int `json:"deferred"`
	BackedOff  int `json:"backed_off"`
}

// Tick runs one scheduling pass. A store failure aborts the pass and is
// returned; nothing already begun is left half-written.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	ctx, span := tracing.StartSpan(ctx, "scheduler.tick", "")
	defer func() {
		span.End()
		span.Log(s.logger)
	}()

	res, err := s.tickOnce(ctx)
	now := s.now().UTC()

	s.mu.Lock()
	s.lastTick = now
	s.lastError = ""
	if err != nil {
		s.lastError = err.Error()
	}
	s.mu.Unlock()

	span.SetAttr("due", res.Due)
	span.SetAttr("dispatched", res.Dispatched)
	if s.metrics != nil {
		s.metrics.DueSources.Set(float64(res.Due))
	}
	if err != nil {
		span.SetError(err)
		s.countTick("error")
		return res, err
	}
	s.countTick("ok")
	if res.Due > 0 {
		s.logger.Info("tick complete",
			"due", res.Due,
			"dispatched", res.Dispatched,
			"skipped", res.Skipped,
			"deferred", res.Deferred,
			"backed_off", res.BackedOff,
		)
	}
	return res, nil
}

func (s *Scheduler) tickOnce(ctx context.Context) (TickResult, error) {
	var res TickResult

	if err := s.sources.Reload(ctx); err != nil {
		return res, err
	}
	active, err := s.sources.GetActiveSources(ctx)
	if err != nil {
		return res, err
	}

	var latest map[string]runs.Run
	if s.policy.BackoffEnabled() {
		if latest, err = s.runs.LatestBySource(ctx); err != nil {
			return res, err
		}
	}

	now := s.now()
	for _, src := range active {
		if now.Before(s.policy.NextDueAt(src, now)) {
			continue
		}
		res.Due++

		if latest != nil {
			held, err := s.backedOff(ctx, src, latest, now)
			if err != nil {
				return res, err
			}
			if held {
				res.BackedOff++
				continue
			}
		}

		sem := s.sems[src.Tier]
		if !sem.TryAcquire(1) {
			res.Deferred++
			continue
		}
		dispatched, err := s.begin(ctx, src, sem)
		if err != nil {
			return res, err
		}
		if dispatched {
			res.Dispatched++
		} else {
			res.Skipped++
		}
	}
	return res, nil
}

func (s *Scheduler) backedOff(ctx context.Context, src registry.Source, latest map[string]runs.Run, now time.Time) (bool, error) {
	last, ok := latest[src.ID]
	if !ok || !last.Status.Failed() || last.CompletedAt == nil {
		return false, nil
	}
	failures, err := s.runs.ConsecutiveFailures(ctx, src.ID)
	if err != nil {
		return false, err
	}
	until := s.policy.BackoffUntil(failures, *last.CompletedAt)
	if now.Before(until) {
		s.logger.Debug("source backing off", "source_id", src.ID, "failures", failures, "until", until)
		return true, nil
	}
	return false, nil
}

// begin opens a run and hands it to a goroutine. It owns one unit of sem and
// releases it on every path that does not dispatch. A concurrent run for the
// source is a benign skip.
func (s *Scheduler) begin(ctx context.Context, src registry.Source, sem *semaphore.Weighted) (bool, error) {
	ctx, span := tracing.StartChildSpan(ctx, "scheduler.begin")
	defer span.End()
	span.SetAttr("source_id", src.ID)

	name, conn, resolveErr := s.connectors.Resolve(src)
	id, err := s.runs.BeginRun(ctx, src.ID, name)
	if errors.Is(err, apperrors.ErrConcurrentRun) {
		sem.Release(1)
		s.logger.Debug("source already running, skipping", "source_id", src.ID)
		return false, nil
	}
	if err != nil {
		sem.Release(1)
		span.SetError(err)
		return false, fmt.Errorf("beginning run for %s: %w", src.ID, err)
	}
	span.SetAttr("run_id", id)

	if resolveErr != nil {
		// Record the routing failure so health classification sees it.
		sem.Release(1)
		if _, err := s.runs.FailRun(ctx, id, resolveErr.Error()); err != nil {
			return false, fmt.Errorf("failing unroutable run %d: %w", id, err)
		}
		return true, nil
	}

	if s.metrics != nil {
		s.metrics.RunsStarted.WithLabelValues(string(src.Tier)).Inc()
	}
	s.dispatch(tracing.TraceID(ctx), src, conn, id, sem)
	return true, nil
}

func (s *Scheduler) dispatch(traceID string, src registry.Source, conn connector.Connector, id int64, sem *semaphore.Weighted) {
	counter := s.inFlight[src.Tier]
	counter.Add(1)
	if s.metrics != nil {
		s.metrics.RunsInFlight.WithLabelValues(string(src.Tier)).Inc()
	}
	s.wg.Add(1)

	go func() {
		defer func() {
			counter.Add(-1)
			if s.metrics != nil {
				s.metrics.RunsInFlight.WithLabelValues(string(src.Tier)).Dec()
			}
			sem.Release(1)
			s.wg.Done()
		}()

		// The connector enforces its own timeout; the reaper covers the rest.
		ctx, span := tracing.StartSpan(context.Background(), "scheduler.run", traceID)
		span.SetAttr("source_id", src.ID)
		span.SetAttr("run_id", id)
		defer func() {
			span.End()
			span.Log(s.logger)
		}()

		s.finish(ctx, src, conn, id, span)
	}()
}

func (s *Scheduler) finish(ctx context.Context, src registry.Source, conn connector.Connector, id int64, span *tracing.Span) {
	log := logger.WithRun(s.logger, id, src.ID)

	counts, err := s.invoke(connector.WithProgress(ctx, func(c runs.Counts) {
		if _, err := s.runs.RecordProgress(ctx, id, c); err != nil {
			log.Warn("could not record run progress", "error", err)
		}
	}), conn, src)
	if err != nil {
		span.SetError(err)
		if _, ferr := s.runs.FailRun(ctx, id, err.Error()); ferr != nil {
			log.Error("could not record run failure", "error", ferr, "cause", err)
		}
		return
	}

	run, err := s.runs.CompleteRun(ctx, id, counts)
	if err != nil {
		log.Error("could not record run completion", "error", err)
		return
	}
	if run.Status != runs.StatusSuccess || run.CompletedAt == nil {
		// Reaped while the connector was still working.
		log.Warn("connector finished after run was closed", "status", run.Status)
		return
	}
	if err := s.sources.MarkSuccess(ctx, src.ID, *run.CompletedAt); err != nil {
		log.Error("could not record source success", "error", err)
	}
}

// invoke shields the continuation from a panicking connector.
func (s *Scheduler) invoke(ctx context.Context, conn connector.Connector, src registry.Source) (counts runs.Counts, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connector panic: %v: %w", r, apperrors.ErrConnector)
		}
	}()
	return conn.Run(ctx, src)
}

// TriggerNow dispatches one source immediately regardless of its due time.
// It still honours the one-running-run rule and the tier cap.
func (s *Scheduler) TriggerNow(ctx context.Context, sourceID string) (int64, error) {
	src, err := s.sources.GetSource(ctx, sourceID)
	if err != nil {
		return 0, err
	}
	if !src.Schedulable() {
		return 0, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusConflict, "source %s has status %s", src.ID, src.Status)
	}
	name, conn, err := s.connectors.Resolve(src)
	if err != nil {
		return 0, err
	}
	sem := s.sems[src.Tier]
	if !sem.TryAcquire(1) {
		return 0, apperrors.Newf(apperrors.ErrConcurrentRun, http.StatusTooManyRequests, "tier %s is at its concurrency limit", src.Tier)
	}
	id, err := s.runs.BeginRun(ctx, src.ID, name)
	if err != nil {
		sem.Release(1)
		return 0, err
	}
	if s.metrics != nil {
		s.metrics.RunsStarted.WithLabelValues(string(src.Tier)).Inc()
	}
	s.logger.Info("manual run triggered", "source_id", src.ID, "run_id", id)
	s.dispatch(tracing.TraceID(ctx), src, conn, id, sem)
	return id, nil
}

// Wait blocks until every dispatched run has reported back or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight runs: %w", ctx.Err())
	}
}

// InFlight counts runs dispatched by this process that have not reported back.
func (s *Scheduler) InFlight() int {
	var n int64
	for _, c := range s.inFlight {
		n += c.Load()
	}
	return int(n)
}

// UpcomingRun is one entry of the status view.
type UpcomingRun struct {
	SourceID  string        `json:"source_id"`
	Tier      registry.Tier `json:"tier"`
	NextDueAt time.Time     `json:"next_due_at"`
	Overdue   bool          `json:"overdue"`
}

// Status is the operator view of the scheduler.
type Status struct {
	IsRunning      bool           `json:"is_running"`
	TotalSources   int            `json:"total_sources"`
	ActiveSources  int            `json:"active_sources"`
	InFlight       int            `json:"in_flight"`
	InFlightByTier map[string]int `json:"in_flight_by_tier"`
	LastTickAt     *time.Time     `json:"last_tick_at,omitempty"`
	LastTickError  string         `json:"last_tick_error,omitempty"`
	Upcoming       []UpcomingRun  `json:"upcoming"`
}

// Status reports the current state from the registry snapshot. Upcoming due
// times come from the tier table alone and ignore any backoff.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	active, err := s.sources.GetActiveSources(ctx)
	if err != nil {
		return Status{}, err
	}
	stats := s.sources.Stats()
	now := s.now()

	upcoming := make([]UpcomingRun, 0, len(active))
	for _, src := range active {
		due := s.policy.NextDueAt(src, now).UTC()
		upcoming = append(upcoming, UpcomingRun{
			SourceID:  src.ID,
			Tier:      src.Tier,
			NextDueAt: due,
			Overdue:   !now.Before(due),
		})
	}
	sort.SliceStable(upcoming, func(i, j int) bool {
		if !upcoming[i].NextDueAt.Equal(upcoming[j].NextDueAt) {
			return upcoming[i].NextDueAt.Before(upcoming[j].NextDueAt)
		}
		return upcoming[i].SourceID < upcoming[j].SourceID
	})
	if len(upcoming) > s.upcoming {
		upcoming = upcoming[:s.upcoming]
	}

	st := Status{
		IsRunning:      s.active.Load(),
		TotalSources:   stats.Total,
		ActiveSources:  stats.Active,
		InFlightByTier: make(map[string]int, len(s.inFlight)),
		Upcoming:       upcoming,
	}
	for tier, c := range s.inFlight {
		n := int(c.Load())
		st.InFlightByTier[string(tier)] = n
		st.InFlight += n
	}

	s.mu.Lock()
	if !s.lastTick.IsZero() {
		ts := s.lastTick
		st.LastTickAt = &ts
	}
	st.LastTickError = s.lastError
	s.mu.Unlock()
	return st, nil
}

func (s *Scheduler) countTick(result string) {
	if s.metrics != nil {
		s.metrics.SchedulerTicks.WithLabelValues(result).Inc()
	}
}
