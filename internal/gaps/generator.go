package gaps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/yeto-platform/ingestcore/internal/registry"
	"github.com/yeto-platform/ingestcore/pkg/metrics"
)

// ScanResult counts what one scan did.
type ScanResult struct {
	Opened    int `json:"opened"`
	Resolved  int `json:"resolved"`
	StillOpen int `json:"still_open"`
	Failed    int `json:"failed"`
}

type Generator struct {
	expectations []Expectation
	presence     Presence
	tickets      TicketStore
	interval     time.Duration
	metrics      *metrics.Metrics
	now          func() time.Time
	logger       *slog.Logger
}

type Option func(*Generator)

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

func NewGenerator(expectations []Expectation, presence Presence, tickets TicketStore, interval time.Duration, opts ...Option) *Generator {
	g := &Generator{
		expectations: expectations,
		presence:     presence,
		tickets:      tickets,
		interval:     interval,
		now:          time.Now,
		logger:       slog.Default().With("component", "gap-generator"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run scans immediately and then on every interval until ctx is done.
func (g *Generator) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		res, err := g.Scan(ctx)
		if err != nil {
			g.logger.Error("gap scan incomplete", "error", err)
		}
		g.logger.Info("gap scan finished",
			"opened", res.Opened, "resolved", res.Resolved,
			"still_open", res.StillOpen, "failed", res.Failed)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Scan checks every expectation once. A failure on one series does not stop
// the others; all failures are joined into the returned error.
func (g *Generator) Scan(ctx context.Context) (ScanResult, error) {
	var (
		res  ScanResult
		errs []error
	)
	now := g.now().UTC()
	for _, e := range g.expectations {
		if err := g.check(ctx, e, now, &res); err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("%s/%s: %w", e.SectorCode, e.IndicatorCode, err))
		}
	}

	if g.metrics != nil {
		if open, err := g.tickets.List(ctx, StatusOpen); err == nil {
			g.metrics.GapTicketsOpen.Set(float64(len(open)))
		} else {
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

func (g *Generator) check(ctx context.Context, e Expectation, now time.Time, res *ScanResult) error {
	latest, seen, err := g.presence.LatestObservation(ctx, e.SectorCode, e.IndicatorCode)
	if err != nil {
		return err
	}
	open, hasOpen, err := g.tickets.FindOpen(ctx, e.SectorCode, e.IndicatorCode)
	if err != nil {
		return err
	}

	window := e.Cadence.Window()
	missing := !seen || now.Sub(latest) > window

	switch {
	case missing && hasOpen:
		res.StillOpen++
	case missing:
		t := newTicket(e, latest, seen, now)
		created, err := g.create(ctx, &t)
		if err != nil {
			return err
		}
		if !created {
			// Another scanner got there first.
			res.StillOpen++
			return nil
		}
		res.Opened++
		g.count("opened")
		g.logger.Info("gap ticket opened", "gap_id", t.ID, "sector", e.SectorCode,
			"indicator", e.IndicatorCode, "severity", t.Severity)
	case hasOpen:
		resolved, err := g.tickets.Resolve(ctx, open.ID, now, latest)
		if err != nil {
			return err
		}
		if resolved {
			res.Resolved++
			g.count("resolved")
			g.logger.Info("gap ticket resolved", "gap_id", open.ID, "observed_at", latest)
		}
	}
	return nil
}

// create inserts t. When the insert loses but no ticket is open for the
// series, the ID belongs to a resolved ticket from an earlier episode that
// saw no newer data, so t is retried once under a recurrence ID.
func (g *Generator) create(ctx context.Context, t *Ticket) (bool, error) {
	created, err := g.tickets.Create(ctx, *t)
	if err != nil || created {
		return created, err
	}
	if _, hasOpen, err := g.tickets.FindOpen(ctx, t.SectorCode, t.IndicatorCode); err != nil || hasOpen {
		return false, err
	}
	prev := t.ID
	t.ID = RecurrenceID(prev, t.OpenedAt)
	g.logger.Info("gap id already resolved, reissuing", "previous_gap_id", prev, "gap_id", t.ID)
	return g.tickets.Create(ctx, *t)
}

func (g *Generator) count(action string) {
	if g.metrics != nil {
		g.metrics.GapTicketChanges.WithLabelValues(action).Inc()
	}
}

func newTicket(e Expectation, latest time.Time, seen bool, now time.Time) Ticket {
	window := e.Cadence.Window()
	ratio := math.Inf(1)
	var observed *time.Time
	if seen {
		ratio = float64(now.Sub(latest)) / float64(window)
		observed = &latest
	} else {
		latest = time.Time{}
	}

	t := Ticket{
		ID:             GapID(e.SectorCode, e.IndicatorCode, latest),
		Severity:       SeverityFor(ratio, e.Critical),
		SectorCode:     e.SectorCode,
		IndicatorCode:  e.IndicatorCode,
		Status:         StatusOpen,
		OpenedAt:       now,
		LastObservedAt: observed,
	}
	t.TitleEn = fmt.Sprintf("Data gap: %s / %s", e.SectorCode, e.IndicatorCode)
	t.TitleAr = fmt.Sprintf("فجوة بيانات: %s / %s", e.SectorCode, e.IndicatorCode)
	if seen {
		day := latest.Format(time.DateOnly)
		t.DescriptionEn = fmt.Sprintf("No %s data for %s/%s since %s.",
			cadenceEn[e.Cadence], e.SectorCode, e.IndicatorCode, day)
		t.DescriptionAr = fmt.Sprintf("لا توجد بيانات %s للمؤشر %s/%s منذ %s.",
			cadenceAr[e.Cadence], e.SectorCode, e.IndicatorCode, day)
	} else {
		t.DescriptionEn = fmt.Sprintf("No data has been recorded for %s/%s (expected %s).",
			e.SectorCode, e.IndicatorCode, cadenceEn[e.Cadence])
		t.DescriptionAr = fmt.Sprintf("لم تُسجَّل أي بيانات للمؤشر %s/%s (المتوقع: %s).",
			e.SectorCode, e.IndicatorCode, cadenceAr[e.Cadence])
	}
	return t
}

var cadenceEn = map[registry.Cadence]string{
	registry.CadenceRealtime:  "real-time",
	registry.CadenceDaily:     "daily",
	registry.CadenceWeekly:    "weekly",
	registry.CadenceMonthly:   "monthly",
	registry.CadenceQuarterly: "quarterly",
	registry.CadenceAnnual:    "annual",
	registry.CadenceIrregular: "periodic",
}

var cadenceAr = map[registry.Cadence]string{
	registry.CadenceRealtime:  "لحظية",
	registry.CadenceDaily:     "يومية",
	registry.CadenceWeekly:    "أسبوعية",
	registry.CadenceMonthly:   "شهرية",
	registry.CadenceQuarterly: "ربع سنوية",
	registry.CadenceAnnual:    "سنوية",
	registry.CadenceIrregular: "دورية",
}
