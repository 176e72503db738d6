// Package api serves the operator HTTP endpoints of the scheduling core.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/yeto-platform/ingestcore/internal/gaps"
	"github.com/yeto-platform/ingestcore/internal/monitor"
	"github.com/yeto-platform/ingestcore/internal/registry"
	"github.com/yeto-platform/ingestcore/internal/runs"
	"github.com/yeto-platform/ingestcore/internal/scheduler"
	apperrors "github.com/yeto-platform/ingestcore/pkg/errors"
	"github.com/yeto-platform/ingestcore/pkg/logger"
)

type Scheduler interface {
	Start()
	Stop()
	Status(ctx context.Context) (scheduler.Status, error)
	TriggerNow(ctx context.Context, sourceID string) (int64, error)
}

type Runs interface {
	GetRun(ctx context.Context, id int64) (runs.Run, error)
	ListRuns(ctx context.Context, f runs.Filter) ([]runs.Run, error)
}

type Health interface {
	Latest() ([]monitor.Assessment, time.Time)
	Summary() map[monitor.Level]int
}

type Tickets interface {
	List(ctx context.Context, status gaps.Status) ([]gaps.Ticket, error)
}

type Registry interface {
	Reload(ctx context.Context) error
	Stats() registry.Stats
	LoadedAt() time.Time
}

// Handler implements the operator endpoints over the scheduler, run history,
// health monitor, gap tickets and registry.
type Handler struct {
	scheduler Scheduler
	runs      Runs
	health    Health
	tickets   Tickets
	registry  Registry
	logger    *slog.Logger
}

func NewHandler(s Scheduler, r Runs, h Health, t Tickets, reg Registry) *Handler {
	return &Handler{
		scheduler: s,
		runs:      r,
		health:    h,
		tickets:   t,
		registry:  reg,
		logger:    slog.Default().With("component", "api"),
	}
}

// ---------- Scheduler ----------

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.scheduler.Status(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

func (h *Handler) StartScheduler(w http.ResponseWriter, r *http.Request) {
	h.scheduler.Start()
	logger.FromContext(r.Context()).Info("scheduler start requested")
	h.writeJSON(w, http.StatusOK, map[string]any{"is_running": true})
}

func (h *Handler) StopScheduler(w http.ResponseWriter, r *http.Request) {
	h.scheduler.Stop()
	logger.FromContext(r.Context()).Info("scheduler stop requested")
	h.writeJSON(w, http.StatusOK, map[string]any{"is_running": false})
}

// TriggerSource starts a run for one source now.
func (h *Handler) TriggerSource(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	runID, err := h.scheduler.TriggerNow(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]any{"source_id": id, "run_id": runID})
}

// ---------- Runs ----------

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := runs.Filter{SourceID: q.Get("source"), Status: runs.Status(q.Get("status"))}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	list, err := h.runs.ListRuns(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []runs.Run{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"runs": list, "count": len(list)})
}

func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "run id must be an integer")
		return
	}
	run, err := h.runs.GetRun(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

// ---------- Monitor and gaps ----------

func (h *Handler) SourceHealth(w http.ResponseWriter, r *http.Request) {
	list, at := h.health.Latest()
	resp := map[string]any{
		"sources": list,
		"summary": h.health.Summary(),
	}
	if !at.IsZero() {
		resp["evaluated_at"] = at
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ListGaps(w http.ResponseWriter, r *http.Request) {
	var status gaps.Status
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := gaps.ParseStatus(v)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		status = st
	}
	list, err := h.tickets.List(r.Context(), status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []gaps.Ticket{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"tickets": list, "count": len(list)})
}

// ---------- Registry ----------

func (h *Handler) ReloadRegistry(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Reload(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	st := h.registry.Stats()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"total_sources":  st.Total,
		"active_sources": st.Active,
		"by_tier":        st.ByTier,
		"loaded_at":      h.registry.LoadedAt(),
	})
}

// ---------- Helpers ----------

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		h.writeError(w, status, http.StatusText(status))
		return
	}
	h.writeError(w, status, err.Error())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
