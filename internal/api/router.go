package api

import (
	"net/http"

	"github.com/yeto-platform/ingestcore/pkg/config"
	"github.com/yeto-platform/ingestcore/pkg/health"
	"github.com/yeto-platform/ingestcore/pkg/metrics"
	"github.com/yeto-platform/ingestcore/pkg/middleware"
)

// NewRouter builds the operator API with all routes and middleware.
//
// Route table:
//
//	GET    /scheduler/status               → scheduler status
//	POST   /scheduler/start                → resume ticking
//	POST   /scheduler/stop                 → pause ticking
//	POST   /scheduler/sources/{id}/run     → run one source now
//	GET    /runs?source=&status=&limit=    → run history
//	GET    /runs/{id}                      → one run
//	GET    /monitor/sources                → latest health assessments
//	GET    /gaps?status=                   → gap tickets
//	POST   /registry/reload                → re-read the source registry
//	GET    /health/live, /health/ready     → probes
//
// Middleware chain (outermost first):
//
//	RequestID → CORS → Trace → Metrics → Timeout → mux
func NewRouter(h *Handler, checker *health.Checker, m *metrics.Metrics, cfg config.ServerConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	mux.HandleFunc("GET /scheduler/status", h.SchedulerStatus)
	mux.HandleFunc("POST /scheduler/start", h.StartScheduler)
	mux.HandleFunc("POST /scheduler/stop", h.StopScheduler)
	mux.HandleFunc("POST /scheduler/sources/{id}/run", h.TriggerSource)

	mux.HandleFunc("GET /runs", h.ListRuns)
	mux.HandleFunc("GET /runs/{id}", h.GetRun)

	mux.HandleFunc("GET /monitor/sources", h.SourceHealth)
	mux.HandleFunc("GET /gaps", h.ListGaps)

	mux.HandleFunc("POST /registry/reload", h.ReloadRegistry)

	var chain http.Handler = mux
	if cfg.RequestTimeout > 0 {
		chain = middleware.Timeout(cfg.RequestTimeout)(chain)
	}
	if m != nil {
		chain = middleware.Metrics(m)(chain)
	}
	chain = middleware.Trace(chain)
	if len(cfg.AllowOrigins) > 0 {
		chain = middleware.CORS(cfg.AllowOrigins)(chain)
	}
	chain = middleware.RequestID(chain)
	return chain
}
