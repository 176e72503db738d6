package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/yeto-platform/ingestcore/pkg/config"
)

// StartServer serves /metrics on cfg.Port, plus /ready when a readiness
// handler is given, so scrapers and probes can share the side port. With
// metrics disabled it starts nothing and the returned shutdown is a no-op.
func StartServer(cfg config.MetricsConfig, ready http.Handler) (shutdown func(context.Context) error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      newMux(ready),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("metrics server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()
	return server.Shutdown
}

func newMux(ready http.Handler) *http.ServeMux {
	endpoints := []string{"/metrics"}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler())
	if ready != nil {
		mux.Handle("GET /ready", ready)
		endpoints = append(endpoints, "/ready")
	}
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"service":   "ingestcore",
			"endpoints": endpoints,
		})
	})
	return mux
}
