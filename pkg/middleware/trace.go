package middleware

import (
	"log/slog"
	"net/http"

	"github.com/yeto-platform/ingestcore/pkg/logger"
	"github.com/yeto-platform/ingestcore/pkg/tracing"
)

// Trace opens a root span per request, using the request ID as the trace ID
// so runs triggered by the request log under the same ID.
func Trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracing.StartSpan(r.Context(), r.Method+" "+normalizePath(r.URL.Path), logger.RequestIDFrom(r.Context()))
		next.ServeHTTP(w, r.WithContext(ctx))
		span.End()
		span.Log(slog.Default())
	})
}
