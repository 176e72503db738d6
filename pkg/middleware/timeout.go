package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/yeto-platform/ingestcore/pkg/logger"
)

// Timeout bounds each request. The handler writes into a buffer that reaches
// the client only if the handler returns in time. Otherwise the client gets
// a 504 in the API's error shape and anything the handler writes afterwards
// is dropped.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			tw := &timeoutWriter{ctx: ctx, header: make(http.Header)}
			done := make(chan struct{})
			panicked := make(chan any, 1)
			go func() {
				defer func() {
					if p := recover(); p != nil {
						panicked <- p
					}
				}()
				next.ServeHTTP(tw, r.WithContext(ctx))
				close(done)
			}()

			select {
			case p := <-panicked:
				panic(p)
			case <-done:
				if tw.flushTo(w) {
					return
				}
			case <-ctx.Done():
				tw.expire()
			}
			logger.FromContext(r.Context()).Warn("request timed out",
				"method", r.Method, "path", r.URL.Path, "timeout", timeout)
			writeErrorJSON(w, http.StatusGatewayTimeout)
		})
	}
}

// timeoutWriter holds the handler's response until the middleware decides
// whether to send it. The header map belongs to the handler goroutine and is
// only read after the handler has returned. Writes after the deadline expire
// the response.
type timeoutWriter struct {
	ctx    context.Context
	header http.Header

	mu       sync.Mutex
	buf      bytes.Buffer
	code     int
	timedOut bool
}

func (tw *timeoutWriter) Header() http.Header { return tw.header }

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.lateLocked() || tw.code != 0 {
		return
	}
	tw.code = code
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.lateLocked() {
		return 0, http.ErrHandlerTimeout
	}
	if tw.code == 0 {
		tw.code = http.StatusOK
	}
	return tw.buf.Write(b)
}

func (tw *timeoutWriter) lateLocked() bool {
	if tw.ctx.Err() != nil {
		tw.timedOut = true
	}
	return tw.timedOut
}

func (tw *timeoutWriter) expire() {
	tw.mu.Lock()
	tw.timedOut = true
	tw.mu.Unlock()
}

// flushTo copies the buffered response to w. It reports false when the
// response expired and nothing was sent.
func (tw *timeoutWriter) flushTo(w http.ResponseWriter) bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return false
	}
	dst := w.Header()
	for k, v := range tw.header {
		dst[k] = v
	}
	if tw.code == 0 {
		tw.code = http.StatusOK
	}
	w.WriteHeader(tw.code)
	w.Write(tw.buf.Bytes())
	return true
}

// writeErrorJSON answers with the {"error": ...} body the operator API uses
// for server-side failures.
func writeErrorJSON(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": http.StatusText(status)})
}
