package gateway

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/propagation"

	"github.com/haasonsaas/wagate/internal/observability"
)

// route registers handler under pattern with request logging and a server
// span named after the pattern.
func (s *Server) route(mux *http.ServeMux, pattern string, handler http.HandlerFunc) {
	path := pattern
	if i := strings.IndexByte(pattern, ' '); i >= 0 {
		path = pattern[i+1:]
	}
	mux.Handle(pattern, s.instrument(path, handler))
}

func (s *Server) instrument(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := s.tracer.ExtractContext(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := s.tracer.TraceHTTPRequest(ctx, r.Method, path)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		s.tracer.SetAttributes(span, "http.status_code", rec.status)
		attrs := []any{
			"method", r.Method,
			"path", path,
			"tenant_id", r.PathValue("id"),
			"status", rec.status,
			"duration", time.Since(start),
		}
		if id := observability.TraceID(ctx); id != "" {
			attrs = append(attrs, "trace_id", id)
		}
		if rec.status >= http.StatusInternalServerError {
			s.logger.Error("http request failed", attrs...)
			return
		}
		s.logger.Debug("http request", attrs...)
	})
}

// statusRecorder captures the response status. It forwards Hijack so
// WebSocket upgrades work through it.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
