package admin

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/xid"
)

// requestIDHeader is the response header carrying each request's
// correlation id, for matching a client-side error report back to the
// daemon's logs.
const requestIDHeader = "X-Request-Id"

// ErrPanicRecovered indicates an admin handler panicked and was recovered.
var ErrPanicRecovered = errors.New("panic recovered in admin handler")

// statusRecorder wraps http.ResponseWriter to capture the status code
// written, since net/http gives no way to read it back afterward.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// LoggingMiddleware returns net/http middleware that logs every request
// with its method, path, status, and duration via log/slog, in the style
// of the teacher's ConnectRPC LoggingInterceptor.
//
// Log level is Info for 2xx/3xx/4xx responses and Warn for 5xx responses.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := xid.New().String()
			w.Header().Set(requestIDHeader, reqID)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			attrs := []slog.Attr{
				slog.String("request_id", reqID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(start)),
			}

			if rec.status >= http.StatusInternalServerError {
				logger.LogAttrs(r.Context(), slog.LevelWarn, "request completed with server error", attrs...)
			} else {
				logger.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
			}
		})
	}
}

// RecoveryMiddleware returns net/http middleware that recovers from panics
// in handlers. On panic, it logs the panic value and stack trace at Error
// level and responds with 500 Internal Server Error.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					buf := make([]byte, 4096)
					n := runtime.Stack(buf, false)

					logger.ErrorContext(r.Context(), "panic recovered in admin handler",
						slog.String("request_id", w.Header().Get(requestIDHeader)),
						slog.String("path", r.URL.Path),
						slog.Any("panic", rec),
						slog.String("stack", string(buf[:n])),
					)

					writeError(w, http.StatusInternalServerError, ErrPanicRecovered)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
