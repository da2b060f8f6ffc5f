// logging.go — логирование HTTP-запросов через slog.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HeaderRequestID — заголовок идентификатора запроса.
const HeaderRequestID = "X-Request-ID"

// ContextKeyRequestID — идентификатор запроса в контексте.
const ContextKeyRequestID contextKey = "request_id"

// maxRequestIDLen — входящий идентификатор длиннее заменяется новым.
const maxRequestIDLen = 128

// responseWriter — перехват статус-кода и размера ответа.
// Общий для логирования и метрик.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	written     int64
	wroteHeader bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// RequestLogger логирует каждый запрос. Уровень зависит от статуса:
// INFO до 4xx, WARN для 4xx, ERROR для 5xx. Пробы и /metrics пишутся в DEBUG.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := requestID(r.Header.Get(HeaderRequestID))
			w.Header().Set(HeaderRequestID, reqID)
			wrapped := newResponseWriter(w)

			next.ServeHTTP(wrapped, r.WithContext(context.WithValue(r.Context(), ContextKeyRequestID, reqID)))

			duration := time.Since(start)

			// Уровень логирования зависит от статус-кода
			level := slog.LevelInfo
			switch {
			case wrapped.statusCode >= 500:
				level = slog.LevelError
			case wrapped.statusCode >= 400:
				level = slog.LevelWarn
			case isProbePath(r.URL.Path):
				level = slog.LevelDebug
			}

			logger.LogAttrs(r.Context(), level, "HTTP запрос",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrapped.statusCode),
				slog.Duration("duration", duration),
				slog.Int64("bytes", wrapped.written),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("request_id", reqID),
			)
		})
	}
}

// isProbePath — служебные пути, опрашиваемые каждые несколько секунд.
func isProbePath(path string) bool {
	return path == "/health/live" || path == "/health/ready" || path == "/metrics"
}

// requestID принимает идентификатор клиента из печатных ASCII-символов
// или генерирует новый.
func requestID(incoming string) string {
	if incoming == "" || len(incoming) > maxRequestIDLen {
		return uuid.NewString()
	}
	for i := 0; i < len(incoming); i++ {
		if c := incoming[i]; c < 0x21 || c > 0x7e {
			return uuid.NewString()
		}
	}
	return incoming
}

// RequestIDFromContext извлекает идентификатор запроса.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyRequestID).(string)
	return id
}
