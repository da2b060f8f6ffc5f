// metrics.go — Prometheus-метрики Upload Guard.
// HTTP-метрики: ug_http_requests_total, ug_http_request_duration_seconds.
// Бизнес-метрики экспортируются для обновления из сервисного слоя.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ug_http_requests_total",
			Help: "Общее количество HTTP-запросов к Upload Guard",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ug_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к Upload Guard в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Бизнес-метрики (обновляются из сервисного слоя)
var (
	// ValidationsTotal — проверки по результату: accepted, rejected_policy,
	// rejected_security, error.
	ValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ug_validations_total",
			Help: "Общее количество проверок файлов по результату",
		},
		[]string{"result"},
	)

	// ValidationDuration — длительность конвейера проверки.
	ValidationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ug_validation_duration_seconds",
			Help:    "Длительность проверки файла в секундах",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// FindingsTotal — наблюдения анализаторов.
	FindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ug_findings_total",
			Help: "Общее количество наблюдений анализаторов",
		},
		[]string{"category", "hard"},
	)

	// QuarantinedTotal — файлы, помещённые в карантин.
	QuarantinedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ug_quarantined_total",
			Help: "Общее количество файлов, помещённых в карантин",
		},
		[]string{"duplicate"},
	)

	// SafeFiles — текущее количество файлов в безопасном хранилище.
	SafeFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ug_safe_files_total",
			Help: "Текущее количество файлов в безопасном хранилище",
		},
	)

	// SafeStorageBytes — объём безопасного хранилища.
	SafeStorageBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ug_safe_storage_bytes",
			Help: "Объём файлов в безопасном хранилище в байтах",
		},
	)

	// ValidationsInFlight — проверки, выполняющиеся сейчас.
	ValidationsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ug_validations_in_flight",
			Help: "Количество выполняющихся проверок",
		},
	)

	// OperationsTotal — операции чтения: download, verify.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ug_operations_total",
			Help: "Общее количество файловых операций",
		},
		[]string{"operation", "result"},
	)
)

// MetricsMiddleware собирает количество и длительность запросов.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := normalizePath(r.URL.Path)

			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			status := strconv.Itoa(wrapped.statusCode)
			httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// normalizePath заменяет идентификаторы в пути на шаблоны,
// чтобы не раздувать кардинальность меток.
func normalizePath(path string) string {
	if _, ok := knownPaths[path]; ok {
		return path
	}
	switch {
	case strings.HasPrefix(path, "/api/v1/files/"):
		return "/api/v1/files/{stored_name}"
	case strings.HasPrefix(path, "/api/v1/verify/"):
		return "/api/v1/verify/{hash}"
	}
	return "other"
}

// knownPaths — пути без параметров.
var knownPaths = map[string]struct{}{
	"/health/live":             {},
	"/health/ready":            {},
	"/metrics":                 {},
	"/api/v1/files/upload":     {},
	"/api/v1/quarantine":       {},
	"/api/v1/quarantine/stats": {},
	"/api/v1/security/stats":   {},
	"/api/v1/security/logs":    {},
	"/api/v1/security/alerts":  {},
	"/api/v1/security/health":  {},
	"/api/v1/security/report":  {},
}
