// health.go — обработчики health endpoints Upload Guard.
// /health/live — liveness probe (процесс жив)
// /health/ready — readiness probe (директории доступны, индекс построен)
// /metrics — Prometheus метрики
package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/goartstore/upload-guard/internal/config"
)

// Статусы health check.
const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusFail     = "fail"
)

const serviceName = "upload-guard"

// IndexReadinessChecker — интерфейс для проверки готовности индекса.
type IndexReadinessChecker interface {
	IsReady() bool
}

// DependencyHealth — состояние внешних зависимостей (topologymetrics).
type DependencyHealth interface {
	Health() map[string]bool
}

// HealthHandler — обработчик health endpoints.
type HealthHandler struct {
	// dirs — проверяемые на запись директории: имя проверки → путь
	dirs        map[string]string
	idx         IndexReadinessChecker
	deps        DependencyHealth
	promHandler http.Handler
}

// NewHealthHandler создаёт обработчик health endpoints.
// deps может быть nil — внешние зависимости не проверяются.
func NewHealthHandler(dirs map[string]string, idx IndexReadinessChecker, deps DependencyHealth) *HealthHandler {
	return &HealthHandler{
		dirs:        dirs,
		idx:         idx,
		deps:        deps,
		promHandler: promhttp.Handler(),
	}
}

// healthCheckResult — результат одной проверки.
type healthCheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// healthLiveResponse — ответ liveness probe.
type healthLiveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Service   string `json:"service"`
}

// healthReadyResponse — ответ readiness probe.
type healthReadyResponse struct {
	Status    string                       `json:"status"`
	Timestamp string                       `json:"timestamp"`
	Version   string                       `json:"version"`
	Service   string                       `json:"service"`
	Checks    map[string]healthCheckResult `json:"checks"`
}

// HealthLive — liveness probe. Возвращает 200 если процесс жив.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthLiveResponse{
		Status:    statusOK,
		Timestamp: formatTime(time.Now()),
		Version:   config.Version,
		Service:   serviceName,
	})
}

// HealthReady — readiness probe.
// Недоступная на запись директория или непостроенный индекс — fail (503).
// Недоступная внешняя зависимость — degraded (200): загрузки продолжают работать.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	checks := make(map[string]healthCheckResult, len(h.dirs)+2)

	names := make([]string, 0, len(h.dirs))
	for name := range h.dirs {
		names = append(names, name)
	}
	sort.Strings(names)

	statuses := make([]string, 0, len(names)+2)
	for _, name := range names {
		res := checkWritable(h.dirs[name])
		checks[name] = res
		statuses = append(statuses, res.Status)
	}

	if h.idx != nil {
		res := healthCheckResult{Status: statusOK}
		if !h.idx.IsReady() {
			res = healthCheckResult{Status: statusFail, Message: "индекс хранилища не построен"}
		}
		checks["index"] = res
		statuses = append(statuses, res.Status)
	}

	if h.deps != nil {
		for dep, ok := range h.deps.Health() {
			res := healthCheckResult{Status: statusOK}
			if !ok {
				res = healthCheckResult{Status: statusDegraded, Message: "зависимость недоступна"}
			}
			checks["dependency:"+dep] = res
			statuses = append(statuses, res.Status)
		}
	}

	resp := healthReadyResponse{
		Status:    overallStatus(statuses...),
		Timestamp: formatTime(time.Now()),
		Version:   config.Version,
		Service:   serviceName,
		Checks:    checks,
	}

	code := http.StatusOK
	if resp.Status == statusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// GetMetrics — Prometheus метрики.
func (h *HealthHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.promHandler.ServeHTTP(w, r)
}

// checkWritable проверяет доступность директории на запись.
func checkWritable(dir string) healthCheckResult {
	f, err := os.CreateTemp(dir, ".health_check-*")
	if err != nil {
		return healthCheckResult{Status: statusFail, Message: "директория недоступна для записи: " + err.Error()}
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(filepath.Clean(name))
	return healthCheckResult{Status: statusOK}
}

// overallStatus определяет итоговый статус из статусов проверок.
// Если хотя бы одна проверка fail — итог fail.
// Если хотя бы одна degraded — итог degraded.
// Иначе — ok.
func overallStatus(statuses ...string) string {
	hasDegraded := false
	for _, s := range statuses {
		if s == statusFail {
			return statusFail
		}
		if s == statusDegraded {
			hasDegraded = true
		}
	}
	if hasDegraded {
		return statusDegraded
	}
	return statusOK
}
