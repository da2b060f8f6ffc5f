// security.go — handlers журнала безопасности: статистика, выгрузка,
// оповещения, состояние, отчёты.
package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	apierrors "github.com/bigkaa/goartstore/upload-guard/internal/api/errors"
	"github.com/bigkaa/goartstore/upload-guard/internal/audit"
	"github.com/bigkaa/goartstore/upload-guard/internal/domain/model"
)

// SecurityHandler — обработчик endpoints /api/v1/security/*.
type SecurityHandler struct {
	auditLog *audit.Logger
	// alertMinSeverity — порог критичности для /alerts по умолчанию
	alertMinSeverity int
	logger           *slog.Logger
}

// NewSecurityHandler создаёт обработчик журнала безопасности.
func NewSecurityHandler(auditLog *audit.Logger, alertMinSeverity int, logger *slog.Logger) *SecurityHandler {
	return &SecurityHandler{
		auditLog:         auditLog,
		alertMinSeverity: alertMinSeverity,
		logger:           logger.With(slog.String("component", "security_handler")),
	}
}

// entriesResponse — ответ выгрузки записей.
type entriesResponse struct {
	Items []*model.SecurityLogEntry `json:"items"`
	Count int                       `json:"count"`
}

// Stats обрабатывает GET /api/v1/security/stats?days=N.
func (h *SecurityHandler) Stats(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", audit.DefaultDays)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	stats, err := h.auditLog.Stats(days)
	if err != nil {
		h.internalError(w, "статистика", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Logs обрабатывает GET /api/v1/security/logs?level=&type=&limit=&days=.
func (h *SecurityHandler) Logs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		Level:     model.LogLevel(q.Get("level")),
		EventType: model.EventType(q.Get("type")),
	}
	if f.Level != "" && !f.Level.Valid() {
		apierrors.ValidationError(w, fmt.Sprintf("Недопустимый уровень %q", f.Level))
		return
	}
	if f.EventType != "" && !f.EventType.Valid() {
		apierrors.ValidationError(w, fmt.Sprintf("Недопустимый тип события %q", f.EventType))
		return
	}

	var err error
	if f.Limit, err = queryInt(r, "limit", audit.DefaultLimit); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	if f.Days, err = queryInt(r, "days", audit.DefaultDays); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	entries, err := h.auditLog.Export(f)
	if err != nil {
		h.internalError(w, "выгрузка", err)
		return
	}
	writeJSON(w, http.StatusOK, entriesResponse{Items: nonNil(entries), Count: len(entries)})
}

// Alerts обрабатывает GET /api/v1/security/alerts?min_severity=&limit=.
func (h *SecurityHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	minSeverity, err := queryInt(r, "min_severity", h.alertMinSeverity)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	if minSeverity < model.MinSeverity || minSeverity > model.MaxSeverity {
		apierrors.ValidationError(w, fmt.Sprintf("min_severity должен быть в диапазоне %d-%d", model.MinSeverity, model.MaxSeverity))
		return
	}
	limit, err := queryInt(r, "limit", audit.DefaultLimit)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	entries, err := h.auditLog.Alerts(minSeverity, limit)
	if err != nil {
		h.internalError(w, "оповещения", err)
		return
	}
	writeJSON(w, http.StatusOK, entriesResponse{Items: nonNil(entries), Count: len(entries)})
}

// Health обрабатывает GET /api/v1/security/health.
// Состояние critical отдаётся с кодом 200: endpoint описывает обстановку,
// а не доступность сервиса.
func (h *SecurityHandler) Health(w http.ResponseWriter, _ *http.Request) {
	health, err := h.auditLog.Health()
	if err != nil {
		h.internalError(w, "состояние", err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

// Report обрабатывает GET /api/v1/security/report?format=json|csv&days=N.
// Отчёт собирается в буфер; при ошибке чтения журнала ответ 500.
func (h *SecurityHandler) Report(w http.ResponseWriter, r *http.Request) {
	format := audit.ReportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = audit.ReportJSON
	}
	days, err := queryInt(r, "days", audit.DefaultDays)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	var buf bytes.Buffer
	if err := h.auditLog.WriteReport(&buf, format, days); err != nil {
		if errors.Is(err, audit.ErrUnknownFormat) {
			apierrors.ValidationError(w, fmt.Sprintf("Недопустимый формат %q, допустимые: json, csv", format))
			return
		}
		h.internalError(w, "отчёт", err)
		return
	}

	filename := fmt.Sprintf("security-report-%s.%s", time.Now().UTC().Format("20060102"), format)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (h *SecurityHandler) internalError(w http.ResponseWriter, op string, err error) {
	h.logger.Error("Ошибка чтения журнала безопасности",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
	apierrors.InternalError(w, "Ошибка чтения журнала безопасности")
}

// nonNil возвращает пустой срез вместо nil, чтобы в JSON был [].
func nonNil(entries []*model.SecurityLogEntry) []*model.SecurityLogEntry {
	if entries == nil {
		return []*model.SecurityLogEntry{}
	}
	return entries
}
