// access.go — запись отказов в доступе в журнал безопасности.
package service

import (
	"context"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"github.com/bigkaa/goartstore/upload-guard/internal/api/middleware"
	"github.com/bigkaa/goartstore/upload-guard/internal/audit"
	"github.com/bigkaa/goartstore/upload-guard/internal/domain/model"
)

// Критичность отказов в доступе.
const (
	severityUnauthorized = 4
	severityForbidden    = 5
)

// AccessAuditor реализует middleware.AuthFailureRecorder поверх журнала.
type AccessAuditor struct {
	auditLog *audit.Logger
	logger   *slog.Logger
}

// NewAccessAuditor создаёт получателя отказов.
func NewAccessAuditor(auditLog *audit.Logger, logger *slog.Logger) *AccessAuditor {
	return &AccessAuditor{
		auditLog: auditLog,
		logger:   logger.With(slog.String("component", "access_auditor")),
	}
}

var _ middleware.AuthFailureRecorder = (*AccessAuditor)(nil)

// RecordAuthFailure пишет access-attempt. 403 означает валидный токен
// без нужного scope, поэтому subject известен.
func (a *AccessAuditor) RecordAuthFailure(r *http.Request, status int, reason string) {
	severity := severityUnauthorized
	message := "request without valid credentials"
	if status == http.StatusForbidden {
		severity = severityForbidden
		message = "request without required scope"
	}

	details := map[string]any{
		"method":      r.Method,
		"path":        truncate(r.URL.Path, maxIdentifierLen),
		"remote_addr": r.RemoteAddr,
		"status":      status,
		"reason":      reason,
	}
	if sub := middleware.SubjectFromContext(r.Context()); sub != "" {
		details["subject"] = sub
	}
	if id := middleware.RequestIDFromContext(r.Context()); id != "" {
		details["request_id"] = id
	}

	_, err := a.auditLog.Log(context.WithoutCancel(r.Context()), audit.Event{
		Level:    model.LevelWarning,
		Type:     model.EventAccessAttempt,
		Message:  message,
		Details:  details,
		Severity: severity,
	})
	if err != nil {
		a.logger.Error("Ошибка записи в журнал безопасности",
			slog.String("error", err.Error()),
		)
	}
}

// maxIdentifierLen — предел длины идентификаторов из запроса в журнале.
const maxIdentifierLen = 256

// truncate обрезает строку не более чем до n байт по границе руны.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
