// download.go — сервис отдачи принятых файлов.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	apierrors "github.com/bigkaa/goartstore/upload-guard/internal/api/errors"
	"github.com/bigkaa/goartstore/upload-guard/internal/api/middleware"
	"github.com/bigkaa/goartstore/upload-guard/internal/audit"
	"github.com/bigkaa/goartstore/upload-guard/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-guard/internal/storage/safestore"
)

// Заголовки политики встраивания.
const (
	cspDefault = "default-src 'none'; frame-ancestors 'none'"
	cspPDF     = "frame-ancestors 'self'"
)

// DownloadService — сервис отдачи файлов из безопасного хранилища.
type DownloadService struct {
	safe     *safestore.Store
	auditLog *audit.Logger
	logger   *slog.Logger
}

// NewDownloadService создаёт сервис отдачи файлов.
func NewDownloadService(safe *safestore.Store, auditLog *audit.Logger, logger *slog.Logger) *DownloadService {
	return &DownloadService{
		safe:     safe,
		auditLog: auditLog,
		logger:   logger.With(slog.String("component", "download_service")),
	}
}

// DownloadError — ошибка скачивания с HTTP-кодом.
type DownloadError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Serve отдаёт файл через http.ServeContent (Range, If-None-Match).
// Тип содержимого берётся из метаданных проверки, не из имени файла.
func (s *DownloadService) Serve(w http.ResponseWriter, r *http.Request, storedName string) *DownloadError {
	file, meta, err := s.safe.Open(storedName)
	if err != nil {
		switch {
		case errors.Is(err, safestore.ErrInvalidName):
			middleware.OperationsTotal.WithLabelValues("download", "invalid_name").Inc()
			s.recordAccessAttempt(r, storedName)
			return &DownloadError{
				StatusCode: http.StatusBadRequest,
				Code:       apierrors.CodeInvalidName,
				Message:    "Недопустимый идентификатор файла",
			}
		case errors.Is(err, safestore.ErrNotFound):
			middleware.OperationsTotal.WithLabelValues("download", "not_found").Inc()
			return &DownloadError{
				StatusCode: http.StatusNotFound,
				Code:       apierrors.CodeNotFound,
				Message:    fmt.Sprintf("Файл %s не найден", storedName),
			}
		default:
			middleware.OperationsTotal.WithLabelValues("download", "error").Inc()
			s.logger.Error("Ошибка открытия файла",
				slog.String("stored_name", storedName),
				slog.String("error", err.Error()),
			)
			return &DownloadError{
				StatusCode: http.StatusInternalServerError,
				Code:       apierrors.CodeInternalError,
				Message:    "Ошибка чтения файла",
			}
		}
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		s.logger.Error("Ошибка получения stat файла",
			slog.String("stored_name", storedName),
			slog.String("error", err.Error()),
		)
		return &DownloadError{
			StatusCode: http.StatusInternalServerError,
			Code:       apierrors.CodeInternalError,
			Message:    "Ошибка чтения файла",
		}
	}

	SetServeHeaders(w.Header(), meta)
	http.ServeContent(w, r, "", stat.ModTime(), file)

	middleware.OperationsTotal.WithLabelValues("download", "success").Inc()
	s.logger.Debug("Файл отдан",
		slog.String("stored_name", storedName),
		slog.Int64("size", meta.ByteLength),
	)
	return nil
}

// SetServeHeaders выставляет заголовки отдачи принятого файла.
// Браузеру запрещено угадывать тип и встраивать файл в чужие страницы.
func SetServeHeaders(h http.Header, meta *model.SafeFileMetadata) {
	contentType := meta.DetectedType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h.Set("Content-Type", contentType)
	h.Set("X-Content-Type-Options", "nosniff")
	if contentType == "application/pdf" {
		h.Set("X-Frame-Options", "SAMEORIGIN")
		h.Set("Content-Security-Policy", cspPDF)
	} else {
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", cspDefault)
	}

	disposition := "attachment"
	if contentType == "application/pdf" || strings.HasPrefix(contentType, "image/") {
		disposition = "inline"
	}
	if v := mime.FormatMediaType(disposition, map[string]string{"filename": meta.OriginalName}); v != "" {
		h.Set("Content-Disposition", v)
	} else {
		h.Set("Content-Disposition", disposition)
	}

	h.Set("ETag", fmt.Sprintf("%q", meta.ContentHash))
	h.Set("Accept-Ranges", "bytes")
}

// recordAccessAttempt фиксирует обращение с недопустимым идентификатором.
func (s *DownloadService) recordAccessAttempt(r *http.Request, storedName string) {
	_, err := s.auditLog.Log(context.WithoutCancel(r.Context()), audit.Event{
		Level:   model.LevelWarning,
		Type:    model.EventAccessAttempt,
		Message: "download with invalid file identifier",
		Details: map[string]any{
			"identifier":  truncate(storedName, maxIdentifierLen),
			"remote_addr": r.RemoteAddr,
			"subject":     middleware.SubjectFromContext(r.Context()),
		},
		Severity: severityForbidden,
	})
	if err != nil {
		s.logger.Error("Ошибка записи в журнал безопасности",
			slog.String("error", err.Error()),
		)
	}
}
