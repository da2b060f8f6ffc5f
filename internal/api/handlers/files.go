// files.go — HTTP handlers загрузки и скачивания файлов.
package handlers

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/upload-guard/internal/api/errors"
	"github.com/bigkaa/goartstore/upload-guard/internal/api/middleware"
	"github.com/bigkaa/goartstore/upload-guard/internal/service"
)

// multipartOverhead — запас на заголовки multipart сверх максимального размера файла.
const multipartOverhead = 1 << 20

// FilesHandler — обработчик файловых endpoints.
type FilesHandler struct {
	uploadSvc   *service.UploadService
	downloadSvc *service.DownloadService
	maxFileSize int64
	logger      *slog.Logger
}

// NewFilesHandler создаёт обработчик файловых endpoints.
func NewFilesHandler(
	uploadSvc *service.UploadService,
	downloadSvc *service.DownloadService,
	maxFileSize int64,
	logger *slog.Logger,
) *FilesHandler {
	return &FilesHandler{
		uploadSvc:   uploadSvc,
		downloadSvc: downloadSvc,
		maxFileSize: maxFileSize,
		logger:      logger.With(slog.String("component", "files_handler")),
	}
}

// uploadAccepted — ответ 201 для принятого файла.
type uploadAccepted struct {
	Accepted     bool     `json:"accepted"`
	StoredName   string   `json:"stored_name"`
	URL          string   `json:"url"`
	DetectedType string   `json:"detected_type"`
	ContentHash  string   `json:"content_hash"`
	Size         int64    `json:"size"`
	Duplicate    bool     `json:"duplicate"`
	Confidence   int      `json:"confidence"`
	Warnings     []string `json:"warnings,omitempty"`
}

// uploadRejected — ответ 422 для отклонённого файла.
type uploadRejected struct {
	Accepted    bool     `json:"accepted"`
	Reasons     []string `json:"reasons"`
	Quarantined bool     `json:"quarantined"`
	ContentHash string   `json:"content_hash"`
}

// UploadFile обрабатывает POST /api/v1/files/upload.
// Multipart form: file (обязательно). Часть пишется во временную
// директорию потоком, без буферизации формы в памяти.
func (h *FilesHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	if h.maxFileSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize+multipartOverhead)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		apierrors.ValidationError(w, "Ожидается multipart/form-data")
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			apierrors.ValidationError(w, "Поле 'file' обязательно")
			return
		}
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				apierrors.FileTooLarge(w, "Размер запроса превышает допустимый")
				return
			}
			apierrors.ValidationError(w, "Ошибка разбора multipart: "+err.Error())
			return
		}

		if part.FormName() != "file" || part.FileName() == "" {
			_ = part.Close()
			continue
		}

		h.upload(w, r, part)
		_ = part.Close()
		return
	}
}

// upload передаёт часть multipart в сервис загрузки и формирует ответ.
func (h *FilesHandler) upload(w http.ResponseWriter, r *http.Request, part *multipart.Part) {
	name := part.FileName()
	declared := part.Header.Get("Content-Type")
	if declared == "" {
		declared = mime.TypeByExtension(filepath.Ext(name))
	}
	if declared == "" {
		declared = "application/octet-stream"
	}

	result, uerr := h.uploadSvc.Upload(r.Context(), service.UploadParams{
		Reader:       part,
		OriginalName: name,
		DeclaredType: declared,
		UploaderID:   middleware.SubjectFromContext(r.Context()),
		RemoteAddr:   r.RemoteAddr,
	})
	if uerr != nil {
		apierrors.WriteError(w, uerr.StatusCode, uerr.Code, uerr.Message)
		return
	}

	v := result.Verdict
	if !v.IsAccepted {
		writeJSON(w, http.StatusUnprocessableEntity, uploadRejected{
			Accepted:    false,
			Reasons:     v.Reasons,
			Quarantined: v.Quarantined,
			ContentHash: v.ContentHash,
		})
		return
	}

	writeJSON(w, http.StatusCreated, uploadAccepted{
		Accepted:     true,
		StoredName:   result.StoredName,
		URL:          "/api/v1/files/" + url.PathEscape(result.StoredName),
		DetectedType: v.DetectedType,
		ContentHash:  v.ContentHash,
		Size:         v.ByteLength,
		Duplicate:    result.Duplicate,
		Confidence:   v.Confidence,
		Warnings:     v.Warnings,
	})
}

// DownloadFile обрабатывает GET /api/v1/files/{stored_name}.
// Поддерживает Range requests (206) и ETag (If-None-Match → 304).
func (h *FilesHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "stored_name")
	storedName, err := url.PathUnescape(raw)
	if err != nil {
		storedName = raw
	}

	if derr := h.downloadSvc.Serve(w, r, storedName); derr != nil {
		apierrors.WriteError(w, derr.StatusCode, derr.Code, derr.Message)
	}
}
