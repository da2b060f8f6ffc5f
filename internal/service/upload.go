// upload.go — конвейер загрузки: приём во временную директорию,
// проверка, запись вердикта в журнал, перемещение в карантин или хранилище.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/semaphore"

	apierrors "github.com/bigkaa/goartstore/upload-guard/internal/api/errors"
	"github.com/bigkaa/goartstore/upload-guard/internal/api/middleware"
	"github.com/bigkaa/goartstore/upload-guard/internal/audit"
	"github.com/bigkaa/goartstore/upload-guard/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-guard/internal/storage/filestore"
	"github.com/bigkaa/goartstore/upload-guard/internal/storage/quarantine"
	"github.com/bigkaa/goartstore/upload-guard/internal/storage/safestore"
	"github.com/bigkaa/goartstore/upload-guard/internal/validation"
)

// Результаты проверки для метрик.
const (
	resultAccepted         = "accepted"
	resultRejectedPolicy   = "rejected_policy"
	resultRejectedSecurity = "rejected_security"
	resultRejectedTimeout  = "rejected_timeout"
	resultError            = "error"
)

// Критичность событий журнала.
const (
	severityReceived   = 1
	severityAccepted   = 2
	severityPolicy     = 3
	severityTimeout    = 5
	severitySuspicious = 6
	severityQuarantine = 7
	severitySystem     = 8
	severityMalware    = 9
)

// UploadParams — параметры загрузки.
type UploadParams struct {
	// Reader — поток содержимого файла
	Reader io.Reader
	// OriginalName — имя файла от клиента
	OriginalName string
	// DeclaredType — Content-Type части multipart
	DeclaredType string
	// UploaderID — sub из JWT, пусто без аутентификации
	UploaderID string
	// RemoteAddr — адрес клиента
	RemoteAddr string
}

// UploadResult — итог загрузки. Для принятого файла заполнен StoredName.
type UploadResult struct {
	Verdict    *model.ValidationVerdict
	StoredName string
	// Duplicate — идентичное содержимое уже было в хранилище или карантине
	Duplicate bool
}

// UploadError — ошибка загрузки с HTTP-кодом.
type UploadError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// UploadOptions — ограничения конвейера.
type UploadOptions struct {
	// MaxConcurrent — максимум одновременных проверок
	MaxConcurrent int64
	// Timeout — таймаут проверки одного файла
	Timeout time.Duration
}

// UploadService — сервис загрузки файлов.
type UploadService struct {
	validator  *validation.Validator
	staging    *filestore.Staging
	safe       *safestore.Store
	quarantine *quarantine.Manager
	auditLog   *audit.Logger
	uploaders  UploaderDirectory
	sem        *semaphore.Weighted
	timeout    time.Duration
	logger     *slog.Logger
}

// NewUploadService создаёт сервис загрузки.
func NewUploadService(
	validator *validation.Validator,
	staging *filestore.Staging,
	safe *safestore.Store,
	qm *quarantine.Manager,
	auditLog *audit.Logger,
	uploaders UploaderDirectory,
	opts UploadOptions,
	logger *slog.Logger,
) *UploadService {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if uploaders == nil {
		uploaders = ClaimsDirectory{}
	}
	return &UploadService{
		validator:  validator,
		staging:    staging,
		safe:       safe,
		quarantine: qm,
		auditLog:   auditLog,
		uploaders:  uploaders,
		sem:        semaphore.NewWeighted(opts.MaxConcurrent),
		timeout:    opts.Timeout,
		logger:     logger.With(slog.String("component", "upload_service")),
	}
}

// Upload выполняет полный цикл загрузки.
//
// Поток:
//  1. Приём потока во временный файл с ограничением размера
//  2. Ожидание слота проверки (семафор)
//  3. Проверка с таймаутом
//  4. Запись вердикта в журнал безопасности
//  5. Перемещение: хранилище, карантин или удаление (отказ по политике
//     или по таймауту)
//
// Отказ проверки — обычный результат (UploadResult с !Verdict.IsAccepted).
// UploadError возвращается для ошибок запроса и системных сбоев;
// временный файл в этом случае удаляется.
func (s *UploadService) Upload(ctx context.Context, p UploadParams) (*UploadResult, *UploadError) {
	uploader, err := s.uploaders.UploaderContext(ctx, p.UploaderID)
	if err != nil {
		s.logger.Warn("Не удалось получить сведения о пользователе",
			slog.String("uploader_id", p.UploaderID),
			slog.String("error", err.Error()),
		)
		uploader = model.UploaderContext{ID: p.UploaderID, DisplayName: p.UploaderID}
	}
	uploader.Address = p.RemoteAddr

	maxSize := s.validator.Policy().MaxFileSize
	staged, err := s.staging.Stage(p.Reader, maxSize)
	if err != nil {
		if errors.Is(err, filestore.ErrTooLarge) {
			middleware.ValidationsTotal.WithLabelValues(resultRejectedPolicy).Inc()
			s.record(ctx, audit.Event{
				Level:   model.LevelWarning,
				Type:    model.EventUpload,
				Message: "upload rejected: size limit exceeded",
				Details: map[string]any{
					"original_name": filestore.SanitizeName(p.OriginalName),
					"max_size":      maxSize,
					"uploaded_by":   uploader.ID,
					"remote_addr":   uploader.Address,
				},
				Severity: severityPolicy,
			})
			return nil, &UploadError{
				StatusCode: http.StatusRequestEntityTooLarge,
				Code:       apierrors.CodeFileTooLarge,
				Message:    fmt.Sprintf("Размер файла превышает максимум %d байт", maxSize),
			}
		}
		return nil, s.systemFault(ctx, "приём файла", err, nil)
	}

	cand := &model.FileCandidate{
		Path:         staged.Path,
		OriginalName: p.OriginalName,
		DeclaredType: p.DeclaredType,
		Size:         staged.Size,
	}

	s.record(ctx, audit.Event{
		Level:   model.LevelInfo,
		Type:    model.EventUpload,
		Message: "file received",
		Details: map[string]any{
			"original_name": filestore.SanitizeName(p.OriginalName),
			"declared_type": p.DeclaredType,
			"size":          staged.Size,
			"uploaded_by":   uploader.ID,
			"remote_addr":   uploader.Address,
		},
		Severity: severityReceived,
	})

	if err := s.sem.Acquire(ctx, 1); err != nil {
		_ = filestore.Remove(cand.Path)
		return nil, &UploadError{
			StatusCode: http.StatusServiceUnavailable,
			Code:       apierrors.CodeServiceBusy,
			Message:    "Запрос отменён до начала проверки",
		}
	}
	defer s.sem.Release(1)

	verdict, uerr := s.validate(ctx, cand)
	if uerr != nil {
		return nil, uerr
	}

	// Вердикт фиксируется в журнале до перемещения файла
	if err := s.recordVerdict(ctx, cand, verdict, uploader); err != nil {
		return nil, s.systemFault(ctx, "запись вердикта в журнал", err, cand)
	}

	switch {
	case verdict.IsAccepted:
		return s.store(ctx, cand, verdict, uploader)
	case verdict.RejectKind == model.RejectPolicy:
		s.discard(cand)
		middleware.ValidationsTotal.WithLabelValues(resultRejectedPolicy).Inc()
		return &UploadResult{Verdict: verdict}, nil
	case verdict.RejectKind == model.RejectInterrupted:
		// Вердикт о содержимом не вынесен: карантин по хэшу не создаётся
		s.discard(cand)
		middleware.ValidationsTotal.WithLabelValues(resultRejectedTimeout).Inc()
		return &UploadResult{Verdict: verdict}, nil
	default:
		return s.isolate(ctx, cand, verdict, uploader)
	}
}

// validate выполняет проверку с таймаутом и учётом метрик.
func (s *UploadService) validate(ctx context.Context, cand *model.FileCandidate) (*model.ValidationVerdict, *UploadError) {
	vctx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		vctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	middleware.ValidationsInFlight.Inc()
	start := time.Now()
	verdict, err := s.validator.Validate(vctx, cand)
	middleware.ValidationDuration.Observe(time.Since(start).Seconds())
	middleware.ValidationsInFlight.Dec()

	if err != nil {
		if errors.Is(err, validation.ErrCancelled) {
			return nil, s.systemFault(ctx, "проверка прервана клиентом", err, cand)
		}
		return nil, s.systemFault(ctx, "проверка файла", err, cand)
	}

	for _, f := range verdict.Findings {
		middleware.FindingsTotal.WithLabelValues(string(f.Category), strconv.FormatBool(f.Hard)).Inc()
	}
	return verdict, nil
}

// recordVerdict пишет событие validation.
func (s *UploadService) recordVerdict(ctx context.Context, cand *model.FileCandidate, v *model.ValidationVerdict, uploader model.UploaderContext) error {
	level := model.LevelInfo
	severity := severityAccepted
	message := "file accepted"
	if !v.IsAccepted {
		level = model.LevelWarning
		severity = severityPolicy
		message = "file rejected"
		switch v.RejectKind {
		case model.RejectSecurity:
			severity = severitySuspicious
		case model.RejectInterrupted:
			severity = severityTimeout
			message = "file rejected: validation interrupted"
		}
	}

	details := map[string]any{
		"content_hash":  v.ContentHash,
		"original_name": v.SanitizedName,
		"declared_type": cand.DeclaredType,
		"detected_type": v.DetectedType,
		"size":          v.ByteLength,
		"accepted":      v.IsAccepted,
		"confidence":    v.Confidence,
		"findings":      len(v.Findings),
		"uploaded_by":   uploader.ID,
	}
	if !v.IsAccepted {
		details["reasons"] = v.Reasons
		details["reject_kind"] = string(v.RejectKind)
	}
	if len(v.Warnings) > 0 {
		details["warnings"] = v.Warnings
	}

	_, err := s.auditLog.Log(context.WithoutCancel(ctx), audit.Event{
		Level:    level,
		Type:     model.EventValidation,
		Message:  message,
		Details:  details,
		Severity: severity,
	})
	return err
}

// store перемещает принятый файл в безопасное хранилище.
func (s *UploadService) store(ctx context.Context, cand *model.FileCandidate, v *model.ValidationVerdict, uploader model.UploaderContext) (*UploadResult, *UploadError) {
	storedName, dup, err := s.safe.Accept(cand, v, uploader)
	if err != nil {
		return nil, s.systemFault(ctx, "сохранение в хранилище", err, cand)
	}

	middleware.ValidationsTotal.WithLabelValues(resultAccepted).Inc()
	idx := s.safe.Index()
	middleware.SafeFiles.Set(float64(idx.Count()))
	middleware.SafeStorageBytes.Set(float64(idx.TotalBytes()))

	s.record(ctx, audit.Event{
		Level:   model.LevelInfo,
		Type:    model.EventUpload,
		Message: "file stored",
		Details: map[string]any{
			"stored_name":  storedName,
			"content_hash": v.ContentHash,
			"duplicate":    dup,
			"uploaded_by":  uploader.ID,
		},
		Severity: severityAccepted,
	})

	return &UploadResult{Verdict: v, StoredName: storedName, Duplicate: dup}, nil
}

// isolate помещает файл в карантин и пишет события угрозы.
func (s *UploadService) isolate(ctx context.Context, cand *model.FileCandidate, v *model.ValidationVerdict, uploader model.UploaderContext) (*UploadResult, *UploadError) {
	rec, dup, err := s.quarantine.Reject(cand, v)
	if err != nil {
		return nil, s.systemFault(ctx, "помещение в карантин", err, cand)
	}
	v.Quarantined = true

	middleware.ValidationsTotal.WithLabelValues(resultRejectedSecurity).Inc()
	middleware.QuarantinedTotal.WithLabelValues(strconv.FormatBool(dup)).Inc()

	threat := map[string]any{
		"content_hash":  v.ContentHash,
		"original_name": v.SanitizedName,
		"reasons":       v.Reasons,
		"uploaded_by":   uploader.ID,
		"remote_addr":   uploader.Address,
	}
	if v.HasHardFinding(model.CategorySignature) {
		s.record(ctx, audit.Event{
			Level:    model.LevelCritical,
			Type:     model.EventMalwareDetected,
			Message:  "known malware signature detected",
			Details:  threat,
			Severity: severityMalware,
		})
	} else {
		s.record(ctx, audit.Event{
			Level:    model.LevelWarning,
			Type:     model.EventSuspiciousActivity,
			Message:  "suspicious file rejected",
			Details:  threat,
			Severity: severitySuspicious,
		})
	}

	s.record(ctx, audit.Event{
		Level:   model.LevelWarning,
		Type:    model.EventQuarantine,
		Message: "file quarantined",
		Details: map[string]any{
			"content_hash": rec.ContentHash,
			"occurrences":  rec.Occurrences,
			"duplicate":    dup,
		},
		Severity: severityQuarantine,
	})

	return &UploadResult{Verdict: v, Duplicate: dup}, nil
}

// systemFault логирует системный сбой, удаляет временный файл
// и возвращает обобщённую ошибку 500.
func (s *UploadService) systemFault(ctx context.Context, stage string, err error, cand *model.FileCandidate) *UploadError {
	middleware.ValidationsTotal.WithLabelValues(resultError).Inc()

	s.logger.Error("Системный сбой загрузки",
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)
	if cand != nil {
		if rmErr := filestore.Remove(cand.Path); rmErr != nil {
			s.logger.Error("Не удалось удалить временный файл",
				slog.String("path", cand.Path),
				slog.String("error", rmErr.Error()),
			)
		}
	}

	s.record(ctx, audit.Event{
		Level:    model.LevelError,
		Type:     model.EventSystem,
		Message:  "upload pipeline failure",
		Details:  map[string]any{"stage": stage, "error": err.Error()},
		Severity: severitySystem,
	})

	return &UploadError{
		StatusCode: http.StatusInternalServerError,
		Code:       apierrors.CodeInternalError,
		Message:    "Внутренняя ошибка при обработке файла",
	}
}

// discard удаляет временный файл отклонённой загрузки.
func (s *UploadService) discard(cand *model.FileCandidate) {
	if err := filestore.Remove(cand.Path); err != nil {
		s.logger.Error("Не удалось удалить отклонённый файл",
			slog.String("path", cand.Path),
			slog.String("error", err.Error()),
		)
	}
}

// record пишет событие; ошибка журнала только логируется.
func (s *UploadService) record(ctx context.Context, ev audit.Event) {
	if _, err := s.auditLog.Log(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Error("Ошибка записи в журнал безопасности",
			slog.String("event_type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}
