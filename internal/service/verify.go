// verify.go — проверка статуса содержимого по хэшу.
package service

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/bigkaa/goartstore/upload-guard/internal/api/middleware"
	"github.com/bigkaa/goartstore/upload-guard/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-guard/internal/storage/quarantine"
	"github.com/bigkaa/goartstore/upload-guard/internal/storage/safestore"
)

// VerifyStatus — статус содержимого.
type VerifyStatus string

const (
	VerifySafe        VerifyStatus = "safe"
	VerifyQuarantined VerifyStatus = "quarantined"
	VerifyNotFound    VerifyStatus = "not_found"
)

// ErrInvalidHash — хэш не является SHA-256 в hex-представлении.
var ErrInvalidHash = errors.New("некорректный формат хэша")

// VerifyResult — результат проверки по хэшу.
type VerifyResult struct {
	ContentHash string       `json:"content_hash"`
	Status      VerifyStatus `json:"status"`
	// Reasons — причины изоляции (только для quarantined)
	Reasons      []string   `json:"reasons,omitempty"`
	StoredName   string     `json:"stored_name,omitempty"`
	DetectedType string     `json:"detected_type,omitempty"`
	ByteLength   int64      `json:"byte_length,omitempty"`
	Since        *time.Time `json:"since,omitempty"`
}

// VerifyService — проверка содержимого по хэшу в карантине и хранилище.
type VerifyService struct {
	safe       *safestore.Store
	quarantine *quarantine.Manager
	logger     *slog.Logger
}

// NewVerifyService создаёт сервис проверки.
func NewVerifyService(safe *safestore.Store, qm *quarantine.Manager, logger *slog.Logger) *VerifyService {
	return &VerifyService{
		safe:       safe,
		quarantine: qm,
		logger:     logger.With(slog.String("component", "verify_service")),
	}
}

// Verify возвращает статус содержимого. Безопасное хранилище проверяется
// первым: принятое содержимое сообщается как safe, даже если по тому же
// хэшу осталась запись карантина от прежней загрузки.
func (s *VerifyService) Verify(hash string) (*VerifyResult, error) {
	hash = strings.ToLower(strings.TrimSpace(hash))
	if !model.IsValidContentHash(hash) {
		return nil, ErrInvalidHash
	}

	if meta := s.safe.FindByHash(hash); meta != nil {
		middleware.OperationsTotal.WithLabelValues("verify", string(VerifySafe)).Inc()
		ts := meta.UploadTimestamp
		return &VerifyResult{
			ContentHash:  hash,
			Status:       VerifySafe,
			StoredName:   meta.StoredName,
			DetectedType: meta.DetectedType,
			ByteLength:   meta.ByteLength,
			Since:        &ts,
		}, nil
	}

	rec, err := s.quarantine.Get(hash)
	switch {
	case err == nil:
		middleware.OperationsTotal.WithLabelValues("verify", string(VerifyQuarantined)).Inc()
		ts := rec.QuarantineTimestamp
		return &VerifyResult{
			ContentHash:  hash,
			Status:       VerifyQuarantined,
			Reasons:      rec.Reasons,
			DetectedType: rec.DetectedType,
			ByteLength:   rec.ByteLength,
			Since:        &ts,
		}, nil
	case !errors.Is(err, quarantine.ErrNotFound):
		s.logger.Error("Ошибка чтения записи карантина",
			slog.String("content_hash", hash),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	middleware.OperationsTotal.WithLabelValues("verify", string(VerifyNotFound)).Inc()
	return &VerifyResult{ContentHash: hash, Status: VerifyNotFound}, nil
}
