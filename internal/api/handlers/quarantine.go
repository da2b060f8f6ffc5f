// quarantine.go — административные handlers карантина (только чтение).
package handlers

import (
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/goartstore/upload-guard/internal/api/errors"
	"github.com/bigkaa/goartstore/upload-guard/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-guard/internal/storage/quarantine"
)

// Пагинация списка карантина.
const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// QuarantineHandler — обработчик endpoints карантина.
type QuarantineHandler struct {
	qm     *quarantine.Manager
	logger *slog.Logger
}

// NewQuarantineHandler создаёт обработчик карантина.
func NewQuarantineHandler(qm *quarantine.Manager, logger *slog.Logger) *QuarantineHandler {
	return &QuarantineHandler{
		qm:     qm,
		logger: logger.With(slog.String("component", "quarantine_handler")),
	}
}

// quarantineList — ответ списка записей.
type quarantineList struct {
	Items  []*model.QuarantineRecord `json:"items"`
	Total  int                       `json:"total"`
	Limit  int                       `json:"limit"`
	Offset int                       `json:"offset"`
}

// List обрабатывает GET /api/v1/quarantine?limit=&offset=.
func (h *QuarantineHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultPageLimit)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	if limit == 0 || limit > maxPageLimit {
		limit = maxPageLimit
	}

	records, err := h.qm.List()
	if err != nil {
		h.logger.Error("Ошибка чтения карантина", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка чтения карантина")
		return
	}

	total := len(records)
	if offset > total {
		offset = total
	}
	end := min(offset+limit, total)

	// Пустой карантин отдаётся как [], не null
	items := make([]*model.QuarantineRecord, 0, end-offset)
	items = append(items, records[offset:end]...)

	writeJSON(w, http.StatusOK, quarantineList{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// Stats обрабатывает GET /api/v1/quarantine/stats.
func (h *QuarantineHandler) Stats(w http.ResponseWriter, _ *http.Request) {
	stats, err := h.qm.Stats()
	if err != nil {
		h.logger.Error("Ошибка расчёта статистики карантина", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка чтения карантина")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
