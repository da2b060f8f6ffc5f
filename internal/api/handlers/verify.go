// verify.go — HTTP handler проверки содержимого по хэшу.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/upload-guard/internal/api/errors"
	"github.com/bigkaa/goartstore/upload-guard/internal/service"
)

// VerifyHandler — обработчик GET /api/v1/verify/{hash}.
type VerifyHandler struct {
	verifySvc *service.VerifyService
	logger    *slog.Logger
}

// NewVerifyHandler создаёт обработчик проверки по хэшу.
func NewVerifyHandler(verifySvc *service.VerifyService, logger *slog.Logger) *VerifyHandler {
	return &VerifyHandler{
		verifySvc: verifySvc,
		logger:    logger.With(slog.String("component", "verify_handler")),
	}
}

// Verify возвращает статус safe / quarantined / not_found.
// Неизвестный хэш — не ошибка: ответ 200 со статусом not_found.
func (h *VerifyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	res, err := h.verifySvc.Verify(chi.URLParam(r, "hash"))
	if err != nil {
		if errors.Is(err, service.ErrInvalidHash) {
			apierrors.ValidationError(w, "Хэш должен содержать 64 шестнадцатеричных символа")
			return
		}
		apierrors.InternalError(w, "Ошибка проверки содержимого")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
