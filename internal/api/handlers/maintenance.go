// maintenance.go — обработчик POST /api/v1/maintenance/verify.
// Делегирует проверку целостности в VerifyService.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apierrors "github.com/bigkaa/librarian/internal/api/errors"
	"github.com/bigkaa/librarian/internal/service"
)

// VerifyRunner — запуск проверки целостности.
// Позволяет тестировать handler без полного VerifyService.
type VerifyRunner interface {
	// RunOnce выполняет один проход проверки.
	// Возвращает отчёт и флаг "уже выполняется".
	RunOnce(ctx context.Context, opts service.VerifyOptions) (*service.VerifyReport, bool, error)
}

// VerifyRequest — необязательное тело запроса проверки.
type VerifyRequest struct {
	FromID    int64 `json:"from_id"`
	ToID      int64 `json:"to_id"`
	Checksums bool  `json:"checksums"`
}

// MaintenanceHandler — обработчик endpoints обслуживания.
type MaintenanceHandler struct {
	verifier VerifyRunner
}

// NewMaintenanceHandler создаёт обработчик maintenance endpoints.
func NewMaintenanceHandler(verifier VerifyRunner) *MaintenanceHandler {
	return &MaintenanceHandler{verifier: verifier}
}

// Verify обрабатывает POST /api/v1/maintenance/verify.
// Синхронно проверяет содержимое и возвращает отчёт.
// Если проверка уже выполняется — 409 VERIFY_IN_PROGRESS.
func (h *MaintenanceHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}
	if req.FromID < 0 || req.ToID < 0 || (req.ToID > 0 && req.ToID < req.FromID) {
		apierrors.ValidationError(w, "Некорректный диапазон ID")
		return
	}

	report, skipped, err := h.verifier.RunOnce(r.Context(), service.VerifyOptions{
		FromID:    req.FromID,
		ToID:      req.ToID,
		Checksums: req.Checksums,
	})
	if skipped {
		apierrors.VerifyInProgress(w, "Проверка целостности уже выполняется")
		return
	}
	if err != nil {
		apierrors.FromService(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
