package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"metricmaster/internal/domain"
	"metricmaster/internal/service"

	"go.uber.org/zap"
)

// ReviewHandler 复核队列接口（pending 列表 / approve / reject）
type ReviewHandler struct {
	resolution *service.ResolutionService
	logger     *zap.Logger
}

func NewReviewHandler(resolution *service.ResolutionService, logger *zap.Logger) *ReviewHandler {
	return &ReviewHandler{resolution: resolution, logger: logger}
}

// ListPending 某用户的待复核列表
func (h *ReviewHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusOK, Fail("user_id is required"))
		return
	}
	uploadID := r.URL.Query().Get("upload_id")

	rows, err := h.resolution.ListPending(r.Context(), userID, uploadID)
	if err != nil {
		h.logger.Error("ListPending failed", zap.String("user_id", userID), zap.Error(err))
		writeJSON(w, http.StatusOK, Fail(fmt.Sprintf("failed to list pending suggestions: %v", err)))
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": rows, "total": len(rows)}))
}

// Approve 审批通过若干映射并学习同义词
func (h *ReviewHandler) Approve(w http.ResponseWriter, r *http.Request, pendingID string) {
	var req struct {
		Mappings []domain.ApprovedMapping `json:"mappings"`
	}
	if err := readBodyJSON(r, 1<<20, &req); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid request body"))
		return
	}
	if len(req.Mappings) == 0 {
		writeJSON(w, http.StatusOK, Fail("mappings is empty"))
		return
	}

	result, err := h.resolution.Approve(r.Context(), pendingID, req.Mappings)
	if err != nil {
		if errors.Is(err, domain.ErrPendingNotFound) {
			writeJSON(w, http.StatusOK, Fail("pending suggestion not found"))
			return
		}
		h.logger.Error("Approve failed", zap.String("pending_id", pendingID), zap.Error(err))
		writeJSON(w, http.StatusOK, Fail(fmt.Sprintf("failed to approve: %v", err)))
		return
	}
	writeJSON(w, http.StatusOK, Ok(result))
}

// Reject 驳回（幂等：已终态返回 no-op）
func (h *ReviewHandler) Reject(w http.ResponseWriter, r *http.Request, pendingID string) {
	transitioned, err := h.resolution.Reject(r.Context(), pendingID)
	if err != nil {
		if errors.Is(err, domain.ErrPendingNotFound) {
			writeJSON(w, http.StatusOK, Fail("pending suggestion not found"))
			return
		}
		h.logger.Error("Reject failed", zap.String("pending_id", pendingID), zap.Error(err))
		writeJSON(w, http.StatusOK, Fail(fmt.Sprintf("failed to reject: %v", err)))
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"success": true,
		"no_op":   !transitioned,
	}))
}
