package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"metricmaster/internal/domain"
	"metricmaster/internal/service"

	"go.uber.org/zap"
)

// IngestHandler 摄取侧接口：把提取服务交付的原始指标批量解析入库
type IngestHandler struct {
	resolution *service.ResolutionService
	logger     *zap.Logger
}

func NewIngestHandler(resolution *service.ResolutionService, logger *zap.Logger) *IngestHandler {
	return &IngestHandler{resolution: resolution, logger: logger}
}

// ProcessUnmatched 解析一次上传的指标批次。
// 已映射的直接入库，其余 upsert 到该 (user_id, upload_id) 的复核行
func (h *IngestHandler) ProcessUnmatched(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string             `json:"user_id"`
		UploadID string             `json:"upload_id"`
		TestDate string             `json:"test_date"`
		Metrics  []domain.RawMetric `json:"metrics"`
	}
	if err := readBodyJSON(r, 4<<20, &req); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid request body"))
		return
	}
	if req.UserID == "" || req.UploadID == "" {
		writeJSON(w, http.StatusOK, Fail("user_id and upload_id are required"))
		return
	}
	if len(req.Metrics) == 0 {
		writeJSON(w, http.StatusOK, Fail("metrics is empty"))
		return
	}

	report, err := h.resolution.ProcessMetrics(r.Context(), req.UserID, req.UploadID, req.TestDate, req.Metrics)
	if err != nil {
		if errors.Is(err, domain.ErrAmbiguousSynonym) {
			// 完整性故障：如实报错，不伪装成普通复核
			h.logger.Error("Ambiguous synonym during resolution", zap.Error(err))
			writeJSON(w, http.StatusOK, Fail(err.Error()))
			return
		}
		h.logger.Error("ProcessMetrics failed",
			zap.String("user_id", req.UserID),
			zap.String("upload_id", req.UploadID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Fail(fmt.Sprintf("failed to process metrics: %v", err)))
		return
	}

	response := map[string]any{
		"mapped":       report.Mapped,
		"review_count": len(report.Review),
		"failures":     report.Failures,
	}
	if report.Pending != nil {
		response["pending_id"] = report.Pending.ID
	}
	writeJSON(w, http.StatusOK, Ok(response))
}
