package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"metricmaster/internal/domain"
	"metricmaster/internal/service"

	"go.uber.org/zap"
)

// AdminCatalogHandler 目录版本管理接口（validate / commit / rollback / versions / export）
type AdminCatalogHandler struct {
	versions *service.CatalogVersionService
	logger   *zap.Logger
}

func NewAdminCatalogHandler(versions *service.CatalogVersionService, logger *zap.Logger) *AdminCatalogHandler {
	return &AdminCatalogHandler{versions: versions, logger: logger}
}

// readUpload 从 multipart 表单取上传的 xlsx
func readUpload(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(10 << 20); err != nil { // 10MB max
		return nil, fmt.Errorf("failed to parse form")
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("file not found in request")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read file")
	}
	return data, nil
}

// Validate 校验上传表格（纯读，不落任何数据），顺带返回对活动版本的 diff
func (h *AdminCatalogHandler) Validate(w http.ResponseWriter, r *http.Request) {
	data, err := readUpload(r)
	if err != nil {
		writeJSON(w, http.StatusOK, Fail(err.Error()))
		return
	}

	parsed, err := h.versions.Parse(data)
	if err != nil {
		var formatErr *domain.FormatError
		if errors.As(err, &formatErr) {
			writeJSON(w, http.StatusOK, Ok(map[string]any{
				"valid":  false,
				"errors": formatErr.Problems,
			}))
			return
		}
		writeJSON(w, http.StatusOK, Fail(err.Error()))
		return
	}

	validation := h.versions.Validate(parsed)
	response := map[string]any{
		"valid":    len(validation.Errors) == 0,
		"errors":   emptySlice(validation.Errors),
		"warnings": emptySlice(validation.Warnings),
	}

	if len(validation.Errors) == 0 {
		diff, err := h.versions.DiffDetailed(r.Context(), parsed)
		if err != nil {
			h.logger.Error("Diff against active snapshot failed", zap.Error(err))
			writeJSON(w, http.StatusOK, Fail(fmt.Sprintf("failed to diff catalog: %v", err)))
			return
		}
		response["diff"] = diff
	}
	writeJSON(w, http.StatusOK, Ok(response))
}

// Commit 提交新版本
func (h *AdminCatalogHandler) Commit(w http.ResponseWriter, r *http.Request) {
	data, err := readUpload(r)
	if err != nil {
		writeJSON(w, http.StatusOK, Fail(err.Error()))
		return
	}
	changeSummary := r.FormValue("change_summary")
	createdBy := r.FormValue("created_by")
	if createdBy == "" {
		createdBy = "admin"
	}

	version, reused, err := h.versions.Commit(r.Context(), data, changeSummary, createdBy)
	if err != nil {
		h.writeCatalogError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"version_id": version.VersionID,
		"reused":     reused,
		"added":      version.AddedCount,
		"changed":    version.ChangedCount,
		"removed":    version.RemovedCount,
	}))
}

// Rollback 回滚到指定版本
func (h *AdminCatalogHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VersionID   int64  `json:"version_id"`
		PerformedBy string `json:"performed_by"`
	}
	if err := readBodyJSON(r, 1<<20, &req); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid request body"))
		return
	}
	if req.VersionID <= 0 {
		writeJSON(w, http.StatusOK, Fail("version_id is required"))
		return
	}

	version, err := h.versions.Rollback(r.Context(), req.VersionID, req.PerformedBy)
	if err != nil {
		h.writeCatalogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"success":    true,
		"version_id": version.VersionID,
	}))
}

// Versions 版本列表
func (h *AdminCatalogHandler) Versions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.versions.Versions(r.Context())
	if err != nil {
		h.logger.Error("ListVersions failed", zap.Error(err))
		writeJSON(w, http.StatusOK, Fail(fmt.Sprintf("failed to list versions: %v", err)))
		return
	}

	items := make([]map[string]any, 0, len(versions))
	for _, v := range versions {
		items = append(items, map[string]any{
			"version_id":     v.VersionID,
			"change_summary": v.ChangeSummary,
			"created_by":     v.CreatedBy,
			"created_at":     v.CreatedAt,
			"is_active":      v.IsActive,
			"added":          v.AddedCount,
			"changed":        v.ChangedCount,
			"removed":        v.RemovedCount,
		})
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": items, "total": len(items)}))
}

// Download 下载某版本的 xlsx 工件
func (h *AdminCatalogHandler) Download(w http.ResponseWriter, r *http.Request, versionIDRaw string) {
	versionID, err := strconv.ParseInt(versionIDRaw, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid version id"))
		return
	}

	data, filename, err := h.versions.DownloadVersion(r.Context(), versionID)
	if err != nil {
		h.writeCatalogError(w, err)
		return
	}
	writeXLSX(w, filename, data)
}

// Export 导出当前活动目录（往返格式）
func (h *AdminCatalogHandler) Export(w http.ResponseWriter, r *http.Request) {
	data, err := h.versions.ExportActive(r.Context())
	if err != nil {
		h.logger.Error("ExportActive failed", zap.Error(err))
		writeJSON(w, http.StatusOK, Fail(fmt.Sprintf("failed to export catalog: %v", err)))
		return
	}
	writeXLSX(w, "master-catalog-export.xlsx", data)
}

// writeCatalogError 按错误分类返回统一错误载荷
func (h *AdminCatalogHandler) writeCatalogError(w http.ResponseWriter, err error) {
	var formatErr *domain.FormatError
	var validationErr *domain.ValidationError

	switch {
	case errors.As(err, &formatErr):
		writeJSON(w, http.StatusOK, Result[any]{
			Code: ResultError, Type: "error", Message: "spreadsheet format error",
			Result: map[string]any{"errors": formatErr.Problems},
		})
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusOK, Result[any]{
			Code: ResultError, Type: "error", Message: "catalog validation failed",
			Result: map[string]any{
				"errors":   validationErr.Errors,
				"warnings": emptySlice(validationErr.Warnings),
			},
		})
	case errors.Is(err, domain.ErrConcurrentModification):
		writeJSON(w, http.StatusOK, Fail(err.Error()))
	case errors.Is(err, domain.ErrVersionNotFound):
		writeJSON(w, http.StatusOK, Fail("version not found"))
	default:
		h.logger.Error("Catalog operation failed", zap.Error(err))
		writeJSON(w, http.StatusOK, Fail(err.Error()))
	}
}

func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
