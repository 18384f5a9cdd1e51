package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（避免引入第三方路由依赖）
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterAdminCatalogRoutes 目录版本管理路由
func (r *Router) RegisterAdminCatalogRoutes(h *AdminCatalogHandler) {
	r.Handle("/catalog/api/v1/admin/master/validate", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Validate(w, req)
	})

	r.Handle("/catalog/api/v1/admin/master/commit", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Commit(w, req)
	})

	r.Handle("/catalog/api/v1/admin/master/rollback", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Rollback(w, req)
	})

	r.Handle("/catalog/api/v1/admin/master/versions", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Versions(w, req)
	})

	// versions/{id}/download
	r.Handle("/catalog/api/v1/admin/master/versions/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rest := strings.TrimPrefix(req.URL.Path, "/catalog/api/v1/admin/master/versions/")
		id, ok := strings.CutSuffix(rest, "/download")
		if !ok || id == "" || strings.Contains(id, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.Download(w, req, id)
	})

	r.Handle("/catalog/api/v1/admin/master/export", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Export(w, req)
	})
}

// RegisterIngestRoutes 摄取路由
func (r *Router) RegisterIngestRoutes(h *IngestHandler) {
	r.Handle("/catalog/api/v1/ingest/unmatched", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.ProcessUnmatched(w, req)
	})
}

// RegisterReviewRoutes 复核队列路由
func (r *Router) RegisterReviewRoutes(h *ReviewHandler) {
	r.Handle("/catalog/api/v1/suggestions/pending", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.ListPending(w, req)
	})

	// {id}/approve 与 {id}/reject
	r.Handle("/catalog/api/v1/suggestions/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rest := strings.TrimPrefix(req.URL.Path, "/catalog/api/v1/suggestions/")
		if id, ok := strings.CutSuffix(rest, "/approve"); ok && id != "" && !strings.Contains(id, "/") {
			h.Approve(w, req, id)
			return
		}
		if id, ok := strings.CutSuffix(rest, "/reject"); ok && id != "" && !strings.Contains(id, "/") {
			h.Reject(w, req, id)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
}

// RegisterHealthRoute 健康检查
func (r *Router) RegisterHealthRoute() {
	r.Handle("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, Ok(map[string]any{"status": "ok"}))
	})
}
