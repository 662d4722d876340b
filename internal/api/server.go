// 本文件用于 HTTP API 服务的组装与启动
// 关键路径：请求 -> withCORS -> withAPIAuth -> 路由 -> 生命周期引擎

package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"policy-store/internal/logger"
	"policy-store/internal/metrics"
	"policy-store/internal/models"
	"policy-store/internal/policy"
)

// StatsProvider 提供后台任务池统计
type StatsProvider interface {
	Stats() models.JobStats
}

// Deps 是 API 依赖的运行时组件
type Deps struct {
	Engine  *policy.Engine
	Jobs    StatsProvider
	Metrics *metrics.Collector
	// ConfigPath 为空时任务调优只在内存生效
	ConfigPath string
}

// Server wraps the HTTP API server.
type Server struct {
	httpServer *http.Server
}

type handler struct {
	cfgMu      sync.Mutex
	cfg        *models.Config
	configPath string
	engine     *policy.Engine
	jobs       StatsProvider
	metrics    *metrics.Collector
}

// NewServer builds the HTTP server for the review desk and editors.
func NewServer(cfg *models.Config, deps Deps) *Server {
	h := newHandler(cfg, deps)
	srv := &http.Server{
		Addr:         cfg.APIBind,
		Handler:      withCORS(cfg, withAPIAuth(cfg, h.routes())),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return &Server{httpServer: srv}
}

func newHandler(cfg *models.Config, deps Deps) *handler {
	if cfg == nil {
		cfg = &models.Config{}
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Global()
	}
	return &handler{
		cfg:        cfg,
		configPath: deps.ConfigPath,
		engine:     deps.Engine,
		jobs:       deps.Jobs,
		metrics:    collector,
	}
}

func (h *handler) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/versions", h.listVersions)
	mux.HandleFunc("GET /api/groups", h.listGroups)
	mux.HandleFunc("GET /api/versions/{id}", h.getVersion)
	mux.HandleFunc("POST /api/drafts", h.createDraft)
	mux.HandleFunc("PUT /api/versions/{id}", h.updateDraft)
	mux.HandleFunc("POST /api/versions/{id}/files", h.attachFiles)
	mux.HandleFunc("DELETE /api/versions/{id}/files/{attachmentId}", h.removeFile)
	mux.HandleFunc("POST /api/versions/{id}/preprocess", h.runPreprocess)
	mux.HandleFunc("POST /api/versions/{id}/submit", h.submitReview)
	mux.HandleFunc("POST /api/versions/{id}/delete", h.softDelete)

	mux.HandleFunc("GET /api/documents/next-id", h.nextDocumentID)
	mux.HandleFunc("GET /api/documents/{documentId}/next-version", h.nextVersion)
	mux.HandleFunc("POST /api/documents/{documentId}/rollback", h.rollback)

	mux.HandleFunc("POST /api/review/{ref}/approve", h.approve)
	mux.HandleFunc("POST /api/review/{ref}/reject", h.reject)
	mux.HandleFunc("POST /api/review/{ref}/retry-indexing", h.retryIndexing)

	mux.HandleFunc("GET /api/config/jobs", h.jobSettings)
	mux.HandleFunc("PUT /api/config/jobs", h.updateJobSettings)

	mux.HandleFunc("GET /api/health", h.health)
	mux.HandleFunc("GET /metrics", h.prometheusMetrics)
	return mux
}

// Start boots the API server asynchronously.
func (s *Server) Start() {
	go func() {
		logger.Info("API 服务监听 %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("API 服务异常退出: %v", err)
		}
	}()
}

// Shutdown gracefully stops the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
