// 本文件用于后台任务调优接口
// 延迟与失败标记立即作用于引擎 工作池大小写入运行时配置 重启后生效

package api

import (
	"fmt"
	"net/http"
	"strings"

	"policy-store/internal/config"
	"policy-store/internal/logger"
	"policy-store/internal/models"
	"policy-store/internal/policy"
)

type jobSettingsRequest struct {
	PreprocessDelay      *string `json:"preprocessDelay"`
	IndexingDelay        *string `json:"indexingDelay"`
	PreprocessFailMarker *string `json:"preprocessFailMarker"`
	IndexFailMarker      *string `json:"indexFailMarker"`
	JobWorkers           *int    `json:"jobWorkers"`
	JobQueueSize         *int    `json:"jobQueueSize"`
}

type jobSettingsView struct {
	PreprocessDelay      string `json:"preprocessDelay"`
	IndexingDelay        string `json:"indexingDelay"`
	PreprocessFailMarker string `json:"preprocessFailMarker"`
	IndexFailMarker      string `json:"indexFailMarker"`
	JobWorkers           int    `json:"jobWorkers"`
	JobQueueSize         int    `json:"jobQueueSize"`
}

func (h *handler) jobSettings(w http.ResponseWriter, r *http.Request) {
	h.cfgMu.Lock()
	cfg := *h.cfg
	h.cfgMu.Unlock()
	writeJSON(w, http.StatusOK, h.jobSettingsSnapshot(&cfg))
}

func (h *handler) updateJobSettings(w http.ResponseWriter, r *http.Request) {
	var req jobSettingsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	h.cfgMu.Lock()
	defer h.cfgMu.Unlock()
	next := *h.cfg
	restart, err := applyJobSettings(&next, req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error(), "code": string(policy.CodeInvalidInput)})
		return
	}
	if h.configPath != "" {
		if err := config.SaveRuntimeConfig(h.configPath, &next); err != nil {
			logger.Error("保存运行时配置失败: %v", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error(), "code": string(policy.CodeInternal)})
			return
		}
	}
	*h.cfg = next
	h.engine.SetJobSettings(config.JobSettings(&next))
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"restartRequired": restart,
		"settings":        h.jobSettingsSnapshot(&next),
	})
}

// applyJobSettings 写入请求中的非空字段 返回是否需要重启工作池
func applyJobSettings(cfg *models.Config, req jobSettingsRequest) (bool, error) {
	if req.PreprocessDelay != nil {
		if _, err := config.ParseDelay(*req.PreprocessDelay, policy.DefaultPreprocessDelay); err != nil {
			return false, fmt.Errorf("invalid preprocessDelay: %w", err)
		}
		cfg.PreprocessDelay = strings.TrimSpace(*req.PreprocessDelay)
	}
	if req.IndexingDelay != nil {
		if _, err := config.ParseDelay(*req.IndexingDelay, policy.DefaultIndexingDelay); err != nil {
			return false, fmt.Errorf("invalid indexingDelay: %w", err)
		}
		cfg.IndexingDelay = strings.TrimSpace(*req.IndexingDelay)
	}
	if req.PreprocessFailMarker != nil {
		cfg.PreprocessFailMarker = strings.TrimSpace(*req.PreprocessFailMarker)
	}
	if req.IndexFailMarker != nil {
		cfg.IndexFailMarker = strings.TrimSpace(*req.IndexFailMarker)
	}
	restart := false
	if req.JobWorkers != nil {
		if *req.JobWorkers <= 0 {
			return false, fmt.Errorf("jobWorkers must be positive")
		}
		restart = restart || *req.JobWorkers != cfg.JobWorkers
		cfg.JobWorkers = *req.JobWorkers
	}
	if req.JobQueueSize != nil {
		if *req.JobQueueSize <= 0 {
			return false, fmt.Errorf("jobQueueSize must be positive")
		}
		restart = restart || *req.JobQueueSize != cfg.JobQueueSize
		cfg.JobQueueSize = *req.JobQueueSize
	}
	return restart, nil
}

func (h *handler) jobSettingsSnapshot(cfg *models.Config) jobSettingsView {
	settings := config.JobSettings(cfg)
	if h.engine != nil {
		settings = h.engine.JobSettings()
	}
	return jobSettingsView{
		PreprocessDelay:      settings.PreprocessDelay.String(),
		IndexingDelay:        settings.IndexingDelay.String(),
		PreprocessFailMarker: settings.PreprocessFailMarker,
		IndexFailMarker:      settings.IndexFailMarker,
		JobWorkers:           cfg.JobWorkers,
		JobQueueSize:         cfg.JobQueueSize,
	}
}
