// 本文件用于任务调优运行时配置的读取与持久化
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"

	"policy-store/internal/models"
)

type runtimeConfig struct {
	PreprocessDelay      *string `yaml:"preprocess_delay"`
	IndexingDelay        *string `yaml:"indexing_delay"`
	PreprocessFailMarker *string `yaml:"preprocess_fail_marker"`
	IndexFailMarker      *string `yaml:"index_fail_marker"`
	JobWorkers           *int    `yaml:"job_workers"`
	JobQueueSize         *int    `yaml:"job_queue_size"`
}

// RuntimeConfigPath 返回与主配置同目录的运行时覆盖文件路径
func RuntimeConfigPath(configPath string) string {
	cleaned := strings.TrimSpace(configPath)
	if cleaned == "" {
		return ""
	}
	ext := filepath.Ext(cleaned)
	if ext == "" {
		return cleaned + ".runtime.yaml"
	}
	return strings.TrimSuffix(cleaned, ext) + ".runtime" + ext
}

func loadRuntimeConfig(configPath string) (*runtimeConfig, error) {
	path := RuntimeConfigPath(configPath)
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取运行时配置文件失败: %s: %w", path, err)
	}
	var cfg runtimeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析运行时配置文件失败: %s: %w", path, err)
	}
	return &cfg, nil
}

func applyRuntimeConfig(cfg *models.Config, runtime *runtimeConfig) {
	if cfg == nil || runtime == nil {
		return
	}
	if runtime.PreprocessDelay != nil {
		cfg.PreprocessDelay = strings.TrimSpace(*runtime.PreprocessDelay)
	}
	if runtime.IndexingDelay != nil {
		cfg.IndexingDelay = strings.TrimSpace(*runtime.IndexingDelay)
	}
	if runtime.PreprocessFailMarker != nil {
		cfg.PreprocessFailMarker = strings.TrimSpace(*runtime.PreprocessFailMarker)
	}
	if runtime.IndexFailMarker != nil {
		cfg.IndexFailMarker = strings.TrimSpace(*runtime.IndexFailMarker)
	}
	if runtime.JobWorkers != nil {
		cfg.JobWorkers = *runtime.JobWorkers
	}
	if runtime.JobQueueSize != nil {
		cfg.JobQueueSize = *runtime.JobQueueSize
	}
}

// SaveRuntimeConfig 把当前任务调优参数写入运行时覆盖文件 下次启动生效
func SaveRuntimeConfig(configPath string, cfg *models.Config) error {
	if cfg == nil {
		return nil
	}
	path := RuntimeConfigPath(configPath)
	if path == "" {
		return nil
	}
	data, err := yaml.Marshal(buildRuntimeConfig(cfg))
	if err != nil {
		return fmt.Errorf("序列化运行时配置失败: %w", err)
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("写入运行时配置文件失败: %s: %w", path, err)
	}
	return nil
}

func buildRuntimeConfig(cfg *models.Config) *runtimeConfig {
	return &runtimeConfig{
		PreprocessDelay:      stringPtr(strings.TrimSpace(cfg.PreprocessDelay)),
		IndexingDelay:        stringPtr(strings.TrimSpace(cfg.IndexingDelay)),
		PreprocessFailMarker: stringPtr(strings.TrimSpace(cfg.PreprocessFailMarker)),
		IndexFailMarker:      stringPtr(strings.TrimSpace(cfg.IndexFailMarker)),
		JobWorkers:           intPtr(cfg.JobWorkers),
		JobQueueSize:         intPtr(cfg.JobQueueSize),
	}
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(dir, "policy-config-*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func stringPtr(value string) *string {
	return &value
}

func intPtr(value int) *int {
	return &value
}
