// 本文件用于配置加载 默认值填充与校验
// 关键路径：YAML 文件 -> 运行时覆盖文件 -> POLICY_ 环境变量 -> 默认值 -> 校验

package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"

	"policy-store/internal/match"
	"policy-store/internal/models"
	"policy-store/internal/policy"
)

// EnvPrefix 环境变量覆盖前缀
const EnvPrefix = "POLICY_"

const (
	defaultAPIBind      = ":8080"
	defaultLogLevel     = "info"
	defaultLogFormat    = "console"
	defaultDataDir      = "data/policy"
	defaultJobWorkers   = 3
	defaultJobQueueSize = 100
	defaultInboxExts    = ".pdf,.doc,.docx,.xls,.xlsx,.txt,.md"
	defaultRedisChannel = "policy-store.revisions"
	defaultSampleRatio  = 1.0
)

// LoadConfig 加载配置文件 configFile 为空时只使用环境变量与默认值
func LoadConfig(configFile string) (*models.Config, error) {
	var config models.Config
	if strings.TrimSpace(configFile) != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
		runtime, err := loadRuntimeConfig(configFile)
		if err != nil {
			return nil, err
		}
		applyRuntimeConfig(&config, runtime)
	}
	if err := applyEnvOverrides(&config); err != nil {
		return nil, err
	}
	applyDefaults(&config)
	if err := ValidateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// applyEnvOverrides 用 POLICY_ 前缀环境变量覆盖配置 未设置的变量保持原值
func applyEnvOverrides(cfg *models.Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("解析环境变量失败: %w", err)
	}
	return nil
}

func applyDefaults(cfg *models.Config) {
	trim := func(s *string) { *s = strings.TrimSpace(*s) }
	for _, s := range []*string{&cfg.APIBind, &cfg.LogLevel, &cfg.LogFormat, &cfg.DataDir, &cfg.ReviewWebhook, &cfg.InboxDir, &cfg.InboxExt, &cfg.OSSEndpoint, &cfg.OSSBucket, &cfg.RedisAddr, &cfg.RedisChannel} {
		trim(s)
	}
	if cfg.APIBind == "" {
		cfg.APIBind = defaultAPIBind
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogFormat == "" {
		cfg.LogFormat = defaultLogFormat
	}
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	if cfg.LogToStd == nil {
		cfg.LogToStd = boolPtr(true)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if strings.TrimSpace(cfg.PreprocessDelay) == "" {
		cfg.PreprocessDelay = policy.DefaultPreprocessDelay.String()
	}
	if strings.TrimSpace(cfg.IndexingDelay) == "" {
		cfg.IndexingDelay = policy.DefaultIndexingDelay.String()
	}
	if cfg.PreprocessFailMarker == "" {
		cfg.PreprocessFailMarker = policy.DefaultPreprocessFailMarker
	}
	if cfg.IndexFailMarker == "" {
		cfg.IndexFailMarker = policy.DefaultIndexFailMarker
	}
	if cfg.JobWorkers <= 0 {
		cfg.JobWorkers = defaultJobWorkers
	}
	if cfg.JobQueueSize <= 0 {
		cfg.JobQueueSize = defaultJobQueueSize
	}
	if cfg.InboxExt == "" {
		cfg.InboxExt = defaultInboxExts
	}
	if cfg.RedisChannel == "" {
		cfg.RedisChannel = defaultRedisChannel
	}
	if cfg.OTelSampleRatio == 0 {
		cfg.OTelSampleRatio = defaultSampleRatio
	}
}

// ValidateConfig 验证配置
func ValidateConfig(config *models.Config) error {
	if config == nil {
		return fmt.Errorf("配置为空")
	}
	switch config.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("日志级别无效: %s", config.LogLevel)
	}
	switch config.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("日志格式无效: %s", config.LogFormat)
	}
	if _, err := ParseDelay(config.PreprocessDelay, policy.DefaultPreprocessDelay); err != nil {
		return fmt.Errorf("preprocess_delay 无效: %w", err)
	}
	if _, err := ParseDelay(config.IndexingDelay, policy.DefaultIndexingDelay); err != nil {
		return fmt.Errorf("indexing_delay 无效: %w", err)
	}
	if config.ReviewWebhook != "" {
		u, err := url.Parse(config.ReviewWebhook)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("review_webhook 无效: %s", config.ReviewWebhook)
		}
	}
	if _, err := match.ParseExtList(config.InboxExt); err != nil {
		return fmt.Errorf("inbox_exts 无效: %w", err)
	}
	if OSSEnabled(config) {
		if config.OSSBucket == "" {
			return fmt.Errorf("OSS Bucket不能为空")
		}
		if config.OSSAK == "" || config.OSSSK == "" {
			return fmt.Errorf("OSS认证信息不能为空")
		}
		if config.OSSEndpoint == "" {
			return fmt.Errorf("OSS Endpoint不能为空")
		}
	}
	if config.RedisDB < 0 {
		return fmt.Errorf("redis_db 不能为负数")
	}
	if config.OTelSampleRatio < 0 || config.OTelSampleRatio > 1 {
		return fmt.Errorf("otel_sample_ratio 必须在 0 到 1 之间")
	}
	return nil
}

// OSSEnabled 任一 OSS 字段已配置即视为启用发布归档
func OSSEnabled(cfg *models.Config) bool {
	if cfg == nil {
		return false
	}
	return cfg.OSSBucket != "" || cfg.OSSEndpoint != "" || cfg.OSSAK != "" || cfg.OSSSK != ""
}

// ParseDelay 解析任务延迟 空值返回默认值 负值报错
func ParseDelay(raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("延迟不能为负数: %s", raw)
	}
	return d, nil
}

// JobSettings 把配置转换为引擎任务参数 配置应已通过校验
func JobSettings(cfg *models.Config) policy.JobSettings {
	settings := policy.DefaultJobSettings()
	if cfg == nil {
		return settings
	}
	if d, err := ParseDelay(cfg.PreprocessDelay, settings.PreprocessDelay); err == nil {
		settings.PreprocessDelay = d
	}
	if d, err := ParseDelay(cfg.IndexingDelay, settings.IndexingDelay); err == nil {
		settings.IndexingDelay = d
	}
	if cfg.PreprocessFailMarker != "" {
		settings.PreprocessFailMarker = cfg.PreprocessFailMarker
	}
	if cfg.IndexFailMarker != "" {
		settings.IndexFailMarker = cfg.IndexFailMarker
	}
	return settings
}

func boolPtr(value bool) *bool {
	return &value
}
