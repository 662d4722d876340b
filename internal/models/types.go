// 本文件用于定义配置与运行统计模型
package models

// Config 配置结构体 yaml 为文件键 env 为 POLICY_ 前缀环境变量覆盖
type Config struct {
	APIBind        string `yaml:"api_bind" env:"API_BIND"`
	APIAuthToken   string `yaml:"api_auth_token" env:"API_AUTH_TOKEN"`
	APICORSOrigins string `yaml:"api_cors_origins" env:"API_CORS_ORIGINS"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFile   string `yaml:"log_file" env:"LOG_FILE"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"` // console 或 json
	LogToStd  *bool  `yaml:"log_to_std"`

	DataDir        string `yaml:"data_dir" env:"DATA_DIR"`
	PersistEnabled bool   `yaml:"persist_enabled" env:"PERSIST_ENABLED"`

	PreprocessDelay      string `yaml:"preprocess_delay" env:"PREPROCESS_DELAY"`
	IndexingDelay        string `yaml:"indexing_delay" env:"INDEXING_DELAY"`
	PreprocessFailMarker string `yaml:"preprocess_fail_marker" env:"PREPROCESS_FAIL_MARKER"`
	IndexFailMarker      string `yaml:"index_fail_marker" env:"INDEX_FAIL_MARKER"`
	JobWorkers           int    `yaml:"job_workers" env:"JOB_WORKERS"`       // 后台任务工作池大小
	JobQueueSize         int    `yaml:"job_queue_size" env:"JOB_QUEUE_SIZE"` // 后台任务队列大小

	ReviewWebhook       string `yaml:"review_webhook" env:"REVIEW_WEBHOOK"`
	ReviewWebhookSecret string `yaml:"review_webhook_secret" env:"REVIEW_WEBHOOK_SECRET"`

	InboxDir string `yaml:"inbox_dir" env:"INBOX_DIR"`
	InboxExt string `yaml:"inbox_exts" env:"INBOX_EXTS"`

	OSSBucket   string `yaml:"oss_bucket" env:"OSS_BUCKET"`
	OSSAK       string `yaml:"oss_ak" env:"OSS_AK"`
	OSSSK       string `yaml:"oss_sk" env:"OSS_SK"`
	OSSEndpoint string `yaml:"oss_endpoint" env:"OSS_ENDPOINT"`
	OSSRegion   string `yaml:"oss_region" env:"OSS_REGION"`
	OSSPrefix   string `yaml:"oss_prefix" env:"OSS_PREFIX"`

	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`
	RedisChannel  string `yaml:"redis_channel" env:"REDIS_CHANNEL"`

	OTelEnabled     bool    `yaml:"otel_enabled" env:"OTEL_ENABLED"`
	OTelEndpoint    string  `yaml:"otel_endpoint" env:"OTEL_ENDPOINT"`
	OTelSampleRatio float64 `yaml:"otel_sample_ratio" env:"OTEL_SAMPLE_RATIO"`
}

// JobStats 后台任务池统计信息
type JobStats struct {
	QueueLength int    // 队列长度
	Workers     int    // worker 数量
	InFlight    int    // 正在执行的数量
	Rejected    uint64 // 因队列已满被拒绝的数量
}
