// 本文件用于全局日志 保留包级 printf 风格接口 底层由 zap 输出
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"policy-store/internal/models"
)

var (
	mu           sync.RWMutex
	activeLogger *zap.SugaredLogger
	atomicLevel  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logFile      *os.File
)

// InitLogger 初始化日志系统。
func InitLogger(config *models.Config) error {
	if config == nil {
		return fmt.Errorf("日志配置为空")
	}
	atomicLevel.SetLevel(parseLevel(config.LogLevel))

	encoder := buildEncoder(config.LogFormat)
	toStd := config.LogToStd == nil || *config.LogToStd
	var sinks []zapcore.WriteSyncer
	if toStd || strings.TrimSpace(config.LogFile) == "" {
		sinks = append(sinks, zapcore.Lock(os.Stdout))
	}
	file, err := openLogFile(config.LogFile)
	if err != nil {
		return err
	}
	if file != nil {
		sinks = append(sinks, zapcore.AddSync(file))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), atomicLevel)
	next := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2)).Sugar()

	mu.Lock()
	prevFile := logFile
	activeLogger = next
	logFile = file
	mu.Unlock()
	if prevFile != nil {
		_ = prevFile.Close()
	}
	return nil
}

func buildEncoder(format string) zapcore.Encoder {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return zapcore.NewJSONEncoder(encCfg)
	}
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(encCfg)
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("创建日志目录失败: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("打开日志文件失败: %w", err)
	}
	return file, nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Close 刷新缓冲并关闭日志文件
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if activeLogger != nil {
		_ = activeLogger.Sync()
		activeLogger = nil
	}
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

// Info 记录信息日志。
func Info(format string, v ...interface{}) {
	current().Infof(format, v...)
}

// Error 记录错误日志。
func Error(format string, v ...interface{}) {
	current().Errorf(format, v...)
}

// Warn 记录警告日志。
func Warn(format string, v ...interface{}) {
	current().Warnf(format, v...)
}

// Debug 记录调试日志。
func Debug(format string, v ...interface{}) {
	current().Debugf(format, v...)
}

// SetLogLevel 设置日志级别。
func SetLogLevel(level string) {
	atomicLevel.SetLevel(parseLevel(level))
}

// GetLogger 获取底层 zap 实例 未初始化时返回默认实例
func GetLogger() *zap.Logger {
	return current().Desugar()
}

func current() *zap.SugaredLogger {
	mu.RLock()
	l := activeLogger
	mu.RUnlock()
	if l != nil {
		return l
	}
	return fallback()
}

var (
	fallbackOnce   sync.Once
	fallbackLogger *zap.SugaredLogger
)

// fallback 在 InitLogger 之前使用 便于测试直接调用各组件
func fallback() *zap.SugaredLogger {
	fallbackOnce.Do(func() {
		core := zapcore.NewCore(buildEncoder("console"), zapcore.Lock(os.Stderr), atomicLevel)
		fallbackLogger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2)).Sugar()
	})
	return fallbackLogger
}
