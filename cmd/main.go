// 本文件用于程序启动入口
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"policy-store/internal/api"
	"policy-store/internal/config"
	"policy-store/internal/inbox"
	"policy-store/internal/intake"
	"policy-store/internal/jobs"
	"policy-store/internal/logger"
	"policy-store/internal/metrics"
	"policy-store/internal/models"
	"policy-store/internal/policy"
	"policy-store/internal/publish"
	"policy-store/internal/relay"
	"policy-store/internal/storage"
	"policy-store/internal/tracing"
)

// version 由构建参数注入
var version = "dev"

func main() {
	if err := run(); err != nil {
		log.Fatalf("程序退出: %v", err)
	}
}

func run() error {
	configPath := parseFlags()
	log.Printf("程序启动，配置文件: %q", configPath)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	if err := logger.InitLogger(cfg); err != nil {
		return err
	}
	defer logger.Close()
	logConfig(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg, version)
	if err != nil {
		logger.Error("初始化链路追踪失败: %v", err)
		return err
	}
	defer flushTracing(shutdownTracing)

	var repo policy.Repository
	if cfg.PersistEnabled {
		store, err := storage.Open(cfg.DataDir)
		if err != nil {
			logger.Error("打开持久化存储失败: %v", err)
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warn("关闭持久化存储失败: %v", err)
			}
		}()
		logger.Info("持久化存储: %s", store.DBPath())
		repo = store
	}

	pool := jobs.NewPool(cfg.JobWorkers, cfg.JobQueueSize)
	defer pool.Shutdown()

	var reviewIntake policy.ReviewIntake
	if cfg.ReviewWebhook != "" {
		hook, err := intake.NewWebhook(cfg.ReviewWebhook, cfg.ReviewWebhookSecret)
		if err != nil {
			logger.Error("创建评审入口失败: %v", err)
			return err
		}
		reviewIntake = hook
	} else {
		logger.Warn("未配置 review_webhook，评审单只保存在进程内")
	}

	collector := metrics.Global()
	engine := policy.NewEngine(policy.Options{
		Repository: repo,
		Intake:     reviewIntake,
		Scheduler:  pool,
		Observer:   collector,
		Jobs:       config.JobSettings(cfg),
	})
	if err := engine.Hydrate(ctx); err != nil {
		logger.Error("加载版本数据失败: %v", err)
		return err
	}
	logger.Info("版本数据已加载，数量: %d", engine.Store().Len())

	g, gctx := errgroup.WithContext(ctx)

	if config.OSSEnabled(cfg) {
		objects, err := publish.NewOSSStore(cfg)
		if err != nil {
			logger.Error("创建归档存储失败: %v", err)
			return err
		}
		publisher := publish.NewPublisher(engine, objects, cfg.OSSPrefix)
		g.Go(func() error { return publisher.Run(gctx) })
	}

	if cfg.RedisAddr != "" {
		redisPub, err := relay.NewRedisPublisher(cfg)
		if err != nil {
			logger.Error("连接 Redis 失败: %v", err)
			return err
		}
		defer redisPub.Close()
		r := relay.New(engine, redisPub, cfg.RedisChannel)
		g.Go(func() error { return r.Run(gctx) })
	}

	if cfg.InboxDir != "" {
		watcher, err := inbox.NewWatcher(cfg.InboxDir, cfg.InboxExt, 0, engine)
		if err != nil {
			logger.Error("创建接收目录监听失败: %v", err)
			return err
		}
		watcher.SetObserver(collector)
		if err := watcher.Start(); err != nil {
			logger.Error("启动接收目录监听失败: %v", err)
			return err
		}
		defer watcher.Close()
	}

	apiServer := api.NewServer(cfg, api.Deps{
		Engine:     engine,
		Jobs:       pool,
		Metrics:    collector,
		ConfigPath: configPath,
	})
	apiServer.Start()

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("收到退出信号，正在关闭服务...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("关闭 API 服务失败: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("后台组件异常退出: %v", err)
		return err
	}
	logger.Info("程序已退出")
	return nil
}

func parseFlags() string {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "配置文件路径 为空时只读取环境变量")
	flag.Parse()
	return strings.TrimSpace(configPath)
}

func logConfig(cfg *models.Config) {
	logger.Info("配置加载成功")
	logger.Info("API 监听地址: %s", cfg.APIBind)
	logger.Info("数据目录: %s, 持久化: %v", cfg.DataDir, cfg.PersistEnabled)
	logger.Info("预处理延迟: %s, 索引延迟: %s", cfg.PreprocessDelay, cfg.IndexingDelay)
	logger.Info("后台任务工作池大小: %d, 队列大小: %d", cfg.JobWorkers, cfg.JobQueueSize)
	if cfg.ReviewWebhook != "" {
		logger.Info("评审入口: %s", cfg.ReviewWebhook)
	}
	if cfg.InboxDir == "" {
		logger.Info("接收目录未配置，文件只能通过 API 登记")
	} else {
		logger.Info("接收目录: %s, 文件后缀: %s", cfg.InboxDir, cfg.InboxExt)
	}
	if config.OSSEnabled(cfg) {
		logger.Info("OSS Bucket: %s, Endpoint: %s", cfg.OSSBucket, cfg.OSSEndpoint)
	}
	if cfg.RedisAddr != "" {
		logger.Info("Redis 地址: %s, 频道: %s", cfg.RedisAddr, cfg.RedisChannel)
	}
	logToStd := cfg.LogToStd == nil || *cfg.LogToStd
	logger.Info("日志级别: %s, 格式: %s", cfg.LogLevel, cfg.LogFormat)
	if cfg.LogFile != "" {
		logger.Info("日志文件: %s", cfg.LogFile)
	}
	logger.Info("日志输出到标准输出: %v", logToStd)
}

func flushTracing(shutdown tracing.ShutdownFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn("关闭链路追踪失败: %v", err)
	}
}
