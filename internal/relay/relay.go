// 本文件用于把版本存储的变更修订号广播到 Redis 频道
// 文件职责：订阅引擎变更 合并高频通知后发布 {"revision":N,"at":...}
// 边界与容错：发布失败只记日志 不影响引擎提交

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"policy-store/internal/logger"
	"policy-store/internal/models"
	"policy-store/internal/policy"
)

const (
	defaultChannel = "policy-store.revisions"
	publishTimeout = 3 * time.Second
)

// Message 是广播到频道的变更消息
type Message struct {
	Revision uint64    `json:"revision"`
	At       time.Time `json:"at"`
}

// Publisher 负责把消息写入频道
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Source 提供修订号与变更订阅
type Source interface {
	Revision() uint64
	Subscribe(listener policy.Listener) func()
}

// Relay 把引擎变更转发到外部频道
type Relay struct {
	source  Source
	pub     Publisher
	channel string
	signal  chan struct{}
	now     func() time.Time

	lastSent uint64
}

func New(source Source, pub Publisher, channel string) *Relay {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = defaultChannel
	}
	return &Relay{
		source:  source,
		pub:     pub,
		channel: channel,
		signal:  make(chan struct{}, 1),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run 订阅变更并持续转发 直到 ctx 结束
func (r *Relay) Run(ctx context.Context) error {
	unsubscribe := r.source.Subscribe(r.notify)
	defer unsubscribe()
	logger.Info("变更广播已启动，频道: %s", r.channel)
	r.notify()
	for {
		select {
		case <-ctx.Done():
			logger.Info("变更广播已停止")
			return nil
		case <-r.signal:
			if err := r.flush(ctx); err != nil {
				logger.Warn("变更广播失败: %v", err)
			}
		}
	}
}

func (r *Relay) notify() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// flush 发布当前修订号 已发布过的修订号不会重复发送
func (r *Relay) flush(ctx context.Context) error {
	rev := r.source.Revision()
	if rev == r.lastSent {
		return nil
	}
	payload, err := json.Marshal(Message{Revision: rev, At: r.now()})
	if err != nil {
		return err
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := r.pub.Publish(pubCtx, r.channel, payload); err != nil {
		return fmt.Errorf("publish revision %d failed: %w", rev, err)
	}
	r.lastSent = rev
	logger.Debug("变更已广播: 频道=%s 修订号=%d", r.channel, rev)
	return nil
}

// RedisPublisher 基于 go-redis 的频道发布实现
type RedisPublisher struct {
	rdb *goredis.Client
}

// NewRedisPublisher 连接 Redis 并做一次 Ping
func NewRedisPublisher(cfg *models.Config) (*RedisPublisher, error) {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        strings.TrimSpace(cfg.RedisAddr),
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("Redis 连接成功: %s db=%d", cfg.RedisAddr, cfg.RedisDB)
	return &RedisPublisher{rdb: rdb}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if p == nil || p.rdb == nil {
		return fmt.Errorf("redis publisher not initialized")
	}
	return p.rdb.Publish(ctx, channel, payload).Err()
}

func (p *RedisPublisher) Close() error {
	if p == nil || p.rdb == nil {
		return nil
	}
	return p.rdb.Close()
}
