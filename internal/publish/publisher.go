// 本文件用于生效版本的发布归档
// 文件职责：订阅版本变更 把新生效且索引完成的版本清单写入对象存储
// 关键路径：变更通知只置位信号 上传在独立协程内完成 不阻塞提交路径
// 边界与容错：上传失败不记为已发布 下次变更时重试

package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"policy-store/internal/logger"
	"policy-store/internal/policy"
)

const manifestContentType = "application/json; charset=utf-8"

// ObjectStore 是发布清单的写入目标
type ObjectStore interface {
	PutObject(ctx context.Context, key string, body []byte, contentType string) error
}

// Source 提供版本快照与变更订阅
type Source interface {
	ListVersions() []policy.Version
	Subscribe(listener policy.Listener) func()
}

// Manifest 是写入对象存储的发布清单
type Manifest struct {
	DocumentID    string                    `json:"documentId"`
	VersionID     string                    `json:"versionId"`
	Version       int                       `json:"version"`
	Title         string                    `json:"title"`
	ChangeSummary string                    `json:"changeSummary,omitempty"`
	ReviewItemID  string                    `json:"reviewItemId,omitempty"`
	ActivatedAt   *time.Time                `json:"activatedAt,omitempty"`
	PublishedAt   time.Time                 `json:"publishedAt"`
	Attachments   []policy.Attachment       `json:"attachments"`
	Preview       *policy.PreprocessPreview `json:"preview,omitempty"`
}

// Publisher 把生效版本归档到对象存储 每个文档版本每个进程只发布一次
type Publisher struct {
	source Source
	store  ObjectStore
	prefix string
	now    func() time.Time

	signal chan struct{}

	mu        sync.Mutex
	published map[string]struct{}
}

// NewPublisher 创建发布器 prefix 为对象键前缀 可为空
func NewPublisher(source Source, store ObjectStore, prefix string) *Publisher {
	return &Publisher{
		source:    source,
		store:     store,
		prefix:    strings.Trim(strings.TrimSpace(prefix), "/"),
		now:       func() time.Time { return time.Now().UTC() },
		signal:    make(chan struct{}, 1),
		published: make(map[string]struct{}),
	}
}

// ObjectKey 返回清单对象键 policies/<documentId>/v<version>.json
func (p *Publisher) ObjectKey(documentID string, version int) string {
	key := fmt.Sprintf("policies/%s/%s.json", documentID, policy.VersionLabel(version))
	if p.prefix == "" {
		return key
	}
	return p.prefix + "/" + key
}

// Run 订阅变更并在后台发布 直到 ctx 结束
func (p *Publisher) Run(ctx context.Context) error {
	unsubscribe := p.source.Subscribe(p.notify)
	defer unsubscribe()
	logger.Info("发布归档已启动，对象前缀: %q", p.prefix)

	// 启动时补发已有的生效版本
	p.notify()
	for {
		select {
		case <-ctx.Done():
			logger.Info("发布归档已停止")
			return nil
		case <-p.signal:
			if n, err := p.Sync(ctx); err != nil {
				logger.Warn("发布归档失败: %v, 已发布: %d", err, n)
			}
		}
	}
}

func (p *Publisher) notify() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Sync 发布当前快照中尚未发布的生效版本 返回本次成功发布的数量
func (p *Publisher) Sync(ctx context.Context) (int, error) {
	published := 0
	var firstErr error
	for _, v := range p.source.ListVersions() {
		if v.Status != policy.StatusActive || v.IndexingStatus != policy.IndexingDone {
			continue
		}
		key := p.ObjectKey(v.DocumentID, v.Version)
		if p.isPublished(key) {
			continue
		}
		if err := p.publish(ctx, key, v); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		p.markPublished(key)
		published++
		logger.Info("版本已发布归档: %s -> %s", v.ID, key)
	}
	return published, firstErr
}

func (p *Publisher) publish(ctx context.Context, key string, v policy.Version) error {
	manifest := Manifest{
		DocumentID:    v.DocumentID,
		VersionID:     v.ID,
		Version:       v.Version,
		Title:         v.Title,
		ChangeSummary: v.ChangeSummary,
		ReviewItemID:  v.ReviewItemID,
		ActivatedAt:   v.ActivatedAt,
		PublishedAt:   p.now(),
		Attachments:   v.Attachments,
		Preview:       v.PreprocessPreview,
	}
	if manifest.Attachments == nil {
		manifest.Attachments = []policy.Attachment{}
	}
	body, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest for %s failed: %w", v.ID, err)
	}
	if err := p.store.PutObject(ctx, key, body, manifestContentType); err != nil {
		return fmt.Errorf("publish %s failed: %w", v.ID, err)
	}
	return nil
}

func (p *Publisher) isPublished(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.published[key]
	return ok
}

func (p *Publisher) markPublished(key string) {
	p.mu.Lock()
	p.published[key] = struct{}{}
	p.mu.Unlock()
}
