// 本文件用于与外部评审队列的出站衔接 提交评审时创建或更新评审单

package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AutoCheck 是单项自动检查结果
type AutoCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
}

// AutoCheckPayload 是随评审单下发的自动检查摘要
type AutoCheckPayload struct {
	RiskLevel string      `json:"riskLevel"`
	Checks    []AutoCheck `json:"checks"`
}

// DefaultAutoCheck 返回默认的低风险检查结果
func DefaultAutoCheck() AutoCheckPayload {
	return AutoCheckPayload{
		RiskLevel: "low",
		Checks: []AutoCheck{
			{Name: "format", Passed: true},
			{Name: "pii", Passed: true},
		},
	}
}

// ReviewItemDescriptor 描述一次评审请求
type ReviewItemDescriptor struct {
	ReviewItemID string           `json:"reviewItemId,omitempty"`
	DocumentID   string           `json:"documentId"`
	VersionID    string           `json:"versionId"`
	VersionLabel string           `json:"versionLabel"`
	Title        string           `json:"title"`
	Excerpt      string           `json:"excerpt"`
	AutoCheck    AutoCheckPayload `json:"autoCheck"`
	RequestedBy  string           `json:"requestedBy"`
	RequestedAt  time.Time        `json:"requestedAt"`
}

// ReviewIntake 是外部评审系统的入口
// Create 返回外部分配的评审单号 Update 用于已关联评审单的版本再次提交
type ReviewIntake interface {
	Create(ctx context.Context, item ReviewItemDescriptor) (string, error)
	Update(ctx context.Context, item ReviewItemDescriptor) error
}

func buildDescriptor(v Version, actor string, at time.Time) ReviewItemDescriptor {
	excerpt := ""
	if v.PreprocessPreview != nil {
		excerpt = v.PreprocessPreview.Excerpt
	}
	return ReviewItemDescriptor{
		ReviewItemID: v.ReviewItemID,
		DocumentID:   v.DocumentID,
		VersionID:    v.ID,
		VersionLabel: VersionLabel(v.Version),
		Title:        v.Title,
		Excerpt:      excerpt,
		AutoCheck:    DefaultAutoCheck(),
		RequestedBy:  actor,
		RequestedAt:  at,
	}
}

// sendToIntake 按是否已有评审单选择创建或更新 返回最终使用的评审单号
func sendToIntake(ctx context.Context, intake ReviewIntake, item ReviewItemDescriptor) (string, error) {
	if item.ReviewItemID != "" {
		if err := intake.Update(ctx, item); err != nil {
			return "", err
		}
		return item.ReviewItemID, nil
	}
	id, err := intake.Create(ctx, item)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("review intake returned empty review item id")
	}
	return id, nil
}

// MemoryIntake 是进程内评审队列 保存全部评审单供查看
type MemoryIntake struct {
	mu    sync.Mutex
	items map[string]ReviewItemDescriptor
	// Err 非空时所有调用都返回该错误
	Err error
}

func NewMemoryIntake() *MemoryIntake {
	return &MemoryIntake{items: make(map[string]ReviewItemDescriptor)}
}

func (m *MemoryIntake) Create(_ context.Context, item ReviewItemDescriptor) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	item.ReviewItemID = "rv-" + uuid.NewString()
	m.items[item.ReviewItemID] = item
	return item.ReviewItemID, nil
}

func (m *MemoryIntake) Update(_ context.Context, item ReviewItemDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.items[item.ReviewItemID]; !ok {
		return fmt.Errorf("review item %s not found", item.ReviewItemID)
	}
	m.items[item.ReviewItemID] = item
	return nil
}

// Get 返回评审单
func (m *MemoryIntake) Get(reviewItemID string) (ReviewItemDescriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[reviewItemID]
	return item, ok
}

// Items 按请求时间返回全部评审单
func (m *MemoryIntake) Items() []ReviewItemDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ReviewItemDescriptor, 0, len(m.items))
	for _, item := range m.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ReviewItemID < out[j].ReviewItemID
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}
