// 本文件用于引擎的外部协作者接口 时钟 id 生成 授权 持久化与观测均由构造时注入

package policy

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Clock 提供当前时间
type Clock interface {
	Now() time.Time
}

// ClockFunc 让普通函数满足 Clock
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock 返回 UTC 系统时钟
func SystemClock() Clock { return systemClock{} }

// IDGenerator 生成附件 审计与内部键 id
type IDGenerator interface {
	NewID(prefix string) string
}

type uuidGenerator struct{}

func (uuidGenerator) NewID(prefix string) string {
	id := uuid.NewString()
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// UUIDGenerator 返回基于 uuid v4 的生成器
func UUIDGenerator() IDGenerator { return uuidGenerator{} }

// Authorizer 在每个变更操作前被调用 返回错误即拒绝
type Authorizer interface {
	Authorize(ctx context.Context, actor string, action AuditAction, versionID string) error
}

// AuthorizerFunc 让普通函数满足 Authorizer
type AuthorizerFunc func(ctx context.Context, actor string, action AuditAction, versionID string) error

func (f AuthorizerFunc) Authorize(ctx context.Context, actor string, action AuditAction, versionID string) error {
	return f(ctx, actor, action, versionID)
}

type allowAll struct{}

func (allowAll) Authorize(context.Context, string, AuditAction, string) error { return nil }

// AllowAll 放行所有操作
func AllowAll() Authorizer { return allowAll{} }

// Change 是一次原子提交 Removes 先于 Puts 执行
type Change struct {
	Puts    []Version
	Removes []string
}

func (c Change) empty() bool {
	return len(c.Puts) == 0 && len(c.Removes) == 0
}

// Repository 是可选的持久化后端
// Commit 必须整体成功或整体失败 失败时引擎不会修改内存状态
type Repository interface {
	Load(ctx context.Context) ([]Version, error)
	Commit(ctx context.Context, change Change) error
}

// Observer 接收状态迁移与任务结果 用于指标采集
type Observer interface {
	ObserveTransition(action AuditAction)
	ObserveJob(kind JobKind, outcome JobOutcome, latency time.Duration)
}

// JobOutcome 表示一次任务执行结果
type JobOutcome string

const (
	OutcomeReady         JobOutcome = "ready"
	OutcomeDone          JobOutcome = "done"
	OutcomeFailed        JobOutcome = "failed"
	OutcomeStale         JobOutcome = "stale"
	OutcomeScheduleError JobOutcome = "schedule_error"
)

type nopObserver struct{}

func (nopObserver) ObserveTransition(AuditAction)                      {}
func (nopObserver) ObserveJob(JobKind, JobOutcome, time.Duration) {}
