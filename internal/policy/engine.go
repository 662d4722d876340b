// 本文件用于版本生命周期引擎 校验不变量并通过单一提交路径写入存储

// 文件职责：串行化所有读改写 统一处理授权 持久化 投影重建 通知与观测
// 关键路径：mutate 持有引擎锁执行操作体 提交成功后在锁外发布变更通知
// 边界与容错：任何返回错误的操作都不会留下部分变更 持久化失败时内存状态保持不变

package policy

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"policy-store/internal/logger"
)

const tracerName = "policy-store/policy"

// Options 是引擎的构造参数 零值字段会使用默认实现
type Options struct {
	Store      *VersionStore
	Bus        *ChangeBus
	Repository Repository
	Scheduler  Scheduler
	Intake     ReviewIntake
	Authorizer Authorizer
	Observer   Observer
	Clock      Clock
	IDs        IDGenerator
	Jobs       JobSettings
	// Seed 在首次水合且存储为空时写入
	Seed []Version
}

// Engine 是版本生命周期状态机
type Engine struct {
	mu sync.Mutex

	store     *VersionStore
	bus       *ChangeBus
	repo      Repository
	scheduler Scheduler
	intake    ReviewIntake
	auth      Authorizer
	observer  Observer
	clock     Clock
	ids       IDGenerator
	jobs      JobSettings
	tracer    trace.Tracer
	seed      []Version

	hydrateMu sync.Mutex
	hydrated  bool

	// committed 记录当前操作体内是否已有提交 由 mu 保护
	committed bool
	// submitting 记录评审入口调用尚未返回的实体键 由 mu 保护
	submitting map[string]struct{}
}

func NewEngine(opts Options) *Engine {
	e := &Engine{
		store:     opts.Store,
		bus:       opts.Bus,
		repo:      opts.Repository,
		scheduler: opts.Scheduler,
		intake:    opts.Intake,
		auth:      opts.Authorizer,
		observer:  opts.Observer,
		clock:     opts.Clock,
		ids:       opts.IDs,
		jobs:      opts.Jobs.withDefaults(),
		tracer:    otel.Tracer(tracerName),
		seed:      opts.Seed,

		submitting: make(map[string]struct{}),
	}
	if e.store == nil {
		e.store = NewVersionStore()
	}
	if e.bus == nil {
		e.bus = NewChangeBus()
	}
	if e.scheduler == nil {
		e.scheduler = NewTimerScheduler()
	}
	if e.intake == nil {
		e.intake = NewMemoryIntake()
	}
	if e.auth == nil {
		e.auth = AllowAll()
	}
	if e.observer == nil {
		e.observer = nopObserver{}
	}
	if e.clock == nil {
		e.clock = SystemClock()
	}
	if e.ids == nil {
		e.ids = UUIDGenerator()
	}
	return e
}

// Store 返回底层存储 只应用于只读访问
func (e *Engine) Store() *VersionStore {
	return e.store
}

// Revision 返回已提交的变更次数
func (e *Engine) Revision() uint64 {
	return e.store.Revision()
}

// JobSettings 返回当前后台任务参数
func (e *Engine) JobSettings() JobSettings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jobs
}

// SetJobSettings 替换任务参数 只影响之后调度与回写的任务
func (e *Engine) SetJobSettings(settings JobSettings) {
	e.mu.Lock()
	e.jobs = settings.withDefaults()
	e.mu.Unlock()
	logger.Info("后台任务参数已更新，预处理延迟: %s, 索引延迟: %s", settings.PreprocessDelay, settings.IndexingDelay)
}

// Subscribe 注册变更监听 首次调用触发一次性水合
func (e *Engine) Subscribe(listener Listener) func() {
	if err := e.Hydrate(context.Background()); err != nil {
		logger.Error("版本存储水合失败: %v", err)
	}
	return e.bus.Subscribe(listener)
}

// Hydrate 从持久化后端加载实体 只在首次成功时生效 失败后允许重试
func (e *Engine) Hydrate(ctx context.Context) error {
	e.hydrateMu.Lock()
	defer e.hydrateMu.Unlock()
	if e.hydrated {
		return nil
	}
	var loaded []Version
	if e.repo != nil {
		items, err := e.repo.Load(ctx)
		if err != nil {
			return wrapError(CodeInternal, err, "load versions failed")
		}
		loaded = items
	}
	if len(loaded) == 0 && len(e.seed) > 0 {
		seed := make([]Version, 0, len(e.seed))
		for _, item := range e.seed {
			seed = append(seed, item.clone())
		}
		if e.repo != nil {
			if err := e.repo.Commit(ctx, Change{Puts: seed}); err != nil {
				return wrapError(CodeInternal, err, "persist seed versions failed")
			}
		}
		loaded = seed
	}
	if len(loaded) > 0 {
		e.store.apply(Change{Puts: loaded})
		logger.Info("版本存储水合完成: %d 条", len(loaded))
	}
	e.hydrated = true
	e.recoverJobs()
	return nil
}

// recoverJobs 重新调度重启前仍在处理中的任务 沿用实体当前代数
func (e *Engine) recoverJobs() {
	settings := e.JobSettings()
	now := e.clock.Now()
	for _, v := range e.store.All() {
		if v.Status == StatusDraft && v.PreprocessStatus == PreprocessProcessing {
			e.scheduleRecovered(newJob(settings, JobPreprocess, v, now))
		}
		if v.IndexingStatus == IndexingRunning {
			e.scheduleRecovered(newJob(settings, JobIndexing, v, now))
		}
	}
}

func (e *Engine) scheduleRecovered(job Job) {
	if err := e.scheduler.Schedule(job, e.HandleJob); err != nil {
		logger.Warn("恢复后台任务失败: %s %s: %v", job.Kind, job.VersionID, err)
		return
	}
	logger.Info("恢复后台任务: %s %s", job.Kind, job.VersionID)
}

// ListVersions 返回排序后的全部版本快照
func (e *Engine) ListVersions() []Version {
	e.hydrateQuiet()
	return e.store.All()
}

// ListGroups 返回按文档聚合的快照
func (e *Engine) ListGroups() []DocumentGroup {
	e.hydrateQuiet()
	return e.store.Groups()
}

// GetVersion 返回版本副本
func (e *Engine) GetVersion(ctx context.Context, id string) (Version, error) {
	if err := e.Hydrate(ctx); err != nil {
		return Version{}, err
	}
	return e.store.Get(strings.TrimSpace(id))
}

// FindByReviewItem 通过版本 id 或评审单号查找当前实体
func (e *Engine) FindByReviewItem(ctx context.Context, ref string) (Version, error) {
	if err := e.Hydrate(ctx); err != nil {
		return Version{}, err
	}
	return e.resolve(ref)
}

func (e *Engine) hydrateQuiet() {
	if err := e.Hydrate(context.Background()); err != nil {
		logger.Error("版本存储水合失败: %v", err)
	}
}

// mutate 是所有变更操作的统一外壳
func (e *Engine) mutate(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := e.tracer.Start(ctx, "policy."+op)
	defer span.End()

	if err := e.Hydrate(ctx); err != nil {
		recordSpanError(span, err)
		return err
	}
	if err := e.runLocked(ctx, fn); err != nil {
		recordSpanError(span, err)
		logger.Debug("版本操作被拒绝: %s: %v", op, err)
		return err
	}
	span.SetAttributes(attribute.Int64("policy.revision", int64(e.store.Revision())))
	return nil
}

// runLocked 持有 mu 执行操作体 有提交时在释放锁后通知订阅方
func (e *Engine) runLocked(ctx context.Context, fn func(ctx context.Context) error) error {
	e.mu.Lock()
	e.committed = false
	err := fn(ctx)
	committed := e.committed
	e.committed = false
	e.mu.Unlock()

	if committed {
		e.bus.publish()
	}
	return err
}

// commitLocked 持久化并写入存储 调用方必须持有 mu
func (e *Engine) commitLocked(ctx context.Context, action AuditAction, change Change) error {
	if change.empty() {
		return nil
	}
	if e.repo != nil {
		if err := e.repo.Commit(ctx, change); err != nil {
			logger.Error("版本持久化失败: %v", err)
			return wrapError(CodeInternal, err, "persist versions failed")
		}
	}
	e.store.apply(change)
	e.committed = true
	e.observer.ObserveTransition(action)
	return nil
}

func (e *Engine) authorize(ctx context.Context, actor string, action AuditAction, versionID string) error {
	err := e.auth.Authorize(ctx, actor, action, versionID)
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) && typed.Code == CodeForbidden {
		return err
	}
	return withMeta(wrapError(CodeForbidden, err, "actor %s may not %s", actor, strings.ToLower(string(action))),
		"actor", actor, "action", string(action), "versionId", versionID)
}

// resolve 先按版本 id 查找 再按评审单号查找
func (e *Engine) resolve(ref string) (Version, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Version{}, newError(CodeInvalidInput, "version reference is required")
	}
	if v, err := e.store.Get(ref); err == nil {
		return v, nil
	}
	if v, ok := e.store.findByReviewItem(ref); ok {
		return v, nil
	}
	return Version{}, withMeta(newError(CodeNotFound, "version or review item %s not found", ref), "ref", ref)
}

func (e *Engine) audit(actor string, action AuditAction, message string) AuditEvent {
	return AuditEvent{
		ID:      e.ids.NewID("evt"),
		At:      e.clock.Now(),
		Actor:   actor,
		Action:  action,
		Message: message,
	}
}

func normalizeActor(raw string) string {
	val := strings.TrimSpace(raw)
	if val == "" {
		return SystemActor
	}
	return val
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(CodeOf(err)))
}

func requireStatus(v Version, op string, allowed ...Status) error {
	for _, s := range allowed {
		if v.Status == s {
			return nil
		}
	}
	return withMeta(newError(CodeInvalidState, "%s not allowed for %s in status %s", op, v.ID, v.Status),
		"id", v.ID, "status", string(v.Status))
}

func activeOf(siblings []Version) (Version, bool) {
	for _, v := range siblings {
		if v.Status == StatusActive {
			return v, true
		}
	}
	return Version{}, false
}

func draftOf(siblings []Version, exceptID string) (Version, bool) {
	for _, v := range siblings {
		if v.Status == StatusDraft && v.ID != exceptID {
			return v, true
		}
	}
	return Version{}, false
}

// checkVersionNumber 校验新版本号大于生效版本 且未被本文档任何实体占用
// 小于等于生效版本返回 VERSION_REVERSE 与其他实体重号返回 INVALID_STATE
func checkVersionNumber(documentID string, version int, siblings []Version, exceptID string) error {
	if version <= 0 {
		return newError(CodeInvalidInput, "version must be a positive integer")
	}
	if active, ok := activeOf(siblings); ok && version <= active.Version {
		return withMeta(newError(CodeVersionReverse, "version %d must be greater than active version %d of %s", version, active.Version, documentID),
			"documentId", documentID, "activeVersion", active.ID)
	}
	for _, v := range siblings {
		if v.ID != exceptID && v.Version == version {
			return withMeta(newError(CodeInvalidState, "version %d already used by %s", version, v.ID),
				"documentId", documentID, "conflict", v.ID)
		}
	}
	return nil
}
