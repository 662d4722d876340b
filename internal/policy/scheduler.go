// 本文件用于后台任务描述与调度抽象 任务完成后回到引擎的同一提交路径

// 文件职责：定义预处理与索引两类延迟任务 以及手动与定时两种进程内调度器
// 关键路径：任务携带调度时的代数 完成回调只在代数仍匹配时落地结果
// 边界与容错：任务不可取消 被后续操作取代的任务在完成时静默丢弃

package policy

import (
	"context"
	"errors"
	"sync"
	"time"
)

// JobKind 表示后台任务类型
type JobKind string

const (
	JobPreprocess JobKind = "preprocess"
	JobIndexing   JobKind = "indexing"
)

// Job 是一次后台任务描述 只携带定位信息 结果在完成时依据最新实体计算
type Job struct {
	Kind        JobKind   `json:"kind"`
	VersionKey  string    `json:"versionKey"`
	VersionID   string    `json:"versionId"`
	Generation  uint64    `json:"generation"`
	ScheduledAt time.Time `json:"scheduledAt"`
	NotBefore   time.Time `json:"notBefore"`
}

// JobFunc 是任务到期后的执行入口
type JobFunc func(ctx context.Context, job Job)

// Scheduler 负责在 NotBefore 之后调用 run 实现必须是非阻塞的
type Scheduler interface {
	Schedule(job Job, run JobFunc) error
}

// ErrSchedulerClosed 表示调度器已停止接收任务
var ErrSchedulerClosed = errors.New("scheduler closed")

// JobSettings 控制任务延迟与确定性失败标记
type JobSettings struct {
	PreprocessDelay      time.Duration
	IndexingDelay        time.Duration
	PreprocessFailMarker string
	IndexFailMarker      string
}

const (
	DefaultPreprocessDelay      = 450 * time.Millisecond
	DefaultIndexingDelay        = 650 * time.Millisecond
	DefaultPreprocessFailMarker = "fail"
	DefaultIndexFailMarker      = "index-fail"
)

func DefaultJobSettings() JobSettings {
	return JobSettings{
		PreprocessDelay:      DefaultPreprocessDelay,
		IndexingDelay:        DefaultIndexingDelay,
		PreprocessFailMarker: DefaultPreprocessFailMarker,
		IndexFailMarker:      DefaultIndexFailMarker,
	}
}

func (s JobSettings) withDefaults() JobSettings {
	if s.PreprocessDelay < 0 {
		s.PreprocessDelay = 0
	}
	if s.IndexingDelay < 0 {
		s.IndexingDelay = 0
	}
	if s.PreprocessFailMarker == "" {
		s.PreprocessFailMarker = DefaultPreprocessFailMarker
	}
	if s.IndexFailMarker == "" {
		s.IndexFailMarker = DefaultIndexFailMarker
	}
	return s
}

type scheduledJob struct {
	job Job
	run JobFunc
}

// ManualScheduler 只记录任务 由测试显式驱动执行
type ManualScheduler struct {
	mu      sync.Mutex
	pending []scheduledJob
	// Err 非空时 Schedule 直接返回该错误
	Err error
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

func (m *ManualScheduler) Schedule(job Job, run JobFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.pending = append(m.pending, scheduledJob{job: job, run: run})
	return nil
}

// Pending 返回尚未执行的任务
func (m *ManualScheduler) Pending() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.pending))
	for _, item := range m.pending {
		out = append(out, item.job)
	}
	return out
}

// RunNext 按调度顺序执行一个任务 没有任务时返回 false
func (m *ManualScheduler) RunNext(ctx context.Context) bool {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return false
	}
	next := m.pending[0]
	m.pending = m.pending[1:]
	m.mu.Unlock()
	next.run(ctx, next.job)
	return true
}

// RunAll 执行到队列为空 包括执行过程中新调度的任务
func (m *ManualScheduler) RunAll(ctx context.Context) int {
	count := 0
	for m.RunNext(ctx) {
		count++
	}
	return count
}

// TimerScheduler 为每个任务启动一个一次性定时器
type TimerScheduler struct {
	mu     sync.Mutex
	closed bool
	timers map[*time.Timer]struct{}
	wg     sync.WaitGroup
}

func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{timers: make(map[*time.Timer]struct{})}
}

func (s *TimerScheduler) Schedule(job Job, run JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	delay := time.Until(job.NotBefore)
	if delay < 0 {
		delay = 0
	}
	s.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.timers, timer)
		s.mu.Unlock()
		run(context.Background(), job)
	})
	s.timers[timer] = struct{}{}
	return nil
}

// Stop 拒绝新任务并丢弃尚未触发的定时器 已开始执行的任务会等待完成
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	for timer := range s.timers {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, timer)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
