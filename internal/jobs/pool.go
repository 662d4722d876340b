// 本文件用于后台任务工作池 承接引擎调度的预处理与索引任务
// 文件职责：有界队列加固定数量 worker 到期后回调引擎
// 边界与容错：队列满立即拒绝 关闭后拒绝新任务 单个任务 panic 不影响 worker

package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"policy-store/internal/logger"
	"policy-store/internal/models"
	"policy-store/internal/policy"
)

const (
	defaultWorkers   = 3
	defaultQueueSize = 100
)

// ErrQueueFull 表示任务队列已满
var ErrQueueFull = errors.New("job queue is full")

type task struct {
	job policy.Job
	run policy.JobFunc
}

// Pool 后台任务工作池
type Pool struct {
	queue   chan task
	workers int
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	mu       sync.RWMutex
	closed   bool
	inFlight atomic.Int64
	rejected atomic.Uint64
}

// NewPool 创建并启动工作池
func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	pool := &Pool{
		queue:   make(chan task, queueSize),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}
	logger.Info("后台任务工作池已启动，工作协程数: %d, 队列大小: %d", workers, queueSize)
	return pool
}

// Schedule 实现 policy.Scheduler 只入队不等待
func (p *Pool) Schedule(job policy.Job, run policy.JobFunc) error {
	if run == nil {
		return errors.New("job func is nil")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return policy.ErrSchedulerClosed
	}
	select {
	case p.queue <- task{job: job, run: run}:
		logger.Debug("任务已入队: %s %s 代数=%d", job.Kind, job.VersionID, job.Generation)
		return nil
	default:
		p.rejected.Add(1)
		logger.Warn("任务队列已满，无法添加任务: %s %s", job.Kind, job.VersionID)
		return ErrQueueFull
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case t := <-p.queue:
			if !p.waitDue(t.job) {
				logger.Info("工作协程 %d 已停止，丢弃未到期任务: %s %s", id, t.job.Kind, t.job.VersionID)
				return
			}
			p.execute(id, t)
		case <-p.ctx.Done():
			return
		}
	}
}

// waitDue 等到任务的 NotBefore 返回 false 表示池已关闭
func (p *Pool) waitDue(job policy.Job) bool {
	wait := time.Until(job.NotBefore)
	if wait <= 0 {
		return p.ctx.Err() == nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-p.ctx.Done():
		return false
	}
}

func (p *Pool) execute(id int, t task) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("工作协程 %d 执行任务异常: %s %s, panic: %v", id, t.job.Kind, t.job.VersionID, r)
		}
	}()
	start := time.Now()
	t.run(p.ctx, t.job)
	logger.Debug("工作协程 %d 任务完成: %s %s, 耗时: %v", id, t.job.Kind, t.job.VersionID, time.Since(start))
}

// Shutdown 停止接收任务并等待 worker 退出 未执行的任务由下次启动时的恢复流程重新调度
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	logger.Info("正在关闭后台任务工作池...")
	p.cancel()
	p.wg.Wait()
	logger.Info("后台任务工作池已关闭，剩余未执行任务: %d", len(p.queue))
}

// Stats 获取队列状态
func (p *Pool) Stats() models.JobStats {
	return models.JobStats{
		QueueLength: len(p.queue),
		Workers:     p.workers,
		InFlight:    int(p.inFlight.Load()),
		Rejected:    p.rejected.Load(),
	}
}
