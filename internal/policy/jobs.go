// 本文件用于后台任务的调度与完成回写 过期任务依据代数静默丢弃

package policy

import (
	"context"
	"fmt"
	"time"

	"policy-store/internal/logger"
)

// newJob 按给定参数生成任务 调用方负责在 mu 下读取 settings
func newJob(settings JobSettings, kind JobKind, v Version, now time.Time) Job {
	job := Job{
		Kind:        kind,
		VersionKey:  v.Key,
		VersionID:   v.ID,
		ScheduledAt: now,
	}
	switch kind {
	case JobPreprocess:
		job.Generation = v.PreprocessGeneration
		job.NotBefore = now.Add(settings.PreprocessDelay)
	case JobIndexing:
		job.Generation = v.IndexingGeneration
		job.NotBefore = now.Add(settings.IndexingDelay)
	}
	return job
}

// scheduleLocked 投递任务 投递失败时立即写入失败结果 返回最终实体
func (e *Engine) scheduleLocked(ctx context.Context, job Job, v Version) Version {
	err := e.scheduler.Schedule(job, e.HandleJob)
	if err == nil {
		logger.Debug("后台任务已调度: %s %s 代数 %d", job.Kind, job.VersionID, job.Generation)
		return v.clone()
	}
	logger.Warn("后台任务调度失败: %s %s: %v", job.Kind, job.VersionID, err)
	e.observer.ObserveJob(job.Kind, OutcomeScheduleError, 0)

	now := e.clock.Now()
	message := fmt.Sprintf("schedule %s job failed: %v", job.Kind, err)
	action := ActionPreprocessFail
	switch job.Kind {
	case JobPreprocess:
		v.PreprocessStatus = PreprocessFailed
		v.PreprocessError = message
	case JobIndexing:
		action = ActionIndexFail
		v.IndexingStatus = IndexingFailed
		v.IndexingError = message
	}
	v.UpdatedAt = now
	v.appendAudit(e.audit(SystemActor, action, message))
	if err := e.commitLocked(ctx, action, Change{Puts: []Version{v}}); err != nil {
		logger.Error("写入调度失败结果失败: %s: %v", v.ID, err)
		current, getErr := e.store.Get(v.ID)
		if getErr == nil {
			return current
		}
	}
	return v.clone()
}

// HandleJob 是调度器到期后的回调 仅在代数与状态仍匹配时落地结果
func (e *Engine) HandleJob(ctx context.Context, job Job) {
	outcome := OutcomeStale
	err := e.mutate(ctx, "HandleJob", func(ctx context.Context) error {
		v, err := e.store.Get(job.VersionID)
		if err != nil || v.Key != job.VersionKey {
			return nil
		}
		switch job.Kind {
		case JobPreprocess:
			if v.Status != StatusDraft || v.PreprocessStatus != PreprocessProcessing || v.PreprocessGeneration != job.Generation {
				return nil
			}
			return e.completePreprocessLocked(ctx, v, &outcome)
		case JobIndexing:
			if v.IndexingStatus != IndexingRunning || v.IndexingGeneration != job.Generation {
				return nil
			}
			return e.completeIndexingLocked(ctx, v, &outcome)
		default:
			return newError(CodeInvalidInput, "unknown job kind %s", job.Kind)
		}
	})
	if err != nil {
		outcome = OutcomeFailed
		logger.Error("后台任务回写失败: %s %s: %v", job.Kind, job.VersionID, err)
	}
	if outcome == OutcomeStale {
		logger.Debug("过期任务已丢弃: %s %s 代数 %d", job.Kind, job.VersionID, job.Generation)
	}
	e.observer.ObserveJob(job.Kind, outcome, e.clock.Now().Sub(job.ScheduledAt))
}

func (e *Engine) completePreprocessLocked(ctx context.Context, v Version, outcome *JobOutcome) error {
	now := e.clock.Now()
	action := ActionPreprocessDone
	result := OutcomeReady
	if message, failed := preprocessFailure(v, e.jobs.PreprocessFailMarker); failed {
		action = ActionPreprocessFail
		result = OutcomeFailed
		v.PreprocessStatus = PreprocessFailed
		v.PreprocessError = message
		v.PreprocessPreview = nil
		v.appendAudit(e.audit(SystemActor, action, message))
	} else {
		preview := buildPreview(v)
		v.PreprocessStatus = PreprocessReady
		v.PreprocessError = ""
		v.PreprocessPreview = &preview
		v.appendAudit(e.audit(SystemActor, action, fmt.Sprintf("preview ready: %d page(s)", preview.PageCount)))
	}
	v.UpdatedAt = now
	if err := e.commitLocked(ctx, action, Change{Puts: []Version{v}}); err != nil {
		return err
	}
	*outcome = result
	logger.Info("预处理完成: %s 结果 %s", v.ID, result)
	return nil
}

func (e *Engine) completeIndexingLocked(ctx context.Context, v Version, outcome *JobOutcome) error {
	now := e.clock.Now()
	action := ActionIndexDone
	result := OutcomeDone
	if message, failed := indexingFailure(v, e.jobs.IndexFailMarker); failed {
		action = ActionIndexFail
		result = OutcomeFailed
		v.IndexingStatus = IndexingFailed
		v.IndexingError = message
		v.appendAudit(e.audit(SystemActor, action, message))
	} else {
		v.IndexingStatus = IndexingDone
		v.IndexingError = ""
		v.appendAudit(e.audit(SystemActor, action, "indexed"))
	}
	v.UpdatedAt = now
	if err := e.commitLocked(ctx, action, Change{Puts: []Version{v}}); err != nil {
		return err
	}
	*outcome = result
	if result == OutcomeFailed {
		logger.Warn("索引失败: %s: %s", v.ID, v.IndexingError)
	} else {
		logger.Info("索引完成: %s", v.ID)
	}
	return nil
}
