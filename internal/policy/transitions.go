// 本文件用于生命周期状态迁移 每个操作校验来源状态与守卫后一次性提交

package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"policy-store/internal/logger"
)

const defaultMimeType = "application/octet-stream"

// CreateDraft 为文档创建新草稿
func (e *Engine) CreateDraft(ctx context.Context, in CreateDraftInput) (Version, error) {
	var out Version
	err := e.mutate(ctx, "CreateDraft", func(ctx context.Context) error {
		documentID := strings.TrimSpace(in.DocumentID)
		title := strings.TrimSpace(in.Title)
		actor := normalizeActor(in.Actor)
		if documentID == "" {
			return newError(CodeInvalidInput, "documentId is required")
		}
		if strings.Contains(documentID, "@") {
			return newError(CodeInvalidInput, "documentId must not contain @")
		}
		if title == "" {
			return newError(CodeInvalidInput, "title is required")
		}
		id := VersionID(documentID, in.Version)
		if err := e.authorize(ctx, actor, ActionCreateDraft, id); err != nil {
			return err
		}
		siblings := e.store.byDocument(documentID)
		if draft, ok := draftOf(siblings, ""); ok {
			return withMeta(newError(CodeDraftAlreadyExists, "document %s already has draft %s", documentID, draft.ID),
				"documentId", documentID, "draft", draft.ID)
		}
		if err := checkVersionNumber(documentID, in.Version, siblings, ""); err != nil {
			return err
		}

		now := e.clock.Now()
		v := Version{
			Key:              e.ids.NewID("ver"),
			ID:               id,
			DocumentID:       documentID,
			Version:          in.Version,
			Title:            title,
			ChangeSummary:    strings.TrimSpace(in.ChangeSummary),
			Status:           StatusDraft,
			Attachments:      []Attachment{},
			PreprocessStatus: PreprocessIdle,
			IndexingStatus:   IndexingIdle,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		v.appendAudit(e.audit(actor, ActionCreateDraft, fmt.Sprintf("created draft %s", VersionLabel(in.Version))))
		if err := e.commitLocked(ctx, ActionCreateDraft, Change{Puts: []Version{v}}); err != nil {
			return err
		}
		out = v.clone()
		return nil
	})
	return out, err
}

// UpdateDraft 修改草稿的描述字段或版本号 版本号变化时 id 随之重新生成
func (e *Engine) UpdateDraft(ctx context.Context, id string, in UpdateDraftInput) (Version, error) {
	var out Version
	err := e.mutate(ctx, "UpdateDraft", func(ctx context.Context) error {
		actor := normalizeActor(in.Actor)
		v, err := e.store.Get(strings.TrimSpace(id))
		if err != nil {
			return err
		}
		if err := e.authorize(ctx, actor, ActionUpdateDraft, v.ID); err != nil {
			return err
		}
		if err := requireStatus(v, "update draft", StatusDraft); err != nil {
			return err
		}
		if in.Title == nil && in.ChangeSummary == nil && in.Version == nil {
			return newError(CodeInvalidInput, "nothing to update")
		}

		var changed []string
		if in.Title != nil {
			title := strings.TrimSpace(*in.Title)
			if title == "" {
				return newError(CodeInvalidInput, "title is required")
			}
			if title != v.Title {
				v.Title = title
				changed = append(changed, "title")
			}
		}
		if in.ChangeSummary != nil {
			summary := strings.TrimSpace(*in.ChangeSummary)
			if summary != v.ChangeSummary {
				v.ChangeSummary = summary
				changed = append(changed, "changeSummary")
			}
		}
		change := Change{}
		if in.Version != nil && *in.Version != v.Version {
			siblings := e.store.byDocument(v.DocumentID)
			if err := checkVersionNumber(v.DocumentID, *in.Version, siblings, v.ID); err != nil {
				return err
			}
			oldID := v.ID
			v.Version = *in.Version
			v.ID = VersionID(v.DocumentID, v.Version)
			change.Removes = []string{oldID}
			changed = append(changed, fmt.Sprintf("version %s", VersionLabel(v.Version)))
			// 在途预处理任务按旧 id 定位 需要作废后重新触发
			if v.PreprocessStatus == PreprocessProcessing {
				v.resetPreprocess()
			}
		}
		// 预览摘要带标题与版本标签 已完成的预览随字段变化重建
		if len(changed) > 0 && v.PreprocessStatus == PreprocessReady && v.PreprocessPreview != nil {
			preview := buildPreview(v)
			v.PreprocessPreview = &preview
		}

		message := "no field changed"
		if len(changed) > 0 {
			message = "updated " + strings.Join(changed, ", ")
		}
		v.UpdatedAt = e.clock.Now()
		v.appendAudit(e.audit(actor, ActionUpdateDraft, message))
		change.Puts = []Version{v}
		if err := e.commitLocked(ctx, ActionUpdateDraft, change); err != nil {
			return err
		}
		out = v.clone()
		return nil
	})
	return out, err
}

// AttachFiles 为草稿追加附件 同一次调用内的重名文件静默去重
func (e *Engine) AttachFiles(ctx context.Context, id string, files []FileInput, actor string) (Version, error) {
	var out Version
	err := e.mutate(ctx, "AttachFiles", func(ctx context.Context) error {
		actor := normalizeActor(actor)
		if len(files) == 0 {
			return newError(CodeInvalidInput, "at least one file is required")
		}
		v, err := e.store.Get(strings.TrimSpace(id))
		if err != nil {
			return err
		}
		if err := e.authorize(ctx, actor, ActionUploadFile, v.ID); err != nil {
			return err
		}
		if err := requireStatus(v, "attach files", StatusDraft); err != nil {
			return err
		}

		taken := documentFileNames(e.store.byDocument(v.DocumentID))
		seen := make(map[string]struct{}, len(files))
		now := e.clock.Now()
		added := make([]Attachment, 0, len(files))
		for _, f := range files {
			name := strings.TrimSpace(f.Name)
			if name == "" {
				return newError(CodeInvalidInput, "file name is required")
			}
			if f.SizeBytes < 0 {
				return newError(CodeInvalidInput, "file size of %s must not be negative", name)
			}
			key := strings.ToLower(name)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			if owner, ok := taken[key]; ok {
				return withMeta(newError(CodeFileDuplicate, "file %s already attached to %s", name, owner),
					"name", name, "owner", owner)
			}
			mime := strings.TrimSpace(f.MimeType)
			if mime == "" {
				mime = defaultMimeType
			}
			added = append(added, Attachment{
				ID:         e.ids.NewID("att"),
				Name:       name,
				SizeBytes:  f.SizeBytes,
				MimeType:   mime,
				UploadedAt: now,
			})
		}

		names := make([]string, 0, len(added))
		for _, att := range added {
			names = append(names, att.Name)
		}
		v.Attachments = append(v.Attachments, added...)
		v.syncPrimaryFile()
		v.resetPreprocess()
		v.UpdatedAt = now
		v.appendAudit(e.audit(actor, ActionUploadFile, "uploaded "+strings.Join(names, ", ")))
		if err := e.commitLocked(ctx, ActionUploadFile, Change{Puts: []Version{v}}); err != nil {
			return err
		}
		out = v.clone()
		return nil
	})
	return out, err
}

// documentFileNames 汇总文档下仍有效实体的附件名 软删除的墓碑不参与
func documentFileNames(siblings []Version) map[string]string {
	taken := make(map[string]string)
	for _, v := range siblings {
		if v.Status == StatusDeleted {
			continue
		}
		for _, att := range v.Attachments {
			taken[strings.ToLower(att.Name)] = v.ID
		}
	}
	return taken
}

// RemoveFile 移除草稿附件
func (e *Engine) RemoveFile(ctx context.Context, id, attachmentID, actor string) (Version, error) {
	var out Version
	err := e.mutate(ctx, "RemoveFile", func(ctx context.Context) error {
		actor := normalizeActor(actor)
		v, err := e.store.Get(strings.TrimSpace(id))
		if err != nil {
			return err
		}
		if err := e.authorize(ctx, actor, ActionRemoveFile, v.ID); err != nil {
			return err
		}
		if err := requireStatus(v, "remove file", StatusDraft); err != nil {
			return err
		}
		idx := -1
		for i, att := range v.Attachments {
			if att.ID == strings.TrimSpace(attachmentID) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return withMeta(newError(CodeNotFound, "attachment %s not found on %s", attachmentID, v.ID),
				"id", v.ID, "attachmentId", attachmentID)
		}
		removed := v.Attachments[idx]
		next := make([]Attachment, 0, len(v.Attachments)-1)
		next = append(next, v.Attachments[:idx]...)
		next = append(next, v.Attachments[idx+1:]...)
		v.Attachments = next
		v.syncPrimaryFile()
		v.resetPreprocess()
		v.UpdatedAt = e.clock.Now()
		v.appendAudit(e.audit(actor, ActionRemoveFile, "removed "+removed.Name))
		if err := e.commitLocked(ctx, ActionRemoveFile, Change{Puts: []Version{v}}); err != nil {
			return err
		}
		out = v.clone()
		return nil
	})
	return out, err
}

// RunPreprocess 启动预处理 再次调用会让之前的任务失效
func (e *Engine) RunPreprocess(ctx context.Context, id, actor string) (Version, error) {
	var out Version
	err := e.mutate(ctx, "RunPreprocess", func(ctx context.Context) error {
		actor := normalizeActor(actor)
		v, err := e.store.Get(strings.TrimSpace(id))
		if err != nil {
			return err
		}
		if err := e.authorize(ctx, actor, ActionPreprocessStart, v.ID); err != nil {
			return err
		}
		if err := requireStatus(v, "run preprocess", StatusDraft); err != nil {
			return err
		}
		if len(v.Attachments) == 0 {
			return withMeta(newError(CodeInvalidState, "%s has no attachment to preprocess", v.ID), "id", v.ID)
		}
		now := e.clock.Now()
		v.PreprocessGeneration++
		v.PreprocessStatus = PreprocessProcessing
		v.PreprocessError = ""
		v.PreprocessPreview = nil
		v.UpdatedAt = now
		v.appendAudit(e.audit(actor, ActionPreprocessStart, fmt.Sprintf("preprocessing %d file(s)", len(v.Attachments))))
		if err := e.commitLocked(ctx, ActionPreprocessStart, Change{Puts: []Version{v}}); err != nil {
			return err
		}
		out = e.scheduleLocked(ctx, newJob(e.jobs, JobPreprocess, v, now), v)
		return nil
	})
	return out, err
}

// SubmitReviewRequest 把已完成预处理的草稿送入外部评审
// 评审入口调用期间不持有 mu 返回后重新校验实体再提交
func (e *Engine) SubmitReviewRequest(ctx context.Context, id, actor string) (Version, error) {
	ctx, span := e.tracer.Start(ctx, "policy.SubmitReviewRequest")
	defer span.End()

	out, err := e.submitReview(ctx, strings.TrimSpace(id), normalizeActor(actor))
	if err != nil {
		recordSpanError(span, err)
		logger.Debug("版本操作被拒绝: SubmitReviewRequest: %v", err)
		return Version{}, err
	}
	span.SetAttributes(attribute.Int64("policy.revision", int64(e.store.Revision())))
	return out, nil
}

func (e *Engine) submitReview(ctx context.Context, id, actor string) (Version, error) {
	if err := e.Hydrate(ctx); err != nil {
		return Version{}, err
	}

	var (
		pending Version
		item    ReviewItemDescriptor
		now     time.Time
	)
	err := e.runLocked(ctx, func(ctx context.Context) error {
		v, err := e.store.Get(id)
		if err != nil {
			return err
		}
		if err := e.authorize(ctx, actor, ActionSubmitReview, v.ID); err != nil {
			return err
		}
		if err := e.checkSubmittable(v); err != nil {
			return err
		}
		if _, busy := e.submitting[v.Key]; busy {
			return withMeta(newError(CodeInvalidState, "%s review submission already in flight", v.ID), "id", v.ID)
		}
		e.submitting[v.Key] = struct{}{}
		pending = v
		now = e.clock.Now()
		item = buildDescriptor(v, actor, now)
		return nil
	})
	if err != nil {
		return Version{}, err
	}

	reviewItemID, intakeErr := sendToIntake(ctx, e.intake, item)

	var out Version
	err = e.runLocked(ctx, func(ctx context.Context) error {
		delete(e.submitting, pending.Key)
		if intakeErr != nil {
			logger.Error("评审单创建失败: %s: %v", pending.ID, intakeErr)
			return withMeta(wrapError(CodeInternal, intakeErr, "review intake failed for %s", pending.ID), "id", pending.ID)
		}
		v, err := e.store.Get(pending.ID)
		if err != nil || v.Key != pending.Key || !v.UpdatedAt.Equal(pending.UpdatedAt) {
			logger.Warn("评审单 %s 已创建，但版本 %s 在提交期间发生变化", reviewItemID, pending.ID)
			return withMeta(newError(CodeInvalidState, "%s changed while review submission was in flight", pending.ID),
				"id", pending.ID, "reviewItemId", reviewItemID)
		}
		if err := e.checkSubmittable(v); err != nil {
			return err
		}
		v.Status = StatusPendingReview
		v.ReviewRequestedAt = timePtr(now)
		v.ReviewItemID = reviewItemID
		v.UpdatedAt = now
		v.appendAudit(e.audit(actor, ActionSubmitReview, "review item "+reviewItemID))
		if err := e.commitLocked(ctx, ActionSubmitReview, Change{Puts: []Version{v}}); err != nil {
			return err
		}
		logger.Info("版本已提交评审: %s 评审单 %s", v.ID, reviewItemID)
		out = v.clone()
		return nil
	})
	return out, err
}

// checkSubmittable 校验草稿可以送审 调用方必须持有 mu
func (e *Engine) checkSubmittable(v Version) error {
	if err := requireStatus(v, "submit review", StatusDraft); err != nil {
		return err
	}
	if v.PreprocessStatus != PreprocessReady {
		return withMeta(newError(CodeInvalidState, "%s preprocess status is %s, want %s", v.ID, v.PreprocessStatus, PreprocessReady),
			"id", v.ID, "preprocessStatus", string(v.PreprocessStatus))
	}
	if other, ok := draftOf(e.store.byDocument(v.DocumentID), v.ID); ok {
		return withMeta(newError(CodeDraftAlreadyExists, "document %s has another draft %s", v.DocumentID, other.ID),
			"documentId", v.DocumentID, "draft", other.ID)
	}
	return nil
}

// ReviewerApprove 由评审方调用 生效目标版本并归档原生效版本
func (e *Engine) ReviewerApprove(ctx context.Context, ref, actor string) (Version, error) {
	var out Version
	err := e.mutate(ctx, "ReviewerApprove", func(ctx context.Context) error {
		actor := normalizeActor(actor)
		v, err := e.resolve(ref)
		if err != nil {
			return err
		}
		if err := e.authorize(ctx, actor, ActionReviewApprove, v.ID); err != nil {
			return err
		}
		if err := requireStatus(v, "approve", StatusPendingReview); err != nil {
			return err
		}

		now := e.clock.Now()
		change := Change{}
		if prev, ok := activeOf(e.store.byDocument(v.DocumentID)); ok {
			prev.Status = StatusArchived
			prev.ArchivedAt = timePtr(now)
			prev.UpdatedAt = now
			prev.appendAudit(e.audit(actor, ActionReviewApprove, "superseded by "+VersionLabel(v.Version)))
			change.Puts = append(change.Puts, prev)
		}
		v.Status = StatusActive
		v.ActivatedAt = timePtr(now)
		v.ArchivedAt = nil
		v.IndexingGeneration++
		v.IndexingStatus = IndexingRunning
		v.IndexingError = ""
		v.UpdatedAt = now
		v.appendAudit(e.audit(actor, ActionReviewApprove, "approved "+VersionLabel(v.Version)))
		v.appendAudit(e.audit(SystemActor, ActionIndexStart, "indexing started"))
		change.Puts = append(change.Puts, v)
		if err := e.commitLocked(ctx, ActionReviewApprove, change); err != nil {
			return err
		}
		logger.Info("版本已生效: %s", v.ID)
		out = e.scheduleLocked(ctx, newJob(e.jobs, JobIndexing, v, now), v)
		return nil
	})
	return out, err
}

// ReviewerReject 由评审方调用 驳回原因必填
func (e *Engine) ReviewerReject(ctx context.Context, ref, actor, reason string) (Version, error) {
	var out Version
	err := e.mutate(ctx, "ReviewerReject", func(ctx context.Context) error {
		actor := normalizeActor(actor)
		if strings.TrimSpace(reason) == "" {
			return newError(CodeInvalidInput, "reject reason is required")
		}
		v, err := e.resolve(ref)
		if err != nil {
			return err
		}
		if err := e.authorize(ctx, actor, ActionReviewReject, v.ID); err != nil {
			return err
		}
		if err := requireStatus(v, "reject", StatusPendingReview); err != nil {
			return err
		}
		now := e.clock.Now()
		v.Status = StatusRejected
		v.RejectedAt = timePtr(now)
		v.RejectReason = reason
		v.UpdatedAt = now
		v.appendAudit(e.audit(actor, ActionReviewReject, reason))
		if err := e.commitLocked(ctx, ActionReviewReject, Change{Puts: []Version{v}}); err != nil {
			return err
		}
		logger.Info("版本已驳回: %s", v.ID)
		out = v.clone()
		return nil
	})
	return out, err
}

// RetryIndexing 对索引失败的生效版本重新索引
func (e *Engine) RetryIndexing(ctx context.Context, ref, actor string) (Version, error) {
	var out Version
	err := e.mutate(ctx, "RetryIndexing", func(ctx context.Context) error {
		actor := normalizeActor(actor)
		v, err := e.resolve(ref)
		if err != nil {
			return err
		}
		if err := e.authorize(ctx, actor, ActionIndexStart, v.ID); err != nil {
			return err
		}
		if err := requireStatus(v, "retry indexing", StatusActive); err != nil {
			return err
		}
		if v.IndexingStatus != IndexingFailed {
			return withMeta(newError(CodeInvalidState, "%s indexing status is %s, want %s", v.ID, v.IndexingStatus, IndexingFailed),
				"id", v.ID, "indexingStatus", string(v.IndexingStatus))
		}
		now := e.clock.Now()
		v.IndexingGeneration++
		v.IndexingStatus = IndexingRunning
		v.IndexingError = ""
		v.UpdatedAt = now
		v.appendAudit(e.audit(actor, ActionIndexStart, "indexing retried"))
		if err := e.commitLocked(ctx, ActionIndexStart, Change{Puts: []Version{v}}); err != nil {
			return err
		}
		out = e.scheduleLocked(ctx, newJob(e.jobs, JobIndexing, v, now), v)
		return nil
	})
	return out, err
}

// Rollback 把归档版本恢复为生效版本 不重新索引
func (e *Engine) Rollback(ctx context.Context, in RollbackInput) (Version, error) {
	var out Version
	err := e.mutate(ctx, "Rollback", func(ctx context.Context) error {
		actor := normalizeActor(in.Actor)
		documentID := strings.TrimSpace(in.DocumentID)
		if documentID == "" {
			return newError(CodeInvalidInput, "documentId is required")
		}
		target, err := e.store.Get(strings.TrimSpace(in.TargetVersionID))
		if err != nil || target.DocumentID != documentID {
			return withMeta(newError(CodeNotFound, "version %s not found in document %s", in.TargetVersionID, documentID),
				"documentId", documentID, "targetVersionId", in.TargetVersionID)
		}
		if err := e.authorize(ctx, actor, ActionRollback, target.ID); err != nil {
			return err
		}
		if err := requireStatus(target, "rollback", StatusArchived); err != nil {
			return err
		}

		reason := strings.TrimSpace(in.Reason)
		now := e.clock.Now()
		change := Change{}
		if prev, ok := activeOf(e.store.byDocument(documentID)); ok {
			prev.Status = StatusArchived
			prev.ArchivedAt = timePtr(now)
			prev.UpdatedAt = now
			prev.appendAudit(e.audit(actor, ActionRollback, withReason("rolled back to "+VersionLabel(target.Version), reason)))
			change.Puts = append(change.Puts, prev)
		}
		target.Status = StatusActive
		target.ActivatedAt = timePtr(now)
		target.ArchivedAt = nil
		target.IndexingGeneration++
		target.IndexingStatus = IndexingDone
		target.IndexingError = ""
		target.UpdatedAt = now
		target.appendAudit(e.audit(actor, ActionRollback, withReason("restored "+VersionLabel(target.Version), reason)))
		change.Puts = append(change.Puts, target)
		if err := e.commitLocked(ctx, ActionRollback, change); err != nil {
			return err
		}
		logger.Info("版本已回滚: %s", target.ID)
		out = target.clone()
		return nil
	})
	return out, err
}

// SoftDelete 把非生效版本标记为删除 原因原样写入审计
func (e *Engine) SoftDelete(ctx context.Context, id, actor, reason string) (Version, error) {
	var out Version
	err := e.mutate(ctx, "SoftDelete", func(ctx context.Context) error {
		actor := normalizeActor(actor)
		if strings.TrimSpace(reason) == "" {
			return newError(CodeInvalidInput, "delete reason is required")
		}
		v, err := e.store.Get(strings.TrimSpace(id))
		if err != nil {
			return err
		}
		if err := e.authorize(ctx, actor, ActionSoftDelete, v.ID); err != nil {
			return err
		}
		if v.Status == StatusActive {
			return withMeta(newError(CodeInvalidState, "active version %s cannot be deleted", v.ID),
				"id", v.ID, "status", string(v.Status))
		}
		if v.Status == StatusDeleted {
			return withMeta(newError(CodeInvalidState, "version %s is already deleted", v.ID),
				"id", v.ID, "status", string(v.Status))
		}
		now := e.clock.Now()
		v.Status = StatusDeleted
		v.DeletedAt = timePtr(now)
		v.PreprocessGeneration++
		v.UpdatedAt = now
		v.appendAudit(e.audit(actor, ActionSoftDelete, reason))
		if err := e.commitLocked(ctx, ActionSoftDelete, Change{Puts: []Version{v}}); err != nil {
			return err
		}
		logger.Info("版本已删除: %s", v.ID)
		out = v.clone()
		return nil
	})
	return out, err
}

func withReason(message, reason string) string {
	if reason == "" {
		return message
	}
	return message + ": " + reason
}
