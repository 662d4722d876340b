// 本文件用于制度文件版本领域类型定义 统一约束版本实体 附件 审计轨迹与操作输入结构

// 文件职责：定义版本生命周期涉及的全部状态枚举与数据结构
// 关键路径：版本 id 始终由 documentId + version 推导 不单独存储来源
// 边界与容错：实体进出存储时都做深拷贝 调用方拿到的快照不会被并发写入污染

package policy

import (
	"fmt"
	"strings"
	"time"
)

// Status 表示版本生命周期状态
type Status string

const (
	StatusDraft         Status = "DRAFT"
	StatusPendingReview Status = "PENDING_REVIEW"
	StatusActive        Status = "ACTIVE"
	StatusArchived      Status = "ARCHIVED"
	StatusRejected      Status = "REJECTED"
	StatusDeleted       Status = "DELETED"
)

// PreprocessStatus 表示上传文件预处理状态
type PreprocessStatus string

const (
	PreprocessIdle       PreprocessStatus = "IDLE"
	PreprocessProcessing PreprocessStatus = "PROCESSING"
	PreprocessReady      PreprocessStatus = "READY"
	PreprocessFailed     PreprocessStatus = "FAILED"
)

// IndexingStatus 表示发布后检索索引状态
type IndexingStatus string

const (
	IndexingIdle    IndexingStatus = "IDLE"
	IndexingRunning IndexingStatus = "INDEXING"
	IndexingDone    IndexingStatus = "DONE"
	IndexingFailed  IndexingStatus = "FAILED"
)

// AuditAction 表示审计轨迹中的动作类型
type AuditAction string

const (
	ActionCreateDraft     AuditAction = "CREATE_DRAFT"
	ActionUpdateDraft     AuditAction = "UPDATE_DRAFT"
	ActionUploadFile      AuditAction = "UPLOAD_FILE"
	ActionRemoveFile      AuditAction = "REMOVE_FILE"
	ActionPreprocessStart AuditAction = "PREPROCESS_START"
	ActionPreprocessDone  AuditAction = "PREPROCESS_DONE"
	ActionPreprocessFail  AuditAction = "PREPROCESS_FAIL"
	ActionSubmitReview    AuditAction = "SUBMIT_REVIEW"
	ActionReviewApprove   AuditAction = "REVIEW_APPROVE"
	ActionReviewReject    AuditAction = "REVIEW_REJECT"
	ActionIndexStart      AuditAction = "INDEX_START"
	ActionIndexDone       AuditAction = "INDEX_DONE"
	ActionIndexFail       AuditAction = "INDEX_FAIL"
	ActionRollback        AuditAction = "ROLLBACK"
	ActionSoftDelete      AuditAction = "SOFT_DELETE"
)

// SystemActor 是后台任务写入审计时使用的操作人
const SystemActor = "system"

type Attachment struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	SizeBytes  int64     `json:"sizeBytes"`
	MimeType   string    `json:"mimeType"`
	UploadedAt time.Time `json:"uploadedAt"`
}

type PreprocessPreview struct {
	PageCount int    `json:"pageCount"`
	CharCount int    `json:"charCount"`
	Excerpt   string `json:"excerpt"`
}

// AuditEvent 只追加不修改
type AuditEvent struct {
	ID      string      `json:"id"`
	At      time.Time   `json:"at"`
	Actor   string      `json:"actor"`
	Action  AuditAction `json:"action"`
	Message string      `json:"message,omitempty"`
}

// Version 是存储单元 对应某个制度文件的一次具体修订
type Version struct {
	// Key 是实体创建时分配的稳定内部标识 版本号编辑导致 ID 重新生成时保持不变
	Key           string `json:"key"`
	ID            string `json:"id"`
	DocumentID    string `json:"documentId"`
	Version       int    `json:"version"`
	Title         string `json:"title"`
	ChangeSummary string `json:"changeSummary"`
	Status        Status `json:"status"`

	Attachments []Attachment `json:"attachments"`
	// 以下三个字段与首个附件保持同步 兼容旧的单文件读取方
	FileName      string `json:"fileName,omitempty"`
	FileSizeBytes int64  `json:"fileSizeBytes,omitempty"`
	FileMimeType  string `json:"fileMimeType,omitempty"`

	PreprocessStatus     PreprocessStatus   `json:"preprocessStatus"`
	PreprocessError      string             `json:"preprocessError,omitempty"`
	PreprocessPreview    *PreprocessPreview `json:"preprocessPreview,omitempty"`
	PreprocessGeneration uint64             `json:"preprocessGeneration"`

	IndexingStatus     IndexingStatus `json:"indexingStatus"`
	IndexingError      string         `json:"indexingError,omitempty"`
	IndexingGeneration uint64         `json:"indexingGeneration"`

	ReviewRequestedAt *time.Time `json:"reviewRequestedAt,omitempty"`
	ReviewItemID      string     `json:"reviewItemId,omitempty"`

	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	ActivatedAt  *time.Time `json:"activatedAt,omitempty"`
	ArchivedAt   *time.Time `json:"archivedAt,omitempty"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`
	RejectedAt   *time.Time `json:"rejectedAt,omitempty"`
	RejectReason string     `json:"rejectReason,omitempty"`

	Audit []AuditEvent `json:"audit"`
}

// DocumentGroup 是按 documentId 聚合的派生视图 每次提交后整体重建 不允许单独修改
type DocumentGroup struct {
	DocumentID string    `json:"documentId"`
	Title      string    `json:"title"`
	Versions   []Version `json:"versions"`
	Draft      *Version  `json:"draft,omitempty"`
	Pending    *Version  `json:"pending,omitempty"`
	Active     *Version  `json:"active,omitempty"`
	Rejected   *Version  `json:"rejected,omitempty"`
	Deleted    *Version  `json:"deleted,omitempty"`
	Archived   []Version `json:"archived"`
}

type CreateDraftInput struct {
	DocumentID    string
	Title         string
	Version       int
	ChangeSummary string
	Actor         string
}

// UpdateDraftInput 中的 nil 字段表示不修改
type UpdateDraftInput struct {
	Title         *string
	ChangeSummary *string
	Version       *int
	Actor         string
}

type FileInput struct {
	Name      string
	SizeBytes int64
	MimeType  string
}

type RollbackInput struct {
	DocumentID      string
	TargetVersionID string
	Actor           string
	Reason          string
}

// VersionID 由 documentId 与版本号推导实体 id
func VersionID(documentID string, version int) string {
	return fmt.Sprintf("%s@v%d", strings.TrimSpace(documentID), version)
}

// VersionLabel 返回面向评审方展示的版本标签
func VersionLabel(version int) string {
	return fmt.Sprintf("v%d", version)
}

// PrimaryAttachment 返回首个附件
func (v Version) PrimaryAttachment() (Attachment, bool) {
	if len(v.Attachments) == 0 {
		return Attachment{}, false
	}
	return v.Attachments[0], true
}

func (v Version) clone() Version {
	out := v
	if v.Attachments != nil {
		out.Attachments = append([]Attachment(nil), v.Attachments...)
	}
	if v.Audit != nil {
		out.Audit = append([]AuditEvent(nil), v.Audit...)
	}
	if v.PreprocessPreview != nil {
		preview := *v.PreprocessPreview
		out.PreprocessPreview = &preview
	}
	out.ReviewRequestedAt = cloneTime(v.ReviewRequestedAt)
	out.ActivatedAt = cloneTime(v.ActivatedAt)
	out.ArchivedAt = cloneTime(v.ArchivedAt)
	out.DeletedAt = cloneTime(v.DeletedAt)
	out.RejectedAt = cloneTime(v.RejectedAt)
	return out
}

// syncPrimaryFile 把首个附件同步到旧的单文件字段
func (v *Version) syncPrimaryFile() {
	primary, ok := v.PrimaryAttachment()
	if !ok {
		v.FileName = ""
		v.FileSizeBytes = 0
		v.FileMimeType = ""
		return
	}
	v.FileName = primary.Name
	v.FileSizeBytes = primary.SizeBytes
	v.FileMimeType = primary.MimeType
}

// resetPreprocess 使在途预处理任务失效 并清空旧结果
func (v *Version) resetPreprocess() {
	v.PreprocessStatus = PreprocessIdle
	v.PreprocessError = ""
	v.PreprocessPreview = nil
	v.PreprocessGeneration++
}

func (v *Version) appendAudit(event AuditEvent) {
	v.Audit = append(v.Audit, event)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}

func timePtr(t time.Time) *time.Time {
	return &t
}
