package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// tickClock 每次读取前进一秒 保证审计时间严格递增
type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTickClock() *tickClock {
	return &tickClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID(prefix string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", prefix, g.n)
}

type testHarness struct {
	engine *Engine
	sched  *ManualScheduler
	intake *MemoryIntake
	ctx    context.Context
}

func newHarness(t *testing.T, mutate ...func(*Options)) *testHarness {
	t.Helper()
	sched := NewManualScheduler()
	intake := NewMemoryIntake()
	opts := Options{
		Scheduler: sched,
		Intake:    intake,
		Clock:     newTickClock(),
		IDs:       &seqIDs{},
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	return &testHarness{
		engine: NewEngine(opts),
		sched:  sched,
		intake: intake,
		ctx:    context.Background(),
	}
}

func (h *testHarness) draft(t *testing.T, documentID string, version int) Version {
	t.Helper()
	v, err := h.engine.CreateDraft(h.ctx, CreateDraftInput{
		DocumentID:    documentID,
		Title:         "差旅报销制度",
		Version:       version,
		ChangeSummary: "调整住宿标准",
		Actor:         "editor",
	})
	if err != nil {
		t.Fatalf("create draft %s v%d failed: %v", documentID, version, err)
	}
	return v
}

// ready 创建草稿 上传附件并完成预处理
func (h *testHarness) ready(t *testing.T, documentID string, version int) Version {
	t.Helper()
	v := h.draft(t, documentID, version)
	name := fmt.Sprintf("%s-v%d.pdf", documentID, version)
	if _, err := h.engine.AttachFiles(h.ctx, v.ID, []FileInput{{Name: name, SizeBytes: 100 * 1024, MimeType: "application/pdf"}}, "editor"); err != nil {
		t.Fatalf("attach files failed: %v", err)
	}
	if _, err := h.engine.RunPreprocess(h.ctx, v.ID, "editor"); err != nil {
		t.Fatalf("run preprocess failed: %v", err)
	}
	h.sched.RunAll(h.ctx)
	got := h.get(t, v.ID)
	if got.PreprocessStatus != PreprocessReady {
		t.Fatalf("preprocess status = %s, want READY", got.PreprocessStatus)
	}
	return got
}

// active 走完整审批流程并完成索引
func (h *testHarness) active(t *testing.T, documentID string, version int) Version {
	t.Helper()
	v := h.ready(t, documentID, version)
	if _, err := h.engine.SubmitReviewRequest(h.ctx, v.ID, "editor"); err != nil {
		t.Fatalf("submit review failed: %v", err)
	}
	if _, err := h.engine.ReviewerApprove(h.ctx, v.ID, "reviewer"); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	h.sched.RunAll(h.ctx)
	return h.get(t, v.ID)
}

func (h *testHarness) get(t *testing.T, id string) Version {
	t.Helper()
	v, err := h.engine.GetVersion(h.ctx, id)
	if err != nil {
		t.Fatalf("get version %s failed: %v", id, err)
	}
	return v
}

func assertCode(t *testing.T, err error, want Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := CodeOf(err); got != want {
		t.Fatalf("error code = %s, want %s (%v)", got, want, err)
	}
}

func countActions(v Version, action AuditAction) int {
	n := 0
	for _, ev := range v.Audit {
		if ev.Action == action {
			n++
		}
	}
	return n
}

func lastAction(v Version) AuditAction {
	if len(v.Audit) == 0 {
		return ""
	}
	return v.Audit[len(v.Audit)-1].Action
}

// failingRepo 记录提交 在 fail 为 true 时拒绝写入 loadErrs 大于 0 时加载失败并递减
type failingRepo struct {
	mu       sync.Mutex
	fail     bool
	loadErrs int
	loaded   []Version
	commits  []Change
}

func (r *failingRepo) Load(context.Context) ([]Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loadErrs > 0 {
		r.loadErrs--
		return nil, errors.New("database locked")
	}
	return r.loaded, nil
}

func (r *failingRepo) Commit(_ context.Context, change Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("disk full")
	}
	r.commits = append(r.commits, change)
	return nil
}
