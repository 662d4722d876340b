// 本文件用于收件目录监控相关测试
package inbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"policy-store/internal/policy"
)

func newEngineWithDraft(t *testing.T, docID string) (*policy.Engine, policy.Version) {
	t.Helper()
	engine := policy.NewEngine(policy.Options{
		Scheduler: policy.NewManualScheduler(),
		Intake:    policy.NewMemoryIntake(),
	})
	draft, err := engine.CreateDraft(context.Background(), policy.CreateDraftInput{DocumentID: docID, Title: "报销制度", Version: 1, Actor: "editor"})
	if err != nil {
		t.Fatalf("create draft failed: %v", err)
	}
	return engine, draft
}

func TestWatcher_AttachesSettledFile(t *testing.T) {
	root := t.TempDir()
	docDir := filepath.Join(root, "POL-1")
	if err := os.MkdirAll(docDir, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	engine, draft := newEngineWithDraft(t, "POL-1")

	w, err := NewWatcher(root, ".pdf,.docx", 50*time.Millisecond, engine)
	if err != nil {
		t.Fatalf("new watcher failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer w.Close()

	for _, name := range []string{"ignored.json", "partial.pdf.part", "报销.pdf"} {
		if err := os.WriteFile(filepath.Join(docDir, name), []byte("content"), 0o644); err != nil {
			t.Fatalf("write %s failed: %v", name, err)
		}
	}

	waitUntil(t, 3*time.Second, func() bool {
		v, err := engine.GetVersion(context.Background(), draft.ID)
		return err == nil && len(v.Attachments) == 1
	}, "expected settled file attached")

	time.Sleep(150 * time.Millisecond)
	v, err := engine.GetVersion(context.Background(), draft.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(v.Attachments) != 1 {
		t.Fatalf("only the allowed file should be attached: %+v", v.Attachments)
	}
	att := v.Attachments[0]
	if att.Name != "报销.pdf" || att.MimeType != "application/pdf" || att.SizeBytes != int64(len("content")) {
		t.Fatalf("unexpected attachment: %+v", att)
	}
	if v.Audit[len(v.Audit)-1].Actor != Actor {
		t.Fatalf("attachment should be audited as %s", Actor)
	}
}

func TestWatcher_AttachWithoutDraft(t *testing.T) {
	root := t.TempDir()
	engine, _ := newEngineWithDraft(t, "POL-1")
	w, err := NewWatcher(root, "", time.Second, engine)
	if err != nil {
		t.Fatalf("new watcher failed: %v", err)
	}
	defer w.Close()

	dir := filepath.Join(root, "POL-2")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	path := filepath.Join(dir, "a.pdf")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := w.attach(context.Background(), path); err == nil {
		t.Fatalf("document without draft should fail")
	}
}

func TestWatcher_DocumentOf(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "inbox")
	w := &Watcher{root: root}
	cases := []struct {
		name string
		path string
		doc  string
		ok   bool
	}{
		{name: "document-file", path: filepath.Join(root, "POL-1", "a.pdf"), doc: "POL-1", ok: true},
		{name: "root-file", path: filepath.Join(root, "a.pdf"), ok: false},
		{name: "nested", path: filepath.Join(root, "POL-1", "sub", "a.pdf"), ok: false},
		{name: "outside", path: filepath.Join(string(filepath.Separator), "other", "POL-1", "a.pdf"), ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc, ok := w.documentOf(tc.path)
			if ok != tc.ok || doc != tc.doc {
				t.Fatalf("documentOf(%q) = (%q, %v), want (%q, %v)", tc.path, doc, ok, tc.doc, tc.ok)
			}
		})
	}
}

func TestNewWatcher_RejectsInvalidExt(t *testing.T) {
	engine, _ := newEngineWithDraft(t, "POL-1")
	if _, err := NewWatcher(t.TempDir(), "pdf", 0, engine); err == nil {
		t.Fatalf("invalid extension list should fail")
	}
	if _, err := NewWatcher("", ".pdf", 0, engine); err == nil {
		t.Fatalf("empty inbox dir should fail")
	}
}

func waitUntil(t *testing.T, timeout time.Duration, fn func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(message)
}
