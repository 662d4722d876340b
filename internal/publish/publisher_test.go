package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"policy-store/internal/policy"
)

type memoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	err     error
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{objects: make(map[string][]byte)}
}

func (m *memoryObjects) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.err != nil {
		return m.err
	}
	m.objects[key] = append([]byte(nil), body...)
	return nil
}

func (m *memoryObjects) get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.objects[key]
	return body, ok
}

func (m *memoryObjects) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func activate(t *testing.T, engine *policy.Engine, sched *policy.ManualScheduler, doc string, version int) policy.Version {
	t.Helper()
	ctx := context.Background()
	draft, err := engine.CreateDraft(ctx, policy.CreateDraftInput{DocumentID: doc, Title: "印章管理制度", Version: version, Actor: "editor"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := engine.AttachFiles(ctx, draft.ID, []policy.FileInput{{Name: doc + "-seal.pdf", SizeBytes: 1024}}, "editor"); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if _, err := engine.RunPreprocess(ctx, draft.ID, "editor"); err != nil {
		t.Fatalf("preprocess failed: %v", err)
	}
	sched.RunAll(ctx)
	if _, err := engine.SubmitReviewRequest(ctx, draft.ID, "editor"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	v, err := engine.ReviewerApprove(ctx, draft.ID, "reviewer")
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	return v
}

func TestPublisher_SyncPublishesOncePerVersion(t *testing.T) {
	sched := policy.NewManualScheduler()
	engine := policy.NewEngine(policy.Options{Scheduler: sched, Intake: policy.NewMemoryIntake()})
	objects := newMemoryObjects()
	p := NewPublisher(engine, objects, "/archive/")
	ctx := context.Background()

	v := activate(t, engine, sched, "POL-1", 1)
	if n, err := p.Sync(ctx); err != nil || n != 0 {
		t.Fatalf("indexing version must not publish yet: n=%d err=%v", n, err)
	}
	sched.RunAll(ctx)

	n, err := p.Sync(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sync = %d, %v; want 1", n, err)
	}
	key := "archive/policies/POL-1/v1.json"
	if p.ObjectKey("POL-1", 1) != key {
		t.Fatalf("object key = %s, want %s", p.ObjectKey("POL-1", 1), key)
	}
	body, ok := objects.get(key)
	if !ok {
		t.Fatalf("manifest not uploaded to %s", key)
	}
	var manifest Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		t.Fatalf("decode manifest failed: %v", err)
	}
	if manifest.VersionID != v.ID || manifest.Version != 1 || len(manifest.Attachments) != 1 || manifest.Preview == nil {
		t.Fatalf("unexpected manifest: %+v", manifest)
	}

	if n, _ := p.Sync(ctx); n != 0 {
		t.Fatalf("second sync should not republish, got %d", n)
	}
}

func TestPublisher_RetriesAfterFailure(t *testing.T) {
	sched := policy.NewManualScheduler()
	engine := policy.NewEngine(policy.Options{Scheduler: sched, Intake: policy.NewMemoryIntake()})
	objects := newMemoryObjects()
	objects.setErr(errors.New("oss unavailable"))
	p := NewPublisher(engine, objects, "")
	ctx := context.Background()

	activate(t, engine, sched, "POL-2", 1)
	sched.RunAll(ctx)
	if _, err := p.Sync(ctx); err == nil {
		t.Fatalf("expected upload error")
	}
	objects.setErr(nil)
	if n, err := p.Sync(ctx); err != nil || n != 1 {
		t.Fatalf("retry sync = %d, %v; want 1", n, err)
	}
	if _, ok := objects.get("policies/POL-2/v1.json"); !ok {
		t.Fatalf("manifest missing after retry")
	}
}

func TestPublisher_RunReactsToChanges(t *testing.T) {
	sched := policy.NewManualScheduler()
	engine := policy.NewEngine(policy.Options{Scheduler: sched, Intake: policy.NewMemoryIntake()})
	objects := newMemoryObjects()
	p := NewPublisher(engine, objects, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	activate(t, engine, sched, "POL-3", 1)
	sched.RunAll(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := objects.get("policies/POL-3/v1.json"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run loop did not publish the active version")
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}
