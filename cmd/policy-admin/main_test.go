// 本文件用于版本存储管理命令的测试用例
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"policy-store/internal/policy"
	"policy-store/internal/storage"
)

func seedStore(t *testing.T) string {
	t.Helper()
	dataDir := t.TempDir()
	store, err := storage.Open(dataDir)
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	defer store.Close()

	engine := policy.NewEngine(policy.Options{Repository: store, Scheduler: policy.NewManualScheduler()})
	ctx := context.Background()
	draft, err := engine.CreateDraft(ctx, policy.CreateDraftInput{DocumentID: "POL-1", Title: "用印管理办法", Version: 1, Actor: "editor"})
	if err != nil {
		t.Fatalf("create draft failed: %v", err)
	}
	if _, err := engine.AttachFiles(ctx, draft.ID, []policy.FileInput{{Name: "seal.pdf", SizeBytes: 10}}, "editor"); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	return dataDir
}

func TestRunWithArgs_ListText(t *testing.T) {
	dataDir := seedStore(t)
	var stdout, stderr bytes.Buffer

	code := runWithArgs([]string{"-action", "list", "-data", dataDir}, &stdout, &stderr)
	if code != exitCodeOK {
		t.Fatalf("list exit code expected %d, got %d stderr=%s", exitCodeOK, code, stderr.String())
	}
	out := stdout.String()
	if !strings.Contains(out, "versions: 1") || !strings.Contains(out, "POL-1@v1") || !strings.Contains(out, "DRAFT") {
		t.Fatalf("unexpected list output: %s", out)
	}
}

func TestRunWithArgs_AuditJSON(t *testing.T) {
	dataDir := seedStore(t)
	var stdout, stderr bytes.Buffer

	code := runWithArgs([]string{"-action", "audit", "-id", "POL-1@v1", "-format", "json", "-data", dataDir}, &stdout, &stderr)
	if code != exitCodeOK {
		t.Fatalf("audit exit code expected %d, got %d stderr=%s", exitCodeOK, code, stderr.String())
	}
	var events []policy.AuditEvent
	if err := json.Unmarshal(stdout.Bytes(), &events); err != nil {
		t.Fatalf("audit json unmarshal failed: %v, raw=%s", err, stdout.String())
	}
	if len(events) != 2 || events[0].Action != policy.ActionCreateDraft || events[1].Action != policy.ActionUploadFile {
		t.Fatalf("unexpected audit trail: %+v", events)
	}
}

func TestRunWithArgs_AuditUnknownID(t *testing.T) {
	dataDir := seedStore(t)
	var stdout, stderr bytes.Buffer

	code := runWithArgs([]string{"-action", "audit", "-id", "POL-404@v1", "-data", dataDir}, &stdout, &stderr)
	if code != exitCodeStoreErr {
		t.Fatalf("audit exit code expected %d, got %d", exitCodeStoreErr, code)
	}
	if !strings.Contains(stderr.String(), "版本不存在") {
		t.Fatalf("stderr expected missing version, got: %s", stderr.String())
	}
}

func TestRunWithArgs_CheckHealthy(t *testing.T) {
	dataDir := seedStore(t)
	var stdout, stderr bytes.Buffer

	code := runWithArgs([]string{"-action", "check", "-data", dataDir}, &stdout, &stderr)
	if code != exitCodeOK {
		t.Fatalf("check exit code expected %d, got %d", exitCodeOK, code)
	}
	if !strings.Contains(stdout.String(), "status=ok") {
		t.Fatalf("stdout expected status=ok, got: %s", stdout.String())
	}
	if stderr.Len() != 0 {
		t.Fatalf("stderr expected empty, got: %s", stderr.String())
	}
}

func TestRunWithArgs_CheckJSONDegraded(t *testing.T) {
	dataDir := t.TempDir()
	store, err := storage.Open(dataDir)
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	broken := func(key string, n int) policy.Version {
		return policy.Version{
			Key: key, ID: policy.VersionID("POL-2", n), DocumentID: "POL-2", Version: n, Title: "t",
			Status: policy.StatusActive, PreprocessStatus: policy.PreprocessReady, IndexingStatus: policy.IndexingDone,
			CreatedAt: now, UpdatedAt: now, Attachments: []policy.Attachment{},
		}
	}
	if err := store.Commit(context.Background(), policy.Change{Puts: []policy.Version{broken("k1", 1), broken("k2", 2)}}); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	_ = store.Close()

	var stdout, stderr bytes.Buffer
	code := runWithArgs([]string{"-action", "check", "-format", "json", "-data", dataDir}, &stdout, &stderr)
	if code != exitCodeDegraded {
		t.Fatalf("check exit code expected %d, got %d stderr=%s", exitCodeDegraded, code, stderr.String())
	}
	var report checkReport
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		t.Fatalf("check json unmarshal failed: %v, raw=%s", err, stdout.String())
	}
	if report.Status != "degraded" || len(report.Problems) != 1 || !strings.Contains(report.Problems[0], "生效版本") {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestParseOptions_Invalid(t *testing.T) {
	cases := [][]string{
		{"-action", "purge"},
		{"-action", "audit"},
		{"-format", "yaml"},
		{"-data", " "},
	}
	for _, args := range cases {
		var stderr bytes.Buffer
		if _, err := parseOptions(args, &stderr); err == nil {
			t.Fatalf("args %v expected error", args)
		}
	}
}
