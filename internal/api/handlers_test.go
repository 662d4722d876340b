package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"policy-store/internal/config"
	"policy-store/internal/metrics"
	"policy-store/internal/models"
	"policy-store/internal/policy"
)

type fakeStats struct {
	stats models.JobStats
}

func (f fakeStats) Stats() models.JobStats { return f.stats }

type apiHarness struct {
	h     *handler
	mux   http.Handler
	sched *policy.ManualScheduler
}

func newAPIHarness(t *testing.T, cfg *models.Config, configPath string) *apiHarness {
	t.Helper()
	sched := policy.NewManualScheduler()
	engine := policy.NewEngine(policy.Options{Scheduler: sched})
	h := newHandler(cfg, Deps{
		Engine:     engine,
		Jobs:       fakeStats{stats: models.JobStats{QueueLength: 2, Workers: 3, InFlight: 1, Rejected: 4}},
		Metrics:    metrics.NewCollector(),
		ConfigPath: configPath,
	})
	return &apiHarness{h: h, mux: h.routes(), sched: sched}
}

func (a *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body failed: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(actorHeader, "editor")
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	return rec
}

func decodeVersion(t *testing.T, rec *httptest.ResponseRecorder) policy.Version {
	t.Helper()
	var v policy.Version
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode version failed: %v body=%s", err, rec.Body.String())
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected %d, got %d body=%s", want, rec.Code, rec.Body.String())
	}
}

func TestLifecycleOverHTTP(t *testing.T) {
	a := newAPIHarness(t, &models.Config{}, "")

	rec := a.do(t, http.MethodPost, "/api/drafts", map[string]any{
		"documentId": "POL-7", "title": "采购审批制度", "version": 1, "changeSummary": "首次发布",
	})
	expectStatus(t, rec, http.StatusCreated)
	draft := decodeVersion(t, rec)
	if draft.ID != "POL-7@v1" || draft.Status != policy.StatusDraft {
		t.Fatalf("unexpected draft: %s %s", draft.ID, draft.Status)
	}
	if draft.Audit[0].Actor != "editor" {
		t.Fatalf("actor header not applied: %q", draft.Audit[0].Actor)
	}

	rec = a.do(t, http.MethodPost, "/api/versions/POL-7@v1/files", map[string]any{
		"files": []map[string]any{{"name": "采购审批制度.pdf", "sizeBytes": 2048}},
	})
	expectStatus(t, rec, http.StatusOK)
	if got := decodeVersion(t, rec); got.FileMimeType != "application/pdf" {
		t.Fatalf("mime type = %q, want application/pdf", got.FileMimeType)
	}

	expectStatus(t, a.do(t, http.MethodPost, "/api/versions/POL-7@v1/preprocess", nil), http.StatusAccepted)
	a.sched.RunAll(context.Background())

	rec = a.do(t, http.MethodPost, "/api/versions/POL-7@v1/submit", nil)
	expectStatus(t, rec, http.StatusOK)
	pending := decodeVersion(t, rec)
	if pending.Status != policy.StatusPendingReview || pending.ReviewItemID == "" {
		t.Fatalf("submit result = %s %q", pending.Status, pending.ReviewItemID)
	}

	rec = a.do(t, http.MethodPost, "/api/review/"+pending.ReviewItemID+"/approve", map[string]string{"actor": "reviewer"})
	expectStatus(t, rec, http.StatusOK)
	if got := decodeVersion(t, rec); got.Status != policy.StatusActive {
		t.Fatalf("approve status = %s", got.Status)
	}
	a.sched.RunAll(context.Background())

	rec = a.do(t, http.MethodGet, "/api/versions/POL-7@v1", nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decodeVersion(t, rec); got.IndexingStatus != policy.IndexingDone {
		t.Fatalf("indexing = %s, want DONE", got.IndexingStatus)
	}

	rec = a.do(t, http.MethodGet, "/api/documents/POL-7/next-version", nil)
	expectStatus(t, rec, http.StatusOK)
	var next struct {
		Version int    `json:"version"`
		Label   string `json:"label"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &next); err != nil || next.Version != 2 || next.Label != "v2" {
		t.Fatalf("next version = %+v err=%v", next, err)
	}

	rec = a.do(t, http.MethodGet, "/api/groups", nil)
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"active"`) {
		t.Fatalf("groups should expose active version: %s", rec.Body.String())
	}

	rec = a.do(t, http.MethodGet, "/api/versions?status=active", nil)
	expectStatus(t, rec, http.StatusOK)
	var list struct {
		Items []policy.Version `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list.Items) != 1 {
		t.Fatalf("filtered list = %+v err=%v", list, err)
	}
}

func TestErrorMapping(t *testing.T) {
	a := newAPIHarness(t, &models.Config{}, "")
	expectStatus(t, a.do(t, http.MethodPost, "/api/drafts", map[string]any{"documentId": "POL-1", "title": "t", "version": 1}), http.StatusCreated)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   policy.Code
	}{
		{name: "second draft", method: http.MethodPost, path: "/api/drafts", body: map[string]any{"documentId": "POL-1", "title": "t", "version": 2}, status: http.StatusConflict, code: policy.CodeDraftAlreadyExists},
		{name: "missing", method: http.MethodGet, path: "/api/versions/POL-9@v1", status: http.StatusNotFound, code: policy.CodeNotFound},
		{name: "missing title", method: http.MethodPost, path: "/api/drafts", body: map[string]any{"documentId": "POL-2", "version": 1}, status: http.StatusBadRequest, code: policy.CodeInvalidInput},
		{name: "submit without file", method: http.MethodPost, path: "/api/versions/POL-1@v1/submit", status: http.StatusConflict, code: policy.CodeInvalidState},
		{name: "approve draft", method: http.MethodPost, path: "/api/review/POL-1@v1/approve", status: http.StatusConflict, code: policy.CodeInvalidState},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := a.do(t, tc.method, tc.path, tc.body)
			expectStatus(t, rec, tc.status)
			var payload map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
				t.Fatalf("decode error payload failed: %v", err)
			}
			if payload["code"] != string(tc.code) || payload["error"] == "" {
				t.Fatalf("unexpected error payload: %v", payload)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/drafts", strings.NewReader("{broken"))
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestRollbackRejectDeleteOverHTTP(t *testing.T) {
	a := newAPIHarness(t, &models.Config{}, "")
	activate := func(doc string, version int) {
		t.Helper()
		path := "/api/versions/" + policy.VersionID(doc, version)
		expectStatus(t, a.do(t, http.MethodPost, "/api/drafts", map[string]any{"documentId": doc, "title": "考勤制度", "version": version}), http.StatusCreated)
		expectStatus(t, a.do(t, http.MethodPost, path+"/files", map[string]any{"files": []map[string]any{{"name": doc + "-" + policy.VersionLabel(version) + ".docx"}}}), http.StatusOK)
		expectStatus(t, a.do(t, http.MethodPost, path+"/preprocess", nil), http.StatusAccepted)
		a.sched.RunAll(context.Background())
		expectStatus(t, a.do(t, http.MethodPost, path+"/submit", nil), http.StatusOK)
		expectStatus(t, a.do(t, http.MethodPost, "/api/review/"+policy.VersionID(doc, version)+"/approve", nil), http.StatusOK)
		a.sched.RunAll(context.Background())
	}
	activate("POL-3", 1)
	activate("POL-3", 2)

	rec := a.do(t, http.MethodPost, "/api/documents/POL-3/rollback", map[string]string{"targetVersionId": "POL-3@v1", "reason": "回退"})
	expectStatus(t, rec, http.StatusOK)
	if got := decodeVersion(t, rec); got.ID != "POL-3@v1" || got.Status != policy.StatusActive {
		t.Fatalf("rollback result = %s %s", got.ID, got.Status)
	}

	expectStatus(t, a.do(t, http.MethodPost, "/api/drafts", map[string]any{"documentId": "POL-3", "title": "考勤制度", "version": 3}), http.StatusCreated)
	expectStatus(t, a.do(t, http.MethodPost, "/api/versions/POL-3@v3/files", map[string]any{"files": []map[string]any{{"name": "POL-3-v3.docx"}}}), http.StatusOK)
	expectStatus(t, a.do(t, http.MethodPost, "/api/versions/POL-3@v3/preprocess", nil), http.StatusAccepted)
	a.sched.RunAll(context.Background())
	expectStatus(t, a.do(t, http.MethodPost, "/api/versions/POL-3@v3/submit", nil), http.StatusOK)
	rec = a.do(t, http.MethodPost, "/api/review/POL-3@v3/reject", map[string]string{"actor": "reviewer", "reason": "缺少附表"})
	expectStatus(t, rec, http.StatusOK)
	if got := decodeVersion(t, rec); got.Status != policy.StatusRejected || got.RejectReason != "缺少附表" {
		t.Fatalf("reject result = %s %q", got.Status, got.RejectReason)
	}
	rec = a.do(t, http.MethodPost, "/api/versions/POL-3@v3/delete", map[string]string{"reason": "重复创建"})
	expectStatus(t, rec, http.StatusOK)
	if got := decodeVersion(t, rec); got.Status != policy.StatusDeleted {
		t.Fatalf("delete result = %s", got.Status)
	}
	rec = a.do(t, http.MethodPost, "/api/versions/POL-3@v1/delete", map[string]string{"reason": "误操作"})
	expectStatus(t, rec, http.StatusConflict)
	expectStatus(t, a.do(t, http.MethodPost, "/api/versions/POL-3@v2/delete", nil), http.StatusBadRequest)
}

func TestNextDocumentID(t *testing.T) {
	a := newAPIHarness(t, &models.Config{}, "")
	expectStatus(t, a.do(t, http.MethodPost, "/api/drafts", map[string]any{"documentId": "HR-4", "title": "t", "version": 1}), http.StatusCreated)

	rec := a.do(t, http.MethodGet, "/api/documents/next-id?prefix=hr", nil)
	expectStatus(t, rec, http.StatusOK)
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil || payload["documentId"] != "HR-5" {
		t.Fatalf("next id = %v err=%v", payload, err)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	a := newAPIHarness(t, &models.Config{}, "")
	expectStatus(t, a.do(t, http.MethodPost, "/api/drafts", map[string]any{"documentId": "POL-1", "title": "t", "version": 1}), http.StatusCreated)

	rec := a.do(t, http.MethodGet, "/api/health", nil)
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"workers":3`) || !strings.Contains(rec.Body.String(), `"rejected":4`) {
		t.Fatalf("unexpected health payload: %s", rec.Body.String())
	}

	rec = a.do(t, http.MethodGet, "/metrics", nil)
	expectStatus(t, rec, http.StatusOK)
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Fatalf("unexpected content-type: %s", ct)
	}
	body := rec.Body.String()
	for _, token := range []string{`policy_versions{status="DRAFT"} 1`, "policy_job_workers 3", "policy_job_rejected_total 4"} {
		if !strings.Contains(body, token) {
			t.Fatalf("metrics missing %q: %s", token, body)
		}
	}
}

func TestUpdateJobSettings(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(configPath, []byte("job_workers: 3\njob_queue_size: 100\n"), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	a := newAPIHarness(t, cfg, configPath)

	rec := a.do(t, http.MethodPut, "/api/config/jobs", map[string]any{"preprocessDelay": "2s", "indexFailMarker": "nope", "jobWorkers": 6})
	expectStatus(t, rec, http.StatusOK)
	var resp struct {
		RestartRequired bool            `json:"restartRequired"`
		Settings        jobSettingsView `json:"settings"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !resp.RestartRequired || resp.Settings.PreprocessDelay != "2s" || resp.Settings.JobWorkers != 6 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if got := a.h.engine.JobSettings().IndexFailMarker; got != "nope" {
		t.Fatalf("engine marker = %q, want nope", got)
	}

	reloaded, err := config.LoadConfig(configPath)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.PreprocessDelay != "2s" || reloaded.JobWorkers != 6 || reloaded.IndexFailMarker != "nope" {
		t.Fatalf("runtime config not persisted: %+v", reloaded)
	}

	expectStatus(t, a.do(t, http.MethodPut, "/api/config/jobs", map[string]any{"indexingDelay": "-1s"}), http.StatusBadRequest)
	rec = a.do(t, http.MethodGet, "/api/config/jobs", nil)
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"indexingDelay":"650ms"`) {
		t.Fatalf("rejected update should not change settings: %s", rec.Body.String())
	}
}
