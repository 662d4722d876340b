// 本文件用于生命周期操作的 HTTP 处理函数
// 边界与容错：领域错误按错误码映射状态码 请求体非法统一返回 400

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"policy-store/internal/logger"
	"policy-store/internal/match"
	"policy-store/internal/policy"
)

const (
	actorHeader     = "X-Actor"
	maxRequestBytes = 1 << 20
)

type draftRequest struct {
	DocumentID    string `json:"documentId"`
	Title         string `json:"title"`
	Version       int    `json:"version"`
	ChangeSummary string `json:"changeSummary"`
	Actor         string `json:"actor"`
}

type updateRequest struct {
	Title         *string `json:"title"`
	ChangeSummary *string `json:"changeSummary"`
	Version       *int    `json:"version"`
	Actor         string  `json:"actor"`
}

type fileRequest struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"sizeBytes"`
	MimeType  string `json:"mimeType"`
}

type attachRequest struct {
	Files []fileRequest `json:"files"`
	Actor string        `json:"actor"`
}

type actionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

type rollbackRequest struct {
	TargetVersionID string `json:"targetVersionId"`
	Actor           string `json:"actor"`
	Reason          string `json:"reason"`
}

func (h *handler) listVersions(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Hydrate(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	status := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))
	docID := strings.TrimSpace(r.URL.Query().Get("documentId"))
	items := make([]policy.Version, 0)
	for _, v := range h.engine.ListVersions() {
		if status != "" && string(v.Status) != status {
			continue
		}
		if docID != "" && v.DocumentID != docID {
			continue
		}
		items = append(items, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"revision": h.engine.Revision(),
		"items":    items,
	})
}

func (h *handler) listGroups(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Hydrate(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"revision": h.engine.Revision(),
		"groups":   h.engine.ListGroups(),
	})
}

func (h *handler) getVersion(w http.ResponseWriter, r *http.Request) {
	v, err := h.engine.GetVersion(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) createDraft(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if !decodeBody(w, r, &req) {
		return
	}
	v, err := h.engine.CreateDraft(r.Context(), policy.CreateDraftInput{
		DocumentID:    req.DocumentID,
		Title:         req.Title,
		Version:       req.Version,
		ChangeSummary: req.ChangeSummary,
		Actor:         actorOf(r, req.Actor),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *handler) updateDraft(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	v, err := h.engine.UpdateDraft(r.Context(), r.PathValue("id"), policy.UpdateDraftInput{
		Title:         req.Title,
		ChangeSummary: req.ChangeSummary,
		Version:       req.Version,
		Actor:         actorOf(r, req.Actor),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) attachFiles(w http.ResponseWriter, r *http.Request) {
	var req attachRequest
	if !decodeBody(w, r, &req) {
		return
	}
	files := make([]policy.FileInput, 0, len(req.Files))
	for _, f := range req.Files {
		mimeType := strings.TrimSpace(f.MimeType)
		if mimeType == "" {
			mimeType = match.MimeTypeFor(f.Name)
		}
		files = append(files, policy.FileInput{Name: f.Name, SizeBytes: f.SizeBytes, MimeType: mimeType})
	}
	v, err := h.engine.AttachFiles(r.Context(), r.PathValue("id"), files, actorOf(r, req.Actor))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) removeFile(w http.ResponseWriter, r *http.Request) {
	v, err := h.engine.RemoveFile(r.Context(), r.PathValue("id"), r.PathValue("attachmentId"), actorOf(r, ""))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) runPreprocess(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	v, err := h.engine.RunPreprocess(r.Context(), r.PathValue("id"), actorOf(r, req.Actor))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, v)
}

func (h *handler) submitReview(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	v, err := h.engine.SubmitReviewRequest(r.Context(), r.PathValue("id"), actorOf(r, req.Actor))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) softDelete(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	v, err := h.engine.SoftDelete(r.Context(), r.PathValue("id"), actorOf(r, req.Actor), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) nextVersion(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("documentId")
	next, err := h.engine.SuggestNextVersion(r.Context(), docID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documentId": docID,
		"version":    next,
		"label":      policy.VersionLabel(next),
	})
}

func (h *handler) nextDocumentID(w http.ResponseWriter, r *http.Request) {
	id, err := h.engine.SuggestDocumentID(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"documentId": id})
}

func (h *handler) rollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	v, err := h.engine.Rollback(r.Context(), policy.RollbackInput{
		DocumentID:      r.PathValue("documentId"),
		TargetVersionID: req.TargetVersionID,
		Actor:           actorOf(r, req.Actor),
		Reason:          req.Reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) approve(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	v, err := h.engine.ReviewerApprove(r.Context(), r.PathValue("ref"), actorOf(r, req.Actor))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) reject(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	v, err := h.engine.ReviewerReject(r.Context(), r.PathValue("ref"), actorOf(r, req.Actor), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) retryIndexing(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	v, err := h.engine.RetryIndexing(r.Context(), r.PathValue("ref"), actorOf(r, req.Actor))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, v)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"ok":       true,
		"revision": h.engine.Revision(),
		"versions": h.engine.Store().Len(),
	}
	if h.jobs != nil {
		stats := h.jobs.Stats()
		payload["queue"] = stats.QueueLength
		payload["workers"] = stats.Workers
		payload["inFlight"] = stats.InFlight
		payload["rejected"] = stats.Rejected
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *handler) prometheusMetrics(w http.ResponseWriter, r *http.Request) {
	if h.engine != nil {
		h.metrics.SetStatusCounts(h.engine.ListVersions())
	}
	if h.jobs != nil {
		h.metrics.SetQueueStats(h.jobs.Stats())
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, h.metrics.RenderPrometheus())
}

func actorOf(r *http.Request, fromBody string) string {
	if actor := strings.TrimSpace(fromBody); actor != "" {
		return actor
	}
	return strings.TrimSpace(r.Header.Get(actorHeader))
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload", "code": string(policy.CodeInvalidInput)})
		return false
	}
	return true
}

// decodeOptionalBody 允许空请求体 操作人可以只通过请求头传递
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload", "code": string(policy.CodeInvalidInput)})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	code := policy.CodeOf(err)
	status := code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		logger.Error("API 请求处理失败: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": string(code)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
