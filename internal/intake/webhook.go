// 本文件用于把评审单推送到外部评审台的 webhook
// 关键路径：SubmitReviewRequest -> Create/Update -> POST JSON -> 解析评审单号
// 边界与容错：配置 secret 时按时间戳加 HMAC-SHA256 签名 非 200 或 errcode 非 0 视为失败

package intake

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"policy-store/internal/logger"
	"policy-store/internal/policy"
)

const (
	actionCreate = "create"
	actionUpdate = "update"

	defaultTimeout = 10 * time.Second
)

// Webhook 是基于 HTTP 回调的评审入口
type Webhook struct {
	webhook string
	secret  string
	client  *http.Client
	now     func() time.Time
}

type request struct {
	Action string                      `json:"action"`
	Item   policy.ReviewItemDescriptor `json:"item"`
}

type response struct {
	ErrCode      int    `json:"errcode"`
	ErrMsg       string `json:"errmsg"`
	ReviewItemID string `json:"reviewItemId"`
}

// NewWebhook 创建评审入口 webhook 为空时返回错误
func NewWebhook(webhook, secret string) (*Webhook, error) {
	webhook = strings.TrimSpace(webhook)
	if webhook == "" {
		return nil, fmt.Errorf("review webhook is empty")
	}
	parsed, err := url.Parse(webhook)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("invalid review webhook: %q", webhook)
	}
	return &Webhook{
		webhook: webhook,
		secret:  strings.TrimSpace(secret),
		client:  &http.Client{Timeout: defaultTimeout},
		now:     time.Now,
	}, nil
}

// Create 创建评审单并返回评审台分配的单号
func (w *Webhook) Create(ctx context.Context, item policy.ReviewItemDescriptor) (string, error) {
	resp, err := w.send(ctx, request{Action: actionCreate, Item: item})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.ReviewItemID) == "" {
		return "", fmt.Errorf("review webhook returned empty reviewItemId")
	}
	logger.Info("评审单已创建: %s -> %s", item.VersionID, resp.ReviewItemID)
	return resp.ReviewItemID, nil
}

// Update 刷新已关联评审单的内容
func (w *Webhook) Update(ctx context.Context, item policy.ReviewItemDescriptor) error {
	if _, err := w.send(ctx, request{Action: actionUpdate, Item: item}); err != nil {
		return err
	}
	logger.Info("评审单已更新: %s -> %s", item.VersionID, item.ReviewItemID)
	return nil
}

func (w *Webhook) send(ctx context.Context, payload request) (response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return response{}, fmt.Errorf("marshal review item failed: %w", err)
	}
	target, err := w.buildWebhookURL()
	if err != nil {
		return response{}, fmt.Errorf("build review webhook url failed: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return response{}, fmt.Errorf("create review request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return response{}, fmt.Errorf("send review request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return response{}, fmt.Errorf("review webhook status %d", resp.StatusCode)
	}
	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return response{}, fmt.Errorf("decode review response failed: %w", err)
	}
	if out.ErrCode != 0 {
		return response{}, fmt.Errorf("review webhook error: %d %s", out.ErrCode, out.ErrMsg)
	}
	return out, nil
}

// 配置 secret 时在 query 中追加 timestamp 与 sign 评审台据此校验来源
func (w *Webhook) buildWebhookURL() (string, error) {
	if w.secret == "" {
		return w.webhook, nil
	}
	timestamp := w.now().UnixMilli()
	parsed, err := url.Parse(w.webhook)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Set("timestamp", fmt.Sprintf("%d", timestamp))
	query.Set("sign", sign(timestamp, w.secret))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func sign(timestamp int64, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = fmt.Fprintf(mac, "%d\n%s", timestamp, secret)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
