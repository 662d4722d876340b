// 本文件用于阿里云 OSS 对象存储实现
// 文件职责：把发布清单写入 OSS 并用 ETag 校验内容完整
// 边界与容错：上传失败显式返回错误 由发布器在下次变更时重试

package publish

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	sdk "github.com/aliyun/aliyun-oss-go-sdk/oss"

	"policy-store/internal/logger"
	"policy-store/internal/models"
)

// OSSStore 封装 OSS SDK Bucket
type OSSStore struct {
	bucket   *sdk.Bucket
	endpoint string
	name     string
}

// NewOSSStore 创建并初始化 OSS 存储
func NewOSSStore(cfg *models.Config) (*OSSStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("oss config is nil")
	}
	logger.Info("初始化OSS客户端...")
	endpoint, err := normalizeOSSEndpoint(cfg.OSSEndpoint)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.OSSBucket) == "" {
		return nil, fmt.Errorf("oss bucket is required")
	}

	var opts []sdk.ClientOption
	if region := strings.TrimSpace(cfg.OSSRegion); region != "" {
		opts = append(opts, sdk.Region(region), sdk.AuthVersion(sdk.AuthV4))
	}
	client, err := sdk.New(endpoint, cfg.OSSAK, cfg.OSSSK, opts...)
	if err != nil {
		return nil, fmt.Errorf("create oss client failed: %w", err)
	}
	bucket, err := client.Bucket(cfg.OSSBucket)
	if err != nil {
		return nil, fmt.Errorf("get oss bucket failed: %w", err)
	}
	logger.Info("OSS客户端初始化成功: %s/%s", endpoint, cfg.OSSBucket)
	return &OSSStore{bucket: bucket, endpoint: endpoint, name: cfg.OSSBucket}, nil
}

// PutObject 上传对象并校验服务端 ETag 与本地 MD5 一致
func (s *OSSStore) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	if s == nil || s.bucket == nil {
		return fmt.Errorf("oss bucket not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	sum := md5.Sum(body)
	localMD5 := hex.EncodeToString(sum[:])

	var header http.Header
	reader := &contextReader{ctx: ctx, reader: bytes.NewReader(body)}
	err := s.bucket.PutObject(key, reader,
		sdk.ContentLength(int64(len(body))),
		sdk.ContentType(contentType),
		sdk.GetResponseHeader(&header),
	)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("oss put %s failed: %w", key, err)
	}
	remote := normalizeETag(header.Get("ETag"))
	if !isValidMD5Hex(remote) {
		return fmt.Errorf("oss returned unusable etag for %s: %q", key, remote)
	}
	if !isETagMatch(localMD5, remote) {
		return fmt.Errorf("oss etag mismatch for %s: local=%s remote=%s", key, localMD5, remote)
	}
	logger.Debug("OSS ETag校验通过: object=%s etag=%s", key, remote)
	return nil
}

// URL 返回对象的虚拟主机风格访问地址
func (s *OSSStore) URL(key string) string {
	if s == nil {
		return ""
	}
	parsed, err := url.Parse(s.endpoint)
	if err != nil || parsed.Host == "" {
		return key
	}
	return parsed.Scheme + "://" + s.name + "." + parsed.Host + "/" + strings.TrimPrefix(key, "/")
}

func normalizeETag(value string) string {
	trimmed := strings.TrimSpace(value)
	trimmed = strings.Trim(trimmed, "\"")
	return strings.ToLower(trimmed)
}

func isValidMD5Hex(value string) bool {
	if len(value) != 32 {
		return false
	}
	for _, ch := range value {
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'a' && ch <= 'f':
		default:
			return false
		}
	}
	return true
}

func isETagMatch(localMD5Hex, remoteETag string) bool {
	local := normalizeETag(localMD5Hex)
	remote := normalizeETag(remoteETag)
	if !isValidMD5Hex(local) || !isValidMD5Hex(remote) {
		return false
	}
	return local == remote
}

// normalizeOSSEndpoint 统一 OSS Endpoint 格式 未带协议时补 https
func normalizeOSSEndpoint(endpoint string) (string, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return "", fmt.Errorf("oss endpoint is required")
	}
	parsed, err := url.Parse(trimmed)
	if err == nil && parsed.Scheme != "" && parsed.Host != "" {
		return strings.TrimSuffix(trimmed, "/"), nil
	}
	parsed, err = url.Parse("//" + trimmed)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("invalid oss endpoint: %s", endpoint)
	}
	return "https://" + parsed.Host + strings.TrimSuffix(parsed.Path, "/"), nil
}

// contextReader 让上传过程响应上下文取消
type contextReader struct {
	ctx    context.Context
	reader io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if r == nil || r.reader == nil {
		return 0, io.EOF
	}
	if r.ctx != nil {
		if err := r.ctx.Err(); err != nil {
			return 0, err
		}
	}
	return r.reader.Read(p)
}
