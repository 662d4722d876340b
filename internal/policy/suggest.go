// 本文件用于版本号与文档编号建议

package policy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// DefaultDocumentPrefix 是未指定前缀时的文档编号前缀
const DefaultDocumentPrefix = "POL"

// SuggestNextVersion 返回生效版本号加一 没有生效版本时从 1 开始 跳过已被占用的版本号
func (e *Engine) SuggestNextVersion(ctx context.Context, documentID string) (int, error) {
	if err := e.Hydrate(ctx); err != nil {
		return 0, err
	}
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return 0, newError(CodeInvalidInput, "documentId is required")
	}
	siblings := e.store.byDocument(documentID)
	next := 1
	if active, ok := activeOf(siblings); ok {
		next = active.Version + 1
	}
	used := make(map[int]struct{}, len(siblings))
	for _, v := range siblings {
		used[v.Version] = struct{}{}
	}
	for {
		if _, taken := used[next]; !taken {
			return next, nil
		}
		next++
	}
}

// SuggestDocumentID 扫描形如 PREFIX-n 的文档编号并返回最大值加一
// 结果只是建议 并发创建时可能重复 最终以 CreateDraft 的校验为准
func (e *Engine) SuggestDocumentID(ctx context.Context, prefix string) (string, error) {
	if err := e.Hydrate(ctx); err != nil {
		return "", err
	}
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = DefaultDocumentPrefix
	}
	lead := prefix + "-"
	highest := 0
	for _, group := range e.store.Groups() {
		upper := strings.ToUpper(group.DocumentID)
		if !strings.HasPrefix(upper, lead) {
			continue
		}
		n, err := strconv.Atoi(upper[len(lead):])
		if err != nil || n <= 0 {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return fmt.Sprintf("%s-%d", prefix, highest+1), nil
}
