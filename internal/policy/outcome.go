// 本文件用于模拟任务的确定性结果 结果只取决于实体内容

package policy

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	previewBytesPerPage = 48 * 1024
	previewMaxPages     = 999
	previewCharsPerPage = 1800
	previewCharsPerRune = 7
)

// buildPreview 按附件总大小估算页数 字数包含标题权重
func buildPreview(v Version) PreprocessPreview {
	var total int64
	for _, att := range v.Attachments {
		if att.SizeBytes > 0 {
			total += att.SizeBytes
		}
	}
	pages := int((total + previewBytesPerPage - 1) / previewBytesPerPage)
	if pages < 1 {
		pages = 1
	}
	if pages > previewMaxPages {
		pages = previewMaxPages
	}
	return PreprocessPreview{
		PageCount: pages,
		CharCount: pages*previewCharsPerPage + utf8.RuneCountInString(v.Title)*previewCharsPerRune,
		Excerpt:   fmt.Sprintf("%s (%s) %s: extracted text preview", v.Title, VersionLabel(v.Version), v.DocumentID),
	}
}

// preprocessFailure 首个附件名包含失败标记时返回错误信息
func preprocessFailure(v Version, marker string) (string, bool) {
	primary, ok := v.PrimaryAttachment()
	if !ok {
		return "no attachment to preprocess", true
	}
	if containsFold(primary.Name, marker) {
		return fmt.Sprintf("failed to extract text from %s", primary.Name), true
	}
	return "", false
}

// indexingFailure 变更说明包含失败标记时返回错误信息
func indexingFailure(v Version, marker string) (string, bool) {
	if containsFold(v.ChangeSummary, marker) {
		return fmt.Sprintf("search index rejected %s", v.ID), true
	}
	return "", false
}

func containsFold(text, marker string) bool {
	if marker == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(marker))
}
