// 本文件用于附件后缀白名单与 MIME 类型推断
package match

import (
	"mime"
	"path/filepath"
	"strings"
)

// DefaultMimeType 无法识别后缀时使用的类型
const DefaultMimeType = "application/octet-stream"

// officeTypes 常见制度文件类型 不依赖宿主机的 mime 表
var officeTypes = map[string]string{
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".txt":  "text/plain; charset=utf-8",
	".md":   "text/markdown; charset=utf-8",
	".wps":  "application/vnd.ms-works",
}

// tempSuffixes 下载或编辑器生成的临时文件
var tempSuffixes = []string{".tmp", ".part", ".crdownload", ".download", ".swp", ".swx", ".swpx"}

// Matcher 负责后缀匹配
// extSet 采用 map 查表
type Matcher struct {
	extSet map[string]struct{}
}

// NewMatcher 创建后缀匹配器 非法后缀在配置校验阶段已被拒绝 这里直接忽略
func NewMatcher(fileExt string) *Matcher {
	exts, _ := ParseExtList(fileExt)
	return &Matcher{extSet: buildExtSet(exts)}
}

// IsTargetFile 判断路径是否符合后缀规则
// 未配置后缀时返回 true 临时文件总是返回 false
func (m *Matcher) IsTargetFile(filePath string) bool {
	if IsTempFile(filePath) {
		return false
	}
	if m == nil || len(m.extSet) == 0 {
		return true
	}
	_, ok := m.extSet[strings.ToLower(filepath.Ext(filePath))]
	return ok
}

// Exts 返回归一化后的后缀列表
func (m *Matcher) Exts() []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m.extSet))
	for ext := range m.extSet {
		out = append(out, ext)
	}
	return out
}

// MimeTypeFor 按文件名推断 MIME 类型
func MimeTypeFor(name string) string {
	ext := strings.ToLower(filepath.Ext(strings.TrimSpace(name)))
	if ext == "" {
		return DefaultMimeType
	}
	if typ, ok := officeTypes[ext]; ok {
		return typ
	}
	if typ := mime.TypeByExtension(ext); typ != "" {
		return typ
	}
	return DefaultMimeType
}

// IsTempFile 判断是否为临时文件
func IsTempFile(filePath string) bool {
	base := strings.ToLower(filepath.Base(filePath))
	if base == "" || base == "." || base == "/" {
		return false
	}
	for _, suffix := range tempSuffixes {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	// office 锁文件
	return strings.HasPrefix(base, "~$")
}

// ParseExtList 解析并归一化后缀列表
// 在配置加载阶段提前拒绝非法后缀
func ParseExtList(raw string) ([]string, error) {
	parts := splitList(raw)
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{})
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, ".") || trimmed == "." {
			return nil, ErrInvalidExt{Value: trimmed}
		}
		normalized := strings.ToLower(trimmed)
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out, nil
}

// ErrInvalidExt 表示无效后缀
type ErrInvalidExt struct {
	Value string
}

func (e ErrInvalidExt) Error() string {
	if e.Value == "" {
		return "attachment extension must not be empty"
	}
	return "attachment extension must start with '.': " + e.Value
}

func buildExtSet(exts []string) map[string]struct{} {
	out := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		out[ext] = struct{}{}
	}
	return out
}

// splitList 支持逗号 分号和空白混合分隔
func splitList(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\n', '\r', '\t':
			return true
		default:
			return false
		}
	})
}
