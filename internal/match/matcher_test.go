package match

import (
	"path/filepath"
	"reflect"
	"testing"
)

// 覆盖后缀解析与匹配逻辑
func TestParseExtList(t *testing.T) {
	exts, err := ParseExtList(".pdf, .DOCX; .xlsx  .pdf")
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	want := []string{".pdf", ".docx", ".xlsx"}
	if !reflect.DeepEqual(exts, want) {
		t.Fatalf("后缀列表不匹配: got=%v want=%v", exts, want)
	}
}

func TestParseExtListInvalid(t *testing.T) {
	if _, err := ParseExtList("pdf"); err == nil {
		t.Fatalf("期望无效后缀返回错误")
	}
}

func TestMatcherMatchExt(t *testing.T) {
	m := NewMatcher(".pdf, .docx")
	if !m.IsTargetFile(filepath.Join("/inbox", "POL-1", "a.PDF")) {
		t.Fatalf("期望匹配后缀 .pdf")
	}
	if m.IsTargetFile(filepath.Join("/inbox", "POL-1", "a.json")) {
		t.Fatalf("期望不匹配后缀 .json")
	}
	if !NewMatcher("").IsTargetFile("any.bin") {
		t.Fatalf("未配置后缀时应全量匹配")
	}
	if NewMatcher("").IsTargetFile("draft.pdf.part") {
		t.Fatalf("临时文件不应匹配")
	}
}

func TestIsTempFile(t *testing.T) {
	cases := []struct {
		name     string
		filePath string
		want     bool
	}{
		{name: "tmp", filePath: "/tmp/a.tmp", want: true},
		{name: "part", filePath: "a.part", want: true},
		{name: "crdownload", filePath: "a.crdownload", want: true},
		{name: "swp", filePath: "a.swp", want: true},
		{name: "office-lock", filePath: "~$制度.docx", want: true},
		{name: "uppercase", filePath: "A.TMP", want: true},
		{name: "similar", filePath: "a.tmpx", want: false},
		{name: "pdf", filePath: "a.pdf", want: false},
		{name: "empty", filePath: "", want: false},
		{name: "root", filePath: "/", want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTempFile(tc.filePath); got != tc.want {
				t.Fatalf("IsTempFile(%q) = %v, want %v", tc.filePath, got, tc.want)
			}
		})
	}
}

func TestMimeTypeFor(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{name: "制度.pdf", want: "application/pdf"},
		{name: "a.DOCX", want: "application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
		{name: "noext", want: DefaultMimeType},
		{name: "a.unknown1", want: DefaultMimeType},
	}
	for _, tc := range cases {
		if got := MimeTypeFor(tc.name); got != tc.want {
			t.Fatalf("MimeTypeFor(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}
