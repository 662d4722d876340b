// 本文件用于版本存储离线管理命令入口
// 只读访问 SQLite 存储 服务运行时也可以执行
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"policy-store/internal/policy"
	"policy-store/internal/storage"
)

const (
	exitCodeOK       = 0
	exitCodeUsage    = 1
	exitCodeStoreErr = 2
	exitCodeDegraded = 3
)

type cliOptions struct {
	dataDir string
	action  string
	id      string
	format  string
}

type checkReport struct {
	Action   string   `json:"action"`
	Status   string   `json:"status"`
	Store    string   `json:"store"`
	Versions int      `json:"versions"`
	Problems []string `json:"problems,omitempty"`
}

func main() {
	os.Exit(runWithArgs(os.Args[1:], os.Stdout, os.Stderr))
}

func runWithArgs(args []string, stdout io.Writer, stderr io.Writer) int {
	options, err := parseOptions(args, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "policy-admin 参数错误: %v\n", err)
		return exitCodeUsage
	}
	code, err := execute(context.Background(), options, stdout)
	if err == nil {
		return code
	}
	fmt.Fprintf(stderr, "policy-admin 执行失败: %v\n", err)
	return code
}

func parseOptions(args []string, stderr io.Writer) (cliOptions, error) {
	fs := flag.NewFlagSet("policy-admin", flag.ContinueOnError)
	fs.SetOutput(stderr)

	dataDir := fs.String("data", "data/policy", "数据目录 与服务配置的 data_dir 一致")
	action := fs.String("action", "list", "操作类型：list|audit|check")
	id := fs.String("id", "", "版本 id 或实体键，action=audit 时必填")
	format := fs.String("format", "text", "输出格式：text|json")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "用法：policy-admin -action <list|audit|check> [-id <versionId>] [-data <dir>] [-format <text|json>]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return cliOptions{}, err
	}

	options := cliOptions{
		dataDir: strings.TrimSpace(*dataDir),
		action:  strings.ToLower(strings.TrimSpace(*action)),
		id:      strings.TrimSpace(*id),
		format:  strings.ToLower(strings.TrimSpace(*format)),
	}
	if options.dataDir == "" {
		fs.Usage()
		return cliOptions{}, fmt.Errorf("-data 不能为空")
	}
	if options.format != "text" && options.format != "json" {
		fs.Usage()
		return cliOptions{}, fmt.Errorf("不支持的 format: %s", options.format)
	}

	switch options.action {
	case "list", "audit", "check":
		if options.action == "audit" && options.id == "" {
			fs.Usage()
			return cliOptions{}, fmt.Errorf("audit 操作必须传入 -id")
		}
		return options, nil
	default:
		fs.Usage()
		return cliOptions{}, fmt.Errorf("不支持的 action: %s", options.action)
	}
}

func execute(ctx context.Context, options cliOptions, stdout io.Writer) (int, error) {
	store, err := storage.Open(options.dataDir)
	if err != nil {
		return exitCodeStoreErr, err
	}
	defer store.Close()

	versions, err := store.Load(ctx)
	if err != nil {
		return exitCodeStoreErr, err
	}
	sort.Slice(versions, func(i, j int) bool {
		if versions[i].DocumentID != versions[j].DocumentID {
			return versions[i].DocumentID < versions[j].DocumentID
		}
		return versions[i].Version < versions[j].Version
	})

	switch options.action {
	case "list":
		return handleList(versions, options.format, stdout)
	case "audit":
		return handleAudit(ctx, store, versions, options, stdout)
	case "check":
		return handleCheck(store.DBPath(), versions, options.format, stdout)
	default:
		return exitCodeUsage, fmt.Errorf("不支持的 action: %s", options.action)
	}
}

func handleList(versions []policy.Version, format string, stdout io.Writer) (int, error) {
	if format == "json" {
		return writeJSONReport(stdout, versions)
	}
	fmt.Fprintf(stdout, "versions: %d\n", len(versions))
	for _, v := range versions {
		fmt.Fprintf(stdout, "%s\t%s\t%s\tpreprocess=%s\tindexing=%s\t%s\n",
			v.ID, policy.VersionLabel(v.Version), v.Status, v.PreprocessStatus, v.IndexingStatus, v.Title)
	}
	return exitCodeOK, nil
}

func handleAudit(ctx context.Context, store *storage.SQLiteStore, versions []policy.Version, options cliOptions, stdout io.Writer) (int, error) {
	key := ""
	for _, v := range versions {
		if v.ID == options.id || v.Key == options.id {
			key = v.Key
			break
		}
	}
	if key == "" {
		return exitCodeStoreErr, fmt.Errorf("版本不存在: %s", options.id)
	}
	events, err := store.AuditTrail(ctx, key)
	if err != nil {
		return exitCodeStoreErr, err
	}
	if options.format == "json" {
		return writeJSONReport(stdout, events)
	}
	fmt.Fprintf(stdout, "audit %s (%s): %d\n", options.id, key, len(events))
	for _, ev := range events {
		fmt.Fprintf(stdout, "%s\t%s\t%s\t%s\n", ev.At.Format("2006-01-02 15:04:05"), ev.Actor, ev.Action, ev.Message)
	}
	return exitCodeOK, nil
}

func handleCheck(dbPath string, versions []policy.Version, format string, stdout io.Writer) (int, error) {
	report := checkReport{
		Action:   "check",
		Status:   "ok",
		Store:    dbPath,
		Versions: len(versions),
		Problems: findProblems(versions),
	}
	code := exitCodeOK
	if len(report.Problems) > 0 {
		report.Status = "degraded"
		code = exitCodeDegraded
	}
	if format == "json" {
		if _, err := writeJSONReport(stdout, report); err != nil {
			return exitCodeStoreErr, err
		}
		return code, nil
	}
	fmt.Fprintf(stdout, "status=%s versions=%d store=%s\n", report.Status, report.Versions, report.Store)
	for _, problem := range report.Problems {
		fmt.Fprintf(stdout, "problem=%s\n", problem)
	}
	return code, nil
}

// findProblems 检查每个文档最多一个生效版本和一个草稿 版本号不重复
func findProblems(versions []policy.Version) []string {
	type counter struct {
		active, draft int
		numbers       map[int]int
	}
	docs := make(map[string]*counter)
	order := make([]string, 0)
	for _, v := range versions {
		c, ok := docs[v.DocumentID]
		if !ok {
			c = &counter{numbers: make(map[int]int)}
			docs[v.DocumentID] = c
			order = append(order, v.DocumentID)
		}
		switch v.Status {
		case policy.StatusActive:
			c.active++
		case policy.StatusDraft:
			c.draft++
		}
		c.numbers[v.Version]++
	}
	var problems []string
	for _, doc := range order {
		c := docs[doc]
		if c.active > 1 {
			problems = append(problems, fmt.Sprintf("%s 存在 %d 个生效版本", doc, c.active))
		}
		if c.draft > 1 {
			problems = append(problems, fmt.Sprintf("%s 存在 %d 个草稿", doc, c.draft))
		}
		for number, n := range c.numbers {
			if n > 1 {
				problems = append(problems, fmt.Sprintf("%s 版本号 %d 重复 %d 次", doc, number, n))
			}
		}
	}
	sort.Strings(problems)
	return problems
}

func writeJSONReport(stdout io.Writer, payload any) (int, error) {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		return exitCodeStoreErr, err
	}
	return exitCodeOK, nil
}
