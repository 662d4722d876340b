// 本文件用于 Prometheus 指标聚合与导出 将版本生命周期指标统一收口便于监控接入

package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"policy-store/internal/models"
	"policy-store/internal/policy"
)

var jobLatencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Collector 聚合运行期指标 并以 Prometheus 文本格式输出
// 实现 policy.Observer
type Collector struct {
	queueLength atomic.Int64
	workers     atomic.Int64
	inFlight    atomic.Int64
	rejected    atomic.Uint64

	inboxAttachTotal  atomic.Uint64
	inboxFailureTotal atomic.Uint64

	mu            sync.RWMutex
	transitions   map[string]uint64
	jobOutcomes   map[jobKey]uint64
	jobLatencySec map[string]*histogram
	statusGauge   map[string]int64
}

type jobKey struct {
	kind    string
	outcome string
}

type histogram struct {
	buckets []float64
	counts  []uint64 // 累计桶计数
	count   uint64
	sum     float64
}

var (
	globalCollector = NewCollector()
)

// Global 返回进程级全局指标收集器
func Global() *Collector {
	return globalCollector
}

// NewCollector 创建指标收集器
func NewCollector() *Collector {
	return &Collector{
		transitions:   make(map[string]uint64),
		jobOutcomes:   make(map[jobKey]uint64),
		jobLatencySec: make(map[string]*histogram),
		statusGauge:   make(map[string]int64),
	}
}

func newHistogram(buckets []float64) *histogram {
	clean := make([]float64, 0, len(buckets))
	for _, bucket := range buckets {
		if bucket <= 0 {
			continue
		}
		clean = append(clean, bucket)
	}
	sort.Float64s(clean)
	return &histogram{
		buckets: clean,
		counts:  make([]uint64, len(clean)),
	}
}

func (h *histogram) observe(v float64) {
	if h == nil {
		return
	}
	for idx, bound := range h.buckets {
		if v <= bound {
			h.counts[idx]++
		}
	}
	h.count++
	h.sum += v
}

func (h *histogram) writePrometheus(builder *strings.Builder, metric string, labels map[string]string) {
	if h == nil {
		return
	}
	for idx, bound := range h.buckets {
		builder.WriteString(metric)
		builder.WriteString("_bucket")
		writeLabels(builder, mergeLabels(labels, map[string]string{"le": trimFloat(bound)}))
		builder.WriteByte(' ')
		builder.WriteString(strconv.FormatUint(h.counts[idx], 10))
		builder.WriteByte('\n')
	}
	builder.WriteString(metric)
	builder.WriteString("_bucket")
	writeLabels(builder, mergeLabels(labels, map[string]string{"le": "+Inf"}))
	builder.WriteByte(' ')
	builder.WriteString(strconv.FormatUint(h.count, 10))
	builder.WriteByte('\n')

	builder.WriteString(metric)
	builder.WriteString("_sum")
	writeLabels(builder, labels)
	builder.WriteByte(' ')
	builder.WriteString(trimFloat(h.sum))
	builder.WriteByte('\n')

	builder.WriteString(metric)
	builder.WriteString("_count")
	writeLabels(builder, labels)
	builder.WriteByte(' ')
	builder.WriteString(strconv.FormatUint(h.count, 10))
	builder.WriteByte('\n')
}

// ObserveTransition 记录一次成功提交的状态迁移
func (c *Collector) ObserveTransition(action policy.AuditAction) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.transitions[string(action)]++
	c.mu.Unlock()
}

// ObserveJob 记录后台任务结果与从调度到完成的耗时
func (c *Collector) ObserveJob(kind policy.JobKind, outcome policy.JobOutcome, latency time.Duration) {
	if c == nil {
		return
	}
	k := normalizeMetricLabel(string(kind))
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobOutcomes[jobKey{kind: k, outcome: normalizeMetricLabel(string(outcome))}]++
	if latency <= 0 {
		return
	}
	h, ok := c.jobLatencySec[k]
	if !ok {
		h = newHistogram(jobLatencyBuckets)
		c.jobLatencySec[k] = h
	}
	h.observe(latency.Seconds())
}

// SetQueueStats 刷新任务队列统计
func (c *Collector) SetQueueStats(stats models.JobStats) {
	if c == nil {
		return
	}
	c.queueLength.Store(int64(stats.QueueLength))
	c.workers.Store(int64(stats.Workers))
	c.inFlight.Store(int64(stats.InFlight))
	c.rejected.Store(stats.Rejected)
}

// SetStatusCounts 用当前快照刷新各状态的版本数量
func (c *Collector) SetStatusCounts(versions []policy.Version) {
	if c == nil {
		return
	}
	counts := map[string]int64{
		string(policy.StatusDraft):         0,
		string(policy.StatusPendingReview): 0,
		string(policy.StatusActive):        0,
		string(policy.StatusArchived):      0,
		string(policy.StatusRejected):      0,
		string(policy.StatusDeleted):       0,
	}
	for _, v := range versions {
		counts[string(v.Status)]++
	}
	c.mu.Lock()
	c.statusGauge = counts
	c.mu.Unlock()
}

// ObserveInbox 记录一次收件目录挂载结果
func (c *Collector) ObserveInbox(ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.inboxAttachTotal.Add(1)
		return
	}
	c.inboxFailureTotal.Add(1)
}

// RenderPrometheus 以 text exposition 格式导出指标
func (c *Collector) RenderPrometheus() string {
	if c == nil {
		return ""
	}
	builder := strings.Builder{}
	builder.Grow(4096)

	writeMetricHeader(&builder, "policy_job_queue_length", "gauge", "Current background job queue length.")
	writeGaugeInt(&builder, "policy_job_queue_length", c.queueLength.Load(), nil)

	writeMetricHeader(&builder, "policy_job_inflight", "gauge", "Current in-flight background jobs.")
	writeGaugeInt(&builder, "policy_job_inflight", c.inFlight.Load(), nil)

	writeMetricHeader(&builder, "policy_job_workers", "gauge", "Current background job workers.")
	writeGaugeInt(&builder, "policy_job_workers", c.workers.Load(), nil)

	writeMetricHeader(&builder, "policy_job_rejected_total", "counter", "Total jobs rejected because the queue was full.")
	writeCounter(&builder, "policy_job_rejected_total", c.rejected.Load(), nil)

	writeMetricHeader(&builder, "policy_inbox_attach_total", "counter", "Total inbox files attached to drafts.")
	writeCounter(&builder, "policy_inbox_attach_total", c.inboxAttachTotal.Load(), nil)

	writeMetricHeader(&builder, "policy_inbox_failure_total", "counter", "Total inbox files that could not be attached.")
	writeCounter(&builder, "policy_inbox_failure_total", c.inboxFailureTotal.Load(), nil)

	transitions := make(map[string]uint64)
	outcomes := make(map[jobKey]uint64)
	latency := make(map[string]histogram)
	statuses := make(map[string]int64)
	c.mu.RLock()
	for k, v := range c.transitions {
		transitions[k] = v
	}
	for k, v := range c.jobOutcomes {
		outcomes[k] = v
	}
	for k, h := range c.jobLatencySec {
		latency[k] = cloneHistogram(h)
	}
	for k, v := range c.statusGauge {
		statuses[k] = v
	}
	c.mu.RUnlock()

	writeMetricHeader(&builder, "policy_versions", "gauge", "Policy versions grouped by lifecycle status.")
	for _, status := range sortedKeys(statuses) {
		writeGaugeInt(&builder, "policy_versions", statuses[status], map[string]string{"status": status})
	}

	writeMetricHeader(&builder, "policy_transitions_total", "counter", "Committed lifecycle transitions grouped by audit action.")
	for _, action := range sortedKeys(transitions) {
		writeCounter(&builder, "policy_transitions_total", transitions[action], map[string]string{"action": action})
	}

	writeMetricHeader(&builder, "policy_job_outcomes_total", "counter", "Background job results grouped by kind and outcome.")
	keys := make([]jobKey, 0, len(outcomes))
	for k := range outcomes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].kind != keys[j].kind {
			return keys[i].kind < keys[j].kind
		}
		return keys[i].outcome < keys[j].outcome
	})
	for _, k := range keys {
		writeCounter(&builder, "policy_job_outcomes_total", outcomes[k], map[string]string{"kind": k.kind, "outcome": k.outcome})
	}

	writeMetricHeader(&builder, "policy_job_duration_seconds", "histogram", "Background job latency from scheduling to completion in seconds.")
	for _, kind := range sortedKeys(latency) {
		h := latency[kind]
		h.writePrometheus(&builder, "policy_job_duration_seconds", map[string]string{"kind": kind})
	}

	return builder.String()
}

func cloneHistogram(h *histogram) histogram {
	if h == nil {
		return histogram{}
	}
	return histogram{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		count:   h.count,
		sum:     h.sum,
	}
}

func writeMetricHeader(builder *strings.Builder, metric, metricType, help string) {
	builder.WriteString("# HELP ")
	builder.WriteString(metric)
	builder.WriteByte(' ')
	builder.WriteString(help)
	builder.WriteByte('\n')
	builder.WriteString("# TYPE ")
	builder.WriteString(metric)
	builder.WriteByte(' ')
	builder.WriteString(metricType)
	builder.WriteByte('\n')
}

func writeCounter(builder *strings.Builder, metric string, value uint64, labels map[string]string) {
	builder.WriteString(metric)
	writeLabels(builder, labels)
	builder.WriteByte(' ')
	builder.WriteString(strconv.FormatUint(value, 10))
	builder.WriteByte('\n')
}

func writeGaugeInt(builder *strings.Builder, metric string, value int64, labels map[string]string) {
	builder.WriteString(metric)
	writeLabels(builder, labels)
	builder.WriteByte(' ')
	builder.WriteString(strconv.FormatInt(value, 10))
	builder.WriteByte('\n')
}

func writeLabels(builder *strings.Builder, labels map[string]string) {
	if len(labels) == 0 {
		return
	}
	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	builder.WriteByte('{')
	for idx, key := range keys {
		if idx > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(key)
		builder.WriteString("=\"")
		builder.WriteString(escapeLabelValue(labels[key]))
		builder.WriteByte('"')
	}
	builder.WriteByte('}')
}

func mergeLabels(base, ext map[string]string) map[string]string {
	if len(base) == 0 && len(ext) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(ext))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range ext {
		merged[key] = value
	}
	return merged
}

func normalizeMetricLabel(value string) string {
	clean := strings.TrimSpace(strings.ToLower(value))
	if clean == "" {
		return "unknown"
	}
	clean = strings.Join(strings.Fields(clean), " ")
	if len(clean) > 120 {
		clean = clean[:120]
	}
	return clean
}

func escapeLabelValue(value string) string {
	replacer := strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"\n", `\n`,
	)
	return replacer.Replace(value)
}

func sortedKeys[V any](items map[string]V) []string {
	keys := make([]string, 0, len(items))
	for key := range items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func trimFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// SnapshotString 仅用于本地调试
func (c *Collector) SnapshotString() string {
	if c == nil {
		return ""
	}
	return fmt.Sprintf(
		"queue=%d workers=%d inflight=%d rejected=%d",
		c.queueLength.Load(),
		c.workers.Load(),
		c.inFlight.Load(),
		c.rejected.Load(),
	)
}
