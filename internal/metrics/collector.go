// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
// nil *Collector 的所有 Record* 方法均为空操作，调用方无需判空。
type Collector struct {
	// 步骤指标
	stepRunsTotal   *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	stepTransitions *prometheus.CounterVec

	// 产物指标
	artifactWritesTotal *prometheus.CounterVec
	artifactBytes       *prometheus.CounterVec

	// 会话记忆指标
	threadCompactions *prometheus.CounterVec
	threadCorruptions *prometheus.CounterVec
	threadTurns       *prometheus.CounterVec

	// LLM 指标
	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmTokensUsed      *prometheus.CounterVec

	// 文献检索指标
	literatureRequests *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec

	// 运行清单指标
	manifestEntries *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 步骤指标
	c.stepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_runs_total",
			Help:      "Total number of step executions by terminal status",
		},
		[]string{"step", "status"},
	)

	c.stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step execution duration in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"step"},
	)

	c.stepTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_state_transitions_total",
			Help:      "Total number of step state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	// 产物指标
	c.artifactWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_writes_total",
			Help:      "Total number of artifact writes",
		},
		[]string{"kind", "deduplicated"},
	)

	c.artifactBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_bytes_total",
			Help:      "Total bytes of newly stored artifact versions",
		},
		[]string{"kind"},
	)

	// 会话记忆指标
	c.threadCompactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "thread_compactions_total",
			Help:      "Total number of thread compactions",
		},
		[]string{"process_tag"},
	)

	c.threadCorruptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "thread_corruptions_total",
			Help:      "Total number of quarantined thread documents",
		},
		[]string{"process_tag"},
	)

	c.threadTurns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "thread_turns_total",
			Help:      "Total number of appended turns",
		},
		[]string{"process_tag", "role"},
	)

	// LLM 指标
	c.llmRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM requests",
		},
		[]string{"provider", "model", "status"},
	)

	c.llmRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	c.llmTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"provider", "model", "type"}, // type: prompt, completion
	)

	// 文献检索指标
	c.literatureRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "literature_requests_total",
			Help:      "Total number of literature source queries",
		},
		[]string{"source", "status"},
	)

	c.breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "literature_breaker_state",
			Help:      "Circuit breaker state per literature source (0 closed, 1 open, 2 half-open)",
		},
		[]string{"source"},
	)

	// 运行清单指标
	c.manifestEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manifest_entries_total",
			Help:      "Total number of recorded manifest entries",
		},
		[]string{"status"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 步骤指标记录
// =============================================================================

// RecordStep 记录一次步骤执行的终态与耗时
func (c *Collector) RecordStep(stepID, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.stepRunsTotal.WithLabelValues(stepID, status).Inc()
	c.stepDuration.WithLabelValues(stepID).Observe(duration.Seconds())
}

// RecordStepTransition 记录步骤状态转换
func (c *Collector) RecordStepTransition(from, to string) {
	if c == nil {
		return
	}
	c.stepTransitions.WithLabelValues(from, to).Inc()
}

// =============================================================================
// 📦 产物指标记录
// =============================================================================

// RecordArtifactWrite 记录产物写入；deduplicated 表示内容已存在未新增版本
func (c *Collector) RecordArtifactWrite(kind string, deduplicated bool, size int64) {
	if c == nil {
		return
	}
	c.artifactWritesTotal.WithLabelValues(kind, strconv.FormatBool(deduplicated)).Inc()
	if !deduplicated {
		c.artifactBytes.WithLabelValues(kind).Add(float64(size))
	}
}

// =============================================================================
// 🧵 会话记忆指标记录
// =============================================================================

// RecordThreadCompaction 记录一次会话压缩
func (c *Collector) RecordThreadCompaction(processTag string) {
	if c == nil {
		return
	}
	c.threadCompactions.WithLabelValues(processTag).Inc()
}

// RecordThreadCorruption 记录一次损坏文档的隔离
func (c *Collector) RecordThreadCorruption(processTag string) {
	if c == nil {
		return
	}
	c.threadCorruptions.WithLabelValues(processTag).Inc()
}

// RecordThreadTurn 记录追加的轮次
func (c *Collector) RecordThreadTurn(processTag, role string) {
	if c == nil {
		return
	}
	c.threadTurns.WithLabelValues(processTag, role).Inc()
}

// =============================================================================
// 🤖 LLM 指标记录
// =============================================================================

// RecordLLMRequest 记录 LLM 请求
func (c *Collector) RecordLLMRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int) {
	if c == nil {
		return
	}
	c.llmRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.llmRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	c.llmTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.llmTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

// =============================================================================
// 📚 文献检索指标记录
// =============================================================================

// RecordLiteratureRequest 记录一次文献源查询
func (c *Collector) RecordLiteratureRequest(source, status string) {
	if c == nil {
		return
	}
	c.literatureRequests.WithLabelValues(source, status).Inc()
}

// RecordBreakerState 记录熔断器状态
func (c *Collector) RecordBreakerState(source string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(source).Set(float64(state))
}

// =============================================================================
// 🗒️ 清单与数据库指标记录
// =============================================================================

// RecordManifestEntry 记录一条清单条目
func (c *Collector) RecordManifestEntry(status string) {
	if c == nil {
		return
	}
	c.manifestEntries.WithLabelValues(status).Inc()
}

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}
