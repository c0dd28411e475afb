package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.stepRunsTotal)
	assert.NotNil(t, collector.artifactWritesTotal)
	assert.NotNil(t, collector.threadCompactions)
	assert.NotNil(t, collector.llmRequestsTotal)
	assert.NotNil(t, collector.manifestEntries)
}

func TestCollector_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector(nextTestNamespace(), nil)
	})
}

func TestCollector_RecordStep(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordStep("pocket_analysis", "success", 120*time.Millisecond)
	collector.RecordStep("pocket_analysis", "success", 80*time.Millisecond)
	collector.RecordStep("pocket_analysis", "failure", 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.stepRunsTotal.WithLabelValues("pocket_analysis", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.stepRunsTotal.WithLabelValues("pocket_analysis", "failure")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.stepDuration))

	collector.RecordStepTransition("pending", "ready")
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.stepTransitions.WithLabelValues("pending", "ready")))
}

func TestCollector_RecordArtifactWrite(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordArtifactWrite("table", false, 512)
	collector.RecordArtifactWrite("table", true, 512)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.artifactWritesTotal.WithLabelValues("table", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.artifactWritesTotal.WithLabelValues("table", "false")))
	// 去重写入不计字节
	assert.Equal(t, 512.0, testutil.ToFloat64(collector.artifactBytes.WithLabelValues("table")))
}

func TestCollector_RecordThread(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordThreadCompaction("pocket_analysis")
	collector.RecordThreadCorruption("pocket_analysis")
	collector.RecordThreadTurn("pocket_analysis", "user")
	collector.RecordThreadTurn("pocket_analysis", "assistant")

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.threadCompactions.WithLabelValues("pocket_analysis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.threadCorruptions.WithLabelValues("pocket_analysis")))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.threadTurns))
}

func TestCollector_RecordLLMRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordLLMRequest("openai", "gpt-4o", "success", 500*time.Millisecond, 100, 50)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.llmRequestsTotal.WithLabelValues("openai", "gpt-4o", "success")))
	assert.Equal(t, 100.0, testutil.ToFloat64(collector.llmTokensUsed.WithLabelValues("openai", "gpt-4o", "prompt")))
	assert.Equal(t, 50.0, testutil.ToFloat64(collector.llmTokensUsed.WithLabelValues("openai", "gpt-4o", "completion")))
}

func TestCollector_RecordManifestAndDB(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordManifestEntry("success")
	collector.RecordDBConnections("sqlite", 3, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.manifestEntries.WithLabelValues("success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("sqlite")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.dbConnectionsIdle.WithLabelValues("sqlite")))
}

func TestCollector_NilReceiver(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordStep("s", "success", time.Second)
		c.RecordStepTransition("a", "b")
		c.RecordArtifactWrite("table", false, 1)
		c.RecordThreadCompaction("t")
		c.RecordThreadCorruption("t")
		c.RecordThreadTurn("t", "user")
		c.RecordLLMRequest("p", "m", "success", time.Second, 1, 1)
		c.RecordManifestEntry("success")
		c.RecordDBConnections("db", 1, 1)
	})
}
