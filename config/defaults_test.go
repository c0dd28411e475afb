package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- DefaultConfig aggregate ---

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEmpty(t, cfg.Storage.SubAreas)
	assert.NotEqual(t, ManifestConfig{}, cfg.Manifest)
	assert.NotEqual(t, WorkflowConfig{}, cfg.Workflow)
	assert.NotEqual(t, LiteratureConfig{}, cfg.Literature)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
	assert.NotEqual(t, DatabaseConfig{}, cfg.Database)
	assert.NotEqual(t, RetryConfig{}, cfg.Retry)
	assert.NotEqual(t, LLMConfig{}, cfg.LLM)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	assert.NotEqual(t, MetricsConfig{}, cfg.Metrics)
}

// --- Individual Default*Config functions ---

func TestDefaultStorageConfig(t *testing.T) {
	cfg := DefaultStorageConfig()
	assert.Empty(t, cfg.Roots)
	assert.Empty(t, cfg.DefaultRoot)
	assert.Len(t, cfg.SubAreas, len(RequiredSubAreas)+3)
	assert.Equal(t, SubAreaLiterature, cfg.SubAreas[SubAreaLiterature])

	// 每次返回独立的映射
	cfg.SubAreas["msa"] = "alignments"
	assert.Equal(t, "msa", DefaultStorageConfig().SubAreas["msa"])
}

func TestDefaultThreadsConfig(t *testing.T) {
	cfg := DefaultThreadsConfig()
	assert.Equal(t, "file", cfg.Backend)
	assert.Equal(t, SubAreaChats, cfg.SubArea)
	assert.Equal(t, 64, cfg.MinBudget)
	assert.InDelta(t, 0.25, cfg.SummaryShare, 1e-9)
	assert.Equal(t, 30*time.Second, cfg.LockTimeout)
	assert.Equal(t, 2*time.Minute, cfg.StaleLockAfter)
	assert.Equal(t, 20000, cfg.MaxCharsPerFile)
	assert.Greater(t, cfg.DefaultBudget, cfg.MinBudget)
}

func TestDefaultManifestAndWorkflowConfig(t *testing.T) {
	m := DefaultManifestConfig()
	assert.Equal(t, SubAreaRuns, m.SubArea)
	assert.False(t, m.IndexEnabled)

	w := DefaultWorkflowConfig()
	assert.Equal(t, "skip_dependents", w.FailurePolicy)
	assert.False(t, w.Parallel)
	assert.Equal(t, 4, w.MaxParallel)
}

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Equal(t, 0, cfg.DB)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, "enzymeflow:", cfg.KeyPrefix)
}

func TestDefaultDatabaseConfig(t *testing.T) {
	cfg := DefaultDatabaseConfig()
	assert.Equal(t, "sqlite", cfg.Driver)
	assert.Equal(t, "enzymeflow.db", cfg.DSN())
	assert.Equal(t, 10, cfg.MaxOpenConns)
	assert.Equal(t, 2, cfg.MaxIdleConns)
	assert.Equal(t, 5*time.Minute, cfg.ConnMaxLifetime)
}

func TestDefaultLLMConfig(t *testing.T) {
	cfg := DefaultLLMConfig()
	assert.Equal(t, "openai", cfg.Provider)
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
	assert.Empty(t, cfg.APIKey)
	assert.Equal(t, 4096, cfg.MaxTokens)
	assert.Equal(t, 2*time.Minute, cfg.Timeout)
}

func TestDefaultLiteratureConfig(t *testing.T) {
	cfg := DefaultLiteratureConfig()
	assert.Contains(t, cfg.BaseURL, "europepmc")
	assert.Equal(t, 25, cfg.PageSize)
	assert.Equal(t, 5, cfg.BreakerThreshold)
	assert.Equal(t, 30*time.Second, cfg.BreakerCooldown)
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 50*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 2*time.Second, cfg.MaxDelay)
	assert.True(t, cfg.Jitter)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.Equal(t, []string{"stderr"}, cfg.OutputPaths)
}

func TestDefaultTelemetryAndMetricsConfig(t *testing.T) {
	tel := DefaultTelemetryConfig()
	assert.False(t, tel.Enabled)
	assert.Equal(t, "enzymeflow", tel.ServiceName)
	assert.InDelta(t, 1.0, tel.SampleRate, 1e-9)

	m := DefaultMetricsConfig()
	assert.False(t, m.Enabled)
	assert.Equal(t, "enzymeflow", m.Namespace)
	assert.Empty(t, m.ListenAddr)
}
