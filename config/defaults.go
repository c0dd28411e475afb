// =============================================================================
// 📦 enzymeflow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// 默认数据根（未声明任何数据根时启用）
const (
	DefaultRootName = "local"
	DefaultRootBase = "data"
)

// 内部组件使用的子区域名称
const (
	SubAreaChats      = "chats"
	SubAreaRuns       = "runs"
	SubAreaLiterature = "literature"
)

// RequiredSubAreas 研究步骤依赖的标准子区域
var RequiredSubAreas = []string{"sequences", "msa", "pdb", "sce", "expdata", "processed"}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Storage:    DefaultStorageConfig(),
		Threads:    DefaultThreadsConfig(),
		Manifest:   DefaultManifestConfig(),
		Workflow:   DefaultWorkflowConfig(),
		LLM:        DefaultLLMConfig(),
		Literature: DefaultLiteratureConfig(),
		Redis:      DefaultRedisConfig(),
		Database:   DefaultDatabaseConfig(),
		Retry:      DefaultRetryConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
		Metrics:    DefaultMetricsConfig(),
	}
}

// DefaultStorageConfig 返回默认存储配置。数据根不设默认值，YAML 中的映射会与默认子区域合并。
func DefaultStorageConfig() StorageConfig {
	subareas := make(map[string]string, len(RequiredSubAreas)+3)
	for _, name := range RequiredSubAreas {
		subareas[name] = name
	}
	subareas[SubAreaChats] = SubAreaChats
	subareas[SubAreaRuns] = SubAreaRuns
	subareas[SubAreaLiterature] = SubAreaLiterature
	return StorageConfig{
		SubAreas: subareas,
	}
}

// DefaultThreadsConfig 返回默认线程记忆配置
func DefaultThreadsConfig() ThreadsConfig {
	return ThreadsConfig{
		Backend:         "file",
		SubArea:         SubAreaChats,
		DefaultBudget:   12000,
		MinBudget:       64,
		SummaryShare:    0.25,
		Counter:         "chars",
		TokenizerModel:  "gpt-4o",
		KeepArchive:     true,
		LockTimeout:     30 * time.Second,
		StaleLockAfter:  2 * time.Minute,
		MaxCharsPerFile: 20000,
	}
}

// DefaultManifestConfig 返回默认清单配置
func DefaultManifestConfig() ManifestConfig {
	return ManifestConfig{
		SubArea:      SubAreaRuns,
		IndexEnabled: false,
	}
}

// DefaultWorkflowConfig 返回默认编排配置
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		FailurePolicy: "skip_dependents",
		Parallel:      false,
		MaxParallel:   4,
	}
}

// DefaultLLMConfig 返回默认 LLM 配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:       "openai",
		APIKey:         "",
		BaseURL:        "https://api.openai.com",
		Model:          "gpt-4o-mini",
		Temperature:    0.2,
		MaxTokens:      4096,
		Timeout:        2 * time.Minute,
		MaxRetries:     3,
		RateLimitRPS:   1,
		RateLimitBurst: 2,
	}
}

// DefaultLiteratureConfig 返回默认文献检索配置
func DefaultLiteratureConfig() LiteratureConfig {
	return LiteratureConfig{
		BaseURL:          "https://www.ebi.ac.uk/europepmc/webservices/rest",
		PageSize:         25,
		Timeout:          30 * time.Second,
		RateLimitRPS:     5,
		RateLimitBurst:   5,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		Password:  "",
		DB:        0,
		PoolSize:  10,
		KeyPrefix: "enzymeflow:",
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "enzymeflow",
		Password:        "",
		Name:            "enzymeflow.db",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultRetryConfig 返回默认存储层重试配置
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "console",
		OutputPaths:      []string{"stderr"},
		EnableCaller:     false,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "enzymeflow",
		SampleRate:   1.0,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:    false,
		Namespace:  "enzymeflow",
		ListenAddr: "",
	}
}
