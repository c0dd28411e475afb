// =============================================================================
// 📦 enzymeflow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("enzymeflow.yaml").
//	    WithEnvPrefix("ENZYMEFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/enzymeflow/types"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 enzymeflow 的完整配置结构
type Config struct {
	// Storage 数据根目录与子区域注册表
	Storage StorageConfig `yaml:"storage" env:"STORAGE"`

	// Threads 对话线程记忆配置
	Threads ThreadsConfig `yaml:"threads" env:"THREADS"`

	// Manifest 运行清单配置
	Manifest ManifestConfig `yaml:"manifest" env:"MANIFEST"`

	// Workflow 编排策略配置
	Workflow WorkflowConfig `yaml:"workflow" env:"WORKFLOW"`

	// LLM 大语言模型配置
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// Literature 文献检索配置
	Literature LiteratureConfig `yaml:"literature" env:"LITERATURE"`

	// Redis 线程存储后端配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 清单索引数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Retry 存储层重试策略
	Retry RetryConfig `yaml:"retry" env:"RETRY"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics Prometheus 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// baseDir 配置文件所在目录，用于解析相对路径的数据根
	baseDir string
}

// StorageConfig 数据根与子区域注册表
type StorageConfig struct {
	// 数据根: 名称 → 基础路径（相对路径以配置文件目录为基准）
	Roots map[string]string `yaml:"roots" env:"ROOTS"`
	// 子区域: 名称 → 相对路径段（在所有数据根下相同）
	SubAreas map[string]string `yaml:"subareas" env:"SUBAREAS"`
	// 默认数据根
	DefaultRoot string `yaml:"default_root" env:"DEFAULT_ROOT"`
}

// ThreadsConfig 线程记忆配置
type ThreadsConfig struct {
	// 后端类型: file, redis
	Backend string `yaml:"backend" env:"BACKEND"`
	// 文件后端使用的子区域
	SubArea string `yaml:"subarea" env:"SUBAREA"`
	// 默认渲染预算（计数单位由 Counter 决定）
	DefaultBudget int `yaml:"default_budget" env:"DEFAULT_BUDGET"`
	// 最小可接受预算
	MinBudget int `yaml:"min_budget" env:"MIN_BUDGET"`
	// 压缩时为摘要预留的预算比例
	SummaryShare float64 `yaml:"summary_share" env:"SUMMARY_SHARE"`
	// 计数方式: chars, tokens
	Counter string `yaml:"counter" env:"COUNTER"`
	// tokens 计数使用的模型
	TokenizerModel string `yaml:"tokenizer_model" env:"TOKENIZER_MODEL"`
	// 是否保留被压缩的原始轮次
	KeepArchive bool `yaml:"keep_archive" env:"KEEP_ARCHIVE"`
	// 获取线程锁的超时时间
	LockTimeout time.Duration `yaml:"lock_timeout" env:"LOCK_TIMEOUT"`
	// 锁文件过期时间
	StaleLockAfter time.Duration `yaml:"stale_lock_after" env:"STALE_LOCK_AFTER"`
	// 上下文包中每个引用文件的最大字符数
	MaxCharsPerFile int `yaml:"max_chars_per_file" env:"MAX_CHARS_PER_FILE"`
}

// ManifestConfig 运行清单配置
type ManifestConfig struct {
	// 清单所在子区域
	SubArea string `yaml:"subarea" env:"SUBAREA"`
	// 是否启用 SQL 索引
	IndexEnabled bool `yaml:"index_enabled" env:"INDEX_ENABLED"`
}

// WorkflowConfig 编排策略
type WorkflowConfig struct {
	// 失败策略: skip_dependents, halt
	FailurePolicy string `yaml:"failure_policy" env:"FAILURE_POLICY"`
	// 是否并发执行相互独立的步骤
	Parallel bool `yaml:"parallel" env:"PARALLEL"`
	// 并发上限
	MaxParallel int `yaml:"max_parallel" env:"MAX_PARALLEL"`
}

// LLMConfig LLM 配置
type LLMConfig struct {
	// 名称（用于日志与指标）
	Provider string `yaml:"provider" env:"PROVIDER"`
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 基础 URL（OpenAI 兼容接口）
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 模型名称
	Model string `yaml:"model" env:"MODEL"`
	// 温度参数
	Temperature float64 `yaml:"temperature" env:"TEMPERATURE"`
	// 最大 Token 数
	MaxTokens int `yaml:"max_tokens" env:"MAX_TOKENS"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 每秒请求数上限
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 突发请求数
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// LiteratureConfig 文献检索配置（Europe PMC）
type LiteratureConfig struct {
	BaseURL        string        `yaml:"base_url" env:"BASE_URL"`
	PageSize       int           `yaml:"page_size" env:"PAGE_SIZE"`
	Timeout        time.Duration `yaml:"timeout" env:"TIMEOUT"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 连续失败多少次后熔断
	BreakerThreshold int `yaml:"breaker_threshold" env:"BREAKER_THRESHOLD"`
	// 熔断后多久允许探测
	BreakerCooldown time.Duration `yaml:"breaker_cooldown" env:"BREAKER_COOLDOWN"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// TLS 是否以 TLS 连接
	TLS bool `yaml:"tls" env:"TLS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: sqlite, postgres, mysql
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 时为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// RetryConfig 存储层重试配置
type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries" env:"MAX_RETRIES"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	Multiplier   float64       `yaml:"multiplier" env:"MULTIPLIER"`
	Jitter       bool          `yaml:"jitter" env:"JITTER"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// /metrics 监听地址（为空则不暴露）
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`
}

// BaseDir 返回解析相对数据根时使用的目录
func (c *Config) BaseDir() string {
	if c.baseDir == "" {
		return "."
	}
	return c.baseDir
}

// SetBaseDir 设置相对路径基准目录
func (c *Config) SetBaseDir(dir string) {
	c.baseDir = dir
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "ENZYMEFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		if abs, err := filepath.Abs(l.configPath); err == nil {
			cfg.baseDir = filepath.Dir(abs)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	cfg.applyFallbacks()

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，未知字段直接拒绝
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return types.NewError(types.ErrInvalidConfig, "failed to parse config file").WithCause(err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}

	case reflect.Map:
		// 支持 "k1=v1,k2=v2" 形式，环境变量中的键会合并进已有映射
		if field.Type().Key().Kind() != reflect.String || field.Type().Elem().Kind() != reflect.String {
			return nil
		}
		if field.IsNil() {
			field.Set(reflect.MakeMap(field.Type()))
		}
		for _, pair := range strings.Split(value, ",") {
			k, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok || strings.TrimSpace(k) == "" {
				return fmt.Errorf("invalid map entry %q (expected key=value)", pair)
			}
			field.SetMapIndex(reflect.ValueOf(strings.TrimSpace(k)), reflect.ValueOf(strings.TrimSpace(val)))
		}
	}

	return nil
}

// applyFallbacks 未声明任何数据根时使用本地 data 目录；只有一个数据根时将其设为默认
func (c *Config) applyFallbacks() {
	if len(c.Storage.Roots) == 0 {
		c.Storage.Roots = map[string]string{DefaultRootName: DefaultRootBase}
	}
	if c.Storage.DefaultRoot == "" && len(c.Storage.Roots) == 1 {
		for name := range c.Storage.Roots {
			c.Storage.DefaultRoot = name
		}
	}
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置。所有问题一次性报告，返回 INVALID_CONFIG 错误。
func (c *Config) Validate() error {
	var errs []string

	if len(c.Storage.Roots) == 0 {
		errs = append(errs, "storage.roots must define at least one data root")
	}
	for name, base := range c.Storage.Roots {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, "storage.roots contains an empty root name")
		}
		if strings.TrimSpace(base) == "" {
			errs = append(errs, fmt.Sprintf("storage.roots.%s has an empty base path", name))
		}
	}
	for name, seg := range c.Storage.SubAreas {
		if err := validateSegment(seg); err != nil {
			errs = append(errs, fmt.Sprintf("storage.subareas.%s: %v", name, err))
		}
	}
	if c.Storage.DefaultRoot != "" {
		if _, ok := c.Storage.Roots[c.Storage.DefaultRoot]; !ok {
			errs = append(errs, fmt.Sprintf("storage.default_root %q is not a declared root", c.Storage.DefaultRoot))
		}
	}

	switch c.Threads.Backend {
	case "file":
		if _, ok := c.Storage.SubAreas[c.Threads.SubArea]; !ok {
			errs = append(errs, fmt.Sprintf("threads.subarea %q is not a declared subarea", c.Threads.SubArea))
		}
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, "redis.addr is required for the redis thread backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("threads.backend %q must be file or redis", c.Threads.Backend))
	}
	if c.Threads.Counter != "chars" && c.Threads.Counter != "tokens" {
		errs = append(errs, fmt.Sprintf("threads.counter %q must be chars or tokens", c.Threads.Counter))
	}
	if c.Threads.MinBudget <= 0 {
		errs = append(errs, "threads.min_budget must be positive")
	}
	if c.Threads.DefaultBudget < c.Threads.MinBudget {
		errs = append(errs, "threads.default_budget must be >= threads.min_budget")
	}
	if c.Threads.SummaryShare <= 0 || c.Threads.SummaryShare >= 1 {
		errs = append(errs, "threads.summary_share must be between 0 and 1")
	}

	if _, ok := c.Storage.SubAreas[c.Manifest.SubArea]; !ok {
		errs = append(errs, fmt.Sprintf("manifest.subarea %q is not a declared subarea", c.Manifest.SubArea))
	}
	if c.Manifest.IndexEnabled {
		switch c.Database.Driver {
		case "sqlite", "postgres", "mysql":
		default:
			errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite, postgres or mysql", c.Database.Driver))
		}
	}

	switch c.Workflow.FailurePolicy {
	case "skip_dependents", "halt":
	default:
		errs = append(errs, fmt.Sprintf("workflow.failure_policy %q must be skip_dependents or halt", c.Workflow.FailurePolicy))
	}

	if c.Retry.MaxRetries < 0 {
		errs = append(errs, "retry.max_retries must not be negative")
	}

	if len(errs) > 0 {
		return types.NewError(types.ErrInvalidConfig,
			fmt.Sprintf("config validation errors: %s", strings.Join(errs, "; ")))
	}

	return nil
}

// validateSegment 子区域路径段必须是相对路径且不能逃逸数据根
func validateSegment(seg string) error {
	if strings.TrimSpace(seg) == "" {
		return errors.New("empty path segment")
	}
	if filepath.IsAbs(seg) {
		return errors.New("path segment must be relative")
	}
	clean := filepath.Clean(seg)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return errors.New("path segment escapes the data root")
	}
	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
