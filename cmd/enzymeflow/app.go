package main

import (
	"context"
	"regexp"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/enzymeflow/artifacts"
	"github.com/BaSui01/enzymeflow/config"
	"github.com/BaSui01/enzymeflow/internal/database"
	"github.com/BaSui01/enzymeflow/internal/metrics"
	"github.com/BaSui01/enzymeflow/internal/retry"
	"github.com/BaSui01/enzymeflow/manifest"
	"github.com/BaSui01/enzymeflow/threads"
	"github.com/BaSui01/enzymeflow/types"
)

// runIDPattern 运行 ID 同时用作线程 ID 与清单目录名
var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

func validateRunID(id string) error {
	if !runIDPattern.MatchString(id) {
		return types.Errorf(types.ErrInvalidInput, "run id %q must match %s", id, runIDPattern)
	}
	return nil
}

// app 一次命令调用装配出的共享组件
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	resolver  *config.Resolver
	collector *metrics.Collector
	root      string
	closers   []func()
}

// loadApp 加载并校验配置，构建日志与路径解析器
func loadApp(opts *globalOptions) (*app, error) {
	cfg, err := config.NewLoader().
		WithConfigPath(opts.configPath).
		WithValidator(func(c *config.Config) error { return c.Validate() }).
		Load()
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	logger := initLogger(cfg.Log)

	resolver, err := config.NewResolverFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	root := opts.root
	if root == "" {
		root = resolver.DefaultRoot()
	}
	if _, err := resolver.RootPath(root); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, resolver: resolver, root: root}
	if cfg.Metrics.Enabled {
		a.collector = metrics.NewCollector(cfg.Metrics.Namespace, logger)
	}
	a.onClose(func() { _ = logger.Sync() })
	return a, nil
}

// onClose 登记在 close 时逆序执行的清理
func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) store() *artifacts.Store {
	return artifacts.NewStore(a.resolver,
		artifacts.WithLogger(a.logger),
		artifacts.WithMetrics(a.collector),
		artifacts.WithRetryPolicy(retry.PolicyFromConfig(a.cfg.Retry)))
}

// memory 打开线程存储并组装线程记忆
func (a *app) memory(ctx context.Context, extra ...threads.Option) (*threads.Memory, error) {
	store, err := threads.NewStoreFromConfig(ctx, a.cfg, a.root, a.logger)
	if err != nil {
		return nil, err
	}
	a.onClose(func() { _ = store.Close() })
	return threads.NewMemoryFromConfig(store, a.cfg, a.logger, a.collector, extra...)
}

// index 打开清单 SQL 索引
func (a *app) index(ctx context.Context) (*manifest.Index, error) {
	pool, err := database.Open(a.cfg.Database, a.cfg.BaseDir(), a.logger, a.collector)
	if err != nil {
		return nil, types.NewError(types.ErrStorageUnavailable, "open manifest index database").WithCause(err)
	}
	a.onClose(func() { _ = pool.Close() })
	return manifest.NewIndex(ctx, pool, a.logger)
}

func (a *app) manifestPath(runID string) (string, error) {
	return manifest.PathFor(a.resolver, a.root, a.cfg.Manifest.SubArea, runID)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}
	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
		DisableCaller:    !cfg.EnableCaller,
	}
	var opts []zap.Option
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	} else {
		zapConfig.DisableStacktrace = true
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
