package threads

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/enzymeflow/config"
	"github.com/BaSui01/enzymeflow/internal/kv"
	"github.com/BaSui01/enzymeflow/internal/metrics"
	"github.com/BaSui01/enzymeflow/internal/retry"
	"github.com/BaSui01/enzymeflow/llm/tokenizer"
	"github.com/BaSui01/enzymeflow/types"
)

// NewStoreFromConfig 按配置创建线程存储后端。
// file 后端的目录为 <root>/<threads.subarea>，root 为空时使用默认数据根。
func NewStoreFromConfig(ctx context.Context, cfg *config.Config, root string, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tc := cfg.Threads

	switch strings.ToLower(tc.Backend) {
	case "", "file":
		resolver, err := config.NewResolverFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		if root == "" {
			root = resolver.DefaultRoot()
		}
		dir, err := resolver.Resolve(root, tc.SubArea)
		if err != nil {
			return nil, err
		}
		return NewFileStore(dir,
			WithLockTimeout(tc.LockTimeout),
			WithStaleLockAfter(tc.StaleLockAfter),
			WithFileLogger(logger))
	case "redis":
		m, err := kv.NewManager(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, types.NewError(types.ErrStorageUnavailable, "connect thread redis backend").WithCause(err)
		}
		return NewRedisStore(m, tc.LockTimeout, tc.StaleLockAfter, logger), nil
	default:
		return nil, types.Errorf(types.ErrInvalidConfig, "unknown thread backend %q", tc.Backend)
	}
}

// NewCounter 按配置创建预算计数器：chars 或 tokens
func NewCounter(tc config.ThreadsConfig, logger *zap.Logger) (Counter, error) {
	switch strings.ToLower(tc.Counter) {
	case "", "chars":
		return tokenizer.CharCounter{}, nil
	case "tokens":
		tokenizer.RegisterOpenAI()
		return tokenizer.NewBudgetCounter(tokenizer.ForModel(tc.TokenizerModel), logger), nil
	default:
		return nil, types.Errorf(types.ErrInvalidConfig, "unknown thread counter %q", tc.Counter)
	}
}

// NewMemoryFromConfig 组装完整的线程记忆；extra 追加在配置派生的选项之后
func NewMemoryFromConfig(store Store, cfg *config.Config, logger *zap.Logger, collector *metrics.Collector, extra ...Option) (*Memory, error) {
	counter, err := NewCounter(cfg.Threads, logger)
	if err != nil {
		return nil, err
	}
	opts := []Option{
		WithLogger(logger),
		WithMetrics(collector),
		WithCounter(counter),
		WithMinBudget(cfg.Threads.MinBudget),
		WithSummaryShare(cfg.Threads.SummaryShare),
		WithKeepArchive(cfg.Threads.KeepArchive),
		WithRetryPolicy(retry.PolicyFromConfig(cfg.Retry)),
	}
	return NewMemory(store, append(opts, extra...)...), nil
}
