package llm

import (
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/enzymeflow/config"
	"github.com/BaSui01/enzymeflow/internal/metrics"
	"github.com/BaSui01/enzymeflow/types"
)

// NewProviderFromConfig 按配置创建 Provider。
// provider 为 none 或未配置 base_url 时返回 PROVIDER_NOT_SET，调用方可以据此降级为确定性实现。
func NewProviderFromConfig(cfg config.LLMConfig, logger *zap.Logger, collector *metrics.Collector) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "" || name == "none" || cfg.BaseURL == "" {
		return nil, types.NewError(types.ErrProviderNotSet, "no language model provider configured")
	}
	return NewOpenAIProvider(cfg, logger, WithMetrics(collector)), nil
}
