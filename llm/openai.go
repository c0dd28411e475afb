// =============================================================================
// OpenAI 兼容 Provider
// =============================================================================
// 任何实现 /v1/chat/completions 的服务（OpenAI、DeepSeek、Qwen、本地 vLLM 等）
// 都可以通过 BaseURL 接入。请求先经过本地令牌桶限流，再按退避策略重试可重试错误。
// =============================================================================

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/enzymeflow/config"
	"github.com/BaSui01/enzymeflow/internal/ctxkeys"
	"github.com/BaSui01/enzymeflow/internal/metrics"
	"github.com/BaSui01/enzymeflow/internal/retry"
	"github.com/BaSui01/enzymeflow/internal/telemetry"
	"github.com/BaSui01/enzymeflow/internal/tlsutil"
	"github.com/BaSui01/enzymeflow/types"
)

const (
	chatEndpoint   = "/v1/chat/completions"
	modelsEndpoint = "/v1/models"
)

// OpenAIProvider OpenAI 兼容的 HTTP Provider
type OpenAIProvider struct {
	cfg     config.LLMConfig
	client  *http.Client
	limiter *rate.Limiter
	retryer retry.Retryer
	metrics *metrics.Collector
	logger  *zap.Logger
}

// OpenAIOption Provider 可选项
type OpenAIOption func(*OpenAIProvider)

// WithHTTPClient 替换 HTTP 客户端（测试中配合 httptest 使用）
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(p *OpenAIProvider) { p.client = c }
}

// WithRetryPolicy 替换重试策略；判定规则固定为 types.IsRetryable
func WithRetryPolicy(policy *retry.RetryPolicy) OpenAIOption {
	return func(p *OpenAIProvider) {
		pol := *policy
		pol.ShouldRetry = types.IsRetryable
		p.retryer = retry.NewBackoffRetryer(&pol, p.logger)
	}
}

// WithMetrics 设置指标收集器
func WithMetrics(c *metrics.Collector) OpenAIOption {
	return func(p *OpenAIProvider) { p.metrics = c }
}

// NewOpenAIProvider 创建 OpenAI 兼容 Provider
func NewOpenAIProvider(cfg config.LLMConfig, logger *zap.Logger, opts ...OpenAIOption) *OpenAIProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	limit := rate.Inf
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
	}
	p := &OpenAIProvider{
		cfg:     cfg,
		client:  tlsutil.SecureHTTPClient(cfg.Timeout),
		limiter: rate.NewLimiter(limit, max(cfg.RateLimitBurst, 1)),
		logger:  logger.With(zap.String("component", "llm"), zap.String("provider", cfg.Provider)),
	}
	policy := retry.DefaultRetryPolicy()
	policy.MaxRetries = cfg.MaxRetries
	policy.InitialDelay = 500 * time.Millisecond
	policy.ShouldRetry = types.IsRetryable
	p.retryer = retry.NewBackoffRetryer(policy, p.logger)

	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name 返回 Provider 名称
func (p *OpenAIProvider) Name() string { return p.cfg.Provider }

func (p *OpenAIProvider) endpoint(path string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + path
}

func (p *OpenAIProvider) buildHeaders(req *http.Request) {
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")
}

// --- wire types ---

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float32   `json:"temperature,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

type openAIResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Created int64        `json:"created"`
	Choices []ChatChoice `json:"choices"`
	Usage   *ChatUsage   `json:"usage,omitempty"`
}

// Completion 发起同步聊天请求。模型、温度与最大 token 缺省时取配置值。
func (p *OpenAIProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, types.NewError(types.ErrInvalidInput, "chat request has no messages")
	}
	body := openAIRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
	}
	if body.Model == "" {
		body.Model = p.cfg.Model
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = p.cfg.MaxTokens
	}
	if body.Temperature == 0 {
		body.Temperature = float32(p.cfg.Temperature)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidInput, "marshal chat request").WithCause(err)
	}

	ctx = ctxkeys.WithLLMModel(ctx, body.Model)
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	ctx, span := telemetry.StartCall(ctx, p.Name(), "chat.completion", attribute.String("llm.model", body.Model))
	start := time.Now()
	resp, err := retry.DoWithResultTyped(p.retryer, ctx, func() (*ChatResponse, error) {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, types.NewError(types.ErrRateLimited, "rate limiter wait").WithCause(err)
		}
		return p.do(ctx, payload)
	})

	status := "success"
	var usage ChatUsage
	if err != nil {
		status = "error"
	} else {
		usage = resp.Usage
	}
	p.metrics.RecordLLMRequest(p.Name(), body.Model, status, time.Since(start), usage.PromptTokens, usage.CompletionTokens)
	span.SetAttributes(attribute.Int("llm.prompt_tokens", usage.PromptTokens), attribute.Int("llm.completion_tokens", usage.CompletionTokens))
	telemetry.EndSpan(span, status, err)
	if err != nil {
		p.logger.Warn("chat completion failed", append(ctxkeys.Fields(ctx), zap.Error(err))...)
		return nil, err
	}
	p.logger.Debug("chat completion",
		append(ctxkeys.Fields(ctx),
			zap.Int("prompt_tokens", usage.PromptTokens),
			zap.Int("completion_tokens", usage.CompletionTokens),
			zap.Duration("latency", time.Since(start)))...)
	return resp, nil
}

func (p *OpenAIProvider) do(ctx context.Context, payload []byte) (*ChatResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(chatEndpoint), bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInvalidConfig, "build llm request").WithCause(err)
	}
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewError(types.ErrTimeout, "llm request cancelled").WithCause(err)
		}
		return nil, types.NewError(types.ErrUpstreamError, err.Error()).WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, mapHTTPError(resp.StatusCode, readErrorMessage(resp.Body), p.Name())
	}

	var oa openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&oa); err != nil {
		return nil, types.NewError(types.ErrInvalidResponse, "decode llm response").WithCause(err).WithRetryable(true)
	}
	if len(oa.Choices) == 0 {
		return nil, types.NewError(types.ErrInvalidResponse, "llm response has no choices")
	}
	out := &ChatResponse{ID: oa.ID, Provider: p.Name(), Model: oa.Model, Choices: oa.Choices}
	if oa.Usage != nil {
		out.Usage = *oa.Usage
	}
	if oa.Created != 0 {
		out.CreatedAt = time.Unix(oa.Created, 0)
	}
	return out, nil
}

// HealthCheck 请求模型列表验证服务可达
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(modelsEndpoint), nil)
	if err != nil {
		return types.NewError(types.ErrInvalidConfig, "build health request").WithCause(err)
	}
	p.buildHeaders(httpReq)
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return types.NewError(types.ErrUpstreamError, "llm health check").WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return mapHTTPError(resp.StatusCode, readErrorMessage(resp.Body), p.Name())
	}
	return nil
}

// mapHTTPError 将 HTTP 状态码映射为带重试标记的 types.Error
func mapHTTPError(status int, msg, provider string) *types.Error {
	message := fmt.Sprintf("%s: %s", provider, msg)
	var e *types.Error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e = types.NewError(types.ErrInvalidConfig, message)
	case status == http.StatusTooManyRequests:
		e = types.NewError(types.ErrRateLimited, message).WithRetryable(true)
	case status == http.StatusBadRequest:
		e = types.NewError(types.ErrInvalidInput, message)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e = types.NewError(types.ErrTimeout, message).WithRetryable(true)
	case status >= 500:
		e = types.NewError(types.ErrUpstreamError, message).WithRetryable(true)
	default:
		e = types.NewError(types.ErrUpstreamError, message)
	}
	return e.WithDetail("http_status", status)
}

// readErrorMessage 解析 {"error":{"message":...}}，失败则回退到原始文本
func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "failed to read error response"
	}
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}
	return strings.TrimSpace(string(data))
}
