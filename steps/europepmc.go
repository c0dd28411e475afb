// =============================================================================
// EuropePMC 文献检索客户端
// =============================================================================
// 请求依次经过熔断器、本地令牌桶限流与退避重试；
// 429、5xx 与网络错误可重试，其余 4xx 直接失败。
// =============================================================================

package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
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

const europePMCName = "EuropePMC"

// EuropePMC Europe PMC REST 客户端
type EuropePMC struct {
	cfg     config.LiteratureConfig
	client  *http.Client
	limiter *rate.Limiter
	retryer retry.Retryer
	breaker *Breaker
	metrics *metrics.Collector
	logger  *zap.Logger
}

// EuropePMCOption 客户端可选项
type EuropePMCOption func(*EuropePMC)

// WithHTTPClient 替换 HTTP 客户端
func WithHTTPClient(c *http.Client) EuropePMCOption {
	return func(e *EuropePMC) { e.client = c }
}

// WithSearchRetry 替换重试策略；判定规则固定为 types.IsRetryable
func WithSearchRetry(policy *retry.RetryPolicy) EuropePMCOption {
	return func(e *EuropePMC) {
		pol := *policy
		pol.ShouldRetry = types.IsRetryable
		e.retryer = retry.NewBackoffRetryer(&pol, e.logger)
	}
}

// WithSearchMetrics 设置指标收集器
func WithSearchMetrics(c *metrics.Collector) EuropePMCOption {
	return func(e *EuropePMC) { e.metrics = c }
}

// NewEuropePMC 创建客户端
func NewEuropePMC(cfg config.LiteratureConfig, logger *zap.Logger, opts ...EuropePMCOption) *EuropePMC {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 25
	}
	limit := rate.Inf
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
	}
	e := &EuropePMC{
		cfg:     cfg,
		client:  tlsutil.SecureHTTPClient(cfg.Timeout),
		limiter: rate.NewLimiter(limit, max(cfg.RateLimitBurst, 1)),
		logger:  logger.With(zap.String("component", "literature"), zap.String("source", europePMCName)),
	}
	policy := retry.DefaultRetryPolicy()
	policy.ShouldRetry = types.IsRetryable
	e.retryer = retry.NewBackoffRetryer(policy, e.logger)
	for _, opt := range opts {
		opt(e)
	}
	e.breaker = NewBreaker(europePMCName, cfg.BreakerThreshold, cfg.BreakerCooldown, e.logger, e.metrics)
	return e
}

// Name 来源名称
func (e *EuropePMC) Name() string { return europePMCName }

// Breaker 返回该来源的熔断器
func (e *EuropePMC) Breaker() *Breaker { return e.breaker }

// --- wire types ---

type epmcResponse struct {
	HitCount   int `json:"hitCount"`
	ResultList struct {
		Result []epmcResult `json:"result"`
	} `json:"resultList"`
}

type epmcResult struct {
	ID           string `json:"id"`
	PMCID        string `json:"pmcid"`
	DOI          string `json:"doi"`
	Title        string `json:"title"`
	JournalTitle string `json:"journalTitle"`
	JournalInfo  struct {
		Journal struct {
			Title string `json:"title"`
		} `json:"journal"`
	} `json:"journalInfo"`
	PubYear      string `json:"pubYear"`
	AbstractText string `json:"abstractText"`
	IsOpenAccess string `json:"isOpenAccess"`
	FullTextURL  string `json:"fullTextUrl"`
}

func (r epmcResult) hit() Hit {
	h := Hit{
		Source:      europePMCName,
		ID:          r.ID,
		Title:       strings.TrimSpace(r.Title),
		Journal:     r.JournalTitle,
		Year:        r.PubYear,
		Abstract:    strings.TrimSpace(r.AbstractText),
		OpenAccess:  strings.EqualFold(r.IsOpenAccess, "Y"),
		FullTextURL: r.FullTextURL,
		PMCID:       r.PMCID,
	}
	if h.Journal == "" {
		h.Journal = r.JournalInfo.Journal.Title
	}
	if h.FullTextURL == "" && r.PMCID != "" {
		h.FullTextURL = "https://europepmc.org/articles/" + r.PMCID
	}
	if r.DOI != "" {
		h.URL = "https://doi.org/" + r.DOI
	}
	return h
}

// Search 检索文献；空查询返回空结果
func (e *EuropePMC) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = e.cfg.PageSize
	}
	if err := e.breaker.Allow(); err != nil {
		e.metrics.RecordLiteratureRequest(europePMCName, "rejected")
		return nil, err
	}

	ctx, span := telemetry.StartCall(ctx, europePMCName, "search", attribute.Int("literature.limit", limit))
	start := time.Now()
	hits, err := retry.DoWithResultTyped(e.retryer, ctx, func() ([]Hit, error) {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, types.NewError(types.ErrRateLimited, "rate limiter wait").WithCause(err)
		}
		return e.do(ctx, query, limit)
	})
	e.breaker.Record(err)
	status := "success"
	if err != nil {
		status = "error"
	}
	telemetry.EndSpan(span, status, err)

	fields := append(ctxkeys.Fields(ctx), zap.String("query", query), zap.Duration("latency", time.Since(start)))
	if err != nil {
		e.metrics.RecordLiteratureRequest(europePMCName, "error")
		e.logger.Warn("literature search failed", append(fields, zap.Error(err))...)
		return nil, err
	}
	e.metrics.RecordLiteratureRequest(europePMCName, "success")
	e.logger.Debug("literature search", append(fields, zap.Int("hits", len(hits)))...)
	return hits, nil
}

func (e *EuropePMC) do(ctx context.Context, query string, limit int) ([]Hit, error) {
	q := url.Values{}
	q.Set("query", query)
	q.Set("format", "json")
	q.Set("pageSize", strconv.Itoa(limit))
	q.Set("resultType", "core")
	endpoint := strings.TrimRight(e.cfg.BaseURL, "/") + "/search?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidConfig, "build literature request").WithCause(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewError(types.ErrTimeout, "literature request cancelled").WithCause(err)
		}
		return nil, types.NewError(types.ErrUpstreamError, "literature request failed").WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, searchHTTPError(resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out epmcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.NewError(types.ErrInvalidResponse, "decode EuropePMC response").WithCause(err).WithRetryable(true)
	}
	hits := make([]Hit, 0, len(out.ResultList.Result))
	for _, r := range out.ResultList.Result {
		hits = append(hits, r.hit())
	}
	return hits, nil
}

func searchHTTPError(status int, body string) *types.Error {
	msg := fmt.Sprintf("%s returned HTTP %d", europePMCName, status)
	if body != "" {
		msg += ": " + body
	}
	var e *types.Error
	switch {
	case status == http.StatusTooManyRequests:
		e = types.NewError(types.ErrRateLimited, msg).WithRetryable(true)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e = types.NewError(types.ErrTimeout, msg).WithRetryable(true)
	case status >= 500:
		e = types.NewError(types.ErrUpstreamError, msg).WithRetryable(true)
	default:
		e = types.NewError(types.ErrExternalCall, msg)
	}
	return e.WithDetail("http_status", status)
}
