package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/enzymeflow/config"
	"github.com/BaSui01/enzymeflow/internal/retry"
	"github.com/BaSui01/enzymeflow/llm"
	"github.com/BaSui01/enzymeflow/testutil"
	"github.com/BaSui01/enzymeflow/testutil/fixtures"
	"github.com/BaSui01/enzymeflow/testutil/mocks"
	"github.com/BaSui01/enzymeflow/types"
)

func testLLMConfig(url string) config.LLMConfig {
	cfg := config.DefaultLLMConfig()
	cfg.BaseURL = url
	cfg.APIKey = "sk-test"
	cfg.RateLimitRPS = 0
	return cfg
}

func newTestProvider(srv *httptest.Server) *llm.OpenAIProvider {
	return llm.NewOpenAIProvider(testLLMConfig(srv.URL), zap.NewNop(),
		llm.WithHTTPClient(srv.Client()),
		llm.WithRetryPolicy(&retry.RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}))
}

func TestOpenAIProvider_Completion(t *testing.T) {
	var got struct {
		Model       string        `json:"model"`
		Messages    []llm.Message `json:"messages"`
		MaxTokens   int           `json:"max_tokens"`
		Temperature float32       `json:"temperature"`
	}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write(fixtures.OpenAIChatBody("  UPO pockets are hydrophobic. ", 12, 7))
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	text, err := llm.Ask(testutil.TestContext(t), p, "system prompt", "user prompt")
	require.NoError(t, err)
	assert.Equal(t, "UPO pockets are hydrophobic.", text)

	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "gpt-4o-mini", got.Model, "model falls back to config")
	assert.Equal(t, 4096, got.MaxTokens)
	assert.InDelta(t, 0.2, got.Temperature, 1e-6)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, llm.RoleSystem, got.Messages[0].Role)
	assert.Equal(t, "user prompt", got.Messages[1].Content)
	assert.Equal(t, "openai", p.Name())
}

func TestOpenAIProvider_UsageAndMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(fixtures.OpenAIChatBody("ok", 3, 4))
	}))
	defer srv.Close()

	resp, err := newTestProvider(srv).Completion(context.Background(), &llm.ChatRequest{
		Model:    "custom-model",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
	assert.Equal(t, "openai", resp.Provider)
	assert.False(t, resp.CreatedAt.IsZero())
}

func TestOpenAIProvider_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write(fixtures.OpenAIErrorBody("slow down", "rate_limit"))
			return
		}
		_, _ = w.Write(fixtures.OpenAIChatBody("done", 1, 1))
	}))
	defer srv.Close()

	text, err := llm.Ask(context.Background(), newTestProvider(srv), "", "hi")
	require.NoError(t, err)
	assert.Equal(t, "done", text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestOpenAIProvider_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		code      types.ErrorCode
		attempts  int32
		retryable bool
	}{
		{"unauthorized is configuration", http.StatusUnauthorized, types.ErrInvalidConfig, 1, false},
		{"bad request is not retried", http.StatusBadRequest, types.ErrInvalidInput, 1, false},
		{"server error exhausts retries", http.StatusBadGateway, types.ErrUpstreamError, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write(fixtures.OpenAIErrorBody("nope", "test_error"))
			}))
			defer srv.Close()

			_, err := llm.Ask(context.Background(), newTestProvider(srv), "", "hi")
			require.Error(t, err)
			testutil.AssertErrorCode(t, err, tt.code)
			assert.Equal(t, tt.retryable, types.IsRetryable(err))
			assert.Equal(t, tt.attempts, calls.Load())
			assert.Contains(t, err.Error(), "nope (type: test_error)")
		})
	}
}

func TestOpenAIProvider_RejectsEmptyRequest(t *testing.T) {
	p := llm.NewOpenAIProvider(testLLMConfig("http://127.0.0.1:0"), nil)
	_, err := p.Completion(context.Background(), &llm.ChatRequest{})
	testutil.AssertErrorCode(t, err, types.ErrInvalidInput)
}

func TestOpenAIProvider_HealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()
	require.NoError(t, newTestProvider(srv).HealthCheck(context.Background()))
}

func TestNewProviderFromConfig(t *testing.T) {
	cfg := config.DefaultLLMConfig()
	cfg.Provider = "none"
	_, err := llm.NewProviderFromConfig(cfg, nil, nil)
	testutil.AssertErrorCode(t, err, types.ErrProviderNotSet)

	cfg = config.DefaultLLMConfig()
	cfg.BaseURL = ""
	_, err = llm.NewProviderFromConfig(cfg, nil, nil)
	testutil.AssertErrorCode(t, err, types.ErrProviderNotSet)

	p, err := llm.NewProviderFromConfig(config.DefaultLLMConfig(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
}

func TestAsk_WithMockProvider(t *testing.T) {
	p := mocks.NewMockProvider().WithReplyWhen("pocket", "hydrophobic")
	text, err := llm.Ask(context.Background(), p, "sys", "describe the pocket")
	require.NoError(t, err)
	assert.Equal(t, "hydrophobic", text)

	call := p.GetLastCall()
	require.NotNil(t, call)
	require.Len(t, call.Request.Messages, 2)
	assert.Equal(t, "describe the pocket", call.UserContent())

	failing := mocks.NewErrorProvider(types.NewError(types.ErrRateLimited, "quota"))
	_, err = llm.Ask(context.Background(), failing, "", "x")
	testutil.AssertErrorCode(t, err, types.ErrRateLimited)
}
