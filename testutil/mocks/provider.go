// MockProvider 的 LLM 提供商测试模拟实现。
//
// 支持固定响应、按请求生成响应与错误注入场景。
package mocks

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/enzymeflow/llm"
	"github.com/BaSui01/enzymeflow/types"
)

// --- MockProvider 结构 ---

// MockProvider 是 llm.Provider 的模拟实现，并发安全
type MockProvider struct {
	mu sync.RWMutex

	name     string
	response string
	err      error

	// rules 按用户消息子串匹配的回复，先注册先匹配
	rules []rule

	promptTokens     int
	completionTokens int

	completionFunc func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)

	delay     time.Duration
	failAfter int
	callCount int
	calls     []MockProviderCall
}

type rule struct {
	contains string
	reply    string
}

// MockProviderCall 记录单次调用
type MockProviderCall struct {
	Request  *llm.ChatRequest
	Response *llm.ChatResponse
	Error    error
}

// UserContent 返回该次调用最后一条用户消息
func (c MockProviderCall) UserContent() string {
	if c.Request == nil {
		return ""
	}
	for i := len(c.Request.Messages) - 1; i >= 0; i-- {
		if c.Request.Messages[i].Role == llm.RoleUser {
			return c.Request.Messages[i].Content
		}
	}
	return ""
}

// --- 构造函数和 Builder 方法 ---

// NewMockProvider 创建新的 MockProvider
func NewMockProvider() *MockProvider {
	return &MockProvider{
		name:             "mock",
		response:         "Mock response",
		promptTokens:     10,
		completionTokens: 20,
	}
}

// WithName 设置 Provider 名称
func (m *MockProvider) WithName(name string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = name
	return m
}

// WithResponse 设置固定响应内容
func (m *MockProvider) WithResponse(response string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = response
	return m
}

// WithReplyWhen 用户消息包含 substr 时返回 reply
func (m *MockProvider) WithReplyWhen(substr, reply string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, rule{contains: substr, reply: reply})
	return m
}

// WithError 设置返回错误
func (m *MockProvider) WithError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithTokenUsage 设置 Token 使用量
func (m *MockProvider) WithTokenUsage(prompt, completion int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promptTokens = prompt
	m.completionTokens = completion
	return m
}

// WithDelay 设置响应延迟
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithFailAfter 设置在第 N 次调用后失败
func (m *MockProvider) WithFailAfter(n int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	return m
}

// WithCompletionFunc 设置自定义 Completion 函数
func (m *MockProvider) WithCompletionFunc(fn func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completionFunc = fn
	return m
}

// --- Provider 接口实现 ---

// Name 返回 Provider 名称
func (m *MockProvider) Name() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.name
}

// Completion 生成响应
func (m *MockProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	m.callCount++
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, types.NewError(types.ErrTimeout, "mock provider cancelled").WithCause(ctx.Err())
		case <-time.After(delay):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failAfter > 0 && m.callCount > m.failAfter {
		err := types.NewError(types.ErrUpstreamError, "mock provider: configured to fail after N calls")
		m.calls = append(m.calls, MockProviderCall{Request: req, Error: err})
		return nil, err
	}
	if m.err != nil {
		m.calls = append(m.calls, MockProviderCall{Request: req, Error: m.err})
		return nil, m.err
	}
	if m.completionFunc != nil {
		resp, err := m.completionFunc(ctx, req)
		m.calls = append(m.calls, MockProviderCall{Request: req, Response: resp, Error: err})
		return resp, err
	}

	content := m.response
	user := MockProviderCall{Request: req}.UserContent()
	for _, r := range m.rules {
		if strings.Contains(user, r.contains) {
			content = r.reply
			break
		}
	}

	resp := &llm.ChatResponse{
		ID:       "mock-response-id",
		Provider: m.name,
		Model:    req.Model,
		Choices: []llm.ChatChoice{{
			Index:        0,
			FinishReason: "stop",
			Message:      llm.Message{Role: llm.RoleAssistant, Content: content},
		}},
		Usage: llm.ChatUsage{
			PromptTokens:     m.promptTokens,
			CompletionTokens: m.completionTokens,
			TotalTokens:      m.promptTokens + m.completionTokens,
		},
		CreatedAt: time.Now(),
	}
	m.calls = append(m.calls, MockProviderCall{Request: req, Response: resp})
	return resp, nil
}

// --- 查询方法 ---

// GetCalls 获取所有调用记录
func (m *MockProvider) GetCalls() []MockProviderCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MockProviderCall{}, m.calls...)
}

// GetCallCount 获取调用次数
func (m *MockProvider) GetCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCount
}

// GetLastCall 获取最后一次调用
func (m *MockProvider) GetLastCall() *MockProviderCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.calls) == 0 {
		return nil
	}
	call := m.calls[len(m.calls)-1]
	return &call
}

// Reset 重置所有状态
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callCount = 0
	m.err = nil
}

// --- 预设 Provider 工厂 ---

// NewSuccessProvider 创建总是成功的 Provider
func NewSuccessProvider(response string) *MockProvider {
	return NewMockProvider().WithResponse(response)
}

// NewErrorProvider 创建总是失败的 Provider
func NewErrorProvider(err error) *MockProvider {
	return NewMockProvider().WithError(err)
}

// NewFlakeyProvider 创建前 N 次成功、之后失败的 Provider
func NewFlakeyProvider(failAfter int, response string) *MockProvider {
	return NewMockProvider().
		WithResponse(response).
		WithFailAfter(failAfter)
}
