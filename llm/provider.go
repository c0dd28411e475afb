package llm

import (
	"context"
	"strings"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type ChatRequest struct {
	Model       string            `json:"model"`
	Messages    []Message         `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float32           `json:"temperature,omitempty"`
	Stop        []string          `json:"stop,omitempty"`
	Timeout     time.Duration     `json:"-"`
	Metadata    map[string]string `json:"-"`
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

type ChatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason,omitempty"`
	Message      Message `json:"message"`
}

type ChatResponse struct {
	ID        string       `json:"id,omitempty"`
	Provider  string       `json:"provider,omitempty"`
	Model     string       `json:"model"`
	Choices   []ChatChoice `json:"choices"`
	Usage     ChatUsage    `json:"usage,omitempty"`
	CreatedAt time.Time    `json:"created_at,omitempty"`
}

// Content 返回第一个候选的文本
func (r *ChatResponse) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return strings.TrimSpace(r.Choices[0].Message.Content)
}

// Provider 是步骤访问语言模型的唯一边界。
// 实现必须是并发安全的；错误以 *types.Error 返回，Retryable 标记决定上层是否重试。
type Provider interface {
	// Completion 发起同步聊天请求，返回完整响应
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Name 返回 Provider 的唯一标识
	Name() string
}

// ProviderFunc 函数适配器，便于测试与本地桩实现
type ProviderFunc func(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

func (f ProviderFunc) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return f(ctx, req)
}

func (f ProviderFunc) Name() string { return "func" }

// Ask 便捷封装：system + user 两条消息，返回第一个候选的文本
func Ask(ctx context.Context, p Provider, system, user string) (string, error) {
	req := &ChatRequest{}
	if system != "" {
		req.Messages = append(req.Messages, Message{Role: RoleSystem, Content: system})
	}
	req.Messages = append(req.Messages, Message{Role: RoleUser, Content: user})
	resp, err := p.Completion(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Content(), nil
}
