// =============================================================================
// 📦 测试数据工厂 - LLM 响应与文献检索测试数据
// =============================================================================
// 提供预定义的模型响应与 OpenAI 兼容接口的原始响应体，用于测试
// =============================================================================
package fixtures

import (
	"encoding/json"
	"time"

	"github.com/BaSui01/enzymeflow/llm"
)

// =============================================================================
// 🎯 ChatResponse 工厂
// =============================================================================

// ResponseWithUsage 单条候选的响应，带自定义 Token 使用量
func ResponseWithUsage(content string, promptTokens, completionTokens int) *llm.ChatResponse {
	return &llm.ChatResponse{
		ID:       "resp-001",
		Provider: "mock",
		Model:    "gpt-4o-mini",
		Choices: []llm.ChatChoice{{
			FinishReason: "stop",
			Message:      llm.Message{Role: llm.RoleAssistant, Content: content},
		}},
		Usage: llm.ChatUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
		CreatedAt: time.Now(),
	}
}

// EmptyResponse 没有候选的响应
func EmptyResponse() *llm.ChatResponse {
	return &llm.ChatResponse{ID: "resp-empty", Provider: "mock", Model: "gpt-4o-mini"}
}

// =============================================================================
// 🌐 原始 HTTP 响应体
// =============================================================================

// OpenAIChatBody /v1/chat/completions 的成功响应体
func OpenAIChatBody(content string, promptTokens, completionTokens int) []byte {
	body := map[string]any{
		"id":      "chatcmpl-001",
		"object":  "chat.completion",
		"created": 1714560000,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
		"usage": map[string]any{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		},
	}
	data, _ := json.Marshal(body)
	return data
}

// OpenAIErrorBody OpenAI 风格的错误响应体
func OpenAIErrorBody(message, errType string) []byte {
	data, _ := json.Marshal(map[string]any{
		"error": map[string]any{"message": message, "type": errType},
	})
	return data
}

// PlanReply 模型返回的两步计划，包在 markdown 代码块中
const PlanReply = "```json\n" + `[
  {"step_index": 1, "step_name": "homolog_search", "tools_from_registry": ["sequence database search and alignment"],
   "python_code_to_execute": "run_search()", "rationale": "collect homologs", "description": "search and align"},
  {"step_index": 2, "step_name": "ssm_library", "tools_from_registry": ["Pythia stability prediction"],
   "python_code_to_execute": "design_ssm()", "rationale": "survey pocket", "description": "site saturation"}
]` + "\n```"
