// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 llm 是步骤与语言模型之间的唯一边界。

# 核心类型

  - Provider：Completion + Name，实现须并发安全
  - OpenAIProvider：OpenAI 兼容的 /v1/chat/completions 客户端，
    本地令牌桶限流（golang.org/x/time/rate），按 Retryable 标记退避重试
  - ProviderFunc：函数适配器，用于测试桩

错误一律以 *types.Error 返回：429 映射为 RATE_LIMITED，5xx 与网络错误为
UPSTREAM_ERROR，均标记为可重试；401/403 视为配置错误。

子包 tokenizer 提供线程预算使用的 token 计数器。
*/
package llm
