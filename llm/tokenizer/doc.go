// Package tokenizer 提供 token 计数：tiktoken 精确计数与离线估算器，
// 以及供线程上下文预算使用的 BudgetCounter / CharCounter。
package tokenizer
