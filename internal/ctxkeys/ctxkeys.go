package ctxkeys

import (
	"context"

	"go.uber.org/zap"
)

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	traceIDKey  contextKey = "trace_id"
	runIDKey    contextKey = "run_id"
	stepIDKey   contextKey = "step_id"
	llmModelKey contextKey = "llm_model"
)

// WithTraceID 设置 TraceID
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID 获取 TraceID
func TraceID(ctx context.Context) (string, bool) {
	return stringValue(ctx, traceIDKey)
}

// WithRunID 设置 RunID
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunID 获取 RunID
func RunID(ctx context.Context) (string, bool) {
	return stringValue(ctx, runIDKey)
}

// WithStepID 设置当前执行的步骤 ID
func WithStepID(ctx context.Context, stepID string) context.Context {
	return context.WithValue(ctx, stepIDKey, stepID)
}

// StepID 获取当前执行的步骤 ID
func StepID(ctx context.Context) (string, bool) {
	return stringValue(ctx, stepIDKey)
}

// WithLLMModel 设置 LLM 模型（用于覆盖默认模型）
func WithLLMModel(ctx context.Context, model string) context.Context {
	return context.WithValue(ctx, llmModelKey, model)
}

// LLMModel 获取 LLM 模型
func LLMModel(ctx context.Context) (string, bool) {
	return stringValue(ctx, llmModelKey)
}

// Fields 返回 context 中已知标识对应的 zap 字段，便于日志关联
func Fields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if v, ok := RunID(ctx); ok {
		fields = append(fields, zap.String("run_id", v))
	}
	if v, ok := StepID(ctx); ok {
		fields = append(fields, zap.String("step_id", v))
	}
	if v, ok := TraceID(ctx); ok {
		fields = append(fields, zap.String("trace_id", v))
	}
	return fields
}

func stringValue(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
