package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextValues(t *testing.T) {
	ctx := context.Background()

	_, ok := RunID(ctx)
	assert.False(t, ok)
	assert.Empty(t, Fields(ctx))

	ctx = WithRunID(ctx, "run-1")
	ctx = WithStepID(ctx, "analyze")
	ctx = WithTraceID(ctx, "trace-9")
	ctx = WithLLMModel(ctx, "gpt-4o")

	v, ok := RunID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "run-1", v)

	v, _ = StepID(ctx)
	assert.Equal(t, "analyze", v)

	v, _ = LLMModel(ctx)
	assert.Equal(t, "gpt-4o", v)

	assert.Len(t, Fields(ctx), 3)

	// 空值视为未设置
	_, ok = StepID(WithStepID(context.Background(), ""))
	assert.False(t, ok)
}
