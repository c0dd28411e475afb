package threads

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/enzymeflow/llm"
	"github.com/BaSui01/enzymeflow/llm/tokenizer"
	"github.com/BaSui01/enzymeflow/types"
)

func paddedContent(i int) string {
	head := fmt.Sprintf("turn %02d: residue scan result ", i)
	return head + strings.Repeat("x", 100-len(head))
}

func TestRenderContext_BudgetTooSmall(t *testing.T) {
	m, _ := newFileMemory(t, WithMinBudget(100))
	_, err := m.RenderContext(context.Background(), "tag", "t", 99)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrBudgetTooSmall))
	assert.Equal(t, types.CategoryValidation, types.CategoryOf(err))
}

func TestRenderContext_MissingThreadIsEmpty(t *testing.T) {
	m, _ := newFileMemory(t)
	out, err := m.RenderContext(context.Background(), "tag", "never", 500)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRenderContext_UnderBudgetIsVerbatim(t *testing.T) {
	m, _ := newFileMemory(t)
	ctx := context.Background()
	_, err := m.AppendTurn(ctx, "tag", "t", Turn{Role: RoleUser, Content: "hi"})
	require.NoError(t, err)
	_, err = m.AppendTurn(ctx, "tag", "t", Turn{Role: RoleAssistant, Content: "hello"})
	require.NoError(t, err)

	out, err := m.RenderContext(ctx, "tag", "t", 1000)
	require.NoError(t, err)
	assert.Equal(t, "[1] user: hi\n\n[2] assistant: hello", out)

	again, err := m.RenderContext(ctx, "tag", "t", 1000)
	require.NoError(t, err)
	assert.Equal(t, out, again, "rendering is deterministic")
}

func TestRenderContext_CompactsOldestTurns(t *testing.T) {
	m, _ := newFileMemory(t)
	ctx := context.Background()
	appendTurns(t, m, "design", "long", 50, paddedContent)

	const budget = 1000
	out, err := m.RenderContext(ctx, "design", "long", budget)
	require.NoError(t, err)
	assert.LessOrEqual(t, len([]rune(out)), budget)
	assert.True(t, strings.HasPrefix(out, "[summary of turns 1-"), "output starts with the summary: %q", out[:40])
	assert.Contains(t, out, "[50] assistant: "+paddedContent(50), "the newest turn is never collapsed")
	assert.NotContains(t, out, truncatedMarker)

	th, err := m.Load(ctx, "design", "long")
	require.NoError(t, err)
	summary, ok := th.Summary()
	require.True(t, ok)
	assert.Equal(t, 1, summary.Summary.FromSeq)
	assert.Equal(t, th.Turns[1].Seq-1, summary.Summary.ToSeq, "summary covers a contiguous prefix")
	assert.Equal(t, "compaction", summary.Source)
	assert.Len(t, th.Archive, summary.Summary.ToSeq)
	assert.Equal(t, 51, th.NextSeq)

	// 再次渲染无需压缩，结果不变
	again, err := m.RenderContext(ctx, "design", "long", budget)
	require.NoError(t, err)
	assert.Equal(t, out, again)

	res, err := m.Lookup(ctx, "design", "long", 3)
	require.NoError(t, err)
	assert.Equal(t, LookupArchived, res.Status)
	require.NotNil(t, res.Turn)
	assert.Equal(t, paddedContent(3), res.Turn.Content)
	require.NotNil(t, res.Summary)
	assert.True(t, res.Summary.Summary.Covers(3))

	res, err = m.Lookup(ctx, "design", "long", 50)
	require.NoError(t, err)
	assert.Equal(t, LookupVerbatim, res.Status)

	_, err = m.Lookup(ctx, "design", "long", 51)
	assert.True(t, types.IsErrorCode(err, types.ErrTurnNotFound))
}

func TestRenderContext_RepeatedCompactionExtendsSummary(t *testing.T) {
	m, _ := newFileMemory(t)
	ctx := context.Background()
	appendTurns(t, m, "tag", "grow", 20, paddedContent)

	_, err := m.RenderContext(ctx, "tag", "grow", 800)
	require.NoError(t, err)
	first, err := m.Load(ctx, "tag", "grow")
	require.NoError(t, err)
	firstSpan := first.Turns[0].Summary

	appendTurns(t, m, "tag", "grow", 10, func(i int) string { return paddedContent(20 + i) })
	out, err := m.RenderContext(ctx, "tag", "grow", 800)
	require.NoError(t, err)
	assert.LessOrEqual(t, len([]rune(out)), 800)

	second, err := m.Load(ctx, "tag", "grow")
	require.NoError(t, err)
	span := second.Turns[0].Summary
	require.NotNil(t, span)
	assert.Equal(t, 1, span.FromSeq)
	assert.Greater(t, span.ToSeq, firstSpan.ToSeq)
	for i := 1; i < len(second.Archive); i++ {
		assert.Less(t, second.Archive[i-1].Seq, second.Archive[i].Seq, "archive stays ordered")
	}
}

func TestRenderContext_WithoutArchiveOnlySummaryRemains(t *testing.T) {
	m, _ := newFileMemory(t, WithKeepArchive(false))
	ctx := context.Background()
	appendTurns(t, m, "tag", "t", 30, paddedContent)

	_, err := m.RenderContext(ctx, "tag", "t", 600)
	require.NoError(t, err)

	res, err := m.Lookup(ctx, "tag", "t", 2)
	require.NoError(t, err)
	assert.Equal(t, LookupSummarized, res.Status)
	assert.Nil(t, res.Turn)
	require.NotNil(t, res.Summary)
}

func TestRenderContext_SummarizerFailureFallsBack(t *testing.T) {
	failing := SummarizerFunc(func(context.Context, SummaryRequest) (string, error) {
		return "", errors.New("model offline")
	})
	m, _ := newFileMemory(t, WithSummarizer(failing))
	ctx := context.Background()
	appendTurns(t, m, "tag", "t", 20, paddedContent)

	out, err := m.RenderContext(ctx, "tag", "t", 500)
	require.NoError(t, err)
	assert.LessOrEqual(t, len([]rune(out)), 500)
	assert.Contains(t, out, "[1] user:", "deterministic summary keeps the head of each turn")
}

func TestRenderContext_LLMSummarizer(t *testing.T) {
	var prompts []string
	provider := llm.ProviderFunc(func(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
		prompts = append(prompts, req.Messages[len(req.Messages)-1].Content)
		return &llm.ChatResponse{Choices: []llm.ChatChoice{{Message: llm.Message{
			Role: llm.RoleAssistant, Content: strings.Repeat("S", 5000),
		}}}}, nil
	})
	m, _ := newFileMemory(t, WithSummarizer(LLMSummarizer{Provider: provider}))
	ctx := context.Background()
	appendTurns(t, m, "tag", "t", 20, paddedContent)

	out, err := m.RenderContext(ctx, "tag", "t", 400)
	require.NoError(t, err)
	assert.LessOrEqual(t, len([]rune(out)), 400, "oversized summaries are cut to their share")
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "turn 01")
}

func TestRenderContext_SingleHugeTurnIsTruncatedWithMarker(t *testing.T) {
	m, _ := newFileMemory(t)
	ctx := context.Background()
	_, err := m.AppendTurn(ctx, "tag", "t", Turn{Role: RoleUser, Content: strings.Repeat("y", 5000)})
	require.NoError(t, err)

	out, err := m.RenderContext(ctx, "tag", "t", 200)
	require.NoError(t, err)
	assert.LessOrEqual(t, len([]rune(out)), 200)
	assert.True(t, strings.HasSuffix(out, truncatedMarker))

	th, err := m.Load(ctx, "tag", "t")
	require.NoError(t, err)
	assert.Len(t, th.Turns[0].Content, 5000, "render-time truncation never rewrites the document")
}

func TestRenderContext_HugeNewestTurnKeepsSummary(t *testing.T) {
	calls := 0
	counting := SummarizerFunc(func(context.Context, SummaryRequest) (string, error) {
		calls++
		return "pocket residues 100-141 reviewed", nil
	})
	m, _ := newFileMemory(t, WithSummarizer(counting))
	ctx := context.Background()
	appendTurns(t, m, "tag", "t", 10, paddedContent)
	_, err := m.AppendTurn(ctx, "tag", "t", Turn{Role: RoleUser, Content: strings.Repeat("y", 5000)})
	require.NoError(t, err)

	out, err := m.RenderContext(ctx, "tag", "t", 400)
	require.NoError(t, err)
	assert.LessOrEqual(t, len([]rune(out)), 400)
	assert.Contains(t, out, "pocket residues 100-141 reviewed", "the oversized turn is cut before the summary")
	assert.True(t, strings.HasSuffix(out, truncatedMarker))
	require.Equal(t, 1, calls)

	again, err := m.RenderContext(ctx, "tag", "t", 400)
	require.NoError(t, err)
	assert.Equal(t, out, again)
	assert.Equal(t, 1, calls, "a summary alone is never re-summarized")
}

func TestRenderContext_TokenCounter(t *testing.T) {
	counter := tokenizer.NewBudgetCounter(tokenizer.NewEstimator(), nil)
	m, _ := newFileMemory(t, WithCounter(counter))
	ctx := context.Background()
	appendTurns(t, m, "tag", "tok", 40, paddedContent)

	out, err := m.RenderContext(ctx, "tag", "tok", 300)
	require.NoError(t, err)
	assert.LessOrEqual(t, counter.Count(out), 300)
}

// 属性：任意轮次长度与预算下，渲染结果都不超过预算
func TestProperty_RenderNeverExceedsBudget(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40

	properties := gopter.NewProperties(parameters)

	properties.Property("render stays within budget", prop.ForAll(
		func(lengths []int, budget int) bool {
			m, _ := newFileMemory(t)
			ctx := context.Background()
			for i, n := range lengths {
				content := strings.Repeat("酶a ", n/3) + fmt.Sprint(i)
				if _, err := m.AppendTurn(ctx, "prop", "t", Turn{Role: RoleUser, Content: content}); err != nil {
					t.Logf("append failed: %v", err)
					return false
				}
			}
			out, err := m.RenderContext(ctx, "prop", "t", budget)
			if err != nil {
				t.Logf("render failed: %v", err)
				return false
			}
			if got := len([]rune(out)); got > budget {
				t.Logf("rendered %d chars for budget %d", got, budget)
				return false
			}
			if budget >= 200 && len(lengths) > 0 && !strings.Contains(out, fmt.Sprintf("[%d] user:", len(lengths))) {
				t.Logf("newest turn header missing from %q", out)
				return false
			}
			return true
		},
		gen.SliceOfN(12, gen.IntRange(0, 600)),
		gen.IntRange(64, 3000),
	))

	properties.TestingRun(t)
}
