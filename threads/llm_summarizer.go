package threads

import (
	"context"
	"fmt"

	"github.com/BaSui01/enzymeflow/llm"
	"github.com/BaSui01/enzymeflow/types"
)

const summarizerSystemPrompt = "You condense research conversations about enzyme engineering. " +
	"Keep decisions, numeric results, residue positions, file paths and open questions. " +
	"Write plain prose without preamble."

// LLMSummarizer 调用语言模型生成压缩摘要。失败时 Memory 回退到 SimpleSummarizer。
type LLMSummarizer struct {
	Provider llm.Provider
	// Model 为空时使用 Provider 的默认模型
	Model string
}

func (s LLMSummarizer) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	if s.Provider == nil {
		return "", types.NewError(types.ErrProviderNotSet, "summarizer has no provider")
	}
	prompt := fmt.Sprintf(
		"Summarize turns %d-%d of thread %s (%s) in at most %d %s.\n\n%s",
		req.Span.FromSeq, req.Span.ToSeq, req.ThreadID, req.ProcessTag, req.MaxUnits, req.Unit, req.Transcript)

	resp, err := s.Provider.Completion(ctx, &llm.ChatRequest{
		Model: s.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: summarizerSystemPrompt},
			{Role: llm.RoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", err
	}
	text := resp.Content()
	if text == "" {
		return "", types.NewError(types.ErrInvalidResponse, "summarizer returned empty text")
	}
	return text, nil
}
