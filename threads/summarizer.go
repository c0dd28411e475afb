package threads

import (
	"context"
	"strings"

	"github.com/BaSui01/enzymeflow/llm/tokenizer"
)

// Counter 度量上下文预算的单位（字符或 token）
type Counter interface {
	Unit() string
	Count(text string) int
	// Truncate 返回不超过 limit 个单位的前缀
	Truncate(text string, limit int) string
}

// SummaryRequest 一次压缩请求：把 Transcript 概括为不超过 MaxUnits 个单位的文本
type SummaryRequest struct {
	ProcessTag string
	ThreadID   string
	Span       SummarySpan
	Transcript string
	MaxUnits   int
	Unit       string
}

// Summarizer 压缩时生成摘要的外部能力
type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (string, error)
}

// SummarizerFunc 函数适配器
type SummarizerFunc func(ctx context.Context, req SummaryRequest) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	return f(ctx, req)
}

// SimpleSummarizer 确定性的摘要：每个轮次压成一行并按预算均分。
// 作为默认实现，也是 LLM 摘要失败时的兜底。
type SimpleSummarizer struct {
	Counter Counter
}

func (s SimpleSummarizer) Summarize(_ context.Context, req SummaryRequest) (string, error) {
	counter := s.Counter
	if counter == nil {
		counter = tokenizer.CharCounter{}
	}
	blocks := strings.Split(req.Transcript, blockSep)
	per := max(req.MaxUnits/max(len(blocks), 1), 16)

	lines := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if line := CompactText(b, per); line != "" {
			lines = append(lines, line)
		}
	}
	return counter.Truncate(strings.Join(lines, "\n"), req.MaxUnits), nil
}

// CompactText 折叠空白并截断到 maxChars 个字符，超长时以 "..." 结尾
func CompactText(text string, maxChars int) string {
	compact := strings.Join(strings.Fields(text), " ")
	runes := []rune(compact)
	if len(runes) <= maxChars {
		return compact
	}
	if maxChars <= 3 {
		return string(runes[:max(maxChars, 0)])
	}
	return string(runes[:maxChars-3]) + "..."
}
