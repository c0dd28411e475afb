package tokenizer

import (
	"unicode/utf8"

	"go.uber.org/zap"
)

// BudgetCounter 以 token 为单位度量与截断文本，供线程上下文预算使用。
// 底层分词器出错时退回估算器，计数永不失败。
type BudgetCounter struct {
	tok      Tokenizer
	fallback *Estimator
	logger   *zap.Logger
}

// NewBudgetCounter 包装分词器
func NewBudgetCounter(t Tokenizer, logger *zap.Logger) *BudgetCounter {
	if t == nil {
		t = NewEstimator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BudgetCounter{tok: t, fallback: NewEstimator(), logger: logger}
}

// Unit 计数单位名称
func (c *BudgetCounter) Unit() string { return "tokens" }

// Count 返回文本的 token 数
func (c *BudgetCounter) Count(text string) int {
	n, err := c.tok.CountTokens(text)
	if err != nil {
		c.logger.Warn("tokenizer failed, using estimator",
			zap.String("tokenizer", c.tok.Name()), zap.Error(err))
		n, _ = c.fallback.CountTokens(text)
	}
	return n
}

// Truncate 返回不超过 limit 个 token 的最长前缀（按 rune 边界二分）
func (c *BudgetCounter) Truncate(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if c.Count(text) <= limit {
		return text
	}
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if c.Count(string(runes[:mid])) <= limit {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo])
}

// CharCounter 以 Unicode 字符为单位计数
type CharCounter struct{}

// Unit 计数单位名称
func (CharCounter) Unit() string { return "chars" }

// Count 返回 rune 数
func (CharCounter) Count(text string) int { return utf8.RuneCountInString(text) }

// Truncate 保留前 limit 个 rune
func (CharCounter) Truncate(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	return string([]rune(text)[:limit])
}
