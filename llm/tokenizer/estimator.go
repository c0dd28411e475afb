package tokenizer

import (
	"errors"
	"math"
	"unicode/utf8"
)

// Estimator 按字符类别估算 token 数：CJK 约 1.5 字符/token，其余约 4 字符/token。
// 结果是确定的，适合离线环境与测试。
type Estimator struct{}

// NewEstimator 创建估算器
func NewEstimator() *Estimator { return &Estimator{} }

func (e *Estimator) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	total := utf8.RuneCountInString(text)
	cjk := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		}
	}
	estimated := int(math.Ceil(float64(cjk)/1.5 + float64(total-cjk)/4.0))
	return max(estimated, 1), nil
}

func (e *Estimator) Encode(text string) ([]int, error) {
	n, _ := e.CountTokens(text)
	tokens := make([]int, n)
	for i := range tokens {
		tokens[i] = i
	}
	return tokens, nil
}

func (e *Estimator) Decode(_ []int) (string, error) {
	return "", errors.New("estimator does not support decode")
}

func (e *Estimator) Name() string { return "estimator" }

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x3000 && r <= 0x303F) ||
		(r >= 0xFF00 && r <= 0xFFEF)
}
