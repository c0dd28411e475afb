package tokenizer

import (
	"strings"
	"sync"
)

// Tokenizer 统一的 token 计数接口
type Tokenizer interface {
	// CountTokens 返回文本的 token 数
	CountTokens(text string) (int, error)

	// Encode 将文本转换为 token ID 列表
	Encode(text string) ([]int, error)

	// Decode 将 token ID 转换回文本
	Decode(tokens []int) (string, error)

	// Name 返回分词器名称
	Name() string
}

// 全局分词器注册表，按模型名（或前缀）查找
var (
	registry   = make(map[string]Tokenizer)
	registryMu sync.RWMutex
)

// Register 为模型名注册分词器
func Register(model string, t Tokenizer) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[model] = t
}

// Lookup 查找模型的分词器，精确匹配优先，其次最长前缀匹配
func Lookup(model string) (Tokenizer, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if t, ok := registry[model]; ok {
		return t, true
	}
	var (
		best    Tokenizer
		bestLen int
	)
	for prefix, t := range registry {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = t, len(prefix)
		}
	}
	return best, best != nil
}

// ForModel 返回模型的分词器；未注册时回退到估算器
func ForModel(model string) Tokenizer {
	if t, ok := Lookup(model); ok {
		return t
	}
	return NewEstimator()
}
