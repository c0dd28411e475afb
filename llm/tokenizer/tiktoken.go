package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TiktokenTokenizer 基于 tiktoken 的 OpenAI 系列模型分词器
type TiktokenTokenizer struct {
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

// modelEncodings 模型前缀到 tiktoken 编码
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4.1":       "o200k_base",
	"o1":            "o200k_base",
	"o3":            "o200k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

// EncodingFor 返回模型使用的编码，未知模型默认 cl100k_base
func EncodingFor(model string) string {
	best, bestLen := "cl100k_base", 0
	for prefix, enc := range modelEncodings {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = enc, len(prefix)
		}
	}
	return best
}

// NewTiktokenTokenizer 为模型创建分词器；编码数据在首次使用时加载
func NewTiktokenTokenizer(model string) *TiktokenTokenizer {
	return &TiktokenTokenizer{encoding: EncodingFor(model)}
}

// init 延迟加载编码（首次使用可能需要下载 BPE 数据）
func (t *TiktokenTokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *TiktokenTokenizer) CountTokens(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

func (t *TiktokenTokenizer) Encode(text string) ([]int, error) {
	if err := t.init(); err != nil {
		return nil, err
	}
	return t.enc.Encode(text, nil, nil), nil
}

func (t *TiktokenTokenizer) Decode(tokens []int) (string, error) {
	if err := t.init(); err != nil {
		return "", err
	}
	return t.enc.Decode(tokens), nil
}

func (t *TiktokenTokenizer) Name() string {
	return "tiktoken[" + t.encoding + "]"
}

// RegisterOpenAI 注册所有已知 OpenAI 模型前缀的分词器
func RegisterOpenAI() {
	for prefix := range modelEncodings {
		Register(prefix, NewTiktokenTokenizer(prefix))
	}
}
