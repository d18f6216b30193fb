package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TiktokenTokenizer 使用 tiktoken 内置编码计数, 不需要远端 merge table.
type TiktokenTokenizer struct {
	encoding  string
	maxTokens int
	enc       *tiktoken.Tiktoken
	once      sync.Once
	initErr   error
}

// 已知编码
var knownEncodings = map[string]bool{
	"o200k_base":  true,
	"cl100k_base": true,
	"p50k_base":   true,
	"r50k_base":   true,
}

// NewTiktokenTokenizer 创建基于指定编码的分词器. encoding 为空时使用 cl100k_base.
func NewTiktokenTokenizer(encoding string, maxTokens int) (*TiktokenTokenizer, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	encoding = strings.ToLower(encoding)
	if !knownEncodings[encoding] {
		return nil, fmt.Errorf("unknown tiktoken encoding %q", encoding)
	}
	return &TiktokenTokenizer{encoding: encoding, maxTokens: maxTokens}, nil
}

// init 在第一次使用时加载编码(可能需要下载数据).
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

func (t *TiktokenTokenizer) CountMessages(messages []Message) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	return countMessages(t, messages)
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

func (t *TiktokenTokenizer) MaxTokens() int {
	return t.maxTokens
}

func (t *TiktokenTokenizer) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}
