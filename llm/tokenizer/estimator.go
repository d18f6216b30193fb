package tokenizer

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

// EstimatorTokenizer 按字符数估算 token, 区分 CJK 与其他字符.
// 用作离线回退, 不能 Decode.
type EstimatorTokenizer struct {
	maxTokens int
}

// NewEstimatorTokenizer creates a character-count estimator.
func NewEstimatorTokenizer(maxTokens int) *EstimatorTokenizer {
	return &EstimatorTokenizer{maxTokens: maxTokens}
}

func (e *EstimatorTokenizer) CountTokens(text string) (int, error) {
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

	// CJK ~1.5 chars/token, 其他 ~4 chars/token.
	estimated := int(float64(cjk)/1.5 + float64(total-cjk)/4.0)
	if estimated == 0 {
		estimated = 1
	}
	return estimated, nil
}

func (e *EstimatorTokenizer) CountMessages(messages []Message) (int, error) {
	return countMessages(e, messages)
}

// Encode returns pseudo ids 0..n-1 so that len(Encode(x)) == CountTokens(x).
func (e *EstimatorTokenizer) Encode(text string) ([]int, error) {
	count, err := e.CountTokens(text)
	if err != nil {
		return nil, err
	}
	ids := make([]int, count)
	for i := range ids {
		ids[i] = i
	}
	return ids, nil
}

func (e *EstimatorTokenizer) Decode(_ []int) (string, error) {
	return "", fmt.Errorf("estimator tokenizer does not support decode")
}

func (e *EstimatorTokenizer) MaxTokens() int {
	return e.maxTokens
}

func (e *EstimatorTokenizer) Name() string {
	return "estimator"
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) ||
		(r >= 0x3000 && r <= 0x303F) || // CJK 符号和标点
		(r >= 0xFF00 && r <= 0xFFEF) // 半角/全角
}
