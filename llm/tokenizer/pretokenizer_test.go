package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitter_DefaultPattern(t *testing.T) {
	s, err := NewSplitter(DefaultPattern, DefaultMatchTimeout)
	require.NoError(t, err)

	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "empty", input: "", want: nil},
		{name: "words", input: "Hello world", want: []string{"Hello", " world"}},
		{name: "contraction", input: "it's", want: []string{"it", "'s"}},
		{name: "numbers", input: "abc 123", want: []string{"abc", " 123"}},
		{name: "punctuation", input: "hi!!", want: []string{"hi", "!!"}},
		{name: "unicode letters", input: "héllo 世界", want: []string{"héllo", " 世界"}},
		{name: "trailing whitespace", input: "a  ", want: []string{"a", "  "}},
		{name: "whitespace before word", input: "a   b", want: []string{"a", "  ", " b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Split(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplitter_CoversInput(t *testing.T) {
	s, err := NewSplitter(DefaultPattern, 0)
	require.NoError(t, err)

	input := "Sure:\n```go\nfmt.Println(\"hi\")\n```\nSee [docs](https://go.dev) and `x := 1`."
	chunks, err := s.Split(input)
	require.NoError(t, err)

	joined := ""
	for _, c := range chunks {
		assert.NotEmpty(t, c)
		joined += c
	}
	assert.Equal(t, input, joined)
}

func TestSplitter_ChunksRestartable(t *testing.T) {
	s, err := NewSplitter(`[\p{L}]+`, 0)
	require.NoError(t, err)

	seq := s.Chunks("one two three")
	var first, second []string
	for c, err := range seq {
		require.NoError(t, err)
		first = append(first, c)
	}
	for c, err := range seq {
		require.NoError(t, err)
		second = append(second, c)
	}
	assert.Equal(t, []string{"one", "two", "three"}, first)
	assert.Equal(t, first, second)

	// early break stops iteration
	n := 0
	for range seq {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestSplitter_Lookahead(t *testing.T) {
	s, err := NewSplitter(`\s+(?!\S)|\s+|\S+`, 0)
	require.NoError(t, err)
	got, err := s.Split("a   b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "  ", " ", "b"}, got)
}

func TestNewSplitter_InvalidPattern(t *testing.T) {
	_, err := NewSplitter(`(`, 0)
	assert.Error(t, err)
}
