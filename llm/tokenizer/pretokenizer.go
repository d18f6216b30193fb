package tokenizer

import (
	"fmt"
	"iter"
	"time"

	"github.com/dlclark/regexp2"
)

// DefaultPattern splits chat text into contractions, letter runs, number runs,
// punctuation runs, whitespace, fenced code blocks, inline code and markdown links.
const DefaultPattern = `('s|'t|'re|'ve|'m|'ll|'d| ?[\p{L}]+| ?[\p{N}]+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+)` +
	"|(```[\\s\\S]*?```)|(`[^`]*`)" +
	`|(\[[^\]]*\]\([^)]*\))`

// DefaultMatchTimeout bounds one pattern match on adversarial input.
const DefaultMatchTimeout = 2 * time.Second

// Splitter is the pre-tokenizer: it carves text into chunks that are encoded
// independently. Merges never cross chunk boundaries.
//
// The pattern language is .NET-style (regexp2) rather than RE2 because split
// patterns use lookahead, which RE2 cannot express.
type Splitter struct {
	re      *regexp2.Regexp
	pattern string
}

// NewSplitter compiles pattern. timeout <= 0 leaves matches unbounded.
func NewSplitter(pattern string, timeout time.Duration) (*Splitter, error) {
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("compile split pattern: %w", err)
	}
	if timeout > 0 {
		re.MatchTimeout = timeout
	}
	return &Splitter{re: re, pattern: pattern}, nil
}

// Pattern returns the source pattern.
func (s *Splitter) Pattern() string { return s.pattern }

// Chunks lazily yields each maximal match of the pattern in input order.
// The sequence can be ranged over more than once. Unmatched runs are skipped and
// empty matches are never yielded. A match failure (timeout) is yielded as the
// final element.
func (s *Splitter) Chunks(text string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if text == "" {
			return
		}
		m, err := s.re.FindStringMatch(text)
		for m != nil && err == nil {
			if chunk := m.String(); chunk != "" {
				if !yield(chunk, nil) {
					return
				}
			}
			m, err = s.re.FindNextMatch(m)
		}
		if err != nil {
			yield("", fmt.Errorf("split text: %w", err))
		}
	}
}

// Split collects Chunks into a slice.
func (s *Splitter) Split(text string) ([]string, error) {
	var chunks []string
	for chunk, err := range s.Chunks(text) {
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}
