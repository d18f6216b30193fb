package tokenizer

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/tokenmeter/types"
)

// DefaultHeapThreshold is the chunk length (bytes) above which the heap merger is used.
const DefaultHeapThreshold = 64

// DropHook is told how many byte groups of a chunk had no rank and were dropped.
type DropHook func(dropped int)

// BPETokenizer encodes text against a shared MergeTable.
type BPETokenizer struct {
	table         *MergeTable
	maxTokens     int
	heapThreshold int
	logger        *zap.Logger
	onDrop        DropHook
}

// Option configures a BPETokenizer.
type Option func(*BPETokenizer)

// WithLogger sets the logger used to flag dropped ids.
func WithLogger(logger *zap.Logger) Option {
	return func(t *BPETokenizer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMaxTokens sets the value reported by MaxTokens.
func WithMaxTokens(n int) Option {
	return func(t *BPETokenizer) { t.maxTokens = n }
}

// WithHeapThreshold switches chunks longer than n bytes to the heap merger.
// n <= 0 always uses the rescan merger.
func WithHeapThreshold(n int) Option {
	return func(t *BPETokenizer) { t.heapThreshold = n }
}

// WithDropHook registers a callback for dropped byte groups.
func WithDropHook(h DropHook) Option {
	return func(t *BPETokenizer) { t.onDrop = h }
}

// NewBPETokenizer returns an encoder bound to table.
func NewBPETokenizer(table *MergeTable, opts ...Option) *BPETokenizer {
	t := &BPETokenizer{
		table:         table,
		maxTokens:     types.DefaultTokenLimit,
		heapThreshold: DefaultHeapThreshold,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(zap.String("component", "bpe_tokenizer"))
	return t
}

// Table returns the merge table the tokenizer encodes against.
func (t *BPETokenizer) Table() *MergeTable { return t.table }

// EncodeChunk runs the merge loop over one chunk and resolves the final groups to ids.
func (t *BPETokenizer) EncodeChunk(chunk []byte) []int {
	if len(chunk) == 0 {
		return nil
	}
	var starts []int
	if t.heapThreshold > 0 && len(chunk) > t.heapThreshold {
		starts = t.mergeHeap(chunk)
	} else {
		starts = t.mergeScan(chunk)
	}
	return t.resolve(chunk, starts)
}

// mergeScan is the reference merger. Groups are kept as start offsets into chunk;
// group i spans chunk[starts[i]:starts[i+1]]. Each pass rescans every adjacent
// pair, merges the lowest rank (leftmost on ties) and removes one boundary, so
// the loop runs at most len(chunk)-1 times.
func (t *BPETokenizer) mergeScan(chunk []byte) []int {
	starts := make([]int, len(chunk))
	for i := range starts {
		starts[i] = i
	}

	for len(starts) > 1 {
		minRank, minPos := 0, -1
		for i := 0; i+1 < len(starts); i++ {
			end := len(chunk)
			if i+2 < len(starts) {
				end = starts[i+2]
			}
			rank, ok := t.table.Rank(chunk[starts[i]:end])
			if ok && (minPos < 0 || rank < minRank) {
				minRank, minPos = rank, i
			}
		}
		if minPos < 0 {
			break
		}
		starts = append(starts[:minPos+1], starts[minPos+2:]...)
	}
	return starts
}

// resolve maps final groups to ids. Groups missing from the table are dropped.
func (t *BPETokenizer) resolve(chunk []byte, starts []int) []int {
	ids := make([]int, 0, len(starts))
	dropped := 0
	for i, s := range starts {
		end := len(chunk)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		id, ok := t.table.Rank(chunk[s:end])
		if !ok {
			dropped++
			continue
		}
		ids = append(ids, id)
	}
	if dropped > 0 {
		t.logger.Warn("dropping byte groups with no rank; merge table may be incomplete",
			zap.Int("dropped", dropped),
			zap.String("chunk_hex", hex.EncodeToString(chunk)),
		)
		if t.onDrop != nil {
			t.onDrop(dropped)
		}
	}
	return ids
}

// Encode pre-tokenizes text and concatenates the per-chunk ids in chunk order.
func (t *BPETokenizer) Encode(text string) ([]int, error) {
	var ids []int
	for chunk, err := range t.table.Splitter().Chunks(text) {
		if err != nil {
			return nil, types.NewError(types.ErrTokenizerError, "pre-tokenization failed").WithCause(err)
		}
		ids = append(ids, t.EncodeChunk([]byte(chunk))...)
	}
	return ids, nil
}

// CountTokens returns len(Encode(text)) without keeping the ids.
func (t *BPETokenizer) CountTokens(text string) (int, error) {
	n := 0
	for chunk, err := range t.table.Splitter().Chunks(text) {
		if err != nil {
			return 0, types.NewError(types.ErrTokenizerError, "pre-tokenization failed").WithCause(err)
		}
		n += len(t.EncodeChunk([]byte(chunk)))
	}
	return n, nil
}

func (t *BPETokenizer) CountMessages(messages []Message) (int, error) {
	return countMessages(t, messages)
}

// DecodeBytes concatenates the byte sequences of ids. Unknown ids contribute nothing.
func (t *BPETokenizer) DecodeBytes(ids []int) []byte {
	var buf bytes.Buffer
	for _, id := range ids {
		if seq, ok := t.table.Bytes(id); ok {
			buf.Write(seq)
		}
	}
	return buf.Bytes()
}

// Decode is the safe inverse of Encode: unknown ids are skipped and invalid
// UTF-8 is replaced with U+FFFD.
func (t *BPETokenizer) Decode(ids []int) (string, error) {
	return strings.ToValidUTF8(string(t.DecodeBytes(ids)), "�"), nil
}

// Validate round-trips every sample and returns those that do not survive.
func (t *BPETokenizer) Validate(samples []string) []string {
	var failing []string
	for _, s := range samples {
		ids, err := t.Encode(s)
		if err != nil {
			failing = append(failing, s)
			continue
		}
		if decoded, _ := t.Decode(ids); decoded != s {
			t.logger.Debug("round-trip mismatch", zap.String("input", s), zap.String("output", decoded))
			failing = append(failing, s)
		}
	}
	return failing
}

func (t *BPETokenizer) MaxTokens() int {
	return t.maxTokens
}

func (t *BPETokenizer) Name() string {
	return fmt.Sprintf("bpe[%s]", t.table.Fingerprint())
}

// ValidationSamples are representative chat turns used to check a loaded model.
var ValidationSamples = []string{
	"Hello there! Can you assist me with my code?",
	"Sure, here it is: \n\"\"\"python\ndef hello():\n print(\"Hello, World!\")\nhello()\n\"\"\"",
	"I see. Is there a specific part of the code you're having trouble with?",
	"This code defines a function called `hello` that prints \"Hello, World!\" when called.",
	"A list is mutable. Lists are defined by having values between square brackets [], a tuple uses round brackets (). ",
	"No problem at all! Don't hesitate to ask if you have more questions in the future. ",
	"Decoding error: Unsupported character in string.",
}
