package tokenizer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/tokenmeter/types"
)

// modelPayload is the wire form of a merge table.
type modelPayload struct {
	MergeableRanks map[string]int `json:"mergeable_ranks"`
	PatStr         *string        `json:"pat_str"`
}

// MergeTable maps byte sequences to ranks. A rank is both the merge priority
// (lower merges first) and the token id emitted for that sequence.
// A MergeTable is immutable once built and safe for concurrent use.
//
// Invariants:
//   - ranks and decoder are inverse mappings of each other.
//   - every rank is non-negative and unique.
type MergeTable struct {
	// keyed by the raw byte sequence; the payload's hex keys are decoded once at build time
	ranks       map[string]int
	decoder     map[int][]byte
	splitter    *Splitter
	fingerprint string
}

// ParseOption configures merge table construction.
type ParseOption func(*parseOptions)

type parseOptions struct {
	matchTimeout time.Duration
}

// WithMatchTimeout bounds a single pre-tokenizer match. Zero disables the bound.
func WithMatchTimeout(d time.Duration) ParseOption {
	return func(o *parseOptions) { o.matchTimeout = d }
}

// ParseMergeTable decodes a {"mergeable_ranks": {...}, "pat_str": "..."} payload.
// Every failure is a MODEL_FORMAT error.
func ParseMergeTable(payload []byte, opts ...ParseOption) (*MergeTable, error) {
	var p modelPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, types.NewModelFormatError("payload is not a valid model object", err)
	}
	if p.MergeableRanks == nil {
		return nil, types.NewModelFormatError("missing mergeable_ranks", nil)
	}
	if p.PatStr == nil || *p.PatStr == "" {
		return nil, types.NewModelFormatError("missing pat_str", nil)
	}
	return NewMergeTable(p.MergeableRanks, *p.PatStr, opts...)
}

// NewMergeTable builds a table from hex-encoded byte sequences and a split pattern.
func NewMergeTable(hexRanks map[string]int, pattern string, opts ...ParseOption) (*MergeTable, error) {
	o := parseOptions{matchTimeout: DefaultMatchTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	ranks := make(map[string]int, len(hexRanks))
	decoder := make(map[int][]byte, len(hexRanks))
	for key, rank := range hexRanks {
		seq, err := hex.DecodeString(key)
		if err != nil {
			return nil, types.NewModelFormatError(fmt.Sprintf("bad hex key %q", key), err)
		}
		if len(seq) == 0 {
			return nil, types.NewModelFormatError("empty byte sequence key", nil)
		}
		if rank < 0 {
			return nil, types.NewModelFormatError(fmt.Sprintf("negative rank %d for %q", rank, key), nil)
		}
		if _, dup := ranks[string(seq)]; dup {
			return nil, types.NewModelFormatError(fmt.Sprintf("duplicate byte sequence %q", key), nil)
		}
		if prev, dup := decoder[rank]; dup {
			return nil, types.NewModelFormatError(
				fmt.Sprintf("rank %d assigned to both %x and %q", rank, prev, key), nil)
		}
		ranks[string(seq)] = rank
		decoder[rank] = seq
	}

	splitter, err := NewSplitter(pattern, o.matchTimeout)
	if err != nil {
		return nil, types.NewModelFormatError("pat_str does not compile", err)
	}

	t := &MergeTable{
		ranks:    ranks,
		decoder:  decoder,
		splitter: splitter,
	}
	payload, err := t.Payload()
	if err != nil {
		return nil, types.NewModelFormatError("payload re-encode failed", err)
	}
	sum := sha256.Sum256(payload)
	t.fingerprint = hex.EncodeToString(sum[:8])
	return t, nil
}

// Rank returns the rank of seq, if the table defines one.
func (t *MergeTable) Rank(seq []byte) (int, bool) {
	r, ok := t.ranks[string(seq)]
	return r, ok
}

// Bytes returns the byte sequence for a token id.
func (t *MergeTable) Bytes(id int) ([]byte, bool) {
	b, ok := t.decoder[id]
	return b, ok
}

// Len returns the number of entries.
func (t *MergeTable) Len() int { return len(t.ranks) }

// Pattern returns the split pattern source.
func (t *MergeTable) Pattern() string { return t.splitter.Pattern() }

// Splitter returns the compiled pre-tokenizer for this table.
func (t *MergeTable) Splitter() *Splitter { return t.splitter }

// Fingerprint identifies the table content; used to namespace cached counts.
func (t *MergeTable) Fingerprint() string { return t.fingerprint }

// MissingBytes returns how many single byte values have no rank.
// Input containing such a byte cannot be fully encoded.
func (t *MergeTable) MissingBytes() int {
	missing := 0
	var b [1]byte
	for i := 0; i < 256; i++ {
		b[0] = byte(i)
		if _, ok := t.ranks[string(b[:])]; !ok {
			missing++
		}
	}
	return missing
}

// Payload re-serialises the table to its wire form.
func (t *MergeTable) Payload() ([]byte, error) {
	hexRanks := make(map[string]int, len(t.ranks))
	for seq, rank := range t.ranks {
		hexRanks[hex.EncodeToString([]byte(seq))] = rank
	}
	pattern := t.splitter.Pattern()
	return json.Marshal(modelPayload{MergeableRanks: hexRanks, PatStr: &pattern})
}

// ByteLevelRanks returns the 256 base single-byte entries (hex → byte value).
// Handy for building tables whose merges sit on top of a complete byte alphabet.
func ByteLevelRanks() map[string]int {
	ranks := make(map[string]int, 256)
	for i := 0; i < 256; i++ {
		ranks[hex.EncodeToString([]byte{byte(i)})] = i
	}
	return ranks
}
