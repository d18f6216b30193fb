package accounting

import (
	"encoding/json"
	"slices"

	"github.com/BaSui01/tokenmeter/types"
)

// Status is the pipeline's counting status.
type Status int

const (
	StatusIdle Status = iota
	StatusCounting
	StatusReady
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusCounting:
		return "counting"
	case StatusReady:
		return "ready"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is an immutable copy of the accounting state after one transition.
//
// Total is always PromptTokens + Σ Files + HistoryTokens; it is derived inside
// the same transition that changes any term.
type Snapshot struct {
	PromptTokens  int
	Files         []types.FileTokenCount
	HistoryTokens int
	Total         int
	Limit         int
	Status        Status
	Err           error
	// Generation is the latest dispatched recomputation when the snapshot was taken.
	Generation uint64
	// Version increases by one per transition.
	Version uint64
}

// CanSend is the send gate: closed while counting, after a counting error and
// when over the limit.
func (s Snapshot) CanSend() bool {
	return s.Status != StatusCounting && s.Err == nil && s.Total <= s.Limit
}

// OverLimit reports Total > Limit.
func (s Snapshot) OverLimit() bool {
	return s.Total > s.Limit
}

// MarshalJSON renders the snapshot for the live accounting stream.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	files := s.Files
	if files == nil {
		files = []types.FileTokenCount{}
	}
	view := struct {
		PromptTokens  int                    `json:"prompt_tokens"`
		Files         []types.FileTokenCount `json:"files"`
		HistoryTokens int                    `json:"history_tokens"`
		Total         int                    `json:"total"`
		Limit         int                    `json:"token_limit"`
		Status        Status                 `json:"status"`
		Error         string                 `json:"error,omitempty"`
		CanSend       bool                   `json:"can_send"`
		OverLimit     bool                   `json:"over_limit"`
		Generation    uint64                 `json:"generation"`
		Version       uint64                 `json:"version"`
	}{
		PromptTokens:  s.PromptTokens,
		Files:         files,
		HistoryTokens: s.HistoryTokens,
		Total:         s.Total,
		Limit:         s.Limit,
		Status:        s.Status,
		CanSend:       s.CanSend(),
		OverLimit:     s.OverLimit(),
		Generation:    s.Generation,
		Version:       s.Version,
	}
	if s.Err != nil {
		view.Error = s.Err.Error()
	}
	return json.Marshal(view)
}

// state is the mutable form owned by Pipeline.
type state struct {
	prompt  int
	files   []types.FileTokenCount
	history int
	total   int
	limit   int
	status  Status
	err     error
}

func newState(limit int) state {
	return state{limit: limit, status: StatusIdle}
}

func (s *state) recomputeTotal() {
	s.total = s.prompt + types.SumFiles(s.files) + s.history
}

func (s *state) snapshot(gen, version uint64) Snapshot {
	return Snapshot{
		PromptTokens:  s.prompt,
		Files:         slices.Clone(s.files),
		HistoryTokens: s.history,
		Total:         s.total,
		Limit:         s.limit,
		Status:        s.status,
		Err:           s.err,
		Generation:    gen,
		Version:       version,
	}
}
