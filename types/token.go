package types

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DefaultTokenLimit is the session token ceiling used until the remote service reports one.
const DefaultTokenLimit = 1_000_000

// FileTokenCount is the token count of one attached file.
type FileTokenCount struct {
	Filename   string `json:"filename"`
	TokenCount int    `json:"token_count"`
}

// FileText is an attachment already decoded to text.
type FileText struct {
	Name    string `json:"name"`
	Type    string `json:"type,omitempty"`
	Content string `json:"content"`
}

// CountRequest is the payload of the token-count service.
type CountRequest struct {
	Text  string     `json:"text"`
	Files []FileText `json:"files,omitempty"`
}

// CountResult is the token-count service response.
// TokenLimit is zero when the service has no opinion on the limit.
type CountResult struct {
	PromptTokens int              `json:"prompt_tokens"`
	Files        []FileTokenCount `json:"files"`
	Total        int              `json:"total"`
	TokenLimit   int              `json:"token_limit,omitempty"`
}

// SumFiles returns Σ file token counts.
func SumFiles(files []FileTokenCount) int {
	total := 0
	for _, f := range files {
		total += f.TokenCount
	}
	return total
}

// HistoryMessage is one entry of the remote chat history.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Tokens  int    `json:"tokens,omitempty"`
}

// HistoryReport summarises remote history for accounting.
type HistoryReport struct {
	Messages   []HistoryMessage `json:"history"`
	TokenLimit int              `json:"token_limit,omitempty"`
}

// Tokens returns the sum of precomputed per-message token counts.
func (h *HistoryReport) Tokens() int {
	if h == nil {
		return 0
	}
	total := 0
	for _, m := range h.Messages {
		total += m.Tokens
	}
	return total
}

// Attachment is a user-attached file. Open is called each time the content is needed.
type Attachment struct {
	Name string
	Type string
	Size int64
	Open func() (io.ReadCloser, error)
}

// IsImage reports whether the attachment is sent as an image rather than as context text.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.Type, "image/")
}

// BytesAttachment builds an in-memory attachment.
func BytesAttachment(name, mimeType string, data []byte) Attachment {
	return Attachment{
		Name: name,
		Type: mimeType,
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// FileAttachment builds an attachment backed by a file on disk.
func FileAttachment(path, mimeType string) (Attachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Attachment{}, err
	}
	return Attachment{
		Name: filepath.Base(path),
		Type: mimeType,
		Size: info.Size(),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// ChatRequest is a message submission to the remote chat service.
type ChatRequest struct {
	Message     string
	Files       []Attachment
	TrimHistory bool
}

// ChatReply is the remote chat service response. Error is set when the service refused the turn.
type ChatReply struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}
