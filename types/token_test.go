package types

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryReport_Tokens(t *testing.T) {
	t.Parallel()

	var nilReport *HistoryReport
	assert.Equal(t, 0, nilReport.Tokens())

	r := &HistoryReport{Messages: []HistoryMessage{
		{Role: "user", Content: "hi", Tokens: 3},
		{Role: "system", Content: "hello", Tokens: 7},
		{Role: "user", Content: "no count"},
	}}
	assert.Equal(t, 10, r.Tokens())
}

func TestSumFiles(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, SumFiles(nil))
	assert.Equal(t, 9, SumFiles([]FileTokenCount{{Filename: "a", TokenCount: 4}, {Filename: "b", TokenCount: 5}}))
}

func TestAttachments(t *testing.T) {
	t.Parallel()

	a := BytesAttachment("notes.txt", "text/plain", []byte("hello"))
	assert.Equal(t, int64(5), a.Size)
	assert.False(t, a.IsImage())
	rc, err := a.Open()
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	assert.True(t, BytesAttachment("p.png", "image/png", nil).IsImage())

	path := filepath.Join(t.TempDir(), "f.md")
	require.NoError(t, os.WriteFile(path, []byte("# title"), 0o644))
	fa, err := FileAttachment(path, "text/markdown")
	require.NoError(t, err)
	assert.Equal(t, "f.md", fa.Name)
	assert.Equal(t, int64(7), fa.Size)

	_, err = FileAttachment(filepath.Join(t.TempDir(), "missing"), "")
	assert.Error(t, err)
}
