package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrUpstreamError, "upstream failed").
		WithCause(root).
		WithHTTPStatus(502).
		WithRetryable(true)

	if GetErrorCode(err) != ErrUpstreamError {
		t.Fatalf("expected code %s, got %s", ErrUpstreamError, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestError_WrappedCodeLookup(t *testing.T) {
	t.Parallel()

	base := NewModelFormatError("missing pat_str", nil)
	wrapped := fmt.Errorf("load: %w", base)

	assert.True(t, IsModelFormat(wrapped))
	assert.False(t, IsModelFetch(wrapped))
	assert.Equal(t, "[MODEL_FORMAT] invalid tokenizer model format: missing pat_str", base.Error())

	fetch := NewModelFetchError("http://x", errors.New("refused"))
	assert.True(t, IsModelFetch(fetch))
	assert.True(t, IsRetryable(fetch))

	counting := NewCountingError(errors.New("boom"))
	assert.True(t, IsCounting(fmt.Errorf("outer: %w", counting)))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
}
