package accounting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/tokenmeter/types"
)

type fakeChat struct {
	mu       sync.Mutex
	requests []types.ChatRequest
	reply    *types.ChatReply
	err      error
	resets   int
	resetErr error
}

func (c *fakeChat) Send(_ context.Context, req types.ChatRequest) (*types.ChatReply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.err != nil {
		return nil, c.err
	}
	return c.reply, nil
}

func (c *fakeChat) ResetSession(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets++
	return c.resetErr
}

func (c *fakeChat) sent() []types.ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.ChatRequest(nil), c.requests...)
}

func newTestSession(t *testing.T, counter Counter, chat ChatService, limit int) *Session {
	t.Helper()
	p := NewPipeline(counter, Config{Debounce: time.Hour, TokenLimit: limit})
	t.Cleanup(p.Close)
	return NewSession(p, chat, nil)
}

func TestSession_SubmitClearsAndRecounts(t *testing.T) {
	counter := &funcCounter{}
	chat := &fakeChat{reply: &types.ChatReply{Response: "hi there"}}
	s := newTestSession(t, counter, chat, 100)

	s.Pipeline().SetText("hello")
	s.Pipeline().AddFile(types.BytesAttachment("ctx.txt", "text/plain", []byte("abc")))
	s.Start()
	s.Pipeline().Wait()
	require.True(t, s.Pipeline().Snapshot().CanSend())

	reply, err := s.Submit(context.Background(), "  hello  ")
	require.NoError(t, err)
	assert.Equal(t, "hi there", reply.Response)

	sent := chat.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "hello", sent[0].Message)
	assert.False(t, sent[0].TrimHistory)
	require.Len(t, sent[0].Files, 1)
	assert.Equal(t, "ctx.txt", sent[0].Files[0].Name)

	s.Pipeline().Wait()
	snap := s.Pipeline().Snapshot()
	assert.Empty(t, s.Pipeline().Text())
	assert.Empty(t, s.Pipeline().Files())
	assert.Equal(t, 0, snap.Total)
	assert.Equal(t, int32(2), counter.calls.Load())
}

func TestSession_SubmitGate(t *testing.T) {
	t.Run("counting in progress", func(t *testing.T) {
		counter := newBlockingCounter()
		chat := &fakeChat{reply: &types.ChatReply{}}
		s := newTestSession(t, counter, chat, 100)

		s.Start()
		call := counter.next(t)
		defer func() { call.release <- countReply{res: &types.CountResult{}} }()

		_, err := s.Submit(context.Background(), "hi")
		assert.True(t, types.IsErrorCode(err, types.ErrCountingInProgress))
		assert.Empty(t, chat.sent())
	})

	t.Run("over limit", func(t *testing.T) {
		chat := &fakeChat{reply: &types.ChatReply{}}
		s := newTestSession(t, &funcCounter{}, chat, 3)

		s.Pipeline().SetText("too long")
		s.Start()
		s.Pipeline().Wait()

		_, err := s.Submit(context.Background(), "too long")
		assert.True(t, types.IsErrorCode(err, types.ErrTokenLimitExceeded))
		assert.Empty(t, chat.sent())
	})

	t.Run("counting failed", func(t *testing.T) {
		chat := &fakeChat{reply: &types.ChatReply{}}
		s := newTestSession(t, &funcCounter{err: errors.New("down")}, chat, 100)

		s.Start()
		s.Pipeline().Wait()

		_, err := s.Submit(context.Background(), "hi")
		assert.True(t, types.IsCounting(err))
		assert.Empty(t, chat.sent())
	})

	t.Run("empty message", func(t *testing.T) {
		s := newTestSession(t, &funcCounter{}, &fakeChat{}, 100)
		_, err := s.Submit(context.Background(), "   ")
		assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
	})
}

func TestSession_SubmitTransportErrorKeepsInput(t *testing.T) {
	chat := &fakeChat{err: errors.New("connection refused")}
	s := newTestSession(t, &funcCounter{}, chat, 100)

	s.Pipeline().SetText("hello")
	s.Pipeline().AddFile(types.BytesAttachment("a.txt", "text/plain", []byte("a")))
	s.Start()
	s.Pipeline().Wait()

	_, err := s.Submit(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, "hello", s.Pipeline().Text())
	assert.Len(t, s.Pipeline().Files(), 1)
}

func TestSession_SendWithHistoryTrim(t *testing.T) {
	t.Run("trim succeeds", func(t *testing.T) {
		chat := &fakeChat{reply: &types.ChatReply{Response: "ok"}}
		s := newTestSession(t, &funcCounter{}, chat, 1)

		s.Pipeline().SetText("over the limit")
		s.Pipeline().AddFile(types.BytesAttachment("big.txt", "text/plain", []byte("lots")))
		s.Start()
		s.Pipeline().Wait()
		require.True(t, s.Pipeline().Snapshot().OverLimit())

		reply, err := s.SendWithHistoryTrim(context.Background(), "over the limit")
		require.NoError(t, err)
		assert.Equal(t, "ok", reply.Response)

		sent := chat.sent()
		require.Len(t, sent, 1)
		assert.True(t, sent[0].TrimHistory)
		assert.Empty(t, s.Pipeline().Files())
		s.Pipeline().Wait()
	})

	t.Run("still exceeded", func(t *testing.T) {
		chat := &fakeChat{reply: &types.ChatReply{Error: "Token limit exceeded"}}
		s := newTestSession(t, &funcCounter{}, chat, 1)
		s.Pipeline().AddFile(types.BytesAttachment("big.txt", "text/plain", []byte("lots")))

		reply, err := s.SendWithHistoryTrim(context.Background(), "hello")
		require.Error(t, err)
		assert.True(t, types.IsErrorCode(err, types.ErrTokenLimitExceeded))
		assert.Equal(t, "Token limit exceeded", reply.Error)
		assert.Empty(t, s.Pipeline().Files())
		s.Pipeline().Wait()
	})
}

func TestSession_RemoveFileReopensGate(t *testing.T) {
	s := newTestSession(t, &funcCounter{}, &fakeChat{}, 5)

	s.Pipeline().SetText("hi")
	s.Pipeline().AddFile(types.BytesAttachment("big.txt", "text/plain", []byte("0123456789")))
	s.Start()
	s.Pipeline().Wait()
	require.False(t, s.Pipeline().Snapshot().CanSend())

	require.True(t, s.RemoveFile("big.txt"))
	s.Pipeline().Recompute()
	s.Pipeline().Wait()
	assert.True(t, s.Pipeline().Snapshot().CanSend())
}

func TestSession_NewChat(t *testing.T) {
	chat := &fakeChat{}
	s := newTestSession(t, &funcCounter{}, chat, 100)

	s.Pipeline().SetText("draft")
	s.Start()
	s.Pipeline().Wait()

	require.NoError(t, s.NewChat(context.Background()))
	s.Pipeline().Wait()
	assert.Equal(t, 1, chat.resets)
	assert.Empty(t, s.Pipeline().Text())
	snap := s.Pipeline().Snapshot()
	assert.Equal(t, StatusReady, snap.Status)
	assert.Equal(t, 0, snap.Total)

	chat.resetErr = errors.New("gone")
	assert.Error(t, s.NewChat(context.Background()))
}
