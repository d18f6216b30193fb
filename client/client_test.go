package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/tokenmeter/types"
)

func TestChatClient_History(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/history", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		_, _ = w.Write([]byte(`{"history":[
			{"role":"user","content":"hi","tokens":3},
			{"role":"system","content":"hello","tokens":5},
			{"role":"user","content":"?"}
		],"token_limit":200000}`))
	}))
	defer server.Close()

	c := NewChatClient(Config{BaseURL: server.URL + "/", Headers: map[string]string{"X-API-Key": "secret"}}, zap.NewNop())
	report, err := c.History(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Messages, 3)
	assert.Equal(t, 8, report.Tokens())
	assert.Equal(t, 200000, report.TokenLimit)
}

func TestChatClient_HistoryErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewChatClient(Config{BaseURL: server.URL}, nil).History(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrUpstreamError))
	assert.True(t, types.IsRetryable(err))
	typed, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, typed.HTTPStatus)
}

func TestChatClient_Send(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.Equal(t, "explain this", r.FormValue("message"))
		assert.Equal(t, "true", r.FormValue("trim_history"))

		ctxFiles := r.MultipartForm.File["context_files"]
		require.Len(t, ctxFiles, 2)
		assert.Equal(t, "main.go", ctxFiles[0].Filename)
		assert.Equal(t, "notes.md", ctxFiles[1].Filename)
		f, err := ctxFiles[0].Open()
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		assert.Equal(t, "package main", string(data))

		images := r.MultipartForm.File["images"]
		require.Len(t, images, 1)
		assert.Equal(t, "image/png", images[0].Header.Get("Content-Type"))

		_ = json.NewEncoder(w).Encode(types.ChatReply{Response: "done"})
	}))
	defer server.Close()

	c := NewChatClient(Config{BaseURL: server.URL}, zap.NewNop())
	reply, err := c.Send(context.Background(), types.ChatRequest{
		Message: "explain this",
		Files: []types.Attachment{
			types.BytesAttachment("main.go", "text/x-go", []byte("package main")),
			types.BytesAttachment("shot.png", "image/png", []byte{0x89, 'P', 'N', 'G'}),
			types.BytesAttachment("notes.md", "", []byte("# notes")),
		},
		TrimHistory: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "done", reply.Response)
}

func TestChatClient_SendRefusal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Token limit exceeded"}`))
	}))
	defer server.Close()

	reply, err := NewChatClient(Config{BaseURL: server.URL}, nil).
		Send(context.Background(), types.ChatRequest{Message: "x"})
	require.NoError(t, err)
	assert.Equal(t, "Token limit exceeded", reply.Error)
}

func TestChatClient_ResetSession(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/reset_session", r.URL.Path)
		calls++
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	require.NoError(t, NewChatClient(Config{BaseURL: server.URL}, nil).ResetSession(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestChatClient_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	c := NewChatClient(Config{BaseURL: server.URL, Timeout: 20 * time.Millisecond}, nil)
	_, err := c.History(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrUpstreamTimeout))
}

func TestTokenClient_Count(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/tokens/count", r.URL.Path)
		var req types.CountRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello", req.Text)
		require.Len(t, req.Files, 1)

		_, _ = w.Write([]byte(`{"success":true,"data":{
			"prompt_tokens":1,
			"files":[{"filename":"a.txt","token_count":4}],
			"total":5,
			"token_limit":128000
		}}`))
	}))
	defer server.Close()

	c := NewTokenClient(Config{BaseURL: server.URL}, zap.NewNop())
	res, err := c.Count(context.Background(), types.CountRequest{
		Text:  "hello",
		Files: []types.FileText{{Name: "a.txt", Content: "some text"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.PromptTokens)
	assert.Equal(t, []types.FileTokenCount{{Filename: "a.txt", TokenCount: 4}}, res.Files)
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 128000, res.TokenLimit)
}

func TestTokenClient_CountError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"success":false,"error":{"code":"SERVICE_UNAVAILABLE","message":"tokenizer not ready","retryable":true}}`))
	}))
	defer server.Close()

	_, err := NewTokenClient(Config{BaseURL: server.URL}, nil).Count(context.Background(), types.CountRequest{Text: "x"})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrServiceUnavailable))
	assert.True(t, types.IsRetryable(err))
}
