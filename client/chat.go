package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"go.uber.org/zap"

	"github.com/BaSui01/tokenmeter/types"
)

// ChatClient talks to the remote chat/history service.
// It satisfies accounting.ChatService and accounting.HistorySource.
type ChatClient struct {
	base
}

// NewChatClient creates a chat client.
func NewChatClient(cfg Config, logger *zap.Logger) *ChatClient {
	return &ChatClient{base: newBase(cfg, logger, "chat_client")}
}

// History fetches GET /history.
func (c *ChatClient) History(ctx context.Context) (*types.HistoryReport, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/history", nil)
	if err != nil {
		return nil, err
	}
	status, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(status, body)
	}
	var report types.HistoryReport
	if err := decodeJSON(body, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Send posts a multipart /chat request. Images go in "images", everything
// else in "context_files". A reply with Error set is returned without a Go
// error; the caller decides what a refusal means.
func (c *ChatClient) Send(ctx context.Context, chat types.ChatRequest) (*types.ChatReply, error) {
	payload, contentType, err := encodeChatForm(chat)
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	status, body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var reply types.ChatReply
	if decodeErr := decodeJSON(body, &reply); decodeErr != nil {
		if status >= 300 {
			return nil, statusError(status, body)
		}
		return nil, decodeErr
	}
	if status >= 300 && reply.Error == "" {
		return nil, statusError(status, body)
	}
	return &reply, nil
}

// ResetSession posts /reset_session.
func (c *ChatClient) ResetSession(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/reset_session", nil)
	if err != nil {
		return err
	}
	status, body, err := c.do(req)
	if err != nil {
		return err
	}
	if status >= 300 {
		return statusError(status, body)
	}
	return nil
}

func encodeChatForm(chat types.ChatRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("message", chat.Message); err != nil {
		return nil, "", err
	}
	for _, f := range chat.Files {
		field := "context_files"
		if f.IsImage() {
			field = "images"
		}
		if err := writeFilePart(w, field, f); err != nil {
			return nil, "", types.NewError(types.ErrInvalidRequest,
				fmt.Sprintf("failed to attach %s", f.Name)).WithCause(err)
		}
	}
	if chat.TrimHistory {
		if err := w.WriteField("trim_history", "true"); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func writeFilePart(w *multipart.Writer, field string, f types.Attachment) error {
	if f.Open == nil {
		return fmt.Errorf("attachment has no content")
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, f.Name))
	contentType := f.Type
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)

	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(part, rc)
	return err
}
