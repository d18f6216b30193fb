package accounting

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/tokenmeter/types"
)

// ChatService is the remote chat collaborator.
type ChatService interface {
	Send(ctx context.Context, req types.ChatRequest) (*types.ChatReply, error)
	ResetSession(ctx context.Context) error
}

// Session gates chat sends on the accounting state.
type Session struct {
	pipeline *Pipeline
	chat     ChatService
	logger   *zap.Logger
}

// NewSession binds a pipeline to a chat service.
func NewSession(pipeline *Pipeline, chat ChatService, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		pipeline: pipeline,
		chat:     chat,
		logger:   logger.With(zap.String("component", "session")),
	}
}

// Pipeline returns the session's accounting pipeline.
func (s *Session) Pipeline() *Pipeline { return s.pipeline }

// Start runs the initial count.
func (s *Session) Start() uint64 {
	return s.pipeline.Recompute()
}

// Submit sends message with the current attachments if the send gate is open.
//
// Over the limit it returns ErrTokenLimitExceeded; the caller can remove files
// (RemoveFile) or retry with SendWithHistoryTrim.
func (s *Session) Submit(ctx context.Context, message string) (*types.ChatReply, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "message is empty")
	}
	if err := gate(s.pipeline.Snapshot()); err != nil {
		return nil, err
	}

	reply, err := s.chat.Send(ctx, types.ChatRequest{Message: message, Files: s.pipeline.Files()})
	if err != nil {
		return nil, err
	}
	s.pipeline.Clear()
	s.pipeline.Recompute()
	if reply.Error != "" {
		return reply, types.NewError(types.ErrUpstreamError, reply.Error)
	}
	return reply, nil
}

// SendWithHistoryTrim sends message asking the service to drop old history to fit.
// The counting and limit gates are not applied here; a refusal from the service
// is reported as ErrTokenLimitExceeded. Attachments are cleared either way.
func (s *Session) SendWithHistoryTrim(ctx context.Context, message string) (*types.ChatReply, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "message is empty")
	}

	reply, err := s.chat.Send(ctx, types.ChatRequest{
		Message:     message,
		Files:       s.pipeline.Files(),
		TrimHistory: true,
	})
	if err != nil {
		return nil, err
	}
	s.pipeline.Clear()
	s.pipeline.Recompute()

	if reply.Error != "" {
		s.logger.Info("history trim could not fit the message", zap.String("reason", reply.Error))
		return reply, types.NewError(types.ErrTokenLimitExceeded, "token limit still exceeded; could not send").
			WithCause(errors.New(reply.Error))
	}
	return reply, nil
}

// RemoveFile drops an attachment by name and schedules a recount.
func (s *Session) RemoveFile(name string) bool {
	return s.pipeline.RemoveFile(name)
}

// NewChat resets the remote session and the local accounting, then recounts.
func (s *Session) NewChat(ctx context.Context) error {
	if err := s.chat.ResetSession(ctx); err != nil {
		return fmt.Errorf("reset remote session: %w", err)
	}
	s.pipeline.Reset()
	s.pipeline.Recompute()
	return nil
}

// gate maps a closed send gate to its error.
func gate(snap Snapshot) error {
	switch {
	case snap.Status == StatusCounting:
		return types.NewError(types.ErrCountingInProgress, "token counting in progress; please wait")
	case snap.Err != nil:
		return types.NewError(types.ErrCounting, "token counts are unavailable; sending is blocked").
			WithCause(snap.Err)
	case snap.OverLimit():
		return types.NewError(types.ErrTokenLimitExceeded,
			fmt.Sprintf("message and context exceed the maximum allowed tokens (%d > %d)", snap.Total, snap.Limit))
	}
	return nil
}
