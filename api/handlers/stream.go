package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/tokenmeter/accounting"
	"github.com/BaSui01/tokenmeter/internal/ctxkeys"
	"github.com/BaSui01/tokenmeter/internal/database"
	"github.com/BaSui01/tokenmeter/types"
)

// Client frame types.
const (
	FrameText       = "text"
	FrameFiles      = "files"
	FrameRemoveFile = "remove_file"
	FrameReset      = "reset"
	FrameRecompute  = "recompute"
)

// StreamFrame 是客户端发来的一帧.
type StreamFrame struct {
	Type  string           `json:"type"`
	Text  string           `json:"text,omitempty"`
	Files []types.FileText `json:"files,omitempty"`
	Name  string           `json:"name,omitempty"`
}

// streamError 是服务端的错误帧, 快照帧直接是 accounting.Snapshot.
type streamError struct {
	Type  string    `json:"type"`
	Error ErrorInfo `json:"error"`
}

// SessionMetrics 记录连接数与重算结果.
type SessionMetrics interface {
	accounting.MetricsRecorder
	SessionOpened()
	SessionClosed()
}

// StreamConfig 实时计数通道配置
type StreamConfig struct {
	Pipeline accounting.Config
	// OriginPatterns 允许的跨域来源, 与 CORS 配置一致
	OriginPatterns []string
	// ReadLimit 单帧上限
	ReadLimit int64
}

// StreamHandler 为每个 WebSocket 连接运行一个 accounting.Pipeline,
// 每次状态变化推送一帧 Snapshot JSON.
type StreamHandler struct {
	engines *EngineHolder
	history accounting.HistorySource
	usage   UsageStore
	metrics SessionMetrics
	cfg     StreamConfig
	logger  *zap.Logger
}

// StreamOption configures a StreamHandler.
type StreamOption func(*StreamHandler)

// WithStreamHistory 把远端历史计入总数
func WithStreamHistory(h accounting.HistorySource) StreamOption {
	return func(s *StreamHandler) { s.history = h }
}

// WithStreamUsage 连接结束时写一条审计记录
func WithStreamUsage(store UsageStore) StreamOption {
	return func(s *StreamHandler) { s.usage = store }
}

// WithSessionMetrics 设置指标
func WithSessionMetrics(m SessionMetrics) StreamOption {
	return func(s *StreamHandler) { s.metrics = m }
}

// NewStreamHandler 创建实时计数处理器
func NewStreamHandler(engines *EngineHolder, cfg StreamConfig, logger *zap.Logger, opts ...StreamOption) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 32 << 20
	}
	h := &StreamHandler{
		engines: engines,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "token_stream")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleStream 处理 GET /api/v1/tokens/stream
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	engine, err := h.engines.Get()
	if err != nil {
		writeAnyError(w, r, err, types.ErrServiceUnavailable, h.logger)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.cfg.OriginPatterns})
	if err != nil {
		// Accept 已写出响应
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(h.cfg.ReadLimit)

	sessionID := uuid.NewString()
	logger := h.logger.With(zap.String("session_id", sessionID))
	if rid, ok := ctxkeys.RequestID(r.Context()); ok {
		logger = logger.With(zap.String("request_id", rid))
	}

	opts := []accounting.PipelineOption{accounting.WithPipelineLogger(logger)}
	if h.history != nil {
		opts = append(opts, accounting.WithHistorySource(h.history))
	}
	if h.metrics != nil {
		opts = append(opts, accounting.WithMetrics(h.metrics))
		h.metrics.SessionOpened()
		defer h.metrics.SessionClosed()
	}
	p := accounting.NewPipeline(engine.Counter, h.cfg.Pipeline, opts...)
	defer p.Close()

	// 只保留最新快照, 观察者不阻塞
	updates := make(chan accounting.Snapshot, 1)
	cancelObserver := p.Subscribe(func(s accounting.Snapshot) {
		for {
			select {
			case updates <- s:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer cancelObserver()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		h.writeLoop(ctx, conn, updates, logger)
	}()

	updates <- p.Snapshot()
	logger.Info("token stream opened")

	err = h.readLoop(ctx, conn, p)
	cancel()
	<-writeDone

	h.record(context.WithoutCancel(r.Context()), engine, p.Snapshot(), logger)

	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		logger.Info("token stream closed")
		_ = conn.Close(websocket.StatusNormalClosure, "")
	case errors.Is(err, context.Canceled):
		logger.Info("token stream cancelled")
	default:
		logger.Warn("token stream ended", zap.Error(err))
		_ = conn.Close(websocket.StatusInternalError, "stream error")
	}
}

func (h *StreamHandler) writeLoop(ctx context.Context, conn *websocket.Conn, updates <-chan accounting.Snapshot, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-updates:
			if err := wsjson.Write(ctx, conn, snap); err != nil {
				logger.Debug("snapshot write failed", zap.Error(err))
				return
			}
		}
	}
}

// readLoop 应用客户端帧直到连接关闭. 非法帧回一条错误帧, 不断开.
// 不用 wsjson.Read: 它在 JSON 解析失败时会关闭连接.
func (h *StreamHandler) readLoop(ctx context.Context, conn *websocket.Conn, p *accounting.Pipeline) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var frame StreamFrame
		var ferr *types.Error
		switch {
		case typ != websocket.MessageText:
			ferr = types.NewError(types.ErrInvalidRequest, "binary frames are not supported")
		case json.Unmarshal(data, &frame) != nil:
			ferr = types.NewError(types.ErrInvalidRequest, "invalid frame")
		default:
			ferr = applyFrame(p, frame)
		}
		if ferr != nil {
			if werr := h.writeError(ctx, conn, ferr); werr != nil {
				return werr
			}
		}
	}
}

func applyFrame(p *accounting.Pipeline, frame StreamFrame) *types.Error {
	switch frame.Type {
	case FrameText:
		p.SetText(frame.Text)
	case FrameFiles:
		files := make([]types.Attachment, 0, len(frame.Files))
		for _, f := range frame.Files {
			if f.Name == "" {
				return types.NewError(types.ErrInvalidRequest, "file name is required")
			}
			files = append(files, types.BytesAttachment(f.Name, f.Type, []byte(f.Content)))
		}
		p.SetFiles(files)
	case FrameRemoveFile:
		if !p.RemoveFile(frame.Name) {
			return types.NewError(types.ErrInvalidRequest, fmt.Sprintf("no attached file named %q", frame.Name))
		}
	case FrameReset:
		p.Reset()
	case FrameRecompute:
		p.Recompute()
	default:
		return types.NewError(types.ErrInvalidRequest, fmt.Sprintf("unknown frame type %q", frame.Type))
	}
	return nil
}

func (h *StreamHandler) writeError(ctx context.Context, conn *websocket.Conn, err *types.Error) error {
	return wsjson.Write(ctx, conn, streamError{
		Type: "error",
		Error: ErrorInfo{
			Code:      string(err.Code),
			Message:   err.Message,
			Retryable: err.Retryable,
		},
	})
}

// record 连接结束时写入最后一次成功计数. 空会话不记录.
func (h *StreamHandler) record(ctx context.Context, engine *Engine, snap accounting.Snapshot, logger *zap.Logger) {
	if h.usage == nil || snap.Total == 0 || snap.Err != nil {
		return
	}
	rid, _ := ctxkeys.RequestID(ctx)
	res := &types.CountResult{PromptTokens: snap.PromptTokens, Files: snap.Files}
	rec := database.NewUsageRecord(database.SourceStream, engine.Tokenizer.Name(), rid, res, snap.HistoryTokens, snap.Limit)
	if err := h.usage.Record(ctx, rec); err != nil {
		logger.Warn("usage record dropped", zap.Error(err))
	}
}
