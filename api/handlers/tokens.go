package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/tokenmeter/internal/ctxkeys"
	"github.com/BaSui01/tokenmeter/internal/database"
	"github.com/BaSui01/tokenmeter/types"
)

const instrumentationName = "github.com/BaSui01/tokenmeter/api/handlers"

// UsageStore 是计数审计存储, 由 database.UsageStore 实现.
type UsageStore interface {
	Record(ctx context.Context, rec *database.UsageRecord) error
	Recent(ctx context.Context, source string, limit int) ([]database.UsageRecord, error)
	Summary(ctx context.Context, since time.Time) (*database.UsageSummary, error)
}

// TokenMetrics 记录计数量.
type TokenMetrics interface {
	RecordTokensCounted(prompt, file int)
}

// TokenHandlerConfig 计数接口配置
type TokenHandlerConfig struct {
	// TokenLimit 随结果返回给客户端
	TokenLimit int
	// MaxBodyBytes 请求体上限
	MaxBodyBytes int64
}

// TokenHandler 提供计数、模型下发与审计查询接口.
type TokenHandler struct {
	engines *EngineHolder
	usage   UsageStore
	metrics TokenMetrics
	cfg     TokenHandlerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
}

// TokenHandlerOption configures a TokenHandler.
type TokenHandlerOption func(*TokenHandler)

// WithUsageStore 启用审计记录与查询
func WithUsageStore(store UsageStore) TokenHandlerOption {
	return func(h *TokenHandler) { h.usage = store }
}

// WithTokenMetrics 设置指标
func WithTokenMetrics(m TokenMetrics) TokenHandlerOption {
	return func(h *TokenHandler) { h.metrics = m }
}

// NewTokenHandler 创建计数处理器
func NewTokenHandler(engines *EngineHolder, cfg TokenHandlerConfig, logger *zap.Logger, opts ...TokenHandlerOption) *TokenHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TokenLimit <= 0 {
		cfg.TokenLimit = types.DefaultTokenLimit
	}
	h := &TokenHandler{
		engines: engines,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "token_handler")),
		tracer:  otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// =============================================================================
// 🔢 POST /api/v1/tokens/count
// =============================================================================

// HandleCount 计数 prompt 与每个文件. 文件结果保持请求顺序.
func (h *TokenHandler) HandleCount(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req types.CountRequest
	if err := DecodeJSONBody(w, r, &req, h.cfg.MaxBodyBytes, h.logger); err != nil {
		return
	}
	for i, f := range req.Files {
		if f.Name == "" {
			WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest,
				fmt.Sprintf("files[%d]: name is required", i), h.logger)
			return
		}
	}

	engine, err := h.engines.Get()
	if err != nil {
		writeAnyError(w, r, err, types.ErrServiceUnavailable, h.logger)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "tokens.count", trace.WithAttributes(
		attribute.Int("tokens.files", len(req.Files)),
		attribute.String("tokenizer.backend", string(engine.Backend)),
	))
	defer span.End()

	res, err := engine.Counter.Count(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		writeAnyError(w, r, err, types.ErrTokenizerError, h.logger)
		return
	}

	fileTokens := types.SumFiles(res.Files)
	res.Total = res.PromptTokens + fileTokens
	res.TokenLimit = h.cfg.TokenLimit
	span.SetAttributes(attribute.Int("tokens.total", res.Total))

	if h.metrics != nil {
		h.metrics.RecordTokensCounted(res.PromptTokens, fileTokens)
	}
	h.record(ctx, engine, res)

	WriteSuccess(w, r, res)
}

// record 写审计记录. 失败只记日志, 不影响计数结果.
func (h *TokenHandler) record(ctx context.Context, engine *Engine, res *types.CountResult) {
	if h.usage == nil {
		return
	}
	rid, _ := ctxkeys.RequestID(ctx)
	rec := database.NewUsageRecord(database.SourceAPI, engine.Tokenizer.Name(), rid, res, 0, h.cfg.TokenLimit)
	if err := h.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
		h.logger.Warn("usage record dropped", zap.String("request_id", rid), zap.Error(err))
	}
}

// =============================================================================
// 📦 GET /api/v1/tokenizer/model, GET /api/v1/tokenizer
// =============================================================================

// HandleModel 下发合并表负载 {"mergeable_ranks", "pat_str"}, 供客户端本地计数.
// ETag 为表指纹.
func (h *TokenHandler) HandleModel(w http.ResponseWriter, r *http.Request) {
	engine, err := h.engines.Get()
	if err != nil {
		writeAnyError(w, r, err, types.ErrServiceUnavailable, h.logger)
		return
	}
	if engine.Table == nil {
		WriteErrorMessage(w, r, http.StatusNotFound, types.ErrInvalidRequest,
			fmt.Sprintf("backend %q has no merge table", engine.Backend), h.logger)
		return
	}

	etag := `"` + engine.Table.Fingerprint() + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	payload, err := engine.Payload()
	if err != nil {
		WriteError(w, r, types.NewError(types.ErrInternalError, "failed to encode model").WithCause(err), h.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// TokenizerInfo 描述当前计数后端
type TokenizerInfo struct {
	Backend      string `json:"backend"`
	Name         string `json:"name"`
	MaxTokens    int    `json:"max_tokens"`
	TokenLimit   int    `json:"token_limit"`
	Entries      int    `json:"entries,omitempty"`
	Fingerprint  string `json:"fingerprint,omitempty"`
	Pattern      string `json:"pattern,omitempty"`
	MissingBytes int    `json:"missing_bytes,omitempty"`
}

// HandleInfo 返回后端信息
func (h *TokenHandler) HandleInfo(w http.ResponseWriter, r *http.Request) {
	engine, err := h.engines.Get()
	if err != nil {
		writeAnyError(w, r, err, types.ErrServiceUnavailable, h.logger)
		return
	}
	info := TokenizerInfo{
		Backend:    string(engine.Backend),
		Name:       engine.Tokenizer.Name(),
		MaxTokens:  engine.Tokenizer.MaxTokens(),
		TokenLimit: h.cfg.TokenLimit,
	}
	if t := engine.Table; t != nil {
		info.Entries = t.Len()
		info.Fingerprint = t.Fingerprint()
		info.Pattern = t.Pattern()
		info.MissingBytes = t.MissingBytes()
	}
	WriteSuccess(w, r, info)
}

// =============================================================================
// 🧾 GET /api/v1/tokens/usage, GET /api/v1/tokens/usage/summary
// =============================================================================

// HandleUsage 列出最近的审计记录. 参数: limit (1-1000), source (api|stream|cli).
func (h *TokenHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	if h.usage == nil {
		WriteErrorMessage(w, r, http.StatusServiceUnavailable, types.ErrServiceUnavailable,
			"usage audit is not configured", h.logger)
		return
	}

	q := r.URL.Query()
	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest,
				"limit must be an integer between 1 and 1000", h.logger)
			return
		}
		limit = n
	}
	source := q.Get("source")
	switch source {
	case "", database.SourceAPI, database.SourceStream, database.SourceCLI:
	default:
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest,
			fmt.Sprintf("unknown source %q", source), h.logger)
		return
	}

	records, err := h.usage.Recent(r.Context(), source, limit)
	if err != nil {
		WriteError(w, r, types.NewError(types.ErrInternalError, "failed to list usage").WithCause(err), h.logger)
		return
	}
	if records == nil {
		records = []database.UsageRecord{}
	}
	WriteSuccess(w, r, records)
}

// HandleUsageSummary 汇总 since (Go duration, 默认 24h) 以来的记录.
func (h *TokenHandler) HandleUsageSummary(w http.ResponseWriter, r *http.Request) {
	if h.usage == nil {
		WriteErrorMessage(w, r, http.StatusServiceUnavailable, types.ErrServiceUnavailable,
			"usage audit is not configured", h.logger)
		return
	}

	window := 24 * time.Hour
	if s := r.URL.Query().Get("since"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest,
				"since must be a positive duration such as 1h or 30m", h.logger)
			return
		}
		window = d
	}

	sum, err := h.usage.Summary(r.Context(), time.Now().Add(-window))
	if err != nil {
		WriteError(w, r, types.NewError(types.ErrInternalError, "failed to summarize usage").WithCause(err), h.logger)
		return
	}
	WriteSuccess(w, r, sum)
}
