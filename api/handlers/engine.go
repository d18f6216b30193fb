package handlers

import (
	"context"
	"sync"

	"github.com/BaSui01/tokenmeter/accounting"
	"github.com/BaSui01/tokenmeter/llm/tokenizer"
	"github.com/BaSui01/tokenmeter/types"
)

// Engine 是一个已就绪的计数后端.
type Engine struct {
	Backend   tokenizer.Backend
	Tokenizer tokenizer.Tokenizer
	Counter   accounting.Counter
	// Table 仅 bpe 后端非空
	Table *tokenizer.MergeTable

	payloadOnce sync.Once
	payload     []byte
	payloadErr  error
}

// Payload 返回合并表的线上格式, 首次调用时序列化并缓存.
func (e *Engine) Payload() ([]byte, error) {
	e.payloadOnce.Do(func() {
		e.payload, e.payloadErr = e.Table.Payload()
	})
	return e.payload, e.payloadErr
}

// EngineHolder 持有当前 Engine. 模型加载成功之前为空, 此时服务处于降级状态:
// 计数接口返回 503, tokenizer 就绪检查失败.
type EngineHolder struct {
	mu      sync.RWMutex
	engine  *Engine
	lastErr error
}

// NewEngineHolder creates an empty holder.
func NewEngineHolder() *EngineHolder {
	return &EngineHolder{}
}

// Set 安装可用的 Engine 并清除失败原因.
func (h *EngineHolder) Set(e *Engine) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.engine = e
	h.lastErr = nil
}

// Fail 记录最近一次加载失败.
func (h *EngineHolder) Fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastErr = err
}

// Get 返回当前 Engine, 未就绪时返回 SERVICE_UNAVAILABLE.
func (h *EngineHolder) Get() (*Engine, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.engine != nil {
		return h.engine, nil
	}
	err := types.NewError(types.ErrServiceUnavailable, "tokenizer model not loaded").WithRetryable(true)
	if h.lastErr != nil {
		err = err.WithCause(h.lastErr)
	}
	return nil, err
}

// Name implements HealthCheck.
func (h *EngineHolder) Name() string { return "tokenizer" }

// Check implements HealthCheck.
func (h *EngineHolder) Check(context.Context) error {
	_, err := h.Get()
	return err
}
