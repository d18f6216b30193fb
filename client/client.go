package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/tokenmeter/internal/tlsutil"
	"github.com/BaSui01/tokenmeter/types"
)

// maxResponseBytes 限制响应体大小.
const maxResponseBytes = 16 << 20

// Config 远端服务客户端配置.
type Config struct {
	// BaseURL 服务根地址, 例如 "http://localhost:5000".
	BaseURL string
	// Timeout 单次请求超时.
	Timeout time.Duration
	// Headers 附加请求头 (X-API-Key, Authorization 等).
	Headers map[string]string
	// HTTPClient 覆盖默认客户端 (测试用).
	HTTPClient *http.Client
}

// DefaultConfig 返回默认配置.
func DefaultConfig(baseURL string) Config {
	return Config{BaseURL: baseURL, Timeout: 30 * time.Second}
}

// base holds the transport shared by ChatClient and TokenClient.
type base struct {
	baseURL string
	headers map[string]string
	http    *http.Client
	logger  *zap.Logger
}

func newBase(cfg Config, logger *zap.Logger, component string) base {
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = tlsutil.SecureHTTPClient(timeout)
	}
	return base{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		headers: cfg.Headers,
		http:    httpClient,
		logger:  logger.With(zap.String("component", component)),
	}
}

func (b *base) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "failed to create request").WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range b.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// do executes req and returns the status and body. Transport failures become
// UPSTREAM_TIMEOUT or UPSTREAM_ERROR; no retry is attempted.
func (b *base) do(req *http.Request) (int, []byte, error) {
	start := time.Now()
	resp, err := b.http.Do(req)
	if err != nil {
		b.logger.Warn("request failed",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Error(err))
		if isTimeout(err) {
			return 0, nil, types.NewError(types.ErrUpstreamTimeout, "request timed out").
				WithCause(err).WithRetryable(true)
		}
		return 0, nil, types.NewError(types.ErrUpstreamError, "request failed").
			WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, types.NewError(types.ErrUpstreamError, "failed to read response").WithCause(err)
	}
	b.logger.Debug("request completed",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))
	return resp.StatusCode, body, nil
}

func statusError(status int, body []byte) *types.Error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return types.NewError(types.ErrUpstreamError, fmt.Sprintf("unexpected status %d: %s", status, msg)).
		WithHTTPStatus(status).
		WithRetryable(status >= 500)
}

func decodeJSON(body []byte, dst any) error {
	if err := json.Unmarshal(body, dst); err != nil {
		return types.NewError(types.ErrUpstreamError, "invalid JSON response").WithCause(err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
