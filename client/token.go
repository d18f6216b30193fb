package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/tokenmeter/types"
)

// TokenClient calls a tokenmeter count service. It satisfies accounting.Counter.
type TokenClient struct {
	base
}

// NewTokenClient creates a count service client.
func NewTokenClient(cfg Config, logger *zap.Logger) *TokenClient {
	return &TokenClient{base: newBase(cfg, logger, "token_client")}
}

// envelope is the service's {success, data, error} response.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

// Count posts /api/v1/tokens/count.
func (c *TokenClient) Count(ctx context.Context, in types.CountRequest) (*types.CountResult, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "failed to encode request").WithCause(err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/tokens/count", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	status, body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if status >= 300 {
			return nil, statusError(status, body)
		}
		return nil, types.NewError(types.ErrUpstreamError, "invalid JSON response").WithCause(err)
	}
	if !env.Success || status >= 300 {
		if env.Error != nil {
			return nil, types.NewError(types.ErrorCode(env.Error.Code), env.Error.Message).
				WithHTTPStatus(status).
				WithRetryable(env.Error.Retryable)
		}
		return nil, statusError(status, body)
	}

	var res types.CountResult
	if err := decodeJSON(env.Data, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
