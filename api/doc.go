// Copyright (c) tokenmeter Authors.
// Licensed under the MIT License.

// Package api documents the tokenmeter HTTP API. Handlers live in api/handlers.
//
// # Endpoints
//
//	POST /api/v1/tokens/count          count a prompt and its files
//	GET  /api/v1/tokens/stream         live accounting over WebSocket
//	GET  /api/v1/tokens/usage          recent usage records (?limit, ?source)
//	GET  /api/v1/tokens/usage/summary  aggregate since ?since (default 24h)
//	GET  /api/v1/tokenizer             active backend description
//	GET  /api/v1/tokenizer/model       merge table payload, ETag = fingerprint
//	GET  /health, /healthz, /ready, /version
//
// # Authentication
//
// When API keys are configured every /api/ route requires the X-API-Key
// header; when JWT is configured a Bearer token is accepted instead:
//
//	X-API-Key: your-api-key
//	Authorization: Bearer <jwt>
//
// # Response envelope
//
// JSON endpoints other than the model payload answer with
//
//	{"success": true, "data": {...}, "timestamp": "...", "request_id": "..."}
//	{"success": false, "error": {"code": "INVALID_REQUEST", "message": "...", "retryable": false}}
package api
