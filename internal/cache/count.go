package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"go.uber.org/zap"
)

const countKeyPrefix = "tokenmeter:count:"

// HitRecorder 接收命中 / 未命中事件, metrics.Collector 满足该接口
type HitRecorder interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

type countEntry struct {
	Tokens int `json:"tokens"`
}

// TokenCountCache 以 (分词器标识, 文本摘要) 为键缓存 Token 计数.
// 满足 accounting.CountCache. Redis 故障按未命中处理, 只记录日志.
type TokenCountCache struct {
	m         *Manager
	tokenizer string
	ttl       time.Duration
	recorder  HitRecorder
	logger    *zap.Logger
}

// NewTokenCountCache 创建计数缓存. tokenizerID 通常为 Tokenizer.Name(),
// 包含 merge table 指纹, 模型变化后旧键自然失效.
func NewTokenCountCache(m *Manager, tokenizerID string, ttl time.Duration, recorder HitRecorder) *TokenCountCache {
	return &TokenCountCache{
		m:         m,
		tokenizer: tokenizerID,
		ttl:       ttl,
		recorder:  recorder,
		logger:    m.logger.With(zap.String("tokenizer", tokenizerID)),
	}
}

// Key 返回 text 对应的缓存键
func (c *TokenCountCache) Key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return countKeyPrefix + c.tokenizer + ":" + hex.EncodeToString(sum[:])
}

// Lookup 查询缓存
func (c *TokenCountCache) Lookup(ctx context.Context, text string) (int, bool) {
	var entry countEntry
	err := c.m.GetJSON(ctx, c.Key(text), &entry)
	if err != nil {
		if !IsCacheMiss(err) {
			c.logger.Warn("token count cache lookup failed", zap.Error(err))
		}
		c.miss()
		return 0, false
	}
	c.hit()
	return entry.Tokens, true
}

// Store 写入缓存, 失败只记录日志
func (c *TokenCountCache) Store(ctx context.Context, text string, tokens int) {
	if err := c.m.SetJSON(ctx, c.Key(text), countEntry{Tokens: tokens}, c.ttl); err != nil {
		c.logger.Warn("token count cache store failed", zap.Error(err))
	}
}

// Forget 删除 text 的缓存
func (c *TokenCountCache) Forget(ctx context.Context, text string) error {
	return c.m.Delete(ctx, c.Key(text))
}

// Touch 续期
func (c *TokenCountCache) Touch(ctx context.Context, text string) error {
	ttl := c.ttl
	if ttl == 0 {
		ttl = c.m.config.DefaultTTL
	}
	return c.m.Expire(ctx, c.Key(text), ttl)
}

func (c *TokenCountCache) hit() {
	if c.recorder != nil {
		c.recorder.RecordCacheHit("token_count")
	}
}

func (c *TokenCountCache) miss() {
	if c.recorder != nil {
		c.recorder.RecordCacheMiss("token_count")
	}
}
