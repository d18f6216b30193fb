package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/tokenmeter/accounting"
	"github.com/BaSui01/tokenmeter/api/handlers"
	"github.com/BaSui01/tokenmeter/config"
	"github.com/BaSui01/tokenmeter/internal/cache"
	"github.com/BaSui01/tokenmeter/internal/metrics"
	"github.com/BaSui01/tokenmeter/internal/tlsutil"
	"github.com/BaSui01/tokenmeter/llm/tokenizer"
)

// engineBuilder 按配置构建计数后端.
type engineBuilder struct {
	cfg       config.TokenizerConfig
	redis     *cache.Manager // 为 nil 时不缓存计数
	countTTL  time.Duration
	collector *metrics.Collector
	logger    *zap.Logger
}

func (b *engineBuilder) build(ctx context.Context) (*handlers.Engine, error) {
	backend, err := tokenizer.ParseBackend(b.cfg.Backend)
	if err != nil {
		return nil, err
	}

	engine := &handlers.Engine{Backend: backend}
	switch backend {
	case tokenizer.BackendBPE:
		table, err := b.loader().Load(ctx)
		if err != nil {
			return nil, err
		}
		opts := []tokenizer.Option{
			tokenizer.WithLogger(b.logger),
			tokenizer.WithMaxTokens(b.cfg.MaxTokens),
			tokenizer.WithHeapThreshold(b.cfg.HeapThreshold),
		}
		if b.collector != nil {
			opts = append(opts, tokenizer.WithDropHook(b.collector.RecordDroppedGroups))
		}
		tok := tokenizer.NewBPETokenizer(table, opts...)
		if b.cfg.ValidateOnStart {
			if failing := tok.Validate(tokenizer.ValidationSamples); len(failing) > 0 {
				b.logger.Warn("tokenizer round-trip validation failed",
					zap.Int("failing", len(failing)),
					zap.Int("samples", len(tokenizer.ValidationSamples)),
					zap.Int("missing_bytes", table.MissingBytes()))
			}
		}
		engine.Tokenizer = tok
		engine.Table = table
	case tokenizer.BackendTiktoken:
		tok, err := tokenizer.NewTiktokenTokenizer(b.cfg.Encoding, b.cfg.MaxTokens)
		if err != nil {
			return nil, err
		}
		engine.Tokenizer = tok
	case tokenizer.BackendEstimator:
		engine.Tokenizer = tokenizer.NewEstimatorTokenizer(b.cfg.MaxTokens)
	}

	var counterOpts []accounting.LocalCounterOption
	if b.redis != nil {
		var rec cache.HitRecorder
		if b.collector != nil {
			rec = b.collector
		}
		counterOpts = append(counterOpts, accounting.WithCountCache(
			cache.NewTokenCountCache(b.redis, engine.Tokenizer.Name(), b.countTTL, rec)))
	}
	engine.Counter = accounting.NewLocalCounter(engine.Tokenizer, counterOpts...)
	return engine, nil
}

func (b *engineBuilder) loader() *tokenizer.Loader {
	var src tokenizer.Source
	if b.cfg.ModelPath != "" {
		src = &tokenizer.FileSource{Path: b.cfg.ModelPath}
	} else {
		src = &tokenizer.HTTPSource{URL: b.cfg.ModelURL, Client: tlsutil.SecureHTTPClient(b.cfg.FetchTimeout)}
	}
	opts := []tokenizer.LoaderOption{
		tokenizer.WithParseOptions(tokenizer.WithMatchTimeout(b.cfg.MatchTimeout)),
	}
	if b.collector != nil {
		opts = append(opts, tokenizer.WithLoadHook(b.collector.RecordModelLoad))
	}
	return tokenizer.NewLoader(src, b.logger, opts...)
}

// Retry backoff bounds for model loading.
var (
	minLoadBackoff = time.Second
	maxLoadBackoff = time.Minute
)

// loadEngine 构建后端直到成功或 ctx 结束. 失败期间 holder 为空, 服务降级.
func loadEngine(ctx context.Context, b *engineBuilder, holder *handlers.EngineHolder, logger *zap.Logger) {
	backoff := minLoadBackoff
	for attempt := 1; ; attempt++ {
		engine, err := b.build(ctx)
		if err == nil {
			holder.Set(engine)
			logger.Info("tokenizer ready",
				zap.String("backend", string(engine.Backend)),
				zap.String("name", engine.Tokenizer.Name()),
				zap.Int("attempt", attempt))
			return
		}
		holder.Fail(err)
		logger.Warn("tokenizer load failed, serving degraded",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", backoff),
			zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = min(backoff*2, maxLoadBackoff)
	}
}

// buildEngineOnce 供 CLI 使用, 不重试.
func buildEngineOnce(ctx context.Context, cfg config.TokenizerConfig, logger *zap.Logger) (*handlers.Engine, error) {
	b := &engineBuilder{cfg: cfg, logger: logger}
	engine, err := b.build(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer (%s): %w", cfg.Backend, err)
	}
	return engine, nil
}
