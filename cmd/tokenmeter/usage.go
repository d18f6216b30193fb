package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/tokenmeter/api/handlers"
	"github.com/BaSui01/tokenmeter/internal/database"
	"github.com/BaSui01/tokenmeter/internal/pool"
)

// usageWriter 把审计写入放到后台 worker, 查询直接走存储.
type usageWriter struct {
	handlers.UsageStore
	workers *pool.Pool
}

func newUsageWriter(store handlers.UsageStore, workers *pool.Pool) *usageWriter {
	return &usageWriter{UsageStore: store, workers: workers}
}

// Record 入队后立即返回. 队列满时返回 pool.ErrPoolFull, 调用方只记日志.
func (u *usageWriter) Record(_ context.Context, rec *database.UsageRecord) error {
	return u.workers.Submit(func(ctx context.Context) error {
		return u.UsageStore.Record(ctx, rec)
	})
}

// Close 等待已入队的记录写完.
func (u *usageWriter) Close(ctx context.Context) error {
	return u.workers.Close(ctx)
}

// pruner 按保留期清理审计记录.
type pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// runRetention 每 interval 清理一次过期记录, 启动时先清理一次.
func runRetention(ctx context.Context, store pruner, retention, interval time.Duration, logger *zap.Logger) {
	prune := func() {
		if _, err := store.Prune(ctx, time.Now().Add(-retention)); err != nil && ctx.Err() == nil {
			logger.Warn("usage retention failed", zap.Duration("retention", retention), zap.Error(err))
		}
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
