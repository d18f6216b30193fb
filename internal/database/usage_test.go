package database

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/tokenmeter/types"
)

// newMemoryPool 使用纯 Go sqlite 内存库
func newMemoryPool(t *testing.T, name string, healthEvery time.Duration, opts ...PoolOption) *PoolManager {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	pm, err := NewPoolManager(db, PoolConfig{
		Name:                name,
		MaxOpenConns:        1,
		MaxIdleConns:        1,
		HealthCheckInterval: healthEvery,
	}, zap.NewNop(), opts...)
	require.NoError(t, err)
	return pm
}

func newTestUsageStore(t *testing.T) *UsageStore {
	t.Helper()
	pm := newMemoryPool(t, "usage", 0)
	t.Cleanup(func() { _ = pm.Close() })
	require.NoError(t, pm.DB().AutoMigrate(&UsageRecord{}))
	return NewUsageStore(pm, zap.NewNop())
}

func TestNewUsageRecord(t *testing.T) {
	res := &types.CountResult{
		PromptTokens: 10,
		Files:        []types.FileTokenCount{{Filename: "a", TokenCount: 5}, {Filename: "b", TokenCount: 7}},
	}
	rec := NewUsageRecord(SourceAPI, "bpe[x]", "req-1", res, 3, 20)
	assert.Equal(t, 12, rec.FileTokens)
	assert.Equal(t, 2, rec.FileCount)
	assert.Equal(t, 25, rec.Total)
	assert.True(t, rec.OverLimit)

	rec = NewUsageRecord(SourceCLI, "estimator", "", res, 0, 0)
	assert.False(t, rec.OverLimit)
}

func TestUsageStore_RecordAndRecent(t *testing.T) {
	store := newTestUsageStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, src := range []string{SourceAPI, SourceStream, SourceAPI} {
		rec := &UsageRecord{
			Source:    src,
			Tokenizer: "bpe[x]",
			Total:     (i + 1) * 10,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.Record(ctx, rec))
		assert.Len(t, rec.ID, 36)
	}

	all, err := store.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 30, all[0].Total)
	assert.Equal(t, 10, all[2].Total)

	api, err := store.Recent(ctx, SourceAPI, 0)
	require.NoError(t, err)
	assert.Len(t, api, 2)

	got, err := store.Get(ctx, all[1].ID)
	require.NoError(t, err)
	assert.Equal(t, SourceStream, got.Source)

	_, err = store.Get(ctx, "missing")
	assert.Error(t, err)
}

func TestUsageStore_Summary(t *testing.T) {
	store := newTestUsageStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	require.NoError(t, store.Record(ctx, &UsageRecord{Source: SourceAPI, Tokenizer: "t", Total: 50, OverLimit: true}))
	require.NoError(t, store.Record(ctx, &UsageRecord{Source: SourceAPI, Tokenizer: "t", Total: 20}))
	require.NoError(t, store.Record(ctx, &UsageRecord{Source: SourceAPI, Tokenizer: "t", Total: 999, CreatedAt: now.Add(-48 * time.Hour)}))

	sum, err := store.Summary(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.Requests)
	assert.Equal(t, int64(70), sum.TotalTokens)
	assert.Equal(t, int64(50), sum.MaxTotal)
	assert.Equal(t, int64(1), sum.OverLimit)

	empty, err := store.Summary(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, empty.Requests)
}

func TestUsageStore_Prune(t *testing.T) {
	store := newTestUsageStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Record(ctx, &UsageRecord{Source: SourceCLI, Tokenizer: "t", CreatedAt: now.Add(-72 * time.Hour)}))
	require.NoError(t, store.Record(ctx, &UsageRecord{Source: SourceCLI, Tokenizer: "t", CreatedAt: now}))

	deleted, err := store.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	left, err := store.Recent(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}
