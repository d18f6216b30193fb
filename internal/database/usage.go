package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/tokenmeter/types"
)

// Usage sources.
const (
	SourceAPI    = "api"
	SourceStream = "stream"
	SourceCLI    = "cli"
)

// UsageRecord 是一次计数的审计记录. 只存数字, 不存文本.
type UsageRecord struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt     time.Time `gorm:"index" json:"created_at"`
	RequestID     string    `gorm:"size:64" json:"request_id,omitempty"`
	Source        string    `gorm:"size:16;index" json:"source"`
	Tokenizer     string    `gorm:"size:128" json:"tokenizer"`
	PromptTokens  int       `json:"prompt_tokens"`
	FileTokens    int       `json:"file_tokens"`
	FileCount     int       `json:"file_count"`
	HistoryTokens int       `json:"history_tokens"`
	Total         int       `json:"total"`
	TokenLimit    int       `json:"token_limit"`
	OverLimit     bool      `json:"over_limit"`
}

// TableName 与迁移文件中的表名一致
func (UsageRecord) TableName() string { return "usage_records" }

// NewUsageRecord 从计数结果构造记录
func NewUsageRecord(source, tokenizerName, requestID string, res *types.CountResult, historyTokens, limit int) *UsageRecord {
	fileTokens := types.SumFiles(res.Files)
	total := res.PromptTokens + fileTokens + historyTokens
	return &UsageRecord{
		RequestID:     requestID,
		Source:        source,
		Tokenizer:     tokenizerName,
		PromptTokens:  res.PromptTokens,
		FileTokens:    fileTokens,
		FileCount:     len(res.Files),
		HistoryTokens: historyTokens,
		Total:         total,
		TokenLimit:    limit,
		OverLimit:     limit > 0 && total > limit,
	}
}

// UsageSummary 聚合统计
type UsageSummary struct {
	Requests    int64 `json:"requests"`
	TotalTokens int64 `json:"total_tokens"`
	MaxTotal    int64 `json:"max_total"`
	OverLimit   int64 `json:"over_limit"`
}

// UsageStore 读写 usage_records
type UsageStore struct {
	pool       *PoolManager
	logger     *zap.Logger
	maxRetries int
	now        func() time.Time
}

// NewUsageStore creates a store on pool.
func NewUsageStore(pool *PoolManager, logger *zap.Logger) *UsageStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UsageStore{
		pool:       pool,
		logger:     logger.With(zap.String("component", "usage_store")),
		maxRetries: 3,
		now:        time.Now,
	}
}

// Record 写入一条记录, ID 与时间为空时自动填充
func (s *UsageStore) Record(ctx context.Context, rec *UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	err := s.pool.WithTransactionRetry(ctx, s.maxRetries, func(tx *gorm.DB) error {
		return tx.Create(rec).Error
	})
	if err != nil {
		s.logger.Error("failed to record usage", zap.String("id", rec.ID), zap.Error(err))
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Recent 返回最近的记录, 新的在前. source 为空表示全部来源.
func (s *UsageStore) Recent(ctx context.Context, source string, limit int) ([]UsageRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := s.pool.DB().WithContext(ctx).Order("created_at DESC").Limit(limit)
	if source != "" {
		q = q.Where("source = ?", source)
	}
	var out []UsageRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	return out, nil
}

// Get 按 ID 查询
func (s *UsageStore) Get(ctx context.Context, id string) (*UsageRecord, error) {
	var rec UsageRecord
	err := s.pool.DB().WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Summary 汇总 since 之后的记录
func (s *UsageStore) Summary(ctx context.Context, since time.Time) (*UsageSummary, error) {
	var sum UsageSummary
	err := s.pool.DB().WithContext(ctx).
		Model(&UsageRecord{}).
		Select("COUNT(*) AS requests, COALESCE(SUM(total), 0) AS total_tokens, COALESCE(MAX(total), 0) AS max_total, "+
			"COALESCE(SUM(CASE WHEN over_limit THEN 1 ELSE 0 END), 0) AS over_limit").
		Where("created_at >= ?", since.UTC()).
		Scan(&sum).Error
	if err != nil {
		return nil, fmt.Errorf("summarize usage: %w", err)
	}
	return &sum, nil
}

// Prune 删除 before 之前的记录, 返回删除条数
func (s *UsageStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	err := s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		res := tx.Where("created_at < ?", before.UTC()).Delete(&UsageRecord{})
		deleted = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("prune usage: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("pruned usage records", zap.Int64("deleted", deleted))
	}
	return deleted, nil
}
