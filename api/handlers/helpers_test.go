package handlers

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BaSui01/tokenmeter/accounting"
	"github.com/BaSui01/tokenmeter/internal/database"
	"github.com/BaSui01/tokenmeter/llm/tokenizer"
)

// abPayload: "a"=0, "b"=1, "ab"=2; letters only.
const abPayload = `{"mergeable_ranks":{"61":0,"62":1,"6162":2},"pat_str":"[\\p{L}]+"}`

func newABEngine(t *testing.T) *Engine {
	t.Helper()
	table, err := tokenizer.ParseMergeTable([]byte(abPayload))
	require.NoError(t, err)
	tok := tokenizer.NewBPETokenizer(table)
	return &Engine{
		Backend:   tokenizer.BackendBPE,
		Tokenizer: tok,
		Counter:   accounting.NewLocalCounter(tok),
		Table:     table,
	}
}

func readyHolder(t *testing.T) *EngineHolder {
	t.Helper()
	h := NewEngineHolder()
	h.Set(newABEngine(t))
	return h
}

// memUsage 是内存版审计存储.
type memUsage struct {
	mu      sync.Mutex
	records []database.UsageRecord
	err     error
}

func (m *memUsage) Record(_ context.Context, rec *database.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, *rec)
	return nil
}

func (m *memUsage) Recent(_ context.Context, source string, limit int) ([]database.UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []database.UsageRecord
	for _, r := range slices.Backward(m.records) {
		if source != "" && r.Source != source {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memUsage) Summary(_ context.Context, _ time.Time) (*database.UsageSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	sum := &database.UsageSummary{}
	for _, r := range m.records {
		sum.Requests++
		sum.TotalTokens += int64(r.Total)
		sum.MaxTotal = max(sum.MaxTotal, int64(r.Total))
		if r.OverLimit {
			sum.OverLimit++
		}
	}
	return sum, nil
}

func (m *memUsage) snapshot() []database.UsageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.records)
}

// countingMetrics 记录调用次数.
type countingMetrics struct {
	mu         sync.Mutex
	opened     int
	closed     int
	recomputes map[string]int
	stale      int
	prompt     int
	file       int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{recomputes: map[string]int{}}
}

func (m *countingMetrics) SessionOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
}

func (m *countingMetrics) SessionClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
}

func (m *countingMetrics) RecordRecompute(outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recomputes[outcome]++
}

func (m *countingMetrics) RecordStaleDiscard() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stale++
}

func (m *countingMetrics) RecordTokensCounted(prompt, file int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompt += prompt
	m.file += file
}

func (m *countingMetrics) sessions() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened, m.closed
}
