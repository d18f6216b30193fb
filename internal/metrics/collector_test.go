package metrics

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/BaSui01/tokenmeter/accounting"
	"github.com/BaSui01/tokenmeter/llm/tokenizer"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// 编译期检查: Collector 可直接作为各组件的指标钩子
var (
	_ accounting.MetricsRecorder = (*Collector)(nil)
	_ tokenizer.LoadHook         = (&Collector{}).RecordModelLoad
	_ tokenizer.DropHook         = (&Collector{}).RecordDroppedGroups
)

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.modelLoadsTotal)
	assert.NotNil(t, collector.recomputesTotal)
	assert.NotNil(t, collector.staleDiscardsTotal)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordHTTPRequest("GET", "/test", 200, 100*time.Millisecond, 1024, 2048)
	collector.RecordHTTPRequest("GET", "/test", 200, 50*time.Millisecond, 512, 1024)
	collector.RecordHTTPRequest("POST", "/test", 503, 5*time.Millisecond, 0, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/test", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("POST", "/test", "5xx")))
}

func TestCollector_RecordModelLoad(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordModelLoad("file:///m.json", 10*time.Millisecond, nil)
	collector.RecordModelLoad("file:///m.json", time.Millisecond, errors.New("boom"))
	collector.RecordModelLoad("file:///m.json", time.Millisecond, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.modelLoadsTotal.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.modelLoadsTotal.WithLabelValues("error")))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.modelLoadDuration))
}

func TestCollector_TokenizerCounters(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordDroppedGroups(3)
	collector.RecordDroppedGroups(2)
	collector.RecordTokensCounted(10, 32)

	assert.Equal(t, 5.0, testutil.ToFloat64(collector.droppedByteGroups))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.tokensCountedTotal.WithLabelValues("prompt")))
	assert.Equal(t, 32.0, testutil.ToFloat64(collector.tokensCountedTotal.WithLabelValues("file")))
}

func TestCollector_AccountingMetrics(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordRecompute(accounting.OutcomeSuccess, time.Millisecond)
	collector.RecordRecompute(accounting.OutcomeError, time.Millisecond)
	collector.RecordStaleDiscard()
	collector.SessionOpened()
	collector.SessionOpened()
	collector.SessionClosed()

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.recomputesTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.recomputesTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.staleDiscardsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.activeSessions))
}

func TestCollector_RecordCacheOperation(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordCacheHit("redis")
	collector.RecordCacheMiss("redis")

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.cacheHits.WithLabelValues("redis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.cacheMisses.WithLabelValues("redis")))
}

func TestCollector_Database(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordDBQuery("sqlite", "insert", 20*time.Millisecond)
	collector.RecordDBConnections("sqlite", 10, 5)

	assert.Greater(t, testutil.CollectAndCount(collector.dbQueryDuration), 0)
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("sqlite")))
	assert.Equal(t, 5.0, testutil.ToFloat64(collector.dbConnectionsIdle.WithLabelValues("sqlite")))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordHTTPRequest("GET", "/test", 200, 100*time.Millisecond, 1024, 2048)
			collector.RecordRecompute(accounting.OutcomeSuccess, time.Millisecond)
			collector.RecordCacheHit("redis")
		}()
	}
	wg.Wait()

	assert.Equal(t, 10.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/test", "2xx")))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.recomputesTotal.WithLabelValues("success")))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.cacheHits.WithLabelValues("redis")))
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, "2xx", statusCode(204))
	assert.Equal(t, "3xx", statusCode(301))
	assert.Equal(t, "4xx", statusCode(429))
	assert.Equal(t, "5xx", statusCode(502))
	assert.Equal(t, "unknown", statusCode(0))
}
