package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func TestNewCollector(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.registrationsTotal)
	assert.NotNil(t, collector.searchesTotal)
	assert.NotNil(t, collector.searchDuration)
	assert.NotNil(t, collector.embeddingRequestsTotal)
	assert.NotNil(t, collector.vectorStoreOpsTotal)
}

func TestCollector_RecordRegistration(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordRegistration("registered")
	collector.RecordRegistration("duplicate")
	collector.RecordUnregistration()
	collector.SetRegisteredAgents(3)

	assert.Greater(t, testutil.CollectAndCount(collector.registrationsTotal), 0)
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.registeredAgents))
}

func TestCollector_RecordSearch(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordSearch("semantic", 50*time.Millisecond, 5)
	collector.RecordSearch("jaccard", 5*time.Millisecond, 0)

	assert.Greater(t, testutil.CollectAndCount(collector.searchesTotal), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.searchDuration), 0)
}

func TestCollector_RecordEmbeddingRequest(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordEmbeddingRequest("openai", "success", 200*time.Millisecond)
	collector.RecordEmbeddingRequest("openai", "error", time.Second)

	assert.Greater(t, testutil.CollectAndCount(collector.embeddingRequestsTotal), 0)
}

func TestCollector_RecordCacheOperation(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordCacheHit("embedding")
	collector.RecordCacheMiss("embedding")

	assert.Greater(t, testutil.CollectAndCount(collector.cacheHits), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.cacheMisses), 0)
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				collector.RecordRegistration("registered")
				collector.RecordSearch("semantic", time.Millisecond, 1)
				collector.RecordVectorStoreOp("upsert", "success", time.Millisecond)
			}
		}()
	}
	wg.Wait()

	assert.Greater(t, testutil.CollectAndCount(collector.registrationsTotal), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.vectorStoreOpsTotal), 0)
}
