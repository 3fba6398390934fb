package metrics

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	gometrics "github.com/hashicorp/go-metrics"
)

const ServiceName = "wbkv"

type SystemMetricsRegistry struct {
	WriteOperationsCount    int64 `json:"write_operations_count"`
	DeleteOperationsCount   int64 `json:"delete_operations_count"`
	ReadOperationsCount     int64 `json:"read_operations_count"`
	ComputeOperationsCount  int64 `json:"compute_operations_count"`
	CacheHitCount           int64 `json:"cache_hit_count"`
	CacheMissCount          int64 `json:"cache_miss_count"`
	ProbeRejectionCount     int64 `json:"probe_rejection_count"`
	LockUpgradeFallbacks    int64 `json:"lock_upgrade_fallbacks"`
	EnginePutCount          int64 `json:"engine_put_count"`
	EngineDeleteCount       int64 `json:"engine_delete_count"`
	CommittedBatchCount     int64 `json:"committed_batch_count"`
	CoalescedOperationCount int64 `json:"coalesced_operation_count"`
	EngineWriteRetryCount   int64 `json:"engine_write_retry_count"`
	EngineWriteFailureCount int64 `json:"engine_write_failure_count"`
	DroppedOperationCount   int64 `json:"dropped_operation_count"`
	BufferBytesReleased     int64 `json:"buffer_bytes_released"`
	HeapAllocatedBytes      int64 `json:"heap_allocated_bytes"`
	GoroutineCount          int64 `json:"goroutine_count"`
}

var Global SystemMetricsRegistry

// InitializeMetricsSink installs an in-memory go-metrics sink as the global
// sink and returns it so callers can dump it.
func InitializeMetricsSink(interval, retain time.Duration) (*gometrics.InmemSink, error) {
	sink := gometrics.NewInmemSink(interval, retain)
	cfg := gometrics.DefaultConfig(ServiceName)
	cfg.EnableHostname = false
	cfg.EnableRuntimeMetrics = false
	if _, err := gometrics.NewGlobal(cfg, sink); err != nil {
		return nil, err
	}
	return sink, nil
}

func add(field *int64, n int64, key ...string) {
	atomic.AddInt64(field, n)
	gometrics.IncrCounter(key, float32(n))
}

func IncrementWriteOperationsCount()   { add(&Global.WriteOperationsCount, 1, "store", "put") }
func IncrementDeleteOperationsCount()  { add(&Global.DeleteOperationsCount, 1, "store", "remove") }
func IncrementReadOperationsCount()    { add(&Global.ReadOperationsCount, 1, "store", "get") }
func IncrementComputeOperationsCount() { add(&Global.ComputeOperationsCount, 1, "store", "compute") }
func IncrementCacheHitCount()          { add(&Global.CacheHitCount, 1, "cache", "hit") }
func IncrementCacheMissCount()         { add(&Global.CacheMissCount, 1, "cache", "miss") }
func IncrementProbeRejectionCount()    { add(&Global.ProbeRejectionCount, 1, "engine", "probe_rejected") }
func IncrementLockUpgradeFallbacks() {
	add(&Global.LockUpgradeFallbacks, 1, "locks", "upgrade_fallback")
}
func IncrementEngineWriteRetryCount() { add(&Global.EngineWriteRetryCount, 1, "engine", "write_retry") }
func IncrementEngineWriteFailures() {
	add(&Global.EngineWriteFailureCount, 1, "engine", "write_failure")
}
func IncrementDroppedOperationCount() { add(&Global.DroppedOperationCount, 1, "pipeline", "dropped") }

func AddEnginePuts(n int)    { add(&Global.EnginePutCount, int64(n), "engine", "put") }
func AddEngineDeletes(n int) { add(&Global.EngineDeleteCount, int64(n), "engine", "delete") }
func AddCoalesced(n int64)   { add(&Global.CoalescedOperationCount, n, "pipeline", "coalesced") }

func AddBufferBytesReleased(n int) {
	add(&Global.BufferBytesReleased, int64(n), "buffers", "released_bytes")
}

// ObserveBatchCommit records one committed write batch of size operations.
func ObserveBatchCommit(started time.Time, size int) {
	atomic.AddInt64(&Global.CommittedBatchCount, 1)
	gometrics.MeasureSince([]string{"pipeline", "batch_commit"}, started)
	gometrics.AddSample([]string{"pipeline", "batch_size"}, float32(size))
}

func SetQueueDepth(queue string, depth int) {
	gometrics.SetGauge([]string{"pipeline", queue, "depth"}, float32(depth))
}

// StartSystemMonitor samples runtime statistics until ctx is done.
func StartSystemMonitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sampleRuntime()
			}
		}
	}()
}

func sampleRuntime() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	atomic.StoreInt64(&Global.HeapAllocatedBytes, int64(m.HeapAlloc))
	atomic.StoreInt64(&Global.GoroutineCount, int64(runtime.NumGoroutine()))
	gometrics.SetGauge([]string{"runtime", "heap_alloc"}, float32(m.HeapAlloc))
	gometrics.SetGauge([]string{"runtime", "goroutines"}, float32(runtime.NumGoroutine()))
}

// GetCurrentState returns a snapshot for the API
func GetCurrentState() map[string]int64 {
	return map[string]int64{
		"write_ops":         atomic.LoadInt64(&Global.WriteOperationsCount),
		"delete_ops":        atomic.LoadInt64(&Global.DeleteOperationsCount),
		"read_ops":          atomic.LoadInt64(&Global.ReadOperationsCount),
		"compute_ops":       atomic.LoadInt64(&Global.ComputeOperationsCount),
		"cache_hits":        atomic.LoadInt64(&Global.CacheHitCount),
		"cache_misses":      atomic.LoadInt64(&Global.CacheMissCount),
		"probe_rejections":  atomic.LoadInt64(&Global.ProbeRejectionCount),
		"upgrade_fallbacks": atomic.LoadInt64(&Global.LockUpgradeFallbacks),
		"engine_puts":       atomic.LoadInt64(&Global.EnginePutCount),
		"engine_deletes":    atomic.LoadInt64(&Global.EngineDeleteCount),
		"batches_committed": atomic.LoadInt64(&Global.CommittedBatchCount),
		"coalesced_ops":     atomic.LoadInt64(&Global.CoalescedOperationCount),
		"write_retries":     atomic.LoadInt64(&Global.EngineWriteRetryCount),
		"write_failures":    atomic.LoadInt64(&Global.EngineWriteFailureCount),
		"dropped_ops":       atomic.LoadInt64(&Global.DroppedOperationCount),
		"buffer_released":   atomic.LoadInt64(&Global.BufferBytesReleased),
		"heap_alloc_bytes":  atomic.LoadInt64(&Global.HeapAllocatedBytes),
		"goroutines":        atomic.LoadInt64(&Global.GoroutineCount),
	}
}
