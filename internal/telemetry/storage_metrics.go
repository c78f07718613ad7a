package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// StorageMetrics holds the metric instruments of the page store, the page
// cache and the B-tree engine.
type StorageMetrics struct {
	PageReadsCounter      metric.Int64Counter
	PageWritesCounter     metric.Int64Counter
	PagesAllocatedCounter metric.Int64Counter
	PagesFreedCounter     metric.Int64Counter

	CacheHitsCounter         metric.Int64Counter
	CacheMissesCounter       metric.Int64Counter
	CacheEvictionsCounter    metric.Int64Counter
	CacheWriteBacksCounter   metric.Int64Counter
	CacheResidentUpDownCount metric.Int64UpDownCounter

	TreeOpsCounter         metric.Int64Counter
	TreeOpLatencyHistogram metric.Int64Histogram
	TreeSplitsCounter      metric.Int64Counter
	TreeMergesCounter      metric.Int64Counter
	TreeBorrowsCounter     metric.Int64Counter
	TreeRootChangesCounter metric.Int64Counter
}

// NewStorageMetrics creates and registers all storage metrics on meter.
// A nil meter yields no-op instruments.
func NewStorageMetrics(meter metric.Meter) (*StorageMetrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}
	m := &StorageMetrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.PageReadsCounter, "pagedb.store.page_reads", "Pages read from the backing file.", "{page}"},
		{&m.PageWritesCounter, "pagedb.store.page_writes", "Pages written to the backing file.", "{page}"},
		{&m.PagesAllocatedCounter, "pagedb.store.pages_allocated", "Pages handed out by the allocator.", "{page}"},
		{&m.PagesFreedCounter, "pagedb.store.pages_freed", "Pages returned to the free list.", "{page}"},
		{&m.CacheHitsCounter, "pagedb.cache.hits", "Page acquisitions served from the cache.", "{page}"},
		{&m.CacheMissesCounter, "pagedb.cache.misses", "Page acquisitions that faulted the page in.", "{page}"},
		{&m.CacheEvictionsCounter, "pagedb.cache.evictions", "Pages evicted from the cache.", "{page}"},
		{&m.CacheWriteBacksCounter, "pagedb.cache.write_backs", "Dirty pages written back to the store.", "{page}"},
		{&m.TreeOpsCounter, "pagedb.btree.operations", "B-tree operations by kind.", "{operation}"},
		{&m.TreeSplitsCounter, "pagedb.btree.splits", "Node splits.", "{event}"},
		{&m.TreeMergesCounter, "pagedb.btree.merges", "Node merges.", "{event}"},
		{&m.TreeBorrowsCounter, "pagedb.btree.borrows", "Records moved between siblings to fix an underflow.", "{record}"},
		{&m.TreeRootChangesCounter, "pagedb.btree.root_changes", "Root splits and collapses.", "{event}"},
	}
	// Counter names carry no _total suffix; the Prometheus exporter adds it.
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	resident, err := meter.Int64UpDownCounter(
		"pagedb.cache.resident_pages",
		metric.WithDescription("Pages currently resident in the cache."),
		metric.WithUnit("{page}"),
	)
	if err != nil {
		return nil, err
	}
	m.CacheResidentUpDownCount = resident

	latency, err := meter.Int64Histogram(
		"pagedb.btree.operation.duration",
		metric.WithDescription("The latency of B-tree operations."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}
	m.TreeOpLatencyHistogram = latency

	return m, nil
}

// NopStorageMetrics returns instruments that record nothing.
func NopStorageMetrics() *StorageMetrics {
	m, _ := NewStorageMetrics(nil)
	return m
}

// Inc adds one to counter with the given attributes.
func Inc(counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	counter.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}
