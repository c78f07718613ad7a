package telemetry

import (
	"context"
	"strings"
	"testing"

	internaltelemetry "github.com/pagedb/pagedb/internal/telemetry"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDisabledTelemetryIsNoop(t *testing.T) {
	tel, shutdown, err := New(Config{}, nil)
	require.NoError(t, err)
	require.Nil(t, tel.Registry)
	require.NotNil(t, tel.Meter)
	require.NotNil(t, tel.Tracer)

	counter, err := tel.Meter.Int64Counter("pagedb.test.noop")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
	require.NoError(t, shutdown(context.Background()))
}

// promName folds the dotted names the exporter may keep into the classic
// underscore form.
func promName(name string) string { return strings.ReplaceAll(name, ".", "_") }

func gatherCounter(t *testing.T, tel *Telemetry, name string) (float64, bool) {
	t.Helper()
	families, err := tel.Registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if promName(mf.GetName()) == name {
			return mf.GetMetric()[0].GetCounter().GetValue(), true
		}
	}
	return 0, false
}

func TestEnabledTelemetryExportsMetrics(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "pagedb-test"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer shutdown(context.Background())

	counter, err := tel.Meter.Int64Counter("pagedb.test.requests")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	_, span := tel.Tracer.Start(context.Background(), "test-span")
	require.True(t, span.SpanContext().IsValid())
	span.End()

	v, found := gatherCounter(t, tel, "pagedb_test_requests_total")
	require.True(t, found, "counter is exported with a single _total suffix")
	require.Equal(t, 3.0, v)
}

func TestStorageMetricsExportNames(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "pagedb-test"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer shutdown(context.Background())

	m, err := internaltelemetry.NewStorageMetrics(tel.Meter)
	require.NoError(t, err)
	internaltelemetry.Inc(m.CacheHitsCounter)
	internaltelemetry.Inc(m.CacheHitsCounter)
	internaltelemetry.Inc(m.TreeSplitsCounter)

	v, found := gatherCounter(t, tel, "pagedb_cache_hits_total")
	require.True(t, found)
	require.Equal(t, 2.0, v)
	v, found = gatherCounter(t, tel, "pagedb_btree_splits_total")
	require.True(t, found)
	require.Equal(t, 1.0, v)
}
