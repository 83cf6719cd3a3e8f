package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestGatewayMetricsRecord(t *testing.T) {
	m := Gateway()
	require.Same(t, m, Gateway())

	before := testutil.ToFloat64(m.paid.WithLabelValues("auto"))
	m.RecordPaid("auto")
	require.Equal(t, before+1, testutil.ToFloat64(m.paid.WithLabelValues("auto")))

	m.SetScanState(330123, 4)
	require.Equal(t, float64(330123), testutil.ToFloat64(m.scanHeight))
	require.Equal(t, float64(4), testutil.ToFloat64(m.unconsumed))

	collisions := testutil.ToFloat64(m.collisions.WithLabelValues("checkout"))
	m.RecordCollision("checkout")
	require.Equal(t, collisions+1, testutil.ToFloat64(m.collisions.WithLabelValues("checkout")))

	cycles := testutil.ToFloat64(m.cycles.WithLabelValues("unknown"))
	m.ObserveCycle("", time.Second)
	require.Equal(t, cycles+1, testutil.ToFloat64(m.cycles.WithLabelValues("unknown")))
}

func TestNilGatewayMetricsAreNoops(t *testing.T) {
	var m *GatewayMetrics
	m.RecordPaid("auto")
	m.ObserveHTTP("/healthz", "GET", 200, time.Millisecond)
	m.SetUnpriced(3)
}
