package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.QueriesTotal.Inc()
	m.QueriesTotal.Inc()
	m.QueriesDropped.Inc()
	m.InsertsTotal.Inc()
	m.CalibratedEF.Set(80)
	m.QueryLatency.Observe(0.0001)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.QueriesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueriesDropped))
	assert.Equal(t, 80.0, testutil.ToFloat64(m.CalibratedEF))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 5)
}

func TestNewWithoutRegistry(t *testing.T) {
	m := New(nil)
	m.QueriesTotal.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueriesTotal))
}
