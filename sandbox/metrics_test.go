package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewMetrics(t *testing.T) {
	t.Run("NilRegistry", func(t *testing.T) {
		assert.Nil(t, NewMetrics(nil))
	})

	t.Run("NilReceiver", func(t *testing.T) {
		var m *Metrics
		assert.NotPanics(t, func() {
			m.acquired()
			m.exhausted()
			m.released(true)
			m.repaired(false, 0)
			m.refreshed(0)
			m.observeStats(Stats{Size: 1})
		})
	})

	t.Run("Registered", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := NewMetrics(reg)
		require.NotNil(t, m)

		m.released(true)
		m.repaired(true, 0)

		count, err := testutil.GatherAndCount(reg, "sandpool_pool_releases_total", "sandpool_pool_repairs_total")
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})
}

func TestPoolMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	client := NewMockClient()

	p, err := Initialize(context.Background(), zaptest.NewLogger(t), client, testOptions(t, 2), WithMetrics(m))
	require.NoError(t, err)
	t.Cleanup(p.Wait)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Available))

	h, ok := p.Acquire()
	require.True(t, ok)
	_, ok = p.Acquire()
	require.True(t, ok)
	_, ok = p.Acquire()
	require.False(t, ok)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Acquisitions))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Exhausted))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.Available))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Leased))

	client.setRestartErr(errors.New("boom"))
	require.Error(t, h.Release(context.Background()))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Releases.WithLabelValues("failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Unavailable))

	client.setRestartErr(nil)
	assert.Equal(t, 1, p.Refresh(context.Background()))
	p.Wait()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Repairs.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Available))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Leased))
}
