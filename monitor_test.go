package zestbay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonxah/zestbay/graph"
)

func TestSettleMonitorLifecycle(t *testing.T) {
	h, _ := newTestHost(t)
	m := h.GetSettleMonitor()

	// Started by Start(); double-start must fail
	assert.True(t, m.IsRunning())
	require.Error(t, m.Start())

	require.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())
	// Stop is idempotent
	require.NoError(t, m.Stop())

	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())
}

func TestSettleMonitorPollingInterval(t *testing.T) {
	h, _ := newTestHost(t)
	m := h.GetSettleMonitor()

	require.Error(t, m.SetPollingInterval(time.Millisecond))
	require.NoError(t, m.SetPollingInterval(40*time.Millisecond))
	assert.Equal(t, 40*time.Millisecond, m.GetPollingInterval())
}

func TestSettleMonitorBacksOffWhenQuiet(t *testing.T) {
	h, _ := newTestHost(t)
	m := h.GetSettleMonitor()
	require.NoError(t, m.Stop())

	base := m.GetPollingInterval()

	// A quiet graph slows the poll rate down toward the ceiling
	for i := 0; i < 40; i++ {
		m.checkGraph()
	}
	slowed := m.GetPollingInterval()
	assert.Greater(t, slowed, base)
	assert.LessOrEqual(t, slowed, 200*time.Millisecond)

	// A change snaps it back to the base interval
	h.Graph().UpsertNode(graph.Node{ID: 999, Name: "burst", Ready: true})
	m.checkGraph()
	assert.Equal(t, base, m.GetPollingInterval())

	_, _, count := m.GetPerformanceStats()
	assert.NotZero(t, count)
}
