package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value ищет значение метрики name с заданными метками
func value(t *testing.T, c *Collector, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := c.Gatherer().Gather()
	require.NoError(t, err)

	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			matched := 0
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] == lp.GetValue() {
					matched++
				}
			}
			if matched != len(labels) {
				continue
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("метрика %s %v не найдена", name, labels)
	return 0
}

func TestCollectorCounts(t *testing.T) {
	c := Nop()

	c.NegotiationRound("manual")
	c.NegotiationRound("manual")
	c.NegotiationRound("recovery")
	c.StaleExchange()
	c.BusyDeferral()
	c.OrphanSource()
	c.OrphanSource()
	c.DecodeFailure("join_payload")
	c.SignalingMessage("RequestVideo", DirectionOut)
	c.SetParticipants(3)
	c.StateTransition("established", 1)

	assert.Equal(t, 2.0, value(t, c, "callcore_negotiation_rounds_total", map[string]string{"trigger": "manual"}))
	assert.Equal(t, 1.0, value(t, c, "callcore_negotiation_rounds_total", map[string]string{"trigger": "recovery"}))
	assert.Equal(t, 1.0, value(t, c, "callcore_stale_exchanges_total", nil))
	assert.Equal(t, 1.0, value(t, c, "callcore_busy_deferrals_total", nil))
	assert.Equal(t, 2.0, value(t, c, "callcore_orphan_sources_total", nil))
	assert.Equal(t, 1.0, value(t, c, "callcore_decode_failures_total", map[string]string{"source": "join_payload"}))
	assert.Equal(t, 1.0, value(t, c, "callcore_signaling_messages_total",
		map[string]string{"kind": "RequestVideo", "direction": DirectionOut}))
	assert.Equal(t, 3.0, value(t, c, "callcore_participants", nil))
	assert.Equal(t, 1.0, value(t, c, "callcore_connection_state", nil))
	assert.Equal(t, 1.0, value(t, c, "callcore_state_transitions_total", map[string]string{"state": "established"}))
}

func TestNopCollectorsDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop()
		Nop()
	})
}

func TestCollectorCustomNamespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(Config{Namespace: "test", Subsystem: "group"}, reg)
	c.StaleExchange()

	assert.Equal(t, 1.0, value(t, c, "test_group_stale_exchanges_total", nil))
}
