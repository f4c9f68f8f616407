package broker

import (
	"testing"
	"time"

	"github.com/casualjim/underground/channel"
	"github.com/casualjim/underground/envelope"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	b := startBrokerWith(t, New(WithMetrics(m), EvictClosed(true)))

	x := connect(t, b, "x")
	y := connect(t, b, "y")
	gone := connect(t, b, "gone")
	eventuallyCount(t, x, 3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.Clients))

	require.NoError(t, x.Send(envelope.Publish("x", "topic", 1)))
	for _, ch := range []channel.Channel{x, y, gone} {
		receive(t, ch)
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Relayed) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Envelopes.WithLabelValues("topic")))

	require.NoError(t, y.Send(envelope.Control(envelope.Disconnect, "y")))
	require.NoError(t, gone.Close())
	eventuallyCount(t, x, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Clients))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Envelopes.WithLabelValues("disconnect")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Envelopes.WithLabelValues("closed")))

	require.NoError(t, x.Send(envelope.Control("bogus", nil)))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Envelopes.WithLabelValues("ignored")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.Envelopes.WithLabelValues("connect")))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.clients(1)
		m.envelope("topic")
		m.relayed()
		m.sendFailed()
	})
}
