package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.SetOnlineUsers(3)
	m.EventHandled("message", "ok")
	m.EventHandled("message", "not_a_member")
	m.Delivered(4, 1)
	m.ObservePersist(5 * time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.onlineUsers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("message", "ok")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.deliveries.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.persistLatency))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.SetOnlineUsers(1)
		m.EventHandled("ping", "ok")
		m.Delivered(1, 1)
		m.ObservePersist(time.Second)
	})
}
