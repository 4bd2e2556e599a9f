package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersOnPrivateRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NotNil(t, m)

	// a second set on another registry must not collide
	require.NotPanics(t, func() { NewMetrics(prometheus.NewRegistry()) })

	m.RecordDatagramReceived("video", 1200)
	m.RecordDatagramForwarded("video", 3)
	m.RecordBroadcast("USER_JOINED", 2)
	m.SetPresenterActive(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DatagramsReceived.WithLabelValues("video")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DatagramsForwarded.WithLabelValues("video")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BroadcastErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PresenterActive))

	m.SetPresenterActive(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PresenterActive))
}
