package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Message(MessageAccepted)
	m.Message(MessageDuplicate)
	m.Message(MessageDuplicate)
	m.ReconnectScheduled()
	m.ConnectionState(2)
	m.Fetch("counters", FetchSuccess)
	m.Lookup("QC", LookupTimeout)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.wsMessages.WithLabelValues(MessageAccepted)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.wsMessages.WithLabelValues(MessageDuplicate)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnects))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.connectionState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pollFetches.WithLabelValues("counters", FetchSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lookups.WithLabelValues("QC", LookupTimeout)))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.Message(MessageAccepted)
		m.ReconnectScheduled()
		m.ConnectionState(1)
		m.Fetch("counters", FetchError)
		m.Lookup("PQC", LookupFound)
	})
}
