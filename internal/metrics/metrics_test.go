package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	m := New()
	families, err := m.Registry().Gather()
	require.NoError(t, err)

	m.RequestsInFlight.Inc()
	m.RequestDuration.WithLabelValues("Insert").Observe(0.01)
	m.Reconnects.Inc()
	m.DatabaseItems.WithLabelValues("abc123").Set(3)

	families, err = m.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["vaultsync_requests_in_flight"])
	assert.True(t, names["vaultsync_request_duration_seconds"])
	assert.True(t, names["vaultsync_reconnects_total"])
	assert.True(t, names["vaultsync_database_items"])
}

func TestNewInstancesAreIndependent(t *testing.T) {
	a := New()
	b := New()

	a.Reconnects.Inc()

	famA, err := a.Registry().Gather()
	require.NoError(t, err)
	famB, err := b.Registry().Gather()
	require.NoError(t, err)

	assert.NotEqual(t, famA, famB)
}
