package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ReservationsCreated.WithLabelValues(ModeDirect).Inc()
	m.ReservationsCreated.WithLabelValues(ModePlaceholder).Add(2)
	m.Promotions.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReservationsCreated.WithLabelValues(ModePlaceholder)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Promotions))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["labshare_reservations_created_total"])
	assert.True(t, names["labshare_reservation_promotions_total"])

	assert.Panics(t, func() { New(reg) }, "registering twice on one registry")
}
