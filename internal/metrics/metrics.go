package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Reservation creation modes.
const (
	ModeDirect      = "direct"
	ModeNextFree    = "next_available"
	ModePlaceholder = "placeholder"
)

// Release kinds.
const (
	ReleaseFinish = "finish"
	ReleaseCancel = "cancel"
)

type Metrics struct {
	ReservationsCreated *prometheus.CounterVec
	Releases            *prometheus.CounterVec
	Promotions          prometheus.Counter
	PlaceholdersCleared prometheus.Counter
	Extensions          prometheus.Counter
	RemindersSent       prometheus.Counter
	ExpiredReservations prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReservationsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labshare_reservations_created_total",
			Help: "Reservations created, by mode",
		}, []string{"mode"}),
		Releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labshare_reservations_released_total",
			Help: "Reservations removed by their owner, by kind",
		}, []string{"kind"}),
		Promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labshare_reservation_promotions_total",
			Help: "Waiters promoted to current holder",
		}),
		PlaceholdersCleared: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labshare_placeholders_cleared_total",
			Help: "Next-available-spot placeholders removed after a promotion",
		}),
		Extensions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labshare_reservation_extensions_total",
			Help: "Usage windows renewed",
		}),
		RemindersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labshare_extension_reminders_total",
			Help: "Extension reminders dispatched",
		}),
		ExpiredReservations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "labshare_expired_reservations",
			Help: "Current holders whose usage window has expired, as of the last sweep",
		}),
	}

	reg.MustRegister(
		m.ReservationsCreated,
		m.Releases,
		m.Promotions,
		m.PlaceholdersCleared,
		m.Extensions,
		m.RemindersSent,
		m.ExpiredReservations,
	)
	return m
}
