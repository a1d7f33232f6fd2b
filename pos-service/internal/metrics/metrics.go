package metrics

import (
	"net/http"

	"github.com/fjod/go_caja/pos-service/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	ReservationsGrantedTotal    prometheus.Counter
	ReservationsConflictedTotal prometheus.Counter
	ReservationsExpiredTotal    prometheus.Counter
	ActiveSessions              prometheus.Gauge
	ReservedUnits               prometheus.Gauge

	CajaTransitions *prometheus.CounterVec
	Postings        *prometheus.CounterVec

	OutboxPublishedTotal prometheus.Counter
	OutboxFailedTotal    prometheus.Counter
	SalesCommitted       prometheus.Counter
	SaleCommitLatencySec prometheus.Histogram
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()

	granted := prometheus.NewCounter(prometheus.CounterOpts{Name: "pos_reservations_granted_total"})
	conflicted := prometheus.NewCounter(prometheus.CounterOpts{Name: "pos_reservations_conflicted_total"})
	expired := prometheus.NewCounter(prometheus.CounterOpts{Name: "pos_reservations_expired_total"})
	sessions := prometheus.NewGauge(prometheus.GaugeOpts{Name: "pos_active_sessions"})
	reserved := prometheus.NewGauge(prometheus.GaugeOpts{Name: "pos_reserved_units"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_caja_transitions_total",
		Help: "Caja state changes by target state.",
	}, []string{"state"})
	postings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_caja_postings_total",
	}, []string{"direction"})

	published := prometheus.NewCounter(prometheus.CounterOpts{Name: "pos_outbox_published_total"})
	failed := prometheus.NewCounter(prometheus.CounterOpts{Name: "pos_outbox_failed_total"})
	sales := prometheus.NewCounter(prometheus.CounterOpts{Name: "pos_sales_committed_total"})
	saleLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pos_sale_commit_seconds",
		Buckets: prometheus.DefBuckets,
	})

	r.MustRegister(granted, conflicted, expired, sessions, reserved, transitions, postings,
		published, failed, sales, saleLatency)
	return &Registry{
		reg:                         r,
		ReservationsGrantedTotal:    granted,
		ReservationsConflictedTotal: conflicted,
		ReservationsExpiredTotal:    expired,
		ActiveSessions:              sessions,
		ReservedUnits:               reserved,
		CajaTransitions:             transitions,
		Postings:                    postings,
		OutboxPublishedTotal:        published,
		OutboxFailedTotal:           failed,
		SalesCommitted:              sales,
		SaleCommitLatencySec:        saleLatency,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }

func (r *Registry) ReservationsGranted(n int)    { r.ReservationsGrantedTotal.Add(float64(n)) }
func (r *Registry) ReservationsConflicted(n int) { r.ReservationsConflictedTotal.Add(float64(n)) }
func (r *Registry) ReservationsExpired(n int)    { r.ReservationsExpiredTotal.Add(float64(n)) }

func (r *Registry) CajaTransition(to domain.CajaState) {
	r.CajaTransitions.WithLabelValues(string(to)).Inc()
}

func (r *Registry) PostingRecorded(d domain.Direction) {
	r.Postings.WithLabelValues(string(d)).Inc()
}

func (r *Registry) OutboxPublished() { r.OutboxPublishedTotal.Inc() }
func (r *Registry) OutboxFailed()    { r.OutboxFailedTotal.Inc() }

// SaleCommitted records one committed sale and how long the commit took.
func (r *Registry) SaleCommitted(seconds float64) {
	r.SalesCommitted.Inc()
	r.SaleCommitLatencySec.Observe(seconds)
}

// SetReservationState refreshes the gauges from a periodic snapshot.
func (r *Registry) SetReservationState(sessions int, reservedUnits int64) {
	r.ActiveSessions.Set(float64(sessions))
	r.ReservedUnits.Set(float64(reservedUnits))
}
