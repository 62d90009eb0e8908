// Package metrics holds the process-wide Prometheus collectors served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "holdkeeper_cycles_total",
		Help: "Successful acquire or renew cycles across all reservations",
	})
	CycleErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holdkeeper_cycle_errors_total",
		Help: "Failed cycle attempts by error kind",
	}, []string{"kind"})
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "holdkeeper_cycle_duration_seconds",
		Help:    "Wall time of one acquire or renew attempt including the renewal wait",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	})
	RecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holdkeeper_recoveries_total",
		Help: "Session recoveries by result",
	}, []string{"result"})
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holdkeeper_reservation_transitions_total",
		Help: "Reservation status changes by resulting status",
	}, []string{"status"})
	RunningReservations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "holdkeeper_running_reservations",
		Help: "Reservations with a live cycling task",
	})
	IngestMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holdkeeper_ingest_messages_total",
		Help: "Inbound messages by ingestion outcome",
	}, []string{"outcome"})
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holdkeeper_http_requests_total",
		Help: "Control API requests",
	}, []string{"method", "route", "code"})
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "holdkeeper_http_request_duration_seconds",
		Help:    "Control API latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)
