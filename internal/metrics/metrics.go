// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbsm_transitions_total",
		Help: "Booking state machine operations by outcome",
	}, []string{"op", "outcome"})

	ConflictRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbsm_conflict_retries_total",
		Help: "Transactions retried after an optimistic concurrency conflict",
	}, []string{"op"})

	LaneDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bbsm_lane_depth",
		Help: "Operations queued on a bay lane",
	}, []string{"bay"})

	LaneTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbsm_lane_timeouts_total",
		Help: "Operations rejected because their deadline passed while queued",
	}, []string{"bay"})

	Debits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbsm_wallet_debits_total",
		Help: "Wallet debits by ledger kind",
	}, []string{"kind"})

	DebitAmount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbsm_wallet_debit_amount_dollars_total",
		Help: "Sum of debited amounts by ledger kind",
	}, []string{"kind"})

	Credits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bbsm_wallet_credits_total",
		Help: "Wallet top-ups recorded",
	})

	SensorReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbsm_sensor_reports_total",
		Help: "Sensor reports by ingest result",
	}, []string{"result"})

	SensorTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbsm_sensor_transitions_total",
		Help: "Occupancy edges produced by sensor ingest",
	}, []string{"kind"})

	SensorsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bbsm_sensors_online",
		Help: "1 when the latest sensor snapshot is within the freshness window",
	})

	DeviceEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbsm_device_events_total",
		Help: "Device envelopes received by message type and result",
	}, []string{"message_type", "result"})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbsm_notifications_total",
		Help: "Notifications by kind and result (sent, duplicate, failed)",
	}, []string{"kind", "result"})

	LedPushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbsm_led_pushes_total",
		Help: "Desired LED state pushes by state and result",
	}, []string{"state", "result"})

	EgressDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bbsm_egress_dropped_total",
		Help: "Egress jobs dropped because the queue was full",
	})

	ReconcileSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bbsm_reconcile_sweeps_total",
		Help: "Reconciler sweeps completed",
	})

	ReconcileInjections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbsm_reconcile_injections_total",
		Help: "Synthetic events injected by the reconciler",
	}, []string{"event"})
)
