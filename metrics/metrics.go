// Package metrics holds the prometheus collectors of the settlement service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// reconciliation

	ActionsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_reconciler_actions_dispatched_total",
			Help: "Reconciliation actions started",
		},
		[]string{"kind", "action"},
	)

	ActionsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_reconciler_actions_failed_total",
			Help: "Reconciliation actions that paused their record or hit a transient error",
		},
		[]string{"kind", "action", "error_type"},
	)

	RecordsParked = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "atlas_ledger_records_paused",
			Help: "Records with non-empty remarks seen in the last scan",
		},
		[]string{"kind"},
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atlas_reconciler_fetch_duration_seconds",
			Help:    "Time to page through one kind of the ledger",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	Rollbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_reconciler_rollbacks_total",
			Help: "Paused records rolled back to a retryable status",
		},
		[]string{"kind", "remarks_kind"},
	)

	// ingestion

	EventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_ingest_events_applied_total",
			Help: "Chain events that changed the ledger",
		},
		[]string{"chain_id", "event"},
	)

	EventsIgnored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_ingest_events_ignored_total",
			Help: "Chain events already processed or not matching a record",
		},
		[]string{"chain_id", "event", "reason"},
	)

	EventsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_ingest_events_failed_total",
			Help: "Chain events that could not be applied",
		},
		[]string{"chain_id", "event"},
	)

	SyncHeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "atlas_ingest_sync_height",
			Help: "Last block applied per chain",
		},
		[]string{"chain_id"},
	)

	DepositsObserved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atlas_btc_deposits_observed_total",
		Help: "BTC deposits inserted by the deposit scanner",
	})
)
