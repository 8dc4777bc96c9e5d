// Package metrics holds the prometheus collectors shared by the wallet
// services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BlocksProcessed counts fully processed blocks per chain.
	BlocksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletd_blocks_processed_total",
		Help: "Number of blocks fully processed.",
	}, []string{"service"})

	// SyncHeight is the durable checkpoint height per chain.
	SyncHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "walletd_sync_height",
		Help: "Last fully processed block height.",
	}, []string{"service"})

	// FundingsRecorded counts deposits credited to the ledger.
	FundingsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletd_fundings_recorded_total",
		Help: "Number of fundings credited.",
	}, []string{"service", "currency"})

	// WithdrawalsExecuted counts withdrawal state transitions.
	WithdrawalsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletd_withdrawals_total",
		Help: "Number of withdrawals by final status.",
	}, []string{"service", "status"})

	// SweepsExecuted counts transporter sweep transactions.
	SweepsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletd_sweeps_total",
		Help: "Number of sweep transactions broadcast.",
	}, []string{"service", "destination"})

	// EventsEmitted counts signed block events by delivery outcome.
	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletd_events_emitted_total",
		Help: "Number of block events emitted.",
	}, []string{"service", "status"})
)
