package sequence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scheduler ticks partitioned by how they ended
	ticksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_ticks_total",
			Help: "Total number of scheduler ticks",
		},
		[]string{"result"},
	)

	// Tick duration in seconds
	tickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outreach_tick_duration_seconds",
			Help:    "Scheduler tick latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Per-instance tick outcomes
	instanceOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_instance_outcomes_total",
			Help: "Per-instance results of scheduler ticks",
		},
		[]string{"outcome"},
	)

	// Messages handed to a provider partitioned by channel and result
	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_messages_total",
			Help: "Outreach messages sent or failed, by channel",
		},
		[]string{"channel", "status"},
	)

	// Lifecycle transitions applied by operators
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_transitions_total",
			Help: "Sequence lifecycle actions applied",
		},
		[]string{"action"},
	)
)
