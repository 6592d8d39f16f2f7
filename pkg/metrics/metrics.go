package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spindate_build_info",
			Help: "Build information of the spindate matchmaking engine",
		},
		[]string{"version", "commit", "date"},
	)

	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spindate_commands_total",
			Help: "Total number of commands processed",
		},
		[]string{"command", "status"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spindate_command_duration_seconds",
			Help:    "Duration of command processing",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4.1s
		},
		[]string{"command"},
	)

	TickTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spindate_scheduler_tick_total",
			Help: "Total number of scheduler sub-job runs",
		},
		[]string{"job", "status"},
	)

	TickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spindate_scheduler_tick_duration_seconds",
			Help:    "Duration of scheduler sub-job runs",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"job"},
	)

	MatchesCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spindate_matches_created_total",
			Help: "Total number of matches created",
		},
	)

	MatchOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spindate_match_outcomes_total",
			Help: "Total number of completed matches by outcome",
		},
		[]string{"outcome"},
	)

	EvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spindate_evictions_total",
			Help: "Total number of queue evictions",
		},
		[]string{"reason"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spindate_queue_depth",
			Help: "Current number of users waiting in the matching queue",
		},
	)

	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spindate_events_published_total",
			Help: "Total number of domain events published",
		},
		[]string{"kind"},
	)

	EventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spindate_events_dropped_total",
			Help: "Total number of domain events dropped on slow subscribers",
		},
	)
)
