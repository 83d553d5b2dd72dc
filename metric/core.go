package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Core contains pipeline-level metrics shared across components.
type Core struct {
	// Ingestion
	MessagesReceived *prometheus.CounterVec // labels: category
	MessagesDropped  *prometheus.CounterVec // labels: category, reason

	// Queue
	JobsEnqueued  *prometheus.CounterVec // labels: queue
	JobsProcessed *prometheus.CounterVec // labels: queue, status
	JobsDead      *prometheus.CounterVec // labels: queue
	QueueDepth    *prometheus.GaugeVec   // labels: queue, state

	// Processing
	ProcessingDuration *prometheus.HistogramVec // labels: category
	PointsWritten      *prometheus.CounterVec   // labels: category
	AlertsRaised       *prometheus.CounterVec   // labels: severity

	// Gateway
	ClientsConnected prometheus.Gauge
	EventsFanned     *prometheus.CounterVec // labels: event
}

func newCore() *Core {
	return &Core{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telemetry",
				Subsystem: "ingest",
				Name:      "messages_received_total",
				Help:      "Total messages received from the transport",
			},
			[]string{"category"},
		),
		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telemetry",
				Subsystem: "ingest",
				Name:      "messages_dropped_total",
				Help:      "Total messages dropped before enqueue",
			},
			[]string{"category", "reason"},
		),
		JobsEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telemetry",
				Subsystem: "queue",
				Name:      "jobs_enqueued_total",
				Help:      "Total jobs enqueued",
			},
			[]string{"queue"},
		),
		JobsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telemetry",
				Subsystem: "queue",
				Name:      "jobs_processed_total",
				Help:      "Total jobs processed by outcome",
			},
			[]string{"queue", "status"},
		),
		JobsDead: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telemetry",
				Subsystem: "queue",
				Name:      "jobs_dead_lettered_total",
				Help:      "Total jobs moved to the dead-letter list",
			},
			[]string{"queue"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "telemetry",
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Queue depth by state (pending, inflight, dead)",
			},
			[]string{"queue", "state"},
		),
		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "telemetry",
				Subsystem: "process",
				Name:      "duration_seconds",
				Help:      "Job processing duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"category"},
		),
		PointsWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telemetry",
				Subsystem: "timeseries",
				Name:      "points_written_total",
				Help:      "Points accepted by the time-series write path",
			},
			[]string{"category"},
		),
		AlertsRaised: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telemetry",
				Subsystem: "process",
				Name:      "alerts_raised_total",
				Help:      "Alerts raised by threshold evaluation",
			},
			[]string{"severity"},
		),
		ClientsConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "telemetry",
				Subsystem: "gateway",
				Name:      "clients_connected",
				Help:      "Currently connected websocket clients",
			},
		),
		EventsFanned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telemetry",
				Subsystem: "gateway",
				Name:      "events_fanned_total",
				Help:      "Events delivered to subscribed clients",
			},
			[]string{"event"},
		),
	}
}

func (c *Core) register(reg *prometheus.Registry) {
	reg.MustRegister(
		c.MessagesReceived,
		c.MessagesDropped,
		c.JobsEnqueued,
		c.JobsProcessed,
		c.JobsDead,
		c.QueueDepth,
		c.ProcessingDuration,
		c.PointsWritten,
		c.AlertsRaised,
		c.ClientsConnected,
		c.EventsFanned,
	)
}
