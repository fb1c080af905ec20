// Package metrics holds the Prometheus collectors for the tracking
// pipeline. Everything registers on one private registry so tests can run
// in parallel without collisions and /metrics serves exactly what we own.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the service exports.
type Metrics struct {
	registry *prometheus.Registry

	IngestAccepted      *prometheus.CounterVec // mode: foreground | background
	IngestRejected      *prometheus.CounterVec // code: validation gate
	IngestWarnings      prometheus.Counter
	IngestDuration      prometheus.Histogram
	PersistFailures     prometheus.Counter
	RetryScheduled      prometheus.Counter
	RetryDeadLettered   prometheus.Counter
	RetryReplayed       prometheus.Counter
	GeofenceTransitions *prometheus.CounterVec // type: entry | exit
	GeoipImplausible    prometheus.Counter
	CacheFallback       prometheus.Gauge
	CacheErrors         prometheus.Counter
	SocketsConnected    prometheus.Gauge
	BroadcastsSent      prometheus.Counter
	BroadcastsDropped   prometheus.Counter
	RelayPublished      prometheus.Counter
	RelayReplayed       prometheus.Counter
	ShiftsStarted       *prometheus.CounterVec // bucket
	ShiftsEnded         *prometheus.CounterVec // bucket, auto: true | false
	SweepErrors         prometheus.Counter
	RemindersSent       prometheus.Counter
	PushSent            prometheus.Counter
	PushFailed          prometheus.Counter
	JobRuns             *prometheus.CounterVec // job, outcome: ok | error | skipped
}

// New builds the collector set on a fresh registry, including the standard
// Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		IngestAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crewtrack_ingest_accepted_total",
			Help: "Location samples accepted, by ingest mode.",
		}, []string{"mode"}),
		IngestRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crewtrack_ingest_rejected_total",
			Help: "Location samples rejected, by validation gate code.",
		}, []string{"code"}),
		IngestWarnings: factory.NewCounter(prometheus.CounterOpts{
			Name: "crewtrack_ingest_warnings_total",
			Help: "Background samples accepted with validation warnings.",
		}),
		IngestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "crewtrack_ingest_duration_seconds",
			Help:    "End-to-end latency of the ingest pipeline.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		PersistFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "crewtrack_location_persist_failures_total",
			Help: "Location rows that failed to persist and went to the retry queue.",
		}),
		RetryScheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "crewtrack_retry_scheduled_total",
			Help: "Payloads scheduled for retry after a storage failure.",
		}),
		RetryDeadLettered: factory.NewCounter(prometheus.CounterOpts{
			Name: "crewtrack_retry_dead_lettered_total",
			Help: "Payloads moved to the dead-letter partition after exhausting retries.",
		}),
		RetryReplayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "crewtrack_retry_replayed_total",
			Help: "Dead or pending payloads successfully re-ingested by the drain job.",
		}),
		GeofenceTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crewtrack_geofence_transitions_total",
			Help: "Debounced geofence transitions, by type.",
		}, []string{"type"}),
		GeoipImplausible: factory.NewCounter(prometheus.CounterOpts{
			Name: "crewtrack_geoip_implausible_total",
			Help: "Samples reported far from the client's GeoIP location.",
		}),
		CacheFallback: factory.NewGauge(prometheus.GaugeOpts{
			Name: "crewtrack_cache_fallback",
			Help: "1 while the cache layer serves from the local fallback map.",
		}),
		CacheErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "crewtrack_cache_errors_total",
			Help: "Remote cache operations that degraded to the local map.",
		}),
		SocketsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "crewtrack_sockets_connected",
			Help: "Live websocket connections.",
		}),
		BroadcastsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "crewtrack_broadcasts_sent_total",
			Help: "Location payloads fanned out to socket connections.",
		}),
		BroadcastsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "crewtrack_broadcasts_dropped_total",
			Help: "Fan-out payloads dropped on slow consumers.",
		}),
		RelayPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "crewtrack_relay_published_total",
			Help: "Broadcasts published to the cross-instance relay channel.",
		}),
		RelayReplayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "crewtrack_relay_replayed_total",
			Help: "Broadcasts received from other instances and replayed locally.",
		}),
		ShiftsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crewtrack_shifts_started_total",
			Help: "Shifts started, by role bucket.",
		}, []string{"bucket"}),
		ShiftsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crewtrack_shifts_ended_total",
			Help: "Shifts ended, by role bucket and whether the sweep ended them.",
		}, []string{"bucket", "auto"}),
		SweepErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "crewtrack_sweep_errors_total",
			Help: "Auto-end sweep timers that failed and rolled back.",
		}),
		RemindersSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "crewtrack_timer_reminders_sent_total",
			Help: "Shift-ending-soon reminders dispatched.",
		}),
		PushSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "crewtrack_push_sent_total",
			Help: "Push notifications accepted by the provider.",
		}),
		PushFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "crewtrack_push_failed_total",
			Help: "Push notifications the provider rejected or that failed in transit.",
		}),
		JobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crewtrack_job_runs_total",
			Help: "Scheduled job executions, by job and outcome.",
		}, []string{"job", "outcome"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test scrapes.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
