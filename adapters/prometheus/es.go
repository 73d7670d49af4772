package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fjogeleit/event-store/core/es"
	"github.com/fjogeleit/event-store/core/metrics"
)

type esMetrics struct {
	storeLoadDuration    *prometheus.HistogramVec
	storeAppendDuration  *prometheus.HistogramVec
	eventsAppended       *prometheus.CounterVec
	concurrencyConflicts *prometheus.CounterVec

	repoLoadDuration *prometheus.HistogramVec
	repoSaveDuration *prometheus.HistogramVec

	projectorEvents          *prometheus.CounterVec
	projectorPersistDuration *prometheus.HistogramVec
	projectorLocks           *prometheus.CounterVec
}

// NewESMetrics registers the event store collectors with reg.
func NewESMetrics(reg prometheus.Registerer) es.ESMetrics {
	m := &esMetrics{
		storeLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "es_store_load_duration_seconds",
			Help:    "Time spent draining a stream load in seconds",
			Buckets: defaultBuckets,
		}, []string{"stream"}),

		storeAppendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "es_store_append_duration_seconds",
			Help:    "Event store append latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"stream"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "es_events_appended_total",
			Help: "Total number of events appended",
		}, []string{"stream"}),

		concurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "es_concurrency_conflicts_total",
			Help: "Total number of appends rejected for a duplicate aggregate version",
		}, []string{"stream"}),

		repoLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "es_repo_load_duration_seconds",
			Help:    "Repository load latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		repoSaveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "es_repo_save_duration_seconds",
			Help:    "Repository save latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		projectorEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "es_projector_events_processed_total",
			Help: "Total number of events folded by projectors",
		}, []string{"projection"}),

		projectorPersistDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "es_projector_persist_duration_seconds",
			Help:    "Checkpoint persist latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"projection"}),

		projectorLocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "es_projector_lock_attempts_total",
			Help: "Total number of projection lease acquisition attempts",
		}, []string{"projection", "success"}),
	}

	reg.MustRegister(
		m.storeLoadDuration,
		m.storeAppendDuration,
		m.eventsAppended,
		m.concurrencyConflicts,
		m.repoLoadDuration,
		m.repoSaveDuration,
		m.projectorEvents,
		m.projectorPersistDuration,
		m.projectorLocks,
	)

	return m
}

func (m *esMetrics) StoreAppendDuration(stream string) metrics.Timer {
	return newTimer(m.storeAppendDuration.WithLabelValues(stream))
}

func (m *esMetrics) StoreLoadDuration(stream string) metrics.Timer {
	return newTimer(m.storeLoadDuration.WithLabelValues(stream))
}

func (m *esMetrics) EventsAppended(stream string, count int) {
	m.eventsAppended.WithLabelValues(stream).Add(float64(count))
}

func (m *esMetrics) ConcurrencyConflict(stream string) {
	m.concurrencyConflicts.WithLabelValues(stream).Inc()
}

func (m *esMetrics) RepoLoadDuration(aggType string) metrics.Timer {
	return newTimer(m.repoLoadDuration.WithLabelValues(aggType))
}

func (m *esMetrics) RepoSaveDuration(aggType string) metrics.Timer {
	return newTimer(m.repoSaveDuration.WithLabelValues(aggType))
}

func (m *esMetrics) ProjectorEventsProcessed(projection string, count int) {
	m.projectorEvents.WithLabelValues(projection).Add(float64(count))
}

func (m *esMetrics) ProjectorPersistDuration(projection string) metrics.Timer {
	return newTimer(m.projectorPersistDuration.WithLabelValues(projection))
}

func (m *esMetrics) ProjectorLockAcquired(projection string, success bool) {
	m.projectorLocks.WithLabelValues(projection, boolToStr(success)).Inc()
}

var _ es.ESMetrics = (*esMetrics)(nil)
