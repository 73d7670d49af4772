package es

import "github.com/fjogeleit/event-store/core/metrics"

// ESMetrics instruments the event store, repositories and projectors.
// Implementations must be safe for concurrent use.
type ESMetrics interface {
	// Store operations, labelled by stream.
	StoreAppendDuration(stream string) metrics.Timer
	StoreLoadDuration(stream string) metrics.Timer
	EventsAppended(stream string, count int)
	ConcurrencyConflict(stream string)

	// Repository operations, labelled by aggregate type.
	RepoLoadDuration(aggType string) metrics.Timer
	RepoSaveDuration(aggType string) metrics.Timer

	// Projectors, labelled by projection name.
	ProjectorEventsProcessed(projection string, count int)
	ProjectorPersistDuration(projection string) metrics.Timer
	ProjectorLockAcquired(projection string, success bool)
}

type nopESMetrics struct{}

func (nopESMetrics) StoreAppendDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) StoreLoadDuration(string) metrics.Timer   { return metrics.NopTimer() }
func (nopESMetrics) EventsAppended(string, int)               {}
func (nopESMetrics) ConcurrencyConflict(string)               {}

func (nopESMetrics) RepoLoadDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) RepoSaveDuration(string) metrics.Timer { return metrics.NopTimer() }

func (nopESMetrics) ProjectorEventsProcessed(string, int)          {}
func (nopESMetrics) ProjectorPersistDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) ProjectorLockAcquired(string, bool)            {}

// NopESMetrics returns a no-op ESMetrics implementation.
func NopESMetrics() ESMetrics { return nopESMetrics{} }
