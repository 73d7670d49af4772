// Package metrics holds the instrument types the event store reports
// through. core/es depends only on these; adapters/prometheus backs them.
package metrics

// Timer measures one operation. Call ObserveDuration when it completes.
//
//	defer m.StoreAppendDuration("users").ObserveDuration()
type Timer interface {
	ObserveDuration()
}

// ObserveFunc adapts a callback into a Timer started at creation time.
type ObserveFunc func()

func (f ObserveFunc) ObserveDuration() { f() }
