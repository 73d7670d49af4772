package es

import (
	"fmt"
	"slices"
)

// Registry collects aggregates and projections at startup. Hand it to the
// store with WithRegistry; projectors are built when the store is created.
type Registry struct {
	events      *EventRegistry
	aggregates  map[string]struct{}
	projections []projectionRegistration
}

type projectionRegistration struct {
	name  string
	build func(store *EventStore) (ProjectionRunner, error)
}

func NewRegistry() *Registry {
	return &Registry{
		events:     NewEventRegistry(),
		aggregates: map[string]struct{}{},
	}
}

// Events holds the payload types of every registered aggregate.
func (r *Registry) Events() *EventRegistry { return r.events }

func (r *Registry) Aggregates() []string {
	names := make([]string, 0, len(r.aggregates))
	for n := range r.aggregates {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) Projections() []string {
	names := make([]string, 0, len(r.projections))
	for _, p := range r.projections {
		names = append(names, p.name)
	}
	return names
}

// RegisterAggregate adds t to r. Registering a name twice panics.
func RegisterAggregate[T Aggregate](r *Registry, t AggregateType[T]) {
	if _, dup := r.aggregates[t.Name()]; dup {
		panic(fmt.Sprintf("es: aggregate %q registered twice", t.Name()))
	}
	r.aggregates[t.Name()] = struct{}{}
	r.events.merge(t.Events())
}

func (r *Registry) addProjection(name string, build func(*EventStore) (ProjectionRunner, error)) {
	if slices.Contains(r.Projections(), name) {
		panic(fmt.Sprintf("es: projection %q registered twice", name))
	}
	r.projections = append(r.projections, projectionRegistration{name: name, build: build})
}

// RegisterProjection registers a projector. configure is called once per
// store to set init, streams and handlers.
func RegisterProjection[S any](r *Registry, name string, configure func(p *Projector[S]) error, opts ...ProjectorOption) {
	r.addProjection(name, func(store *EventStore) (ProjectionRunner, error) {
		p := &Projector[S]{projection: newProjection[S](store, name, nil, slices.Concat(store.projectorOpts, opts)...)}
		if err := configure(p); err != nil {
			return nil, fmt.Errorf("failed to configure projection %s: %w", name, err)
		}
		return p, nil
	})
}

// RegisterReadModelProjection registers a projector writing to rm.
func RegisterReadModelProjection[S any](r *Registry, name string, rm ReadModel, configure func(p *ReadModelProjector[S]) error, opts ...ProjectorOption) {
	r.addProjection(name, func(store *EventStore) (ProjectionRunner, error) {
		p := &ReadModelProjector[S]{projection: newProjection[S](store, name, rm, slices.Concat(store.projectorOpts, opts)...)}
		if err := configure(p); err != nil {
			return nil, fmt.Errorf("failed to configure projection %s: %w", name, err)
		}
		return p, nil
	})
}
