package es

import (
	"errors"
	"fmt"
	"iter"
)

// Aggregate is an event-sourced entity. Implementations embed AggregateRoot
// and fold their own payload types in Apply:
//
//	type User struct {
//	    es.AggregateRoot
//	    Name string
//	}
//
//	func (u *User) Apply(payload any) error {
//	    switch e := payload.(type) {
//	    case UserWasRegistered:
//	        u.Name = e.Name
//	    }
//	    return nil
//	}
type Aggregate interface {
	Apply(payload any) error
	root() *AggregateRoot
}

// AggregateRoot tracks identity, version and the events recorded since the
// aggregate was last saved.
type AggregateRoot struct {
	id       string
	version  Version
	recorded []Event
}

func (r *AggregateRoot) root() *AggregateRoot { return r }

func (r *AggregateRoot) ID() string       { return r.id }
func (r *AggregateRoot) Version() Version { return r.version }

// PopEvents drains the recorded events. A second call returns nil until
// more events are recorded.
func (r *AggregateRoot) PopEvents() []Event {
	out := r.recorded
	r.recorded = nil
	return out
}

// HasRecorded reports whether events are waiting to be saved.
func (r *AggregateRoot) HasRecorded() bool { return len(r.recorded) > 0 }

// RecordThat records payloads as new events of a and folds them right away.
// Payloads implementing Validate() error are validated before anything is
// recorded.
func RecordThat(a Aggregate, payloads ...any) error {
	r := a.root()
	if r.id == "" {
		return ErrEmptyAggregateID
	}

	for _, p := range payloads {
		if v, ok := p.(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				return fmt.Errorf("invalid event %s: %w", EventNameOf(p), err)
			}
		}
	}

	for _, p := range payloads {
		ev, err := Occur(r.id, p)
		if err != nil {
			return err
		}
		ev = ev.WithVersion(r.version.Next())

		if err := a.Apply(p); err != nil {
			return fmt.Errorf("failed to apply %s: %w", ev.Name(), err)
		}
		r.version = r.version.Next()
		r.recorded = append(r.recorded, ev)
	}
	return nil
}

// Replay folds persisted history into a. Events whose name is unknown to
// events still advance the version. It returns the number of events seen.
func Replay(a Aggregate, events *EventRegistry, history iter.Seq2[Event, error]) (int, error) {
	r := a.root()
	n := 0
	for ev, err := range history {
		if err != nil {
			return n, err
		}
		n++

		payload, err := events.Decode(ev)
		switch {
		case errors.Is(err, ErrUnknownEventType):
		case err != nil:
			return n, err
		default:
			if err := a.Apply(payload); err != nil {
				return n, fmt.Errorf("failed to apply %s: %w", ev.Name(), err)
			}
		}

		if r.id == "" {
			r.id = ev.AggregateID()
		}
		r.version = ev.Version()
	}
	return n, nil
}

// AggregateType binds an aggregate name to its factory and the payload types
// it records. The name is stamped into _aggregate_type on save.
type AggregateType[T Aggregate] struct {
	name   string
	create func() T
	events *EventRegistry
}

func NewAggregateType[T Aggregate](name string, create func() T, payloads ...any) AggregateType[T] {
	return AggregateType[T]{
		name:   name,
		create: create,
		events: NewEventRegistry(payloads...),
	}
}

func (t AggregateType[T]) Name() string            { return t.name }
func (t AggregateType[T]) Events() *EventRegistry { return t.events }

// New returns an empty aggregate with the given id at version 0.
func (t AggregateType[T]) New(id string) T {
	a := t.create()
	a.root().id = id
	return a
}
