package es

import (
	"context"
	"sync"
)

// Query folds streams once from the beginning. It keeps no record, takes
// no lock and never checkpoints.
type Query[S any] struct {
	selection[S]

	store *EventStore
	mu    sync.Mutex
}

func NewQuery[S any](store *EventStore) *Query[S] {
	return &Query[S]{store: store}
}

// Run re-seeds the state and folds every selected stream from position 1.
func (q *Query[S]) Run(ctx context.Context) error {
	if err := q.validate(); err != nil {
		return err
	}

	names, err := q.streamNames(ctx, q.store)
	if err != nil {
		return err
	}
	params := make([]LoadStreamParameter, 0, len(names))
	for _, n := range names {
		params = append(params, LoadStreamParameter{StreamName: n, FromNumber: 1, Matcher: q.matcherFor(n)})
	}

	state := q.init()
	for ev, err := range q.store.MergeAndLoad(ctx, params...) {
		if err != nil {
			return err
		}
		if state, err = q.fold(ctx, state, ev); err != nil {
			return err
		}
	}

	q.mu.Lock()
	q.state = state
	q.mu.Unlock()
	return nil
}

func (q *Query[S]) State() S {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Reset re-seeds the state.
func (q *Query[S]) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.init != nil {
		q.state = q.init()
	}
}
