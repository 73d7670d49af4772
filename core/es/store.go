package es

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// EventStore coordinates streams, appends and loads on top of a
// PersistenceStrategy, runs the middleware pipeline and owns the registered
// projectors.
type EventStore struct {
	log           *slog.Logger
	persistence   PersistenceStrategy
	projections   ProjectionStore
	metrics       ESMetrics
	middleware    map[MiddlewareAction][]MiddlewareFunc
	registry      *Registry
	projectorOpts []ProjectorOption
	runners       map[string]ProjectionRunner
	manager       *ProjectionManager
	streamInit    singleflight.Group
}

func NewEventStore(persistence PersistenceStrategy, projections ProjectionStore, opts ...StoreOption) (*EventStore, error) {
	options := newStoreOpts(opts...)

	s := &EventStore{
		log:           options.log,
		persistence:   persistence,
		projections:   projections,
		metrics:       options.metrics,
		middleware:    map[MiddlewareAction][]MiddlewareFunc{},
		registry:      options.registry,
		projectorOpts: options.projectorOpts,
		runners:       map[string]ProjectionRunner{},
	}
	s.manager = &ProjectionManager{store: s}

	for _, mw := range options.middleware {
		s.middleware[mw.Action] = append(s.middleware[mw.Action], mw.Handle)
	}

	for _, reg := range s.registry.projections {
		runner, err := reg.build(s)
		if err != nil {
			return nil, err
		}
		s.runners[reg.name] = runner
	}

	return s, nil
}

func (s *EventStore) Persistence() PersistenceStrategy { return s.persistence }
func (s *EventStore) ProjectionStore() ProjectionStore { return s.projections }
func (s *EventStore) Registry() *Registry              { return s.registry }
func (s *EventStore) ProjectionManager() *ProjectionManager {
	return s.manager
}

// Install creates the stream registry and projection tables. It is safe to
// call on every start.
func (s *EventStore) Install(ctx context.Context) error {
	if err := s.persistence.CreateEventStreamsTable(ctx); err != nil {
		return fmt.Errorf("failed to create event streams table: %w", err)
	}
	if err := s.persistence.CreateProjectionsTable(ctx); err != nil {
		return fmt.Errorf("failed to create projections table: %w", err)
	}
	return nil
}

// CreateStream registers stream and creates its storage. When the storage
// cannot be created the registration is rolled back.
func (s *EventStore) CreateStream(ctx context.Context, stream string) error {
	if err := s.persistence.AddStreamToStreamsTable(ctx, stream); err != nil {
		return err
	}

	if err := s.persistence.CreateSchema(ctx, stream); err != nil {
		cleanup := context.WithoutCancel(ctx)
		if dropErr := s.persistence.DropSchema(cleanup, stream); dropErr != nil {
			s.log.ErrorContext(ctx, "failed to drop partially created stream", slog.String("stream", stream), slog.Any("error", dropErr))
		}
		if rmErr := s.persistence.RemoveStreamFromStreamsTable(cleanup, stream); rmErr != nil {
			s.log.ErrorContext(ctx, "failed to unregister stream", slog.String("stream", stream), slog.Any("error", rmErr))
		}
		return fmt.Errorf("failed to create stream %s: %w", stream, err)
	}

	s.log.DebugContext(ctx, "stream created", slog.String("stream", stream))
	return nil
}

// ensureStream creates stream unless it exists. Concurrent callers for the
// same stream share one attempt.
func (s *EventStore) ensureStream(ctx context.Context, stream string) error {
	_, err, _ := s.streamInit.Do(stream, func() (any, error) {
		ok, err := s.persistence.HasStream(ctx, stream)
		if err != nil || ok {
			return nil, err
		}
		if err := s.CreateStream(ctx, stream); err != nil && !errors.Is(err, ErrStreamAlreadyExists) {
			return nil, err
		}
		return nil, nil
	})
	return err
}

func (s *EventStore) HasStream(ctx context.Context, stream string) (bool, error) {
	return s.persistence.HasStream(ctx, stream)
}

// DeleteStream drops the stream storage and its registration.
func (s *EventStore) DeleteStream(ctx context.Context, stream string) error {
	if err := s.persistence.DeleteStream(ctx, stream); err != nil {
		return err
	}
	s.log.DebugContext(ctx, "stream deleted", slog.String("stream", stream))
	return nil
}

func (s *EventStore) StreamNames(ctx context.Context) ([]string, error) {
	return s.persistence.StreamNames(ctx)
}

func (s *EventStore) runMiddleware(ctx context.Context, action MiddlewareAction, ev Event) (Event, error) {
	for _, mw := range s.middleware[action] {
		var err error
		if ev, err = mw(ctx, ev, action, s); err != nil {
			return ev, err
		}
	}
	return ev, nil
}

// AppendTo appends events to stream in one atomic write.
func (s *EventStore) AppendTo(ctx context.Context, stream string, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	prepared := make([]Event, 0, len(events))
	for _, ev := range events {
		ev, err := s.runMiddleware(ctx, PreAppend, ev)
		if err != nil {
			return fmt.Errorf("pre append middleware failed: %w", err)
		}
		prepared = append(prepared, ev)
	}

	timer := s.metrics.StoreAppendDuration(stream)
	err := s.persistence.AppendTo(ctx, stream, prepared)
	timer.ObserveDuration()

	if err != nil {
		if errors.Is(err, ErrConcurrency) {
			s.metrics.ConcurrencyConflict(stream)
		}
		for _, ev := range prepared {
			if _, mwErr := s.runMiddleware(ctx, AppendErrored, ev); mwErr != nil {
				s.log.ErrorContext(ctx, "append errored middleware failed", slog.Any("error", mwErr))
			}
		}
		return err
	}

	s.metrics.EventsAppended(stream, len(prepared))
	for _, ev := range prepared {
		if _, mwErr := s.runMiddleware(ctx, Appended, ev); mwErr != nil {
			s.log.ErrorContext(ctx, "appended middleware failed", slog.Any("error", mwErr))
		}
	}
	return nil
}

// Load yields the events of stream from position from on. Every event
// passes the Loaded middleware.
func (s *EventStore) Load(ctx context.Context, stream string, from int64, matcher MetadataMatcher) iter.Seq2[Event, error] {
	return s.loaded(ctx, stream, s.persistence.Load(ctx, stream, from, matcher))
}

// MergeAndLoad yields the events of several streams ordered by createdAt.
func (s *EventStore) MergeAndLoad(ctx context.Context, streams ...LoadStreamParameter) iter.Seq2[Event, error] {
	label := "merged"
	if len(streams) == 1 {
		label = streams[0].StreamName
	}
	return s.loaded(ctx, label, s.persistence.MergeAndLoad(ctx, streams...))
}

func (s *EventStore) loaded(ctx context.Context, label string, seq iter.Seq2[Event, error]) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		defer s.metrics.StoreLoadDuration(label).ObserveDuration()
		for ev, err := range seq {
			if err != nil {
				yield(Event{}, err)
				return
			}
			ev, err = s.runMiddleware(ctx, Loaded, ev)
			if err != nil {
				yield(Event{}, fmt.Errorf("loaded middleware failed: %w", err))
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// ProjectionNames lists the registered projections in registration order.
func (s *EventStore) ProjectionNames() []string { return s.registry.Projections() }

// Projection returns the registered projector called name.
func (s *EventStore) Projection(name string) (ProjectionRunner, error) {
	r, ok := s.runners[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectionNotFound, name)
	}
	return r, nil
}

func GetProjector[S any](s *EventStore, name string) (*Projector[S], error) {
	r, err := s.Projection(name)
	if err != nil {
		return nil, err
	}
	p, ok := r.(*Projector[S])
	if !ok {
		return nil, fmt.Errorf("%w: %s is a %T", ErrProjectionNotFound, name, r)
	}
	return p, nil
}

func GetReadModelProjector[S any](s *EventStore, name string) (*ReadModelProjector[S], error) {
	r, err := s.Projection(name)
	if err != nil {
		return nil, err
	}
	p, ok := r.(*ReadModelProjector[S])
	if !ok {
		return nil, fmt.Errorf("%w: %s is a %T", ErrProjectionNotFound, name, r)
	}
	return p, nil
}

// CreateRepository returns a repository for aggregates of type t stored in stream.
func CreateRepository[T Aggregate](s *EventStore, stream string, t AggregateType[T]) *Repository[T] {
	return &Repository[T]{
		log: s.log.With(slog.Group("repo",
			slog.String("stream", stream),
			slog.String("aggregate_type", t.Name()),
		)),
		store:   s,
		stream:  stream,
		aggType: t,
		metrics: s.metrics,
	}
}
