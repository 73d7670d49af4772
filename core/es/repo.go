package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Repository loads and saves aggregates of one type in one stream.
type Repository[T Aggregate] struct {
	log     *slog.Logger
	store   *EventStore
	stream  string
	aggType AggregateType[T]
	metrics ESMetrics
}

func (r *Repository[T]) Stream() string { return r.stream }

// Save appends the events recorded on agg since the last save. A
// concurrent writer that stored the same versions first makes Save fail
// with ErrConcurrency.
func (r *Repository[T]) Save(ctx context.Context, agg T) error {
	root := agg.root()
	events := root.PopEvents()
	if len(events) == 0 {
		return nil
	}
	defer r.metrics.RepoSaveDuration(r.aggType.Name()).ObserveDuration()

	for i, ev := range events {
		events[i] = ev.WithAggregateType(r.aggType.Name())
	}

	if err := r.store.AppendTo(ctx, r.stream, events); err != nil {
		return fmt.Errorf("failed to save agg_type=%s agg_id=%s: %w", r.aggType.Name(), root.ID(), err)
	}

	r.log.DebugContext(ctx, "saved",
		slog.Group("agg",
			slog.String("id", root.ID()),
			root.Version().SlogAttr(),
		),
		slog.Int("num_events", len(events)),
	)
	return nil
}

// Get replays the aggregate with id. Only events stamped with this
// repository's aggregate type are read, so events for the same id appended
// under another type name are not replayed. It fails with
// ErrAggregateNotFound when no such event exists.
func (r *Repository[T]) Get(ctx context.Context, id string) (agg T, err error) {
	if id == "" {
		return agg, ErrEmptyAggregateID
	}
	defer r.metrics.RepoLoadDuration(r.aggType.Name()).ObserveDuration()

	matcher := NewMatcher().
		WithMetadataMatch(MetaAggregateID, OpEquals, id).
		WithMetadataMatch(MetaAggregateType, OpEquals, r.aggType.Name())

	agg = r.aggType.New(id)
	n, err := Replay(agg, r.aggType.Events(), r.store.Load(ctx, r.stream, 1, matcher))
	if err != nil {
		return agg, fmt.Errorf("failed to load agg_type=%s agg_id=%s: %w", r.aggType.Name(), id, err)
	}
	if n == 0 {
		return agg, fmt.Errorf("%w: agg_type=%s agg_id=%s", ErrAggregateNotFound, r.aggType.Name(), id)
	}

	r.log.DebugContext(ctx, "loaded",
		slog.Group("agg",
			slog.String("id", id),
			agg.root().Version().SlogAttr(),
		),
	)
	return agg, nil
}

// GetOrCreate returns the stored aggregate, or a fresh one when id is unknown.
func (r *Repository[T]) GetOrCreate(ctx context.Context, id string) (T, error) {
	agg, err := r.Get(ctx, id)
	if errors.Is(err, ErrAggregateNotFound) {
		return r.aggType.New(id), nil
	}
	return agg, err
}
