package es

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
)

// InMemoryPersistence keeps every stream in process memory. It is meant for
// tests and development; events are deep-copied on the way in and out.
type InMemoryPersistence struct {
	mu        sync.RWMutex
	log       *slog.Logger
	writeLock WriteLockStrategy
	registry  map[string]struct{}
	streams   map[string]*memStream
}

type memStream struct {
	events []Event
	keys   map[aggKey]struct{}
}

type aggKey struct {
	aggType string
	aggID   string
	version int64
}

// uniquenessKey mirrors a SQL unique index over the three metadata fields:
// rows missing one of them never collide.
func uniquenessKey(ev Event) (aggKey, bool) {
	md := ev.metadata
	t, okT := md[MetaAggregateType]
	id, okID := md[MetaAggregateID]
	v, okV := md.Int(MetaAggregateVersion)
	if !okT || !okID || !okV || t == nil || id == nil {
		return aggKey{}, false
	}
	return aggKey{aggType: md.String(MetaAggregateType), aggID: md.String(MetaAggregateID), version: v}, true
}

func NewInMemoryPersistence(opts ...PersistenceOption) *InMemoryPersistence {
	options := newPersistenceOpts(opts...)
	return &InMemoryPersistence{
		log:       options.log,
		writeLock: options.writeLock,
		registry:  map[string]struct{}{},
		streams:   map[string]*memStream{},
	}
}

func (p *InMemoryPersistence) CreateEventStreamsTable(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.registry == nil {
		p.registry = map[string]struct{}{}
	}
	if p.streams == nil {
		p.streams = map[string]*memStream{}
	}
	return nil
}

// CreateProjectionsTable is a no-op: projection records live in a ProjectionStore.
func (p *InMemoryPersistence) CreateProjectionsTable(context.Context) error { return nil }

func (p *InMemoryPersistence) AddStreamToStreamsTable(_ context.Context, stream string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.registry[stream]; ok {
		return fmt.Errorf("%w: %s", ErrStreamAlreadyExists, stream)
	}
	p.registry[stream] = struct{}{}
	return nil
}

func (p *InMemoryPersistence) RemoveStreamFromStreamsTable(_ context.Context, stream string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.registry, stream)
	return nil
}

func (p *InMemoryPersistence) CreateSchema(_ context.Context, stream string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.streams[stream]; !ok {
		p.streams[stream] = &memStream{keys: map[aggKey]struct{}{}}
	}
	return nil
}

func (p *InMemoryPersistence) DropSchema(_ context.Context, stream string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.streams, stream)
	return nil
}

func (p *InMemoryPersistence) AppendTo(ctx context.Context, stream string, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	lock := WriteLockName(stream)
	if err := AcquireWriteLock(ctx, p.writeLock, lock); err != nil {
		return fmt.Errorf("failed to acquire write lock for %s: %w", stream, err)
	}
	defer func() {
		if err := p.writeLock.ReleaseLock(context.WithoutCancel(ctx), lock); err != nil {
			p.log.Error("failed to release write lock", slog.String("stream", stream), slog.Any("error", err))
		}
	}()

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.streams[stream]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, stream)
	}

	batch := slices.Clone(events)
	slices.SortStableFunc(batch, func(a, b Event) int { return cmp.Compare(a.Version(), b.Version()) })

	seen := make(map[aggKey]struct{}, len(batch))
	for _, ev := range batch {
		k, ok := uniquenessKey(ev)
		if !ok {
			continue
		}
		_, stored := s.keys[k]
		_, inBatch := seen[k]
		if stored || inBatch {
			return fmt.Errorf(
				"%w: stream=%s aggregate_type=%s aggregate_id=%s version=%d",
				ErrConcurrency, stream, k.aggType, k.aggID, k.version,
			)
		}
		seen[k] = struct{}{}
	}

	next := int64(len(s.events))
	for _, ev := range batch {
		next++
		s.events = append(s.events, ev.clone().WithPosition(stream, next))
	}
	for k := range seen {
		s.keys[k] = struct{}{}
	}

	p.log.Debug("appended", slog.String("stream", stream), slog.Int("count", len(batch)), slog.Int64("last_position", next))
	return nil
}

func (p *InMemoryPersistence) Load(ctx context.Context, stream string, from int64, matcher MetadataMatcher) iter.Seq2[Event, error] {
	return Paginate(ctx, from, func(_ context.Context, after int64, limit int) ([]Event, error) {
		p.mu.RLock()
		defer p.mu.RUnlock()

		s, ok := p.streams[stream]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, stream)
		}
		if after >= int64(len(s.events)) {
			return nil, nil
		}
		end := min(after+int64(limit), int64(len(s.events)))
		page := make([]Event, 0, end-after)
		for _, ev := range s.events[after:end] {
			page = append(page, ev.clone())
		}
		return page, nil
	}, matcher)
}

func (p *InMemoryPersistence) MergeAndLoad(ctx context.Context, streams ...LoadStreamParameter) iter.Seq2[Event, error] {
	seqs := make([]iter.Seq2[Event, error], 0, len(streams))
	for _, s := range streams {
		seqs = append(seqs, p.Load(ctx, s.StreamName, s.FromNumber, s.Matcher))
	}
	return MergeByCreatedAt(seqs...)
}

func (p *InMemoryPersistence) HasStream(_ context.Context, stream string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.registry[stream]
	return ok, nil
}

func (p *InMemoryPersistence) DeleteStream(_ context.Context, stream string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.registry[stream]; !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, stream)
	}
	delete(p.registry, stream)
	delete(p.streams, stream)
	return nil
}

func (p *InMemoryPersistence) StreamNames(context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.registry))
	for name := range p.registry {
		if !IsSystemStream(name) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

var _ PersistenceStrategy = (*InMemoryPersistence)(nil)
