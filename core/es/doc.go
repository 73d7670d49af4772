// Package es is an event store with a catch-up projection engine.
//
// # Streams and events
//
// An [EventStore] keeps named, append-only streams on top of a
// [PersistenceStrategy]. Positions inside a stream start at 1 and have no
// gaps. Every event carries its aggregate type, id and version in its
// metadata; that triple is unique per stream and is the optimistic
// concurrency guard: a second writer of the same version gets
// [ErrConcurrency].
//
//	store, err := es.NewEventStore(es.NewInMemoryPersistence(), es.NewInMemoryProjectionStore())
//	_ = store.Install(ctx)
//	_ = store.CreateStream(ctx, "users")
//
// # Aggregates
//
// Aggregates embed [AggregateRoot] and fold their payloads in Apply.
// [RecordThat] records and applies new payloads, a [Repository] saves and
// replays them:
//
//	var UserType = es.NewAggregateType("user", func() *User { return &User{} }, UserWasRegistered{})
//
//	repo := es.CreateRepository(store, "users", UserType)
//	u := UserType.New("u-1")
//	_ = es.RecordThat(u, UserWasRegistered{Name: "Ada"})
//	_ = repo.Save(ctx, u)
//
// # Projections
//
// Projections are registered on a [Registry] and built with the store. A
// [Projector] folds one or more streams into state and checkpoints it in a
// [ProjectionStore]; a [ReadModelProjector] additionally writes a
// [ReadModel]; a [Query] is a one-shot fold without any bookkeeping.
//
//	reg := es.NewRegistry()
//	es.RegisterProjection(reg, "user_count", func(p *es.Projector[int]) error {
//	    return errors.Join(
//	        p.Init(func() int { return 0 }),
//	        p.FromStream(es.Stream{Name: "users"}),
//	        p.WhenAny(func(_ context.Context, n int, _ es.Event) (int, error) { return n + 1, nil }),
//	    )
//	})
//
// Processes running the same projection coordinate through a lease on the
// projection record. The [ProjectionManager] requests stop, reset and
// delete by writing the record status; the lease holder acts on it between
// blocks of events.
package es
