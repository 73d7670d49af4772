package es_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjogeleit/event-store/core/es"
)

func TestEventStore_Streams(t *testing.T) {
	ctx := t.Context()
	store := es.StartTestStore(t)

	require.NoError(t, store.CreateStream(ctx, "users"))
	require.NoError(t, store.CreateStream(ctx, "$internal"))
	require.ErrorIs(t, store.CreateStream(ctx, "users"), es.ErrStreamAlreadyExists)

	ok, err := store.HasStream(ctx, "users")
	require.NoError(t, err)
	assert.True(t, ok)

	names, err := store.StreamNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, names)

	require.NoError(t, store.DeleteStream(ctx, "users"))
	ok, err = store.HasStream(ctx, "users")
	require.NoError(t, err)
	assert.False(t, ok)

	require.ErrorIs(t, store.DeleteStream(ctx, "users"), es.ErrStreamNotFound)
}

type brokenSchema struct {
	*es.InMemoryPersistence
	dropped []string
}

func (b *brokenSchema) CreateSchema(context.Context, string) error {
	return errors.New("disk full")
}

func (b *brokenSchema) DropSchema(ctx context.Context, stream string) error {
	b.dropped = append(b.dropped, stream)
	return b.InMemoryPersistence.DropSchema(ctx, stream)
}

func TestEventStore_CreateStreamRollsBack(t *testing.T) {
	ctx := t.Context()
	p := &brokenSchema{InMemoryPersistence: es.NewInMemoryPersistence()}
	store, err := es.NewEventStore(p, es.NewInMemoryProjectionStore())
	require.NoError(t, err)
	require.NoError(t, store.Install(ctx))

	require.ErrorContains(t, store.CreateStream(ctx, "users"), "disk full")
	assert.Equal(t, []string{"users"}, p.dropped)

	ok, err := store.HasStream(ctx, "users")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEventStore_AppendAndLoad(t *testing.T) {
	ctx := t.Context()
	store := es.StartTestStore(t)
	seedUsers(t, store, "users", 5)

	events := es.CollectEvents(t, store.Load(ctx, "users", 1, nil))
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Position())
		assert.Equal(t, "users", ev.Stream())
		assert.Equal(t, "user", ev.AggregateType())
	}

	t.Run("from is inclusive", func(t *testing.T) {
		events := es.CollectEvents(t, store.Load(ctx, "users", 3, nil))
		require.Len(t, events, 3)
		assert.Equal(t, int64(3), events[0].Position())
	})

	t.Run("past the end", func(t *testing.T) {
		assert.Empty(t, es.CollectEvents(t, store.Load(ctx, "users", 6, nil)))
	})

	t.Run("matcher", func(t *testing.T) {
		m := es.NewMatcher().WithMetadataMatch(es.MetaAggregateID, es.OpIn, []string{"u-2", "u-4"})
		events := es.CollectEvents(t, store.Load(ctx, "users", 1, m))
		require.Len(t, events, 2)
		assert.Equal(t, "u-2", events[0].AggregateID())
		assert.Equal(t, "u-4", events[1].AggregateID())
	})

	t.Run("unknown stream", func(t *testing.T) {
		for _, err := range store.Load(ctx, "nope", 1, nil) {
			require.ErrorIs(t, err, es.ErrStreamNotFound)
		}
	})

	t.Run("stops early", func(t *testing.T) {
		n := 0
		for _, err := range store.Load(ctx, "users", 1, nil) {
			require.NoError(t, err)
			n++
			if n == 2 {
				break
			}
		}
		assert.Equal(t, 2, n)
	})
}

func TestEventStore_AppendRejectsDuplicateVersion(t *testing.T) {
	ctx := t.Context()
	store := es.StartTestStore(t)
	seedUsers(t, store, "users", 1)

	dup, err := es.Occur("u-1", UserNameWasUpdated{Name: "x"})
	require.NoError(t, err)
	dup = dup.WithAggregateType("user")

	err = store.AppendTo(ctx, "users", []es.Event{dup})
	require.ErrorIs(t, err, es.ErrConcurrency)

	// same version under another aggregate type does not collide
	require.NoError(t, store.AppendTo(ctx, "users", []es.Event{dup.WithAggregateType("comment")}))

	// no partial write for a conflicting batch
	ok, err := es.Occur("u-9", UserNameWasUpdated{Name: "y"})
	require.NoError(t, err)
	err = store.AppendTo(ctx, "users", []es.Event{ok.WithAggregateType("user"), dup})
	require.ErrorIs(t, err, es.ErrConcurrency)

	assert.Len(t, es.CollectEvents(t, store.Load(ctx, "users", 1, nil)), 2)
}

func TestEventStore_AppendSortsByVersion(t *testing.T) {
	ctx := t.Context()
	store := es.StartTestStore(t)
	require.NoError(t, store.CreateStream(ctx, "users"))

	u := registerUser(t, "u-1", "alice")
	require.NoError(t, es.RecordThat(u, UserNameWasUpdated{Name: "b"}, UserNameWasUpdated{Name: "c"}))
	events := u.PopEvents()
	events[0], events[2] = events[2], events[0]

	require.NoError(t, store.AppendTo(ctx, "users", events))
	loaded := es.CollectEvents(t, store.Load(ctx, "users", 1, nil))
	require.Len(t, loaded, 3)
	for i, ev := range loaded {
		assert.Equal(t, es.Version(i+1), ev.Version())
	}
}

func TestEventStore_ConcurrentAppends(t *testing.T) {
	ctx := t.Context()
	store := es.StartTestStore(t)
	require.NoError(t, store.CreateStream(ctx, "users"))

	batches := make([][]es.Event, 20)
	for i := range batches {
		batches[i] = registerUser(t, fmt.Sprintf("u-%d", i), "x").PopEvents()
	}

	var wg sync.WaitGroup
	for _, batch := range batches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.AppendTo(ctx, "users", batch))
		}()
	}
	wg.Wait()

	events := es.CollectEvents(t, store.Load(ctx, "users", 1, nil))
	require.Len(t, events, 20)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Position())
	}
}

func TestEventStore_MergeAndLoad(t *testing.T) {
	ctx := t.Context()
	store := es.StartTestStore(t)
	require.NoError(t, store.CreateStream(ctx, "a"))
	require.NoError(t, store.CreateStream(ctx, "b"))

	for i := range 6 {
		stream := "a"
		if i%2 == 1 {
			stream = "b"
		}
		u := registerUser(t, fmt.Sprintf("u-%d", i), "x")
		require.NoError(t, store.AppendTo(ctx, stream, u.PopEvents()))
	}

	events := es.CollectEvents(t, store.MergeAndLoad(ctx,
		es.LoadStreamParameter{StreamName: "a", FromNumber: 1},
		es.LoadStreamParameter{StreamName: "b", FromNumber: 2},
	))
	require.Len(t, events, 5)
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].CreatedAt().Before(events[i-1].CreatedAt()))
	}

	var fromB []int64
	for _, ev := range events {
		if ev.Stream() == "b" {
			fromB = append(fromB, ev.Position())
		}
	}
	assert.Equal(t, []int64{2, 3}, fromB)
}

func TestEventStore_Middleware(t *testing.T) {
	ctx := t.Context()
	var (
		mu    sync.Mutex
		calls []es.MiddlewareAction
	)
	record := func(ctx context.Context, ev es.Event, action es.MiddlewareAction, _ *es.EventStore) (es.Event, error) {
		mu.Lock()
		calls = append(calls, action)
		mu.Unlock()
		switch action {
		case es.PreAppend:
			return ev.WithAddedMetadata("tenant", "acme"), nil
		case es.Loaded:
			return ev.WithAddedMetadata("loaded", true), nil
		}
		return ev, nil
	}

	store := es.StartTestStore(t, es.WithMiddleware(
		es.Middleware{Action: es.PreAppend, Handle: record},
		es.Middleware{Action: es.Appended, Handle: record},
		es.Middleware{Action: es.AppendErrored, Handle: record},
		es.Middleware{Action: es.Loaded, Handle: record},
	))
	seedUsers(t, store, "users", 1)

	events := es.CollectEvents(t, store.Load(ctx, "users", 1, nil))
	require.Len(t, events, 1)
	tenant, _ := events[0].MetadataValue("tenant")
	assert.Equal(t, "acme", tenant)
	loaded, _ := events[0].MetadataValue("loaded")
	assert.Equal(t, true, loaded)

	require.Error(t, store.AppendTo(ctx, "nope", events))

	assert.Equal(t, []es.MiddlewareAction{
		es.PreAppend, es.Appended,
		es.Loaded,
		es.PreAppend, es.AppendErrored,
	}, calls)
}

func TestEventStore_PreAppendFailureAborts(t *testing.T) {
	ctx := t.Context()
	store := es.StartTestStore(t, es.WithMiddleware(es.Middleware{
		Action: es.PreAppend,
		Handle: func(context.Context, es.Event, es.MiddlewareAction, *es.EventStore) (es.Event, error) {
			return es.Event{}, errors.New("rejected")
		},
	}))
	require.NoError(t, store.CreateStream(ctx, "users"))

	err := store.AppendTo(ctx, "users", registerUser(t, "u-1", "x").PopEvents())
	require.ErrorContains(t, err, "rejected")
	assert.Empty(t, es.CollectEvents(t, store.Load(ctx, "users", 1, nil)))
}

func TestRepository(t *testing.T) {
	ctx := t.Context()
	store := es.StartTestStore(t)
	require.NoError(t, store.CreateStream(ctx, "users"))
	repo := es.CreateRepository(store, "users", userType)

	u := registerUser(t, "u-1", "alice")
	require.NoError(t, repo.Save(ctx, u))
	require.NoError(t, repo.Save(ctx, u), "nothing recorded is a no-op")

	loaded, err := repo.Get(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", loaded.Name)
	assert.Equal(t, es.Version(1), loaded.Version())

	require.NoError(t, es.RecordThat(loaded, UserNameWasUpdated{Name: "alicia"}))
	require.NoError(t, repo.Save(ctx, loaded))

	loaded, err = repo.Get(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "alicia", loaded.Name)
	assert.Equal(t, es.Version(2), loaded.Version())

	_, err = repo.Get(ctx, "u-2")
	require.ErrorIs(t, err, es.ErrAggregateNotFound)

	_, err = repo.Get(ctx, "")
	require.ErrorIs(t, err, es.ErrEmptyAggregateID)

	fresh, err := repo.GetOrCreate(ctx, "u-3")
	require.NoError(t, err)
	assert.Equal(t, "u-3", fresh.ID())
	assert.Zero(t, fresh.Version())

	t.Run("events of another aggregate type are not replayed", func(t *testing.T) {
		ev := es.NewEvent("UserWasRegistered", []byte(`{"name":"root","email":"root@example.com"}`), es.Metadata{
			es.MetaAggregateID:      "u-9",
			es.MetaAggregateType:    "admin",
			es.MetaAggregateVersion: es.Version(1),
		})
		require.NoError(t, store.AppendTo(ctx, "users", []es.Event{ev}))

		_, err := repo.Get(ctx, "u-9")
		require.ErrorIs(t, err, es.ErrAggregateNotFound)
	})
}

func TestRepository_StaleWriterConflicts(t *testing.T) {
	ctx := t.Context()
	store := es.StartTestStore(t)
	seedUsers(t, store, "users", 1)
	repo := es.CreateRepository(store, "users", userType)

	a, err := repo.Get(ctx, "u-1")
	require.NoError(t, err)
	b, err := repo.Get(ctx, "u-1")
	require.NoError(t, err)

	require.NoError(t, es.RecordThat(a, UserNameWasUpdated{Name: "a"}))
	require.NoError(t, es.RecordThat(b, UserNameWasUpdated{Name: "b"}))

	require.NoError(t, repo.Save(ctx, a))
	require.ErrorIs(t, repo.Save(ctx, b), es.ErrConcurrency)
}
