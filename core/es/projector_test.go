package es_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjogeleit/event-store/core/es"
)

const userListName = "user_list"

func startUserList(t *testing.T, opts ...es.StoreOption) (*es.EventStore, *es.Projector[userList]) {
	t.Helper()
	reg := es.NewRegistry()
	es.RegisterAggregate(reg, userType)
	es.RegisterProjection(reg, userListName, configureUserList("users"))

	store := es.StartTestStore(t, append([]es.StoreOption{es.WithRegistry(reg)}, opts...)...)
	p, err := es.GetProjector[userList](store, userListName)
	require.NoError(t, err)
	return store, p
}

func TestProjector_CatchUp(t *testing.T) {
	ctx := t.Context()
	store, p := startUserList(t)
	seedUsers(t, store, "users", 5)

	require.NoError(t, p.Run(ctx, false))
	assert.Len(t, p.State().Names, 5)
	assert.Equal(t, map[string]int64{"users": 5}, p.Positions())
	assert.Equal(t, es.StatusIdle, p.Status())

	rec, err := store.ProjectionStore().GetProjection(ctx, userListName)
	require.NoError(t, err)
	assert.Equal(t, es.StatusIdle, rec.Status)
	assert.Nil(t, rec.LockedUntil)
	assert.Equal(t, int64(5), rec.Positions["users"])
	assert.JSONEq(t, `{"names":["user 1","user 2","user 3","user 4","user 5"]}`, string(rec.State))

	t.Run("second run is a no-op", func(t *testing.T) {
		require.NoError(t, p.Run(ctx, false))
		assert.Len(t, p.State().Names, 5)
	})

	t.Run("picks up new events", func(t *testing.T) {
		repo := es.CreateRepository(store, "users", userType)
		require.NoError(t, repo.Save(ctx, registerUser(t, "u-6", "user 6")))
		require.NoError(t, p.Run(ctx, false))
		assert.Equal(t, "user 6", p.State().Names[5])
		assert.Equal(t, int64(6), p.Positions()["users"])
	})

	t.Run("state is a copy", func(t *testing.T) {
		s := p.State()
		s.Names[0] = "changed"
		assert.Equal(t, "user 1", p.State().Names[0])
	})
}

func TestProjector_ResumesFromCheckpoint(t *testing.T) {
	ctx := t.Context()
	persistence := es.NewInMemoryPersistence()
	projections := es.NewInMemoryProjectionStore()

	open := func() (*es.EventStore, *es.Projector[userList]) {
		reg := es.NewRegistry()
		es.RegisterProjection(reg, userListName, configureUserList("users"))
		store, err := es.NewEventStore(persistence, projections, es.WithRegistry(reg))
		require.NoError(t, err)
		require.NoError(t, store.Install(ctx))
		p, err := es.GetProjector[userList](store, userListName)
		require.NoError(t, err)
		return store, p
	}

	store, first := open()
	seedUsers(t, store, "users", 3)
	require.NoError(t, first.Run(ctx, false))

	_, second := open()
	require.NoError(t, second.Run(ctx, false))
	assert.Equal(t, []string{"user 1", "user 2", "user 3"}, second.State().Names)
	assert.Equal(t, int64(3), second.Positions()["users"])
}

func TestProjector_HandlerFailureKeepsProgress(t *testing.T) {
	ctx := t.Context()
	reg := es.NewRegistry()
	es.RegisterProjection(reg, userListName, func(p *es.Projector[userList]) error {
		return errors.Join(
			p.Init(func() userList { return userList{Names: []string{}} }),
			p.FromStream(es.Stream{Name: "users"}),
			p.When(es.On(es.Handlers[userList]{}, func(_ context.Context, s userList, e UserWasRegistered, _ es.Event) (userList, error) {
				if e.Name == "user 4" {
					return s, errors.New("boom")
				}
				s.Names = append(s.Names, e.Name)
				return s, nil
			})),
		)
	}, es.WithPersistBlockSize(2))
	store := es.StartTestStore(t, es.WithRegistry(reg))
	seedUsers(t, store, "users", 5)

	p, err := es.GetProjector[userList](store, userListName)
	require.NoError(t, err)
	require.NoError(t, p.Run(ctx, false))

	rec, err := store.ProjectionStore().GetProjection(ctx, userListName)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.Positions["users"])
	assert.JSONEq(t, `{"names":["user 1","user 2","user 3"]}`, string(rec.State))
	assert.Equal(t, es.StatusIdle, rec.Status)
	assert.Nil(t, rec.LockedUntil)
}

func TestProjector_Lease(t *testing.T) {
	ctx := t.Context()
	store, p := startUserList(t)
	seedUsers(t, store, "users", 2)
	projections := store.ProjectionStore()

	require.NoError(t, projections.CreateProjection(ctx, userListName, es.StatusIdle))
	now := time.Now()
	ok, err := projections.AcquireLock(ctx, userListName, now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	require.ErrorIs(t, p.Run(ctx, false), es.ErrProjectionLocked)
	assert.Empty(t, p.State().Names)

	// an expired lease is taken over
	require.NoError(t, projections.RenewLock(ctx, userListName, time.Now().Add(-time.Second)))
	require.NoError(t, p.Run(ctx, false))
	assert.Len(t, p.State().Names, 2)
}

func TestProjector_ResetRequest(t *testing.T) {
	ctx := t.Context()
	store, p := startUserList(t)
	seedUsers(t, store, "users", 3)
	require.NoError(t, p.Run(ctx, false))

	require.NoError(t, store.ProjectionManager().ResetProjection(ctx, userListName))
	status, err := store.ProjectionManager().FetchProjectionStatus(ctx, userListName)
	require.NoError(t, err)
	assert.Equal(t, es.StatusResetting, status)

	require.NoError(t, p.Run(ctx, false))
	assert.Equal(t, []string{"user 1", "user 2", "user 3"}, p.State().Names)

	status, err = store.ProjectionManager().FetchProjectionStatus(ctx, userListName)
	require.NoError(t, err)
	assert.Equal(t, es.StatusIdle, status)
}

func TestProjector_Reset(t *testing.T) {
	ctx := t.Context()
	store, p := startUserList(t)
	seedUsers(t, store, "users", 3)
	require.NoError(t, p.Run(ctx, false))

	require.NoError(t, p.Reset(ctx))
	assert.Empty(t, p.State().Names)
	assert.Empty(t, p.Positions())

	positions, err := store.ProjectionManager().FetchProjectionStreamPositions(ctx, userListName)
	require.NoError(t, err)
	assert.Empty(t, positions)

	require.NoError(t, p.Reset(ctx), "reset twice")
}

func TestProjector_StopRequest(t *testing.T) {
	ctx := t.Context()
	store, p := startUserList(t)
	seedUsers(t, store, "users", 2)
	require.NoError(t, p.Run(ctx, false))

	repo := es.CreateRepository(store, "users", userType)
	require.NoError(t, repo.Save(ctx, registerUser(t, "u-3", "user 3")))

	require.NoError(t, store.ProjectionManager().StopProjection(ctx, userListName))
	require.NoError(t, p.Run(ctx, false))
	assert.Len(t, p.State().Names, 2, "a stop request ends the run before any new event")

	status, err := store.ProjectionManager().FetchProjectionStatus(ctx, userListName)
	require.NoError(t, err)
	assert.Equal(t, es.StatusIdle, status)

	require.NoError(t, p.Run(ctx, false))
	assert.Len(t, p.State().Names, 3)
}

// registerBlockedUserList registers a user list projection with blocks of
// two events that calls onFirst while handling the first user.
func registerBlockedUserList(t *testing.T, onFirst func(ctx context.Context, store *es.EventStore, p *es.Projector[userList]) error, opts ...es.ProjectorOption) (*es.EventStore, *es.Projector[userList]) {
	t.Helper()
	var store *es.EventStore
	reg := es.NewRegistry()
	es.RegisterProjection(reg, userListName, func(p *es.Projector[userList]) error {
		return errors.Join(
			p.Init(func() userList { return userList{Names: []string{}} }),
			p.FromStream(es.Stream{Name: "users"}),
			p.When(es.On(es.Handlers[userList]{}, func(ctx context.Context, s userList, e UserWasRegistered, _ es.Event) (userList, error) {
				if e.Name == "user 1" {
					if err := onFirst(ctx, store, p); err != nil {
						return s, err
					}
				}
				s.Names = append(s.Names, e.Name)
				return s, nil
			})),
		)
	}, append([]es.ProjectorOption{es.WithPersistBlockSize(2)}, opts...)...)
	store = es.StartTestStore(t, es.WithRegistry(reg))
	p, err := es.GetProjector[userList](store, userListName)
	require.NoError(t, err)
	return store, p
}

func TestProjector_StopEndsRoundAfterBlock(t *testing.T) {
	for _, keepRunning := range []bool{false, true} {
		t.Run(fmt.Sprintf("keep running %v", keepRunning), func(t *testing.T) {
			ctx := t.Context()
			store, p := registerBlockedUserList(t, func(ctx context.Context, _ *es.EventStore, p *es.Projector[userList]) error {
				return p.Stop(ctx)
			})
			seedUsers(t, store, "users", 6)

			done := make(chan error, 1)
			go func() { done <- p.Run(ctx, keepRunning) }()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("projection did not stop")
			}

			assert.Equal(t, []string{"user 1", "user 2"}, p.State().Names)
			assert.Equal(t, map[string]int64{"users": 2}, p.Positions())

			rec, err := store.ProjectionStore().GetProjection(ctx, userListName)
			require.NoError(t, err)
			assert.Equal(t, int64(2), rec.Positions["users"])
			assert.Equal(t, es.StatusIdle, rec.Status)
			assert.Nil(t, rec.LockedUntil)
		})
	}
}

func TestProjector_StopRequestDuringRound(t *testing.T) {
	ctx := t.Context()
	store, p := registerBlockedUserList(t, func(ctx context.Context, store *es.EventStore, _ *es.Projector[userList]) error {
		if err := store.ProjectionManager().StopProjection(ctx, userListName); err != nil {
			return err
		}
		// long enough for the status watcher to sample the request
		time.Sleep(150 * time.Millisecond)
		return nil
	}, es.WithLockTimeout(40*time.Millisecond))
	seedUsers(t, store, "users", 6)

	require.NoError(t, p.Run(ctx, true))
	assert.Equal(t, []string{"user 1", "user 2"}, p.State().Names)

	rec, err := store.ProjectionStore().GetProjection(ctx, userListName)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Positions["users"], "events after the block stay unprocessed")
	assert.Equal(t, es.StatusIdle, rec.Status)
	assert.Nil(t, rec.LockedUntil)
}

func TestProjector_RequestsWaitForLeaseHolder(t *testing.T) {
	requests := []struct {
		name string
		send func(ctx context.Context, m *es.ProjectionManager) error
	}{
		{"stop", func(ctx context.Context, m *es.ProjectionManager) error { return m.StopProjection(ctx, userListName) }},
		{"reset", func(ctx context.Context, m *es.ProjectionManager) error { return m.ResetProjection(ctx, userListName) }},
		{"delete", func(ctx context.Context, m *es.ProjectionManager) error {
			return m.DeleteProjection(ctx, userListName, false)
		}},
	}
	for _, tc := range requests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := t.Context()
			store, p := startUserList(t)
			seedUsers(t, store, "users", 3)
			require.NoError(t, p.Run(ctx, false))

			// another process holds the lease
			projections := store.ProjectionStore()
			now := time.Now()
			ok, err := projections.AcquireLock(ctx, userListName, now, now.Add(time.Minute))
			require.NoError(t, err)
			require.True(t, ok)
			before, err := projections.GetProjection(ctx, userListName)
			require.NoError(t, err)

			require.NoError(t, tc.send(ctx, store.ProjectionManager()))
			require.ErrorIs(t, p.Run(ctx, false), es.ErrProjectionLocked)

			rec, err := projections.GetProjection(ctx, userListName)
			require.NoError(t, err)
			assert.True(t, rec.Status.IsRequest(), "the request is left for the holder")
			assert.True(t, rec.Locked(time.Now()))
			assert.Equal(t, before.Positions, rec.Positions)
			assert.JSONEq(t, string(before.State), string(rec.State))

			// once the lease expired the request is handled
			require.NoError(t, projections.RenewLock(ctx, userListName, time.Now().Add(-time.Second)))
			require.NoError(t, p.Run(ctx, false))
			rec, err = projections.GetProjection(ctx, userListName)
			if tc.name == "delete" {
				require.ErrorIs(t, err, es.ErrProjectionNotFound)
				return
			}
			require.NoError(t, err)
			assert.False(t, rec.Status.IsRequest())
			assert.Nil(t, rec.LockedUntil)
		})
	}
}

type channelState struct {
	Done chan struct{}
}

func TestProjector_InitRejectsStateWithoutJSON(t *testing.T) {
	q := es.NewQuery[channelState](es.StartTestStore(t))
	err := q.Init(func() channelState { return channelState{} })
	require.ErrorIs(t, err, es.ErrProjector)
	require.ErrorContains(t, err, "round-trip")
}

func TestProjector_DeleteRequest(t *testing.T) {
	ctx := t.Context()
	store, p := startUserList(t)
	seedUsers(t, store, "users", 2)
	require.NoError(t, p.Run(ctx, false))

	require.NoError(t, store.ProjectionManager().DeleteProjection(ctx, userListName, false))
	require.NoError(t, p.Run(ctx, false))

	_, err := store.ProjectionManager().FetchProjectionStatus(ctx, userListName)
	require.ErrorIs(t, err, es.ErrProjectionNotFound)
	assert.Empty(t, p.State().Names)

	require.ErrorIs(t, p.Delete(ctx, false), es.ErrProjectionNotFound)

	// the next run starts over
	require.NoError(t, p.Run(ctx, false))
	assert.Len(t, p.State().Names, 2)
}

func TestProjector_KeepRunning(t *testing.T) {
	ctx := t.Context()
	store, p := startUserList(t, es.WithProjectorOptions(
		es.WithIdleSleep(5*time.Millisecond),
		es.WithLockTimeout(200*time.Millisecond),
	))
	seedUsers(t, store, "users", 2)

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, true) }()

	require.Eventually(t, func() bool { return len(p.State().Names) == 2 }, 2*time.Second, 5*time.Millisecond)

	repo := es.CreateRepository(store, "users", userType)
	require.NoError(t, repo.Save(ctx, registerUser(t, "u-3", "user 3")))
	require.Eventually(t, func() bool { return len(p.State().Names) == 3 }, 2*time.Second, 5*time.Millisecond)

	rec, err := store.ProjectionStore().GetProjection(ctx, userListName)
	require.NoError(t, err)
	assert.Equal(t, es.StatusRunning, rec.Status)
	assert.True(t, rec.Locked(time.Now()))

	require.NoError(t, store.ProjectionManager().StopProjection(ctx, userListName))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("projection did not stop")
	}

	rec, err = store.ProjectionStore().GetProjection(ctx, userListName)
	require.NoError(t, err)
	assert.Equal(t, es.StatusIdle, rec.Status)
	assert.Nil(t, rec.LockedUntil)
}

func TestProjector_KeepRunningEndsWithContext(t *testing.T) {
	store, p := startUserList(t, es.WithProjectorOptions(es.WithIdleSleep(5*time.Millisecond)))
	seedUsers(t, store, "users", 1)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, true) }()

	require.Eventually(t, func() bool { return len(p.State().Names) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("projection did not end")
	}

	rec, err := store.ProjectionStore().GetProjection(t.Context(), userListName)
	require.NoError(t, err)
	assert.Nil(t, rec.LockedUntil)
}

func TestProjector_EmitAndLinkTo(t *testing.T) {
	ctx := t.Context()
	reg := es.NewRegistry()
	es.RegisterProjection(reg, "user_emitter", func(p *es.Projector[struct{}]) error {
		return errors.Join(
			p.Init(func() struct{} { return struct{}{} }),
			p.FromStream(es.Stream{Name: "users"}),
			p.WhenAny(func(ctx context.Context, s struct{}, ev es.Event) (struct{}, error) {
				if err := p.Emit(ctx, ev); err != nil {
					return s, err
				}
				return s, p.LinkTo(ctx, "audit", ev)
			}),
		)
	})
	store := es.StartTestStore(t, es.WithRegistry(reg))
	seedUsers(t, store, "users", 3)

	p, err := es.GetProjector[struct{}](store, "user_emitter")
	require.NoError(t, err)
	require.NoError(t, p.Run(ctx, false))

	emitted := es.CollectEvents(t, store.Load(ctx, "user_emitter", 1, nil))
	require.Len(t, emitted, 3)
	assert.Equal(t, "user_emitter", emitted[0].Stream())
	assert.Equal(t, "u-1", emitted[0].AggregateID())
	assert.Len(t, es.CollectEvents(t, store.Load(ctx, "audit", 1, nil)), 3)

	require.NoError(t, p.Reset(ctx))
	ok, err := store.HasStream(ctx, "user_emitter")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.HasStream(ctx, "audit")
	require.NoError(t, err)
	assert.True(t, ok, "linked streams are not owned by the projection")
}

func TestProjector_DeleteInclEmittedEvents(t *testing.T) {
	ctx := t.Context()
	reg := es.NewRegistry()
	es.RegisterProjection(reg, "user_emitter", func(p *es.Projector[struct{}]) error {
		return errors.Join(
			p.Init(func() struct{} { return struct{}{} }),
			p.FromStream(es.Stream{Name: "users"}),
			p.WhenAny(func(ctx context.Context, s struct{}, ev es.Event) (struct{}, error) {
				return s, p.Emit(ctx, ev)
			}),
		)
	})
	store := es.StartTestStore(t, es.WithRegistry(reg))
	seedUsers(t, store, "users", 2)

	p, err := es.GetProjector[struct{}](store, "user_emitter")
	require.NoError(t, err)
	require.NoError(t, p.Run(ctx, false))

	require.NoError(t, store.ProjectionManager().DeleteProjection(ctx, "user_emitter", true))
	require.NoError(t, p.Run(ctx, false))

	ok, err := store.HasStream(ctx, "user_emitter")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = store.ProjectionStore().GetProjection(ctx, "user_emitter")
	require.ErrorIs(t, err, es.ErrProjectionNotFound)
}

func TestProjector_FromAllWithMatcher(t *testing.T) {
	ctx := t.Context()
	reg := es.NewRegistry()
	es.RegisterProjection(reg, "renames", func(p *es.Projector[userList]) error {
		return errors.Join(
			p.Init(func() userList { return userList{Names: []string{}} }),
			p.FromAll(),
			p.WhenAny(func(_ context.Context, s userList, ev es.Event) (userList, error) {
				s.Names = append(s.Names, ev.Stream()+":"+ev.Name())
				return s, nil
			}),
		)
	})
	store := es.StartTestStore(t, es.WithRegistry(reg))
	seedUsers(t, store, "users", 1)
	seedUsers(t, store, "$system", 1)
	seedUsers(t, store, "admins", 1)

	p, err := es.GetProjector[userList](store, "renames")
	require.NoError(t, err)
	require.NoError(t, p.Run(ctx, false))

	assert.ElementsMatch(t, []string{"users:UserWasRegistered", "admins:UserWasRegistered"}, p.State().Names)
	assert.NotContains(t, p.Positions(), "$system")

	t.Run("streams created later are picked up", func(t *testing.T) {
		seedUsers(t, store, "guests", 1)
		require.NoError(t, p.Run(ctx, false))
		assert.Len(t, p.State().Names, 3)
		assert.Equal(t, int64(1), p.Positions()["guests"])
	})

	t.Run("matcher on a stream", func(t *testing.T) {
		q := es.NewQuery[userList](store)
		require.NoError(t, errors.Join(
			q.Init(func() userList { return userList{} }),
			q.FromStream(es.Stream{
				Name:    "users",
				Matcher: es.NewMatcher().WithMetadataMatch(es.MetaAggregateID, es.OpEquals, "u-404"),
			}),
			q.WhenAny(func(_ context.Context, s userList, ev es.Event) (userList, error) {
				s.Names = append(s.Names, ev.AggregateID())
				return s, nil
			}),
		))
		require.NoError(t, q.Run(ctx))
		assert.Empty(t, q.State().Names)
	})
}

func TestProjectionMiddleware(t *testing.T) {
	ctx := t.Context()
	store, p := startUserList(t, es.WithMiddleware(es.NewProjectionMiddleware(slog.Default())))
	seedUsers(t, store, "users", 3)

	assert.Equal(t, []string{"user 1", "user 2", "user 3"}, p.State().Names)

	var wg sync.WaitGroup
	repo := es.CreateRepository(store, "users", userType)
	users := []*User{registerUser(t, "u-4", "user 4"), registerUser(t, "u-5", "user 5")}
	for _, u := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, repo.Save(ctx, u))
		}()
	}
	wg.Wait()

	require.NoError(t, p.Run(ctx, false))
	assert.Len(t, p.State().Names, 5)
}

func TestRegistry(t *testing.T) {
	reg := es.NewRegistry()
	es.RegisterAggregate(reg, userType)
	es.RegisterProjection(reg, userListName, configureUserList("users"))

	assert.Equal(t, []string{"user"}, reg.Aggregates())
	assert.Equal(t, []string{userListName}, reg.Projections())
	assert.True(t, reg.Events().Has("UserWasRegistered"))

	assert.Panics(t, func() { es.RegisterAggregate(reg, userType) })
	assert.Panics(t, func() { es.RegisterProjection(reg, userListName, configureUserList("users")) })

	t.Run("configure errors fail the store", func(t *testing.T) {
		bad := es.NewRegistry()
		es.RegisterProjection(bad, "twice", func(p *es.Projector[userList]) error {
			return errors.Join(p.FromAll(), p.FromAll())
		})
		_, err := es.NewEventStore(es.NewInMemoryPersistence(), es.NewInMemoryProjectionStore(), es.WithRegistry(bad))
		require.ErrorIs(t, err, es.ErrProjector)
	})

	t.Run("lookup", func(t *testing.T) {
		store := es.StartTestStore(t, es.WithRegistry(reg))
		_, err := es.GetReadModelProjector[userList](store, userListName)
		require.ErrorIs(t, err, es.ErrProjectionNotFound)
		_, err = store.Projection("missing")
		require.ErrorIs(t, err, es.ErrProjectionNotFound)
		assert.Equal(t, []string{userListName}, store.ProjectionNames())
	})
}

func TestProjectionManager_FetchAllProjectionNames(t *testing.T) {
	ctx := t.Context()
	store, _ := startUserList(t)
	require.NoError(t, store.ProjectionStore().CreateProjection(ctx, "legacy", es.StatusIdle))
	require.NoError(t, store.ProjectionStore().CreateProjection(ctx, userListName, es.StatusIdle))

	names, err := store.ProjectionManager().FetchAllProjectionNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"legacy", userListName}, names)

	state, err := store.ProjectionManager().FetchProjectionState(ctx, "legacy")
	require.NoError(t, err)
	assert.Empty(t, state)

	seedUsers(t, store, "users", 0)
	streams, err := store.ProjectionManager().FetchAllStreamNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, streams)
}
