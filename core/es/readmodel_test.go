package es_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjogeleit/event-store/core/es"
)

func TestStackedReadModel(t *testing.T) {
	ctx := t.Context()
	var applied []string
	failOn := ""
	rm := es.NewStackedReadModel(map[string]es.ReadModelOp{
		"add": func(_ context.Context, args ...any) error {
			v := args[0].(string)
			if v == failOn {
				return errors.New("boom")
			}
			applied = append(applied, v)
			return nil
		},
	})

	require.Error(t, rm.Stack("drop", "x"))

	require.NoError(t, rm.Stack("add", "a"))
	require.NoError(t, rm.Stack("add", "b"))
	require.NoError(t, rm.Stack("add", "c"))
	assert.Equal(t, 3, rm.Pending())

	failOn = "b"
	require.Error(t, rm.Persist(ctx))
	assert.Equal(t, []string{"a"}, applied)
	assert.Equal(t, 2, rm.Pending(), "failed and following operations stay staged")

	failOn = ""
	require.NoError(t, rm.Persist(ctx))
	assert.Equal(t, []string{"a", "b", "c"}, applied)
	assert.Zero(t, rm.Pending())

	require.NoError(t, rm.Persist(ctx), "empty stack")

	require.NoError(t, rm.Stack("add", "d"))
	rm.Discard()
	assert.Zero(t, rm.Pending())
}

func TestInMemoryReadModel(t *testing.T) {
	ctx := t.Context()
	rm := es.NewInMemoryReadModel()

	require.NoError(t, rm.Stack(es.OpInsert, "u-1", es.Row{"name": "alice"}))
	require.NoError(t, rm.Stack(es.OpInsert, "u-2", es.Row{"name": "bob"}))
	require.NoError(t, rm.Stack(es.OpUpdate, "u-1", es.Row{"email": "a@example.com"}))
	require.NoError(t, rm.Stack(es.OpRemove, "u-2"))
	require.NoError(t, rm.Persist(ctx))

	row, ok := rm.Get("u-1")
	require.True(t, ok)
	assert.Equal(t, es.Row{"name": "alice", "email": "a@example.com"}, row)
	_, ok = rm.Get("u-2")
	assert.False(t, ok)

	require.NoError(t, rm.Stack(es.OpUpdate, "u-9", es.Row{"name": "x"}))
	require.ErrorContains(t, rm.Persist(ctx), "not found")
	rm.Discard()

	require.NoError(t, rm.Stack(es.OpInsert, 42, es.Row{}))
	require.ErrorContains(t, rm.Persist(ctx), "string id")
}

type userTable struct {
	Registered int `json:"registered"`
}

func TestReadModelProjector(t *testing.T) {
	ctx := t.Context()
	rm := es.NewInMemoryReadModel()

	reg := es.NewRegistry()
	es.RegisterReadModelProjection(reg, "user_table", rm, func(p *es.ReadModelProjector[userTable]) error {
		h := es.Handlers[userTable]{}
		es.On(h, func(_ context.Context, s userTable, e UserWasRegistered, ev es.Event) (userTable, error) {
			s.Registered++
			return s, p.ReadModel().Stack(es.OpInsert, ev.AggregateID(), es.Row{"name": e.Name, "email": e.Email})
		})
		es.On(h, func(_ context.Context, s userTable, e UserNameWasUpdated, ev es.Event) (userTable, error) {
			return s, p.ReadModel().Stack(es.OpUpdate, ev.AggregateID(), es.Row{"name": e.Name})
		})
		return errors.Join(
			p.Init(func() userTable { return userTable{} }),
			p.FromStream(es.Stream{Name: "users"}),
			p.When(h),
		)
	})
	store := es.StartTestStore(t, es.WithRegistry(reg))
	seedUsers(t, store, "users", 3)

	p, err := es.GetReadModelProjector[userTable](store, "user_table")
	require.NoError(t, err)
	assert.Same(t, rm, p.ReadModel())

	require.NoError(t, p.Run(ctx, false))
	ok, err := rm.IsInitialized(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, rm.Rows(), 3)
	assert.Equal(t, 3, p.State().Registered)
	assert.Zero(t, rm.Pending())

	repo := es.CreateRepository(store, "users", userType)
	u, err := repo.Get(ctx, "u-2")
	require.NoError(t, err)
	require.NoError(t, es.RecordThat(u, UserNameWasUpdated{Name: "renamed"}))
	require.NoError(t, repo.Save(ctx, u))

	require.NoError(t, p.Run(ctx, false))
	row, _ := rm.Get("u-2")
	assert.Equal(t, "renamed", row["name"])

	t.Run("reset rebuilds", func(t *testing.T) {
		require.NoError(t, store.ProjectionManager().ResetProjection(ctx, "user_table"))
		require.NoError(t, p.Run(ctx, false))
		assert.Len(t, rm.Rows(), 3)
		row, _ := rm.Get("u-2")
		assert.Equal(t, "renamed", row["name"])
		assert.Equal(t, 3, p.State().Registered)
	})

	t.Run("delete incl emitted events drops the read model", func(t *testing.T) {
		require.NoError(t, store.ProjectionManager().DeleteProjection(ctx, "user_table", true))
		require.NoError(t, p.Run(ctx, false))
		assert.Empty(t, rm.Rows())
		ok, err := rm.IsInitialized(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestQuery(t *testing.T) {
	ctx := t.Context()
	store := es.StartTestStore(t)
	seedUsers(t, store, "users", 3)

	q := es.NewQuery[userList](store)
	require.ErrorIs(t, q.Run(ctx), es.ErrProjector)

	require.NoError(t, q.Init(func() userList { return userList{Names: []string{}} }))
	require.ErrorIs(t, q.Init(func() userList { return userList{} }), es.ErrProjector)
	require.NoError(t, q.FromStream(es.Stream{Name: "users"}))
	require.ErrorIs(t, q.FromAll(), es.ErrProjector)
	require.NoError(t, q.When(es.On(es.Handlers[userList]{}, func(_ context.Context, s userList, e UserWasRegistered, _ es.Event) (userList, error) {
		s.Names = append(s.Names, e.Name)
		return s, nil
	})))
	require.ErrorIs(t, q.WhenAny(func(_ context.Context, s userList, _ es.Event) (userList, error) { return s, nil }), es.ErrProjector)

	require.NoError(t, q.Run(ctx))
	assert.Equal(t, []string{"user 1", "user 2", "user 3"}, q.State().Names)

	require.NoError(t, q.Run(ctx), "every run starts over")
	assert.Len(t, q.State().Names, 3)

	q.Reset()
	assert.Empty(t, q.State().Names)

	names, err := store.ProjectionStore().ProjectionNames(ctx)
	require.NoError(t, err)
	assert.Empty(t, names, "queries keep no record")
}

func TestQuery_HandlerError(t *testing.T) {
	ctx := t.Context()
	store := es.StartTestStore(t)
	seedUsers(t, store, "users", 2)

	q := es.NewQuery[userList](store)
	require.NoError(t, errors.Join(
		q.Init(func() userList { return userList{} }),
		q.FromAll(),
		q.WhenAny(func(_ context.Context, s userList, ev es.Event) (userList, error) {
			if ev.AggregateID() == "u-2" {
				return s, errors.New("boom")
			}
			return s, nil
		}),
	))
	require.ErrorContains(t, q.Run(ctx), "boom")
}
