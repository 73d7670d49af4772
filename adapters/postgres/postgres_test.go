package postgres

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjogeleit/event-store/core/es"
	"github.com/fjogeleit/event-store/core/es/estests"
	"github.com/fjogeleit/event-store/core/es/estests/domain"
)

func openTest(t *testing.T, dsn string) *Store {
	t.Helper()
	s, err := Open(t.Context(), Config{DSN: NewTestSchema(t, dsn)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	dsn := NewTestContainer(t)

	backend := func(t *testing.T) estests.Backend {
		s := openTest(t, dsn)
		return estests.Backend{Persistence: s, Projections: s}
	}

	t.Run("persistence", func(t *testing.T) { estests.PersistenceSuite(t, backend) })
	t.Run("projection store", func(t *testing.T) {
		estests.ProjectionStoreSuite(t, func(t *testing.T) es.ProjectionStore {
			s := openTest(t, dsn)
			require.NoError(t, s.CreateProjectionsTable(t.Context()))
			return s
		})
	})
	t.Run("projector", func(t *testing.T) { estests.ProjectorSuite(t, backend) })

	t.Run("string match is pushed down", func(t *testing.T) {
		ctx := t.Context()
		store := backend(t).Open(t)
		stream := es.TestStreamName("tenants")
		require.NoError(t, store.CreateStream(ctx, stream))

		var batch []es.Event
		for i, tenant := range []string{"acme", "globex", "acme"} {
			ev, err := es.Occur("c-1", domain.Incremented{Inc: 1})
			require.NoError(t, err)
			batch = append(batch, ev.
				WithVersion(es.Version(i+1)).
				WithAggregateType("counter").
				WithAddedMetadata("tenant", tenant))
		}
		require.NoError(t, store.AppendTo(ctx, stream, batch))

		got := es.CollectEvents(t, store.Load(ctx, stream, 1,
			es.NewMatcher().WithMetadataMatch("tenant", es.OpEquals, "acme")))
		require.Len(t, got, 2)
		assert.Equal(t, int64(3), got[1].Position())
	})

	t.Run("advisory write lock", func(t *testing.T) {
		ctx := t.Context()
		s := openTest(t, dsn)
		a, err := NewAdvisoryWriteLock(s)
		require.NoError(t, err)
		b, err := NewAdvisoryWriteLock(s)
		require.NoError(t, err)

		ok, err := a.CreateLock(ctx, "stream_write_lock")
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = a.CreateLock(ctx, "stream_write_lock")
		require.NoError(t, err)
		assert.False(t, ok, "held in this process")

		ok, err = b.CreateLock(ctx, "stream_write_lock")
		require.NoError(t, err)
		assert.False(t, ok, "held by another session")

		require.NoError(t, a.ReleaseLock(ctx, "stream_write_lock"))
		ok, err = b.CreateLock(ctx, "stream_write_lock")
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, b.ReleaseLock(ctx, "stream_write_lock"))
	})

	t.Run("appends under advisory write lock", func(t *testing.T) {
		ctx := t.Context()
		s := openTest(t, dsn)
		wl, err := NewAdvisoryWriteLock(s)
		require.NoError(t, err)
		s.writeLock = wl

		store := estests.Backend{Persistence: s, Projections: s}.Open(t)
		stream := es.TestStreamName("locked")
		require.NoError(t, store.CreateStream(ctx, stream))
		repo := es.CreateRepository(store, stream, domain.CounterType)

		var wg sync.WaitGroup
		for _, id := range []string{"a", "b", "c", "d"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c := domain.NewCounter(id)
				if err := c.IncBy(2); err != nil {
					t.Error(err)
					return
				}
				assert.NoError(t, repo.Save(ctx, c))
			}()
		}
		wg.Wait()
		assert.Len(t, es.CollectEvents(t, store.Load(ctx, stream, 1, nil)), 4)
	})

	t.Run("table read model", func(t *testing.T) {
		ctx := t.Context()
		s := openTest(t, dsn)
		rm := NewTableReadModel(s, "counter_docs")

		ok, err := rm.IsInitialized(ctx)
		require.NoError(t, err)
		require.False(t, ok)
		require.NoError(t, rm.Init(ctx))

		require.NoError(t, rm.Stack(es.OpInsert, "c-1", es.Row{"count": 1, "name": "one"}))
		require.NoError(t, rm.Stack(es.OpInsert, "c-2", es.Row{"count": 2}))
		require.NoError(t, rm.Stack(es.OpUpdate, "c-1", es.Row{"count": 5}))
		require.NoError(t, rm.Stack(es.OpRemove, "c-2"))
		require.NoError(t, rm.Persist(ctx))

		row, found, err := rm.Get(ctx, "c-1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, es.Row{"count": float64(5), "name": "one"}, row)

		_, found, err = rm.Get(ctx, "c-2")
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, rm.Reset(ctx))
		rows, err := rm.Rows(ctx)
		require.NoError(t, err)
		assert.Empty(t, rows)

		require.NoError(t, rm.Delete(ctx))
		ok, err = rm.IsInitialized(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
