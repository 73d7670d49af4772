// Package estests holds behaviour suites every persistence and projection
// store backend has to pass, plus the cross-backend test matrix.
package estests

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjogeleit/event-store/core/es"
	"github.com/fjogeleit/event-store/core/es/estests/domain"
)

// Backend is one combination of event persistence and projection records.
type Backend struct {
	Persistence es.PersistenceStrategy
	Projections es.ProjectionStore
}

// Open creates an installed store on b.
func (b Backend) Open(t testing.TB, opts ...es.StoreOption) *es.EventStore {
	t.Helper()
	s, err := es.NewEventStore(b.Persistence, b.Projections, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Install(t.Context()))
	return s
}

func saveCounters(t testing.TB, store *es.EventStore, stream string, ids ...string) {
	t.Helper()
	repo := es.CreateRepository(store, stream, domain.CounterType)
	for _, id := range ids {
		c := domain.NewCounter(id)
		require.NoError(t, c.IncBy(2))
		require.NoError(t, repo.Save(t.Context(), c))
	}
}

// PersistenceSuite checks stream management, appends and loads.
func PersistenceSuite(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("stream registry", func(t *testing.T) {
		ctx := t.Context()
		store := newBackend(t).Open(t)
		stream := es.TestStreamName("registry")

		require.NoError(t, store.CreateStream(ctx, stream))
		require.ErrorIs(t, store.CreateStream(ctx, stream), es.ErrStreamAlreadyExists)
		require.NoError(t, store.CreateStream(ctx, "$"+stream))

		ok, err := store.HasStream(ctx, stream)
		require.NoError(t, err)
		assert.True(t, ok)

		names, err := store.StreamNames(ctx)
		require.NoError(t, err)
		assert.Contains(t, names, stream)
		assert.NotContains(t, names, "$"+stream)

		require.NoError(t, store.DeleteStream(ctx, stream))
		ok, err = store.HasStream(ctx, stream)
		require.NoError(t, err)
		assert.False(t, ok)
		require.ErrorIs(t, store.DeleteStream(ctx, stream), es.ErrStreamNotFound)
	})

	t.Run("append and load", func(t *testing.T) {
		ctx := t.Context()
		store := newBackend(t).Open(t)
		stream := es.TestStreamName("counters")
		require.NoError(t, store.CreateStream(ctx, stream))
		saveCounters(t, store, stream, "c-1", "c-2", "c-3", "c-4")

		events := es.CollectEvents(t, store.Load(ctx, stream, 1, nil))
		require.Len(t, events, 4)
		for i, ev := range events {
			assert.Equal(t, int64(i+1), ev.Position())
			assert.Equal(t, stream, ev.Stream())
			assert.Equal(t, "counter", ev.AggregateType())
			assert.Equal(t, es.Version(1), ev.Version())
			assert.Equal(t, "Incremented", ev.Name())
		}
		assert.Equal(t, "c-1", events[0].AggregateID())

		assert.Len(t, es.CollectEvents(t, store.Load(ctx, stream, 3, nil)), 2)
		assert.Empty(t, es.CollectEvents(t, store.Load(ctx, stream, 5, nil)))

		m := es.NewMatcher().
			WithMetadataMatch(es.MetaAggregateID, es.OpIn, []string{"c-2", "c-4"}).
			WithMetadataMatch(es.MetaAggregateVersion, es.OpEquals, 1)
		matched := es.CollectEvents(t, store.Load(ctx, stream, 1, m))
		require.Len(t, matched, 2)
		assert.Equal(t, int64(2), matched[0].Position())
		assert.Equal(t, int64(4), matched[1].Position())

		for _, err := range store.Load(ctx, es.TestStreamName("missing"), 1, nil) {
			require.ErrorIs(t, err, es.ErrStreamNotFound)
		}
	})

	t.Run("metadata survives storage", func(t *testing.T) {
		ctx := t.Context()
		store := newBackend(t).Open(t)
		stream := es.TestStreamName("meta")
		require.NoError(t, store.CreateStream(ctx, stream))

		ev, err := es.Occur("c-1", domain.Incremented{Inc: 3})
		require.NoError(t, err)
		ev = ev.WithAggregateType("counter").
			WithAddedMetadata("tenant", "acme").
			WithAddedMetadata("priority", 7).
			WithAddedMetadata("urgent", true)
		require.NoError(t, store.AppendTo(ctx, stream, []es.Event{ev}))

		loaded := es.CollectEvents(t, store.Load(ctx, stream, 1, es.NewMatcher().
			WithMetadataMatch("tenant", es.OpEquals, "acme").
			WithMetadataMatch("priority", es.OpGreaterThanEquals, 7).
			WithMetadataMatch("urgent", es.OpEquals, true)))
		require.Len(t, loaded, 1)
		assert.Equal(t, ev.UUID(), loaded[0].UUID())
		assert.True(t, ev.CreatedAt().Equal(loaded[0].CreatedAt()))
		assert.JSONEq(t, string(ev.Payload()), string(loaded[0].Payload()))
	})

	t.Run("version uniqueness", func(t *testing.T) {
		ctx := t.Context()
		store := newBackend(t).Open(t)
		stream := es.TestStreamName("unique")
		require.NoError(t, store.CreateStream(ctx, stream))
		saveCounters(t, store, stream, "c-1")

		repo := es.CreateRepository(store, stream, domain.CounterType)
		a, err := repo.Get(ctx, "c-1")
		require.NoError(t, err)
		b, err := repo.Get(ctx, "c-1")
		require.NoError(t, err)
		require.NoError(t, a.Inc())
		require.NoError(t, b.Inc())
		require.NoError(t, b.Inc())

		require.NoError(t, repo.Save(ctx, a))
		require.ErrorIs(t, repo.Save(ctx, b), es.ErrConcurrency)

		// the conflicting batch left nothing behind
		assert.Len(t, es.CollectEvents(t, store.Load(ctx, stream, 1, nil)), 2)

		got, err := repo.Get(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, 3, got.Count)
		assert.Equal(t, es.Version(2), got.Version())
	})

	t.Run("concurrent appends get distinct positions", func(t *testing.T) {
		ctx := t.Context()
		store := newBackend(t).Open(t)
		stream := es.TestStreamName("concurrent")
		require.NoError(t, store.CreateStream(ctx, stream))

		const writers = 8
		batches := make([][]es.Event, writers)
		for i := range batches {
			c := domain.NewCounter(fmt.Sprintf("c-%d", i))
			require.NoError(t, c.Inc())
			require.NoError(t, c.Inc())
			batches[i] = c.PopEvents()
			for j := range batches[i] {
				batches[i][j] = batches[i][j].WithAggregateType("counter")
			}
		}

		var wg sync.WaitGroup
		for _, batch := range batches {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, store.AppendTo(ctx, stream, batch))
			}()
		}
		wg.Wait()

		events := es.CollectEvents(t, store.Load(ctx, stream, 1, nil))
		require.Len(t, events, 2*writers)
		last := map[string]es.Version{}
		for i, ev := range events {
			assert.Equal(t, int64(i+1), ev.Position())
			assert.Greater(t, ev.Version(), last[ev.AggregateID()], "batches stay in version order")
			last[ev.AggregateID()] = ev.Version()
		}
	})

	t.Run("loads past one page", func(t *testing.T) {
		if testing.Short() {
			t.Skip("slow")
		}
		ctx := t.Context()
		store := newBackend(t).Open(t)
		stream := es.TestStreamName("paged")
		require.NoError(t, store.CreateStream(ctx, stream))

		total := es.LoadBatchSize + 25
		c := domain.NewCounter("c-1")
		for range total {
			require.NoError(t, c.Reset())
		}
		events := c.PopEvents()
		for i := range events {
			events[i] = events[i].WithAggregateType("counter")
		}
		for chunk := range slices.Chunk(events, 250) {
			require.NoError(t, store.AppendTo(ctx, stream, chunk))
		}

		loaded := es.CollectEvents(t, store.Load(ctx, stream, 1, nil))
		require.Len(t, loaded, total)
		assert.Equal(t, int64(total), loaded[total-1].Position())

		tail := es.CollectEvents(t, store.Load(ctx, stream, int64(es.LoadBatchSize), nil))
		assert.Len(t, tail, 26)
	})

	t.Run("merge and load", func(t *testing.T) {
		ctx := t.Context()
		store := newBackend(t).Open(t)
		a, b := es.TestStreamName("a"), es.TestStreamName("b")
		require.NoError(t, store.CreateStream(ctx, a))
		require.NoError(t, store.CreateStream(ctx, b))

		for i := range 6 {
			stream := a
			if i%2 == 1 {
				stream = b
			}
			saveCounters(t, store, stream, fmt.Sprintf("c-%d", i))
			time.Sleep(time.Millisecond)
		}

		var ids []string
		for ev, err := range store.MergeAndLoad(ctx,
			es.LoadStreamParameter{StreamName: a, FromNumber: 1},
			es.LoadStreamParameter{StreamName: b, FromNumber: 1},
		) {
			require.NoError(t, err)
			ids = append(ids, ev.AggregateID())
		}
		assert.Equal(t, []string{"c-0", "c-1", "c-2", "c-3", "c-4", "c-5"}, ids)
	})
}

// ProjectionStoreSuite checks the projection record contract.
func ProjectionStoreSuite(t *testing.T, newStore func(t *testing.T) es.ProjectionStore) {
	t.Run("create and get", func(t *testing.T) {
		ctx := t.Context()
		s := newStore(t)
		name := es.TestStreamName("proj")

		_, err := s.GetProjection(ctx, name)
		require.ErrorIs(t, err, es.ErrProjectionNotFound)

		require.NoError(t, s.CreateProjection(ctx, name, es.StatusIdle))
		require.NoError(t, s.SetStatus(ctx, name, es.StatusStopping))
		require.NoError(t, s.CreateProjection(ctx, name, es.StatusIdle), "create is idempotent")

		rec, err := s.GetProjection(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, name, rec.Name)
		assert.Equal(t, es.StatusStopping, rec.Status)
		assert.Empty(t, rec.Positions)
		assert.Nil(t, rec.LockedUntil)

		names, err := s.ProjectionNames(ctx)
		require.NoError(t, err)
		assert.Contains(t, names, name)
	})

	t.Run("lease", func(t *testing.T) {
		ctx := t.Context()
		s := newStore(t)
		name := es.TestStreamName("proj")
		require.NoError(t, s.CreateProjection(ctx, name, es.StatusIdle))

		now := time.Now()
		ok, err := s.AcquireLock(ctx, name, now, now.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok)

		rec, err := s.GetProjection(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, es.StatusRunning, rec.Status)
		assert.True(t, rec.Locked(now))

		ok, err = s.AcquireLock(ctx, name, now.Add(time.Second), now.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, ok, "held lease")

		ok, err = s.AcquireLock(ctx, name, now.Add(2*time.Minute), now.Add(3*time.Minute))
		require.NoError(t, err)
		assert.True(t, ok, "expired lease")

		until := now.Add(10 * time.Minute)
		require.NoError(t, s.RenewLock(ctx, name, until))
		rec, err = s.GetProjection(ctx, name)
		require.NoError(t, err)
		require.NotNil(t, rec.LockedUntil)
		assert.WithinDuration(t, until, *rec.LockedUntil, time.Millisecond)

		require.NoError(t, s.ReleaseLock(ctx, name))
		rec, err = s.GetProjection(ctx, name)
		require.NoError(t, err)
		assert.Nil(t, rec.LockedUntil)
		assert.Equal(t, es.StatusIdle, rec.Status)

		require.NoError(t, s.ReleaseLock(ctx, es.TestStreamName("missing")))
		_, err = s.AcquireLock(ctx, es.TestStreamName("missing"), now, now)
		require.ErrorIs(t, err, es.ErrProjectionNotFound)
	})

	t.Run("concurrent acquire has one winner", func(t *testing.T) {
		ctx := t.Context()
		s := newStore(t)
		name := es.TestStreamName("proj")
		require.NoError(t, s.CreateProjection(ctx, name, es.StatusIdle))

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		now := time.Now()
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.AcquireLock(ctx, name, now, now.Add(time.Minute))
				if !assert.NoError(t, err) {
					return
				}
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("checkpoints", func(t *testing.T) {
		ctx := t.Context()
		s := newStore(t)
		name := es.TestStreamName("proj")
		require.NoError(t, s.CreateProjection(ctx, name, es.StatusIdle))

		until := time.Now().Add(time.Minute)
		require.NoError(t, s.SaveCheckpoint(ctx, name, es.Checkpoint{
			Positions: map[string]int64{"a": 3, "b": 7},
			State:     []byte(`{"count":10}`),
		}, until))

		rec, err := s.GetProjection(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, map[string]int64{"a": 3, "b": 7}, rec.Positions)
		assert.JSONEq(t, `{"count":10}`, string(rec.State))
		require.NotNil(t, rec.LockedUntil)

		require.NoError(t, s.SetStatus(ctx, name, es.StatusResetting))
		require.NoError(t, s.ResetCheckpoint(ctx, name, es.Checkpoint{
			Positions: map[string]int64{},
			State:     []byte(`{"count":0}`),
		}, es.StatusIdle))

		rec, err = s.GetProjection(ctx, name)
		require.NoError(t, err)
		assert.Empty(t, rec.Positions)
		assert.JSONEq(t, `{"count":0}`, string(rec.State))
		assert.Equal(t, es.StatusIdle, rec.Status)

		missing := es.TestStreamName("missing")
		require.ErrorIs(t, s.SaveCheckpoint(ctx, missing, es.Checkpoint{}, until), es.ErrProjectionNotFound)
		require.ErrorIs(t, s.ResetCheckpoint(ctx, missing, es.Checkpoint{}, es.StatusIdle), es.ErrProjectionNotFound)
		require.ErrorIs(t, s.SetStatus(ctx, missing, es.StatusIdle), es.ErrProjectionNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		ctx := t.Context()
		s := newStore(t)
		name := es.TestStreamName("proj")
		require.NoError(t, s.CreateProjection(ctx, name, es.StatusIdle))

		require.NoError(t, s.DeleteProjection(ctx, name))
		_, err := s.GetProjection(ctx, name)
		require.ErrorIs(t, err, es.ErrProjectionNotFound)
		require.ErrorIs(t, s.DeleteProjection(ctx, name), es.ErrProjectionNotFound)

		names, err := s.ProjectionNames(ctx)
		require.NoError(t, err)
		assert.NotContains(t, names, name)
	})
}

// ProjectorSuite runs the counter projection against a backend, including
// two store instances competing for one projection.
func ProjectorSuite(t *testing.T, newBackend func(t *testing.T) Backend) {
	open := func(t *testing.T, b Backend, stream string) (*es.EventStore, *es.Projector[domain.Totals]) {
		reg := es.NewRegistry()
		es.RegisterAggregate(reg, domain.CounterType)
		es.RegisterProjection(reg, domain.TotalsProjection, domain.ConfigureTotals(stream))
		store := b.Open(t, es.WithRegistry(reg), es.WithProjectorOptions(
			es.WithPersistBlockSize(3),
			es.WithIdleSleep(5*time.Millisecond),
		))
		p, err := es.GetProjector[domain.Totals](store, domain.TotalsProjection)
		require.NoError(t, err)
		return store, p
	}

	t.Run("catch up and resume", func(t *testing.T) {
		ctx := t.Context()
		b := newBackend(t)
		stream := es.TestStreamName("counters")
		store, p := open(t, b, stream)
		require.NoError(t, store.CreateStream(ctx, stream))
		saveCounters(t, store, stream, "c-1", "c-2", "c-3", "c-4")

		require.NoError(t, p.Run(ctx, false))
		assert.Equal(t, 4, p.State().Events)
		assert.Equal(t, 2, p.State().ByCounter["c-3"])

		saveCounters(t, store, stream, "c-5")
		_, second := open(t, b, stream)
		require.NoError(t, second.Run(ctx, false))
		assert.Equal(t, 5, second.State().Events)
		assert.Equal(t, int64(5), second.Positions()[stream])
	})

	t.Run("second instance is locked out", func(t *testing.T) {
		ctx := t.Context()
		b := newBackend(t)
		stream := es.TestStreamName("counters")
		store, first := open(t, b, stream)
		require.NoError(t, store.CreateStream(ctx, stream))
		saveCounters(t, store, stream, "c-1")

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- first.Run(runCtx, true) }()
		require.Eventually(t, func() bool { return first.State().Events == 1 }, 5*time.Second, 10*time.Millisecond)

		_, second := open(t, b, stream)
		require.ErrorIs(t, second.Run(ctx, false), es.ErrProjectionLocked)

		cancel()
		require.NoError(t, <-done)
		require.NoError(t, second.Run(ctx, false))
		assert.Equal(t, 1, second.State().Events)
	})

	t.Run("requests wait for the lease holder", func(t *testing.T) {
		ctx := t.Context()
		b := newBackend(t)
		stream := es.TestStreamName("counters")
		store, p := open(t, b, stream)
		require.NoError(t, store.CreateStream(ctx, stream))
		saveCounters(t, store, stream, "c-1")
		require.NoError(t, p.Run(ctx, false))

		now := time.Now()
		ok, err := store.ProjectionStore().AcquireLock(ctx, domain.TotalsProjection, now, now.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, store.ProjectionManager().ResetProjection(ctx, domain.TotalsProjection))
		require.ErrorIs(t, p.Run(ctx, false), es.ErrProjectionLocked)

		rec, err := store.ProjectionStore().GetProjection(ctx, domain.TotalsProjection)
		require.NoError(t, err)
		assert.Equal(t, es.StatusResetting, rec.Status)
		assert.True(t, rec.Locked(time.Now()))
		assert.Equal(t, int64(1), rec.Positions[stream])
	})

	t.Run("reset request", func(t *testing.T) {
		ctx := t.Context()
		b := newBackend(t)
		stream := es.TestStreamName("counters")
		store, p := open(t, b, stream)
		require.NoError(t, store.CreateStream(ctx, stream))
		saveCounters(t, store, stream, "c-1", "c-2")
		require.NoError(t, p.Run(ctx, false))

		require.NoError(t, store.ProjectionManager().ResetProjection(ctx, domain.TotalsProjection))
		require.NoError(t, p.Run(ctx, false))
		assert.Equal(t, 2, p.State().Events)

		status, err := store.ProjectionManager().FetchProjectionStatus(ctx, domain.TotalsProjection)
		require.NoError(t, err)
		assert.Equal(t, es.StatusIdle, status)
	})
}
