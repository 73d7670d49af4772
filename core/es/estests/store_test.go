package estests

import (
	"testing"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"

	"github.com/fjogeleit/event-store/adapters/nats"
	"github.com/fjogeleit/event-store/adapters/postgres"
	"github.com/fjogeleit/event-store/adapters/redis"
	"github.com/fjogeleit/event-store/adapters/sqlite"
	"github.com/fjogeleit/event-store/core/es"
	"github.com/fjogeleit/event-store/ports/kv"
)

type backendCase struct {
	name   string
	docker bool
	// setup runs once per case and returns a factory for isolated backends.
	setup func(t *testing.T) func(t *testing.T) Backend
}

func backendCases() []backendCase {
	return []backendCase{
		{
			name: "memory",
			setup: func(*testing.T) func(*testing.T) Backend {
				return func(*testing.T) Backend {
					return Backend{Persistence: es.NewInMemoryPersistence(), Projections: es.NewInMemoryProjectionStore()}
				}
			},
		},
		{
			name: "memory with kv locks and projections",
			setup: func(*testing.T) func(*testing.T) Backend {
				return func(*testing.T) Backend {
					store := kv.NewMemStore()
					return Backend{
						Persistence: es.NewInMemoryPersistence(es.WithWriteLock(es.NewKVWriteLock(store))),
						Projections: es.NewKVProjectionStore(store),
					}
				}
			},
		},
		{
			name: "sqlite",
			setup: func(*testing.T) func(*testing.T) Backend {
				return func(t *testing.T) Backend {
					s, err := sqlite.Open(t.Context(), sqlite.Config{Path: ":memory:"})
					require.NoError(t, err)
					t.Cleanup(func() { _ = s.Close() })
					return Backend{Persistence: s, Projections: s}
				}
			},
		},
		{
			name:   "postgres",
			docker: true,
			setup: func(t *testing.T) func(*testing.T) Backend {
				dsn := postgres.NewTestContainer(t)
				return func(t *testing.T) Backend {
					s, err := postgres.Open(t.Context(), postgres.Config{DSN: postgres.NewTestSchema(t, dsn)})
					require.NoError(t, err)
					t.Cleanup(func() { _ = s.Close() })
					return Backend{Persistence: s, Projections: s}
				}
			},
		},
		{
			name:   "sqlite with nats kv projections",
			docker: true,
			setup: func(t *testing.T) func(*testing.T) Backend {
				connect := nats.NewTestContainer(t)
				return func(t *testing.T) Backend {
					s, err := sqlite.Open(t.Context(), sqlite.Config{Path: ":memory:"})
					require.NoError(t, err)
					t.Cleanup(func() { _ = s.Close() })

					bucket, err := nats.NewKvStore(t.Context(), nats.KvConfig{
						Connect: connect,
						Bucket:  "projections_" + gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz", 8),
					})
					require.NoError(t, err)
					t.Cleanup(bucket.Close)
					return Backend{Persistence: s, Projections: es.NewKVProjectionStore(bucket)}
				}
			},
		},
		{
			name:   "memory with redis locks and projections",
			docker: true,
			setup: func(t *testing.T) func(*testing.T) Backend {
				client := redis.NewTestContainer(t)
				return func(*testing.T) Backend {
					prefix := gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz", 8) + ":"
					return Backend{
						Persistence: es.NewInMemoryPersistence(es.WithWriteLock(redis.NewWriteLock(client, prefix, 0))),
						Projections: es.NewKVProjectionStore(redis.NewKvStore(client, prefix, nil)),
					}
				}
			},
		},
	}
}

// EachBackend runs fn once per backend combination. Backends needing
// docker are skipped in short mode.
func EachBackend(t *testing.T, fn func(t *testing.T, newBackend func(t *testing.T) Backend)) {
	for _, bc := range backendCases() {
		t.Run(bc.name, func(t *testing.T) {
			if bc.docker && testing.Short() {
				t.Skip("needs docker")
			}
			fn(t, bc.setup(t))
		})
	}
}

func TestBackends(t *testing.T) {
	EachBackend(t, func(t *testing.T, newBackend func(t *testing.T) Backend) {
		t.Run("persistence", func(t *testing.T) { PersistenceSuite(t, newBackend) })
		t.Run("projector", func(t *testing.T) { ProjectorSuite(t, newBackend) })
	})
}

func TestProjectionStores(t *testing.T) {
	EachBackend(t, func(t *testing.T, newBackend func(t *testing.T) Backend) {
		ProjectionStoreSuite(t, func(t *testing.T) es.ProjectionStore {
			b := newBackend(t)
			require.NoError(t, b.Persistence.CreateProjectionsTable(t.Context()))
			return b.Projections
		})
	})
}
