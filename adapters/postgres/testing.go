package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
}

// NewTestContainer starts a postgres server and returns its DSN. The
// container is removed with the test.
func NewTestContainer(t Testing) string {
	ctx := t.Context()
	c, err := testcontainers.Run(
		ctx, "postgres:17-alpine",
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "es",
			"POSTGRES_PASSWORD": "es",
			"POSTGRES_DB":       "es",
		}),
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(c); err != nil {
			t.Errorf("failed to terminate postgres container: %s", err.Error())
		}
	})

	endpoint, err := c.PortEndpoint(ctx, "5432/tcp", "")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://es:es@%s/es?sslmode=disable", endpoint)
	t.Logf("postgres dsn: %s", dsn)
	return dsn
}

// NewTestSchema creates an empty schema and returns dsn with its
// search_path pointing there, so tests sharing a server stay isolated.
func NewTestSchema(t Testing, dsn string) string {
	schema := "t_" + strings.ToLower(gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz0123456789", 10))

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	require.NoError(t, db.WithContext(t.Context()).Exec(`CREATE SCHEMA ` + schema).Error)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	_ = sqlDB.Close()

	return dsn + "&search_path=" + schema
}
