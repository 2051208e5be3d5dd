// Package pgtest starts a throwaway PostgreSQL container with the clover
// schema applied, for integration tests.
package pgtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Ramsey-B/clover/internal/testutil"
	"github.com/Ramsey-B/clover/pkg/database"
)

const (
	image    = "postgres:15-alpine"
	user     = "clover"
	password = "clover"
	dbName   = "clover"
)

// Start runs PostgreSQL, applies the migrations under migrationsPath and
// returns a connected database. The container is terminated on cleanup.
func Start(t *testing.T, migrationsPath string) database.DB {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     user,
				"POSTGRES_PASSWORD": password,
				"POSTGRES_DB":       dbName,
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port.Port(), dbName)
	sqlDB, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	require.NoError(t, err, "connect to %s", dsn)
	t.Cleanup(func() { _ = sqlDB.Close() })

	logger := testutil.Logger()
	migrations := database.NewMigrationService(logger, &database.MigrationConfig{MigrationFolderPath: migrationsPath})
	require.NoError(t, migrations.Migrate(sqlDB.DB, dbName))

	return database.NewDatabaseInstance(sqlDB, logger)
}
