// Package util provides shared helpers for integration tests that need
// a real PostgreSQL instance.
package util

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dtcforge/refinery/pkg/database"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// SetupTestPool creates a dedicated database for the test, runs all
// embedded migrations into it, and returns a connected pool. The
// migrations create the research/refined/knowledge/vehicle schemas with
// fixed names, so isolation is per-database rather than per-schema.
//
// In CI an external server is used via CI_DATABASE_URL; locally a
// pgvector testcontainer is started once per package.
func SetupTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	baseConnStr := GetBaseConnectionString(t)
	dbName := GenerateDatabaseName(t)

	admin, err := stdsql.Open("pgx", baseConnStr)
	require.NoError(t, err)
	_, err = admin.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", dbName))
	require.NoError(t, err)
	t.Logf("Created test database: %s", dbName)

	testConnStr := SwapDatabase(t, baseConnStr, dbName)
	require.NoError(t, database.RunMigrations(testConnStr))

	pool, err := pgxpool.New(ctx, testConnStr)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx))

	t.Cleanup(func() {
		pool.Close()
		_, err := admin.ExecContext(context.Background(),
			fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", dbName))
		if err != nil {
			t.Logf("Warning: failed to drop database %s: %v", dbName, err)
		}
		_ = admin.Close()
	})
	return pool
}

// GetBaseConnectionString returns a connection string to the shared
// server, without a per-test database selected.
func GetBaseConnectionString(t *testing.T) string {
	t.Helper()
	if ciDatabaseURL := os.Getenv("CI_DATABASE_URL"); ciDatabaseURL != "" {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
		return ciDatabaseURL
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared PostgreSQL testcontainer for all tests")

		// The embedded-vector columns need the pgvector extension.
		pgContainer, err := postgres.Run(ctx,
			"pgvector/pgvector:pg16",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("failed to start postgres container: %w", err)
			return
		}
		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("failed to get connection string: %w", err)
			return
		}
		sharedConnStr = connStr
	})

	require.NoError(t, containerErr, "Failed to setup shared test container")
	return sharedConnStr
}

// GenerateDatabaseName creates a unique, PostgreSQL-safe database name
// for the test: test_<sanitized_test_name>_<random_hex>.
func GenerateDatabaseName(t *testing.T) string {
	t.Helper()
	testName := strings.ToLower(t.Name())
	testName = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, testName)

	// Stay under PostgreSQL's 63 char identifier limit.
	if len(testName) > 40 {
		testName = testName[:40]
	}

	randomBytes := make([]byte, 4)
	_, err := rand.Read(randomBytes)
	require.NoError(t, err, "failed to generate random database suffix")

	return fmt.Sprintf("test_%s_%s", testName, hex.EncodeToString(randomBytes))
}

// SwapDatabase rewrites the database path of a PostgreSQL URL.
func SwapDatabase(t *testing.T, connStr, dbName string) string {
	t.Helper()
	u, err := url.Parse(connStr)
	require.NoError(t, err)
	u.Path = "/" + dbName
	return u.String()
}
