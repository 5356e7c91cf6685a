// Package config provides configuration and shared test utilities for the AVESA pipeline.
package config

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcclickhouse "github.com/testcontainers/testcontainers-go/modules/clickhouse"

	"github.com/golang-migrate/migrate/v4"
	migratech "github.com/golang-migrate/migrate/v4/database/clickhouse"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/ClickHouse/clickhouse-go/v2" // ClickHouse driver

	"github.com/avesa-io/avesa/migrations"
)

const startUpTimeOut = 120 * time.Second

// TestDatabase encapsulates test database resources for cleanup.
// Used by integration tests across multiple packages to maintain consistent test infrastructure.
type TestDatabase struct {
	Container  *tcclickhouse.ClickHouseContainer
	Connection *sql.DB
}

// SetupTestDatabase creates a ClickHouse container and applies the system-table migrations.
// This is the standard way to set up integration test databases across all packages.
//
// Usage:
//
//	func TestMyFeature(t *testing.T) {
//		if testing.Short() {
//			t.Skip("skipping integration test in short mode")
//		}
//		ctx := context.Background()
//		testDB := config.SetupTestDatabase(ctx, t)
//		t.Cleanup(func() {
//			_ = testDB.Connection.Close()
//			_ = testcontainers.TerminateContainer(testDB.Container)
//		})
//		// ... your test code
//	}
//
// The function automatically:
//   - Creates a ClickHouse server container
//   - Waits for the server to accept native-protocol connections
//   - Applies all embedded system-table migrations
//   - Returns a TestDatabase with an active connection
//
// Cleanup is the caller's responsibility using t.Cleanup().
func SetupTestDatabase(ctx context.Context, t *testing.T) *TestDatabase {
	t.Helper()

	chContainer, err := tcclickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3-alpine",
		tcclickhouse.WithDatabase("avesa_test"),
		tcclickhouse.WithUsername("test"),
		tcclickhouse.WithPassword("test"),
	)
	require.NoError(t, err, "Failed to start clickhouse container")
	require.NotNil(t, chContainer, "clickhouse container is nil")

	connStr, err := chContainer.ConnectionString(ctx)
	require.NoError(t, err, "Failed to get connection string")

	conn, err := sql.Open("clickhouse", connStr)
	require.NoError(t, err, "Failed to open database")

	if err := RunTestMigrations(conn); err != nil {
		_ = conn.Close()
		_ = testcontainers.TerminateContainer(chContainer)

		t.Fatalf("Failed to run migrations: %v", err)
	}

	return &TestDatabase{
		Container:  chContainer,
		Connection: conn,
	}
}

// RunTestMigrations applies all embedded system-table migrations using golang-migrate.
// The migration source is the go:embed filesystem in the migrations package, so tests
// exercise the exact SQL that ships in the migrator binary.
//
// Returns:
//   - nil if migrations succeed or no changes needed
//   - error if migrations fail
func RunTestMigrations(db *sql.DB) error {
	driver, err := migratech.WithInstance(db, &migratech.Config{
		MultiStatementEnabled: true,
	})
	if err != nil {
		return err
	}

	sourceDriver, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "clickhouse", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}
