package platform

import (
	"context"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RunMigrations applies migrations from migrationsDir. If the target
// database already has tables (detected by probing for the `users` table)
// but no schema_migrations row, it stamps the DB at the baseline version
// instead of replaying every forward migration.
func RunMigrations(pool *pgxpool.Pool, databaseURL, migrationsDir string) error {
	m, err := migrate.New(fmt.Sprintf("file://%s", migrationsDir), databaseURL)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()

	if err := stampIfPreExisting(pool, m); err != nil {
		return err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// stampIfPreExisting detects an unmanaged pre-existing schema (tables exist
// but golang-migrate has never recorded a version) and stamps it at version
// 1 so Up() only applies migrations written after the baseline.
func stampIfPreExisting(pool *pgxpool.Pool, m *migrate.Migrate) error {
	var hasUsers bool
	row := pool.QueryRow(context.Background(), `select exists (select 1 from information_schema.tables where table_name = 'users')`)
	if err := row.Scan(&hasUsers); err != nil {
		return nil // best-effort probe; let Up() surface any real failure
	}
	if !hasUsers {
		return nil
	}

	_, _, err := m.Version()
	if err == migrate.ErrNilVersion {
		return m.Force(1)
	}
	return nil
}
