package ledger

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// MigrateCursorSchema applies the ledger_cursor migrations to dsn, using
// migrationsPath as a golang-migrate source URL (e.g.
// "file://internal/ledger/migrations").
func MigrateCursorSchema(dsn, migrationsPath string) error {
	m, err := migrate.New(migrationsPath, dsn)
	if err != nil {
		return fmt.Errorf("cursor migrate: open: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("cursor migrate: up: %w", err)
	}
	return nil
}
