package database

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies the embedded schema for the pool's dialect.
// direction is "up" or "down".
func Migrate(db *DB, direction string) error {
	src, err := iofs.New(migrationsFS, "migrations/"+string(db.Dialect))
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}
	defer src.Close()

	var driver migratedb.Driver
	switch db.Dialect {
	case Postgres:
		driver, err = postgres.WithInstance(db.DB, &postgres.Config{})
	default:
		driver, err = sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	}
	if err != nil {
		return fmt.Errorf("failed to create %s migration driver: %w", db.Dialect, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(db.Dialect), driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	default:
		return fmt.Errorf("invalid migration direction %q", direction)
	}
	if errors.Is(err, migrate.ErrNoChange) {
		log.Info().Str("dialect", string(db.Dialect)).Msg("schema already up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("migration %s failed: %w", direction, err)
	}

	version, dirty, _ := m.Version()
	log.Info().Str("dialect", string(db.Dialect)).Uint("version", version).Bool("dirty", dirty).Msg("migrations applied")
	return nil
}

// Schema returns every up migration for dialect joined in version order,
// used to seed test databases.
func Schema(dialect Dialect) (string, error) {
	files, err := fs.Glob(migrationsFS, "migrations/"+string(dialect)+"/*.up.sql")
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("no migrations for %s", dialect)
	}
	sort.Strings(files)

	var b strings.Builder
	for _, name := range files {
		data, err := migrationsFS.ReadFile(name)
		if err != nil {
			return "", err
		}
		b.Write(data)
		b.WriteString("\n")
	}
	return b.String(), nil
}
