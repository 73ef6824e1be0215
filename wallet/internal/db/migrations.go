// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql
var sqliteFS embed.FS

//go:embed migrations/postgres/*.sql
var postgresFS embed.FS

type driverFactory func(*sql.DB) (database.Driver, error)

// applyMigrations applies every migration found at the path of migrationFS
// that the database has not seen yet.
func applyMigrations(db *sql.DB, migrationFS fs.FS, path string, dbName string,
	newDriver driverFactory) error {

	sourceDriver, err := iofs.New(migrationFS, path)
	if err != nil {
		return fmt.Errorf("create source driver: %w", err)
	}

	driver, err := newDriver(db)
	if err != nil {
		return fmt.Errorf("create %s driver: %w", dbName, err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, dbName, driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	err = m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Debugf("%s schema is up to date", dbName)

	case err != nil:
		return newError(ErrMigration, "run migrations", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return newError(ErrMigration, "read schema version", err)
	}
	if dirty {
		return newError(ErrMigration, fmt.Sprintf("schema version "+
			"%d is dirty", version), nil)
	}

	log.Infof("Using %s schema version %d", dbName, version)

	return nil
}

// ApplySQLiteMigrations applies all SQLite migrations to the database.
func ApplySQLiteMigrations(db *sql.DB) error {
	return applyMigrations(db, sqliteFS, "migrations/sqlite", "sqlite",
		func(db *sql.DB) (database.Driver, error) {
			return sqlite.WithInstance(db, &sqlite.Config{})
		},
	)
}

// ApplyPostgresMigrations applies all PostgreSQL migrations to the database.
func ApplyPostgresMigrations(db *sql.DB) error {
	return applyMigrations(db, postgresFS, "migrations/postgres",
		"postgres", func(db *sql.DB) (database.Driver, error) {
			return postgres.WithInstance(db, &postgres.Config{})
		},
	)
}
