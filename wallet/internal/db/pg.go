// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import (
	"context"
	"database/sql"

	// Registers the "pgx" database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore is the PostgreSQL implementation of the Persister
// interface.
type PostgresStore struct {
	sqlStore
}

// NewPostgresStore creates a PostgreSQL-based Persister on a database that
// already has the schema applied.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, ErrNilDB
	}

	return &PostgresStore{
		sqlStore: sqlStore{db: db, dialect: postgresDialect},
	}, nil
}

// OpenPostgres connects to the database named by dsn and brings its schema
// up to date.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	dbConn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, newError(ErrDatabase, "open postgres", err)
	}

	if err := dbConn.PingContext(ctx); err != nil {
		_ = dbConn.Close()
		return nil, newError(ErrDatabase, "connect postgres", err)
	}

	if err := ApplyPostgresMigrations(dbConn); err != nil {
		_ = dbConn.Close()
		return nil, err
	}

	return NewPostgresStore(dbConn)
}
