// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"fmt"

	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite implementation of the Persister interface.
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore creates a SQLite-based Persister on a database that already
// has the schema applied.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, ErrNilDB
	}

	return &SQLiteStore{
		sqlStore: sqlStore{db: db, dialect: sqliteDialect},
	}, nil
}

// sqliteDSN returns the connection string for the database file.
func sqliteDSN(path string) string {
	// Foreign keys, WAL so readers do not block the writer, immediate
	// transaction locking and a busy timeout instead of SQLITE_BUSY.
	return path + "?_pragma=foreign_keys=on" +
		"&_pragma=journal_mode=WAL" +
		"&_txlock=immediate" +
		"&_pragma=busy_timeout=5000"
}

// OpenSQLite opens or creates the database file at path and brings its
// schema up to date.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dbConn, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, newError(ErrDatabase, "open sqlite", err)
	}

	if err := dbConn.PingContext(ctx); err != nil {
		_ = dbConn.Close()
		return nil, newError(ErrDatabase, fmt.Sprintf("open sqlite %s",
			path), err)
	}

	if err := ApplySQLiteMigrations(dbConn); err != nil {
		_ = dbConn.Close()
		return nil, err
	}

	return NewSQLiteStore(dbConn)
}
