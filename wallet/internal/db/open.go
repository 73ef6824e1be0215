// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import (
	"context"
	"fmt"
	"time"
)

// Backend names a persistence backend.
type Backend string

const (
	// BackendBdb stores the state in a bolt file through walletdb.
	BackendBdb Backend = "bdb"

	// BackendSQLite stores the state in a SQLite file.
	BackendSQLite Backend = "sqlite"

	// BackendPostgres stores the state in a PostgreSQL database.
	BackendPostgres Backend = "postgres"
)

// Config selects and locates the backend Open connects to.
type Config struct {
	Backend Backend

	// Path is the database file of the bdb and sqlite backends.
	Path string

	// DSN is the connection string of the postgres backend.
	DSN string

	// Timeout bounds the wait for the bdb file lock.
	Timeout time.Duration
}

// Open connects to the configured backend and returns its Persister.
func Open(ctx context.Context, cfg Config) (Persister, error) {
	log.Infof("Opening %s database", cfg.Backend)

	var (
		store Persister
		err   error
	)
	switch cfg.Backend {
	case BackendBdb:
		store, err = OpenKvdb(cfg.Path, cfg.Timeout)

	case BackendSQLite:
		store, err = OpenSQLite(ctx, cfg.Path)

	case BackendPostgres:
		store, err = OpenPostgres(ctx, cfg.DSN)

	default:
		err = newError(ErrUnknownBackend, fmt.Sprintf("unknown "+
			"database backend %q", cfg.Backend), nil)
	}
	// A failed open leaves a typed nil in store.
	if err != nil {
		return nil, err
	}

	return store, nil
}
