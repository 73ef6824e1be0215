// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"

	"github.com/btcsuite/btclog"
	"github.com/btcsuite/walletcore/wallet/internal/db"
	"github.com/btcsuite/walletcore/wtxmgr"
)

// Persister stores the change sets the wallet applies and gives them back
// as one change set on startup.
type Persister interface {
	// Load returns the stored state as a single change set for an empty
	// store.
	Load(ctx context.Context) (*wtxmgr.ChangeSet, error)

	// Apply writes a change set atomically.
	Apply(ctx context.Context, cs *wtxmgr.ChangeSet) error

	// Close releases the database.
	Close() error
}

// DBConfig selects and locates the database of OpenDB.
type DBConfig = db.Config

// DBBackend names a database backend.
type DBBackend = db.Backend

const (
	// BackendBdb stores the wallet in a bolt file.
	BackendBdb = db.BackendBdb

	// BackendSQLite stores the wallet in a SQLite file.
	BackendSQLite = db.BackendSQLite

	// BackendPostgres stores the wallet in a PostgreSQL database.
	BackendPostgres = db.BackendPostgres
)

// OpenDB opens the configured database and returns it as a Persister.
func OpenDB(ctx context.Context, cfg DBConfig) (Persister, error) {
	return db.Open(ctx, cfg)
}

// UseDBLogger sets the logger of the database backends.
func UseDBLogger(logger btclog.Logger) {
	db.UseLogger(logger)
}
