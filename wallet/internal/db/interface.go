// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import (
	"context"

	"github.com/btcsuite/walletcore/wtxmgr"
)

// Persister stores the wallet state as the sum of the change sets applied to
// it.
type Persister interface {
	// Load returns the stored state as one change set. Applying it to an
	// empty store reproduces the persisted state.
	Load(ctx context.Context) (*wtxmgr.ChangeSet, error)

	// Apply writes the change set in a single database transaction.
	// Applying an empty change set is a no-op.
	Apply(ctx context.Context, cs *wtxmgr.ChangeSet) error

	// Close releases the database.
	Close() error
}

// A compile-time check to ensure that every backend implements the Persister
// interface.
var (
	_ Persister = (*KvdbStore)(nil)
	_ Persister = (*SQLiteStore)(nil)
	_ Persister = (*PostgresStore)(nil)
)
