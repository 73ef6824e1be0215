// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// TxReader is the read side of the transaction store.
type TxReader interface {
	// GetTransaction returns the transaction with the given hash.
	GetTransaction(txid chainhash.Hash) fn.Option[LocalTx]

	// ListUtxos returns the wallet outputs matching the filter.
	ListUtxos(filter UtxoFilter) []LocalUtxo

	// Balance computes the current wallet balance.
	Balance() Balance

	// Checkpoint returns the last synced checkpoint.
	Checkpoint() fn.Option[Checkpoint]

	// Snapshot returns a read-only copy for reconciliation.
	Snapshot() *Snapshot
}

// TxStore is the full transaction store: reads, atomic change set
// application and output reservations.
type TxStore interface {
	TxReader

	// Apply commits a change set atomically.
	Apply(cs *ChangeSet) error

	// Reserve leases outputs to an in-flight draft transaction.
	Reserve(id ReservationID, ops []wire.OutPoint,
		timeout time.Duration) error

	// Release drops every lease held by the draft.
	Release(id ReservationID) []wire.OutPoint

	// IsReserved reports whether the output is currently leased.
	IsReserved(op wire.OutPoint) bool
}
