// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ChangeSet is a delta against the store. It is produced by one
// reconciliation pass, applied atomically, and is the only unit exchanged
// with persistence.
type ChangeSet struct {
	// Txs holds added or updated transactions keyed by their hash.
	Txs map[chainhash.Hash]LocalTx

	// TxOuts holds added wallet outputs.
	TxOuts map[wire.OutPoint]TxOutRecord

	// Blocks holds added or replaced entries of the checkpoint chain.
	Blocks map[int32]chainhash.Hash

	// Checkpoint is the new last synced checkpoint.
	Checkpoint fn.Option[Checkpoint]

	// RolledBack is set when every block above the given height must be
	// discarded before Blocks is applied.
	RolledBack fn.Option[int32]
}

// NewChangeSet returns an empty change set.
func NewChangeSet() *ChangeSet {
	return &ChangeSet{
		Txs:        make(map[chainhash.Hash]LocalTx),
		TxOuts:     make(map[wire.OutPoint]TxOutRecord),
		Blocks:     make(map[int32]chainhash.Hash),
		Checkpoint: fn.None[Checkpoint](),
		RolledBack: fn.None[int32](),
	}
}

// IsEmpty reports whether applying the change set would be a no-op.
func (c *ChangeSet) IsEmpty() bool {
	return len(c.Txs) == 0 && len(c.TxOuts) == 0 && len(c.Blocks) == 0 &&
		c.Checkpoint.IsNone() && c.RolledBack.IsNone()
}

// AddTx records a transaction in the change set.
func (c *ChangeSet) AddTx(tx LocalTx) {
	c.Txs[tx.TxHash()] = tx
}

// AddTxOut records a wallet output in the change set.
func (c *ChangeSet) AddTxOut(op wire.OutPoint, rec TxOutRecord) {
	c.TxOuts[op] = rec
}

// rollback discards every block above the height and remembers the lowest
// rollback seen.
func (c *ChangeSet) rollback(height int32) {
	for h := range c.Blocks {
		if h > height {
			delete(c.Blocks, h)
		}
	}

	lowest := c.RolledBack.UnwrapOr(height)
	c.RolledBack = fn.Some(min(lowest, height))
}

// Merge folds other into c so that applying c afterwards is equivalent to
// applying the old c followed by other. Entries in other win per key.
func (c *ChangeSet) Merge(other *ChangeSet) {
	if other == nil {
		return
	}

	other.RolledBack.WhenSome(c.rollback)

	for txid, tx := range other.Txs {
		c.Txs[txid] = tx
	}
	for op, rec := range other.TxOuts {
		c.TxOuts[op] = rec
	}
	for h, hash := range other.Blocks {
		c.Blocks[h] = hash
	}

	if other.Checkpoint.IsSome() {
		c.Checkpoint = other.Checkpoint
	}
}

// Copy returns a copy of the change set that shares no maps with c.
func (c *ChangeSet) Copy() *ChangeSet {
	cp := NewChangeSet()
	cp.Merge(c)

	return cp
}
