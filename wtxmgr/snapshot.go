// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"slices"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Snapshot is a read-only copy of the store state. The reconciler works
// against a snapshot so that fetching and reconciling never touch the live
// store.
type Snapshot struct {
	store *Store
}

// Snapshot returns a copy of the current state without reservations.
func (s *Store) Snapshot() *Snapshot {
	return &Snapshot{store: s.clone()}
}

// clone copies the store maps. Transactions are shared since they are never
// mutated once recorded.
func (s *Store) clone() *Store {
	cp := NewStore(StoreConfig{ChainParams: s.chainParams, Clock: s.clock})

	for txid, tx := range s.txs {
		rec := *tx
		cp.txs[txid] = &rec
	}
	for op, rec := range s.txOuts {
		cp.txOuts[op] = rec
	}
	for height, hash := range s.blocks {
		cp.blocks[height] = hash
	}
	for op, spenders := range s.spends {
		cp.spends[op] = fn.NewSet(spenders.ToSlice()...)
	}
	cp.checkpoint = s.checkpoint

	return cp
}

// Preview returns the snapshot that results from applying the change set,
// leaving this one untouched.
func (s *Snapshot) Preview(cs *ChangeSet) (*Snapshot, error) {
	next := s.store.clone()
	if err := next.Apply(cs); err != nil {
		return nil, err
	}

	return &Snapshot{store: next}, nil
}

// Checkpoint returns the last synced checkpoint.
func (s *Snapshot) Checkpoint() fn.Option[Checkpoint] {
	return s.store.Checkpoint()
}

// BlockHash returns the hash the checkpoint chain holds at the height.
func (s *Snapshot) BlockHash(height int32) fn.Option[chainhash.Hash] {
	return s.store.BlockHash(height)
}

// Blocks returns the checkpoint chain ordered by height.
func (s *Snapshot) Blocks() []Checkpoint {
	return s.store.Blocks()
}

// Tx returns the transaction with the given hash.
func (s *Snapshot) Tx(txid chainhash.Hash) fn.Option[LocalTx] {
	return s.store.GetTransaction(txid)
}

// Txs returns all transactions ordered by height, unconfirmed last.
func (s *Snapshot) Txs() []LocalTx {
	return s.store.Transactions()
}

// TxOut returns the wallet output record for the outpoint.
func (s *Snapshot) TxOut(op wire.OutPoint) fn.Option[TxOutRecord] {
	return s.store.TxOut(op)
}

// Spender returns the current effective spender of the outpoint.
func (s *Snapshot) Spender(op wire.OutPoint) fn.Option[chainhash.Hash] {
	return s.store.Spender(op)
}

// Spenders returns the effective spender of every wallet output in one pass.
// Unspent outputs map to the zero hash.
func (s *Snapshot) Spenders() map[wire.OutPoint]chainhash.Hash {
	view := s.store.newSpendView()

	spenders := make(map[wire.OutPoint]chainhash.Hash, len(s.store.txOuts))
	for op := range s.store.txOuts {
		spenders[op] = view.spentBy(op).UnwrapOr(chainhash.Hash{})
	}

	return spenders
}

// WalletOutPoints returns every wallet output ordered by outpoint. The
// chain source watches them for spends.
func (s *Snapshot) WalletOutPoints() []wire.OutPoint {
	ops := make([]wire.OutPoint, 0, len(s.store.txOuts))
	for op := range s.store.txOuts {
		ops = append(ops, op)
	}
	slices.SortFunc(ops, CompareOutPoints)

	return ops
}

// Balance computes the balance of the snapshot.
func (s *Snapshot) Balance() Balance {
	return s.store.Balance()
}

// ListUtxos lists the outputs of the snapshot matching the filter.
// Reservations are never part of a snapshot.
func (s *Snapshot) ListUtxos(filter UtxoFilter) []LocalUtxo {
	return s.store.ListUtxos(filter)
}
