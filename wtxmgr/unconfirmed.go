// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// spendView resolves the effective spender of every outpoint and which
// unconfirmed transactions are still live. It is computed from the spend
// index on demand and discarded after the query that needed it.
//
// An unconfirmed transaction is dormant when it has not been seen since a
// reorg disconnected the block it was confirmed in. It is conflicted when one
// of its inputs is spent by a different confirmed transaction, or when it
// descends from a conflicted transaction. It is live when it is neither, it
// is the effective spender of each of its inputs, and all of its unconfirmed
// parents are live.
type spendView struct {
	s *Store

	conflicted map[chainhash.Hash]bool
	live       map[chainhash.Hash]bool
}

// newSpendView builds the view for the current store state.
func (s *Store) newSpendView() *spendView {
	unconfirmed := make(map[chainhash.Hash]*LocalTx)
	for txid, tx := range s.txs {
		if !tx.Status.Confirmed {
			unconfirmed[txid] = tx
		}
	}

	v := &spendView{
		s:          s,
		conflicted: make(map[chainhash.Hash]bool, len(unconfirmed)),
		live:       make(map[chainhash.Hash]bool, len(unconfirmed)),
	}

	// Parents are resolved before their children, so a single pass per
	// property is enough.
	order := dependencySort(unconfirmed)
	for _, txid := range order {
		v.conflicted[txid] = v.isConflicted(txid, unconfirmed[txid])
	}
	for _, txid := range order {
		v.live[txid] = v.isLive(txid, unconfirmed[txid])
	}

	return v
}

// confirmedSpender returns the confirmed transaction spending the outpoint.
// Should the chain view ever hold two, the lowest block wins.
func (v *spendView) confirmedSpender(op wire.OutPoint) fn.Option[chainhash.Hash] {
	var (
		best   chainhash.Hash
		height int32
		found  bool
	)
	for txid := range v.s.spends[op] {
		tx := v.s.txs[txid]
		if !tx.Status.Confirmed {
			continue
		}

		better := !found || tx.Status.Height < height ||
			(tx.Status.Height == height &&
				compareHash(&txid, &best) < 0)
		if better {
			best, height, found = txid, tx.Status.Height, true
		}
	}

	if !found {
		return fn.None[chainhash.Hash]()
	}

	return fn.Some(best)
}

// unconfirmedSpender returns the non-conflicted unconfirmed spender of the
// outpoint that was seen last, ties broken by the lowest hash.
func (v *spendView) unconfirmedSpender(
	op wire.OutPoint) fn.Option[chainhash.Hash] {

	var (
		best  chainhash.Hash
		found bool
	)
	for txid := range v.s.spends[op] {
		tx := v.s.txs[txid]
		if tx.Status.Confirmed || v.conflicted[txid] || tx.isDormant() {
			continue
		}

		if !found {
			best, found = txid, true
			continue
		}

		bestSeen := v.s.txs[best].LastSeen
		switch {
		case tx.LastSeen.After(bestSeen):
			best = txid

		case tx.LastSeen.Equal(bestSeen) &&
			compareHash(&txid, &best) < 0:

			best = txid
		}
	}

	if !found {
		return fn.None[chainhash.Hash]()
	}

	return fn.Some(best)
}

// effectiveSpender returns the confirmed spender of the outpoint if there is
// one, and the preferred unconfirmed spender otherwise.
func (v *spendView) effectiveSpender(op wire.OutPoint) fn.Option[chainhash.Hash] {
	if confirmed := v.confirmedSpender(op); confirmed.IsSome() {
		return confirmed
	}

	return v.unconfirmedSpender(op)
}

// spentBy returns the spender of the outpoint as exposed to callers. A
// preferred spender that is no longer live does not spend anything.
func (v *spendView) spentBy(op wire.OutPoint) fn.Option[chainhash.Hash] {
	spender := v.effectiveSpender(op)
	if spender.IsNone() {
		return spender
	}

	if !v.isTxLive(spender.UnwrapOr(chainhash.Hash{})) {
		return fn.None[chainhash.Hash]()
	}

	return spender
}

// isTxLive reports whether the transaction counts towards wallet state:
// confirmed transactions always do, unconfirmed ones only when live.
func (v *spendView) isTxLive(txid chainhash.Hash) bool {
	tx, ok := v.s.txs[txid]
	if !ok {
		return false
	}

	return tx.Status.Confirmed || v.live[txid]
}

func (v *spendView) isConflicted(txid chainhash.Hash, tx *LocalTx) bool {
	if tx.IsCoinBase() {
		return false
	}

	for _, txIn := range tx.Tx.TxIn {
		op := txIn.PreviousOutPoint

		spender := v.confirmedSpender(op)
		if spender.IsSome() && spender.UnwrapOr(txid) != txid {
			return true
		}

		parent, ok := v.s.txs[op.Hash]
		if ok && !parent.Status.Confirmed && v.conflicted[op.Hash] {
			return true
		}
	}

	return false
}

func (v *spendView) isLive(txid chainhash.Hash, tx *LocalTx) bool {
	if v.conflicted[txid] || tx.isDormant() {
		return false
	}
	if tx.IsCoinBase() {
		return true
	}

	for _, txIn := range tx.Tx.TxIn {
		op := txIn.PreviousOutPoint

		spender := v.effectiveSpender(op)
		if spender.UnwrapOr(chainhash.Hash{}) != txid {
			return false
		}

		parent, ok := v.s.txs[op.Hash]
		if ok && !parent.Status.Confirmed && !v.live[op.Hash] {
			return false
		}
	}

	return true
}
