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

// UtxoFilter narrows the outputs returned by ListUtxos.
type UtxoFilter struct {
	// OnlyConfirmed excludes outputs of unconfirmed transactions.
	OnlyConfirmed bool

	// OnlySpendable excludes reserved and immature outputs.
	OnlySpendable bool

	// IncludeSpent also returns outputs that already have a spender.
	// It is ignored when OnlySpendable is set.
	IncludeSpent bool

	// IncludeInactive also returns outputs of dormant, conflicted or
	// replaced transactions. It is ignored when OnlySpendable is set.
	IncludeInactive bool

	// Keychain restricts the result to one derivation branch.
	Keychain fn.Option[Keychain]

	// MinConfs is the minimum number of confirmations an output needs.
	MinConfs int32
}

// ListUtxos returns the wallet outputs matching the filter. Outputs of
// transactions that no longer count towards wallet state are only returned
// with IncludeInactive. The result is ordered by confirmation height,
// unconfirmed last, then by outpoint.
func (s *Store) ListUtxos(filter UtxoFilter) []LocalUtxo {
	view := s.newSpendView()
	tip := s.tipHeight()

	includeInactive := filter.IncludeInactive && !filter.OnlySpendable

	utxos := make([]LocalUtxo, 0, len(s.txOuts))
	for op, rec := range s.txOuts {
		utxo, live := s.utxo(view, op, rec)
		if !live && !includeInactive {
			continue
		}

		if !s.matches(filter, &utxo, tip) {
			continue
		}

		utxos = append(utxos, utxo)
	}

	slices.SortFunc(utxos, func(a, b LocalUtxo) int {
		if c := compareStatus(a.Status, b.Status); c != 0 {
			return c
		}

		return CompareOutPoints(a.OutPoint, b.OutPoint)
	})

	return utxos
}

// utxo assembles the output record with its derived state. It also reports
// whether the owning transaction currently counts towards wallet state.
func (s *Store) utxo(view *spendView, op wire.OutPoint,
	rec TxOutRecord) (LocalUtxo, bool) {

	tx := s.txs[op.Hash]

	return LocalUtxo{
		OutPoint:   op,
		TxOut:      rec,
		SpentBy:    view.spentBy(op),
		Status:     tx.Status,
		IsCoinbase: tx.IsCoinBase(),
	}, view.isTxLive(op.Hash)
}

func (s *Store) matches(filter UtxoFilter, utxo *LocalUtxo, tip int32) bool {
	if filter.OnlyConfirmed && !utxo.Status.Confirmed {
		return false
	}

	if utxo.Status.Confirmations(tip) < filter.MinConfs {
		return false
	}

	if filter.Keychain.IsSome() &&
		filter.Keychain.UnwrapOr(utxo.TxOut.Keychain) !=
			utxo.TxOut.Keychain {

		return false
	}

	if filter.OnlySpendable {
		return !utxo.IsSpent() && !s.IsReserved(utxo.OutPoint) &&
			!s.isImmature(utxo, tip)
	}

	return filter.IncludeSpent || !utxo.IsSpent()
}

// isImmature reports whether the output is a coinbase output that cannot be
// spent yet at the given tip.
func (s *Store) isImmature(utxo *LocalUtxo, tip int32) bool {
	if !utxo.IsCoinbase {
		return false
	}

	maturity := int32(s.chainParams.CoinbaseMaturity)

	return utxo.Status.Confirmations(tip) < maturity
}

// Balance computes the wallet balance over the current unspent outputs.
// Reserved outputs are still counted since they are not spent yet.
func (s *Store) Balance() Balance {
	view := s.newSpendView()
	tip := s.tipHeight()

	var bal Balance
	for op, rec := range s.txOuts {
		utxo, ok := s.utxo(view, op, rec)
		if !ok || utxo.IsSpent() {
			continue
		}

		switch {
		case s.isImmature(&utxo, tip):
			bal.Immature += rec.Amount

		case utxo.Status.Confirmed:
			bal.Confirmed += rec.Amount

		case s.spendsOnlyWalletOutputs(op.Hash):
			bal.TrustedPending += rec.Amount

		default:
			bal.UntrustedPending += rec.Amount
		}
	}

	return bal
}

// spendsOnlyWalletOutputs reports whether every input of the transaction
// spends a wallet output. Such a transaction cannot be double spent by a
// third party.
func (s *Store) spendsOnlyWalletOutputs(txid chainhash.Hash) bool {
	tx, ok := s.txs[txid]
	if !ok || tx.IsCoinBase() {
		return false
	}

	for _, txIn := range tx.Tx.TxIn {
		if _, ok := s.txOuts[txIn.PreviousOutPoint]; !ok {
			return false
		}
	}

	return true
}
