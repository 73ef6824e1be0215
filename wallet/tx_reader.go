// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"slices"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletcore/pkg/btcunit"
	"github.com/btcsuite/walletcore/wtxmgr"
)

var (
	// ErrTxNotFound is returned when a transaction is not found in the
	// store.
	ErrTxNotFound = errors.New("tx not found")
)

// Output contains details for a tx output.
type Output struct {
	// Type is the script class of the output.
	Type txscript.ScriptClass

	// Addresses are the addresses associated with the output script.
	Addresses []btcutil.Address

	// PkScript is the raw output script.
	PkScript []byte

	// Index is the index of the output in the tx.
	Index int

	// Amount is the value of the output.
	Amount btcutil.Amount

	// IsOurs is true if the output pays to a wallet script.
	IsOurs bool
}

// PrevOut describes a tx input.
type PrevOut struct {
	// OutPoint is the output being spent.
	OutPoint wire.OutPoint

	// IsOurs is true if the input spends a wallet output.
	IsOurs bool
}

// TxDetail describes a tx relevant to the wallet from the wallet's point of
// view.
type TxDetail struct {
	// Hash is the tx hash.
	Hash chainhash.Hash

	// Value is the net value of the tx for the wallet: outputs received
	// minus wallet outputs spent.
	Value btcutil.Amount

	// Fee is the fee paid by the tx.
	//
	// NOTE: This is only known if all inputs are wallet outputs.
	// Otherwise, it will be zero.
	Fee btcutil.Amount

	// Weight is the tx's weight.
	Weight btcunit.WeightUnit

	// Status is where the tx is confirmed, if anywhere.
	Status wtxmgr.ConfirmationStatus

	// Confirmations is the number of confirmations at the synced tip.
	Confirmations int32

	// LastSeen is when the tx was last seen unconfirmed.
	LastSeen time.Time

	// Outputs contains data for each tx output.
	Outputs []Output

	// PrevOuts are the inputs for the tx.
	PrevOuts []PrevOut
}

// FeeRate returns the fee rate the tx pays.
func (d *TxDetail) FeeRate() btcunit.SatPerKWeight {
	return btcunit.CalcSatPerKWeight(d.Fee, d.Weight)
}

// GetTx returns a detailed description of a tx given its tx hash.
func (w *Wallet) GetTx(txHash chainhash.Hash) (*TxDetail, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	tx := w.store.GetTransaction(txHash)
	if tx.IsNone() {
		return nil, ErrTxNotFound
	}

	return w.buildTxDetail(tx.UnwrapOr(wtxmgr.LocalTx{})), nil
}

// ListTxns returns the wallet's txns confirmed between the heights,
// inclusive, ordered by height. Unconfirmed txns are listed after them when
// endHeight is -1.
func (w *Wallet) ListTxns(startHeight, endHeight int32) []*TxDetail {
	w.mu.Lock()
	defer w.mu.Unlock()

	var details []*TxDetail
	for _, tx := range w.store.Transactions() {
		status := tx.Status
		switch {
		case !status.Confirmed && endHeight != -1:
			continue

		case status.Confirmed && status.Height < startHeight:
			continue

		case status.Confirmed && endHeight != -1 &&
			status.Height > endHeight:

			continue
		}

		details = append(details, w.buildTxDetail(tx))
	}

	slices.SortStableFunc(details, func(a, b *TxDetail) int {
		switch {
		case a.Status.Confirmed && !b.Status.Confirmed:
			return -1

		case !a.Status.Confirmed && b.Status.Confirmed:
			return 1

		default:
			return int(a.Status.Height) - int(b.Status.Height)
		}
	})

	return details
}

// buildTxDetail builds a TxDetail from the stored tx.
//
// NOTE: The caller must hold the lock.
func (w *Wallet) buildTxDetail(tx wtxmgr.LocalTx) *TxDetail {
	msgTx := tx.Tx
	tip := w.store.Checkpoint().UnwrapOr(wtxmgr.Checkpoint{}).Height

	details := &TxDetail{
		Hash:     tx.TxHash(),
		Status:   tx.Status,
		LastSeen: tx.LastSeen,
		Weight: btcunit.NewWeightUnit(uint64(
			blockchain.GetTransactionWeight(btcutil.NewTx(msgTx)),
		)),
		Confirmations: tx.Status.Confirmations(tip),
	}

	// The value is the sum of all credits minus the sum of all debits.
	// The fee is only known when every input is ours.
	var (
		debits    btcutil.Amount
		ourInputs int
	)
	for _, txIn := range msgTx.TxIn {
		rec := w.store.TxOut(txIn.PreviousOutPoint)
		details.PrevOuts = append(details.PrevOuts, PrevOut{
			OutPoint: txIn.PreviousOutPoint,
			IsOurs:   rec.IsSome(),
		})

		rec.WhenSome(func(r wtxmgr.TxOutRecord) {
			debits += r.Amount
			ourInputs++
		})
	}

	var credits, totalOutput btcutil.Amount
	for i, txOut := range msgTx.TxOut {
		op := wire.OutPoint{Hash: details.Hash, Index: uint32(i)}
		isOurs := w.store.TxOut(op).IsSome()
		if isOurs {
			credits += btcutil.Amount(txOut.Value)
		}
		totalOutput += btcutil.Amount(txOut.Value)

		sc, addrs, _, err := txscript.ExtractPkScriptAddrs(
			txOut.PkScript, w.cfg.ChainParams,
		)
		if err != nil {
			log.Warnf("Cannot extract addresses from pkScript for "+
				"tx %v, output %d: %v", details.Hash, i, err)
		}

		details.Outputs = append(details.Outputs, Output{
			Type:      sc,
			Addresses: addrs,
			PkScript:  txOut.PkScript,
			Index:     i,
			Amount:    btcutil.Amount(txOut.Value),
			IsOurs:    isOurs,
		})
	}

	details.Value = credits - debits
	if ourInputs > 0 && ourInputs == len(msgTx.TxIn) {
		details.Fee = debits - totalOutput
	}

	return details
}
