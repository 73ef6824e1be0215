// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/walletcore/pkg/btcunit"
	"github.com/btcsuite/walletcore/wallet/coinselect"
	"github.com/btcsuite/walletcore/wallet/txbuilder"
	"github.com/btcsuite/walletcore/wtxmgr"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrNilTxIntent is returned when Build is called without an intent.
	ErrNilTxIntent = errors.New("nil TxIntent")

	// ErrManualInputsEmpty is returned when manual inputs name no
	// outputs.
	ErrManualInputsEmpty = errors.New("manual inputs cannot be empty")

	// ErrDuplicatedUtxo is returned when an output is named twice.
	ErrDuplicatedUtxo = errors.New("duplicated utxo")

	// ErrUtxoNotEligible is returned when a named output is unknown,
	// spent, immature or held by another draft.
	ErrUtxoNotEligible = errors.New("utxo not eligible to spend")

	// ErrUnsupportedTxInputs is returned for an Inputs implementation
	// the wallet does not know.
	ErrUnsupportedTxInputs = errors.New("unsupported tx inputs type")
)

// TxIntent describes a payment to draft.
type TxIntent struct {
	// Outputs are the recipients, in order. At least one is required.
	Outputs []*wire.TxOut

	// Inputs fixes the inputs or sets the coin selection policy. Nil
	// means the default policy.
	Inputs Inputs

	// FeeRate is the rate the draft pays. Zero means the wallet default.
	FeeRate btcunit.SatPerKWeight

	// LockTime is the lock time of the draft.
	LockTime uint32

	// Sort orders inputs and outputs by BIP69.
	Sort bool
}

// Inputs is a sealed interface that defines the source of inputs for a
// transaction. It is either a fixed set of outputs or a coin selection
// policy.
type Inputs interface {
	// isInputs is a marker method that keeps implementations inside this
	// package.
	isInputs()

	// validate checks the inputs before the wallet lock is taken.
	validate() error
}

// InputsManual spends exactly the named outputs. Coin selection only decides
// whether change is created.
type InputsManual struct {
	// UTXOs are the outputs to spend.
	UTXOs []wire.OutPoint
}

// InputsPolicy lets coin selection pick the inputs.
type InputsPolicy struct {
	// Strategy orders the candidates. Nil means the wallet default.
	Strategy coinselect.Strategy

	// MinConfs is the number of confirmations a candidate needs.
	MinConfs int32

	// MustUse lists outputs that are spent in any case.
	MustUse []wire.OutPoint
}

// isInputs marks InputsManual as an implementation of the Inputs interface.
func (*InputsManual) isInputs() {}

// validate performs validation on the manual inputs.
func (i *InputsManual) validate() error {
	if len(i.UTXOs) == 0 {
		return ErrManualInputsEmpty
	}

	return validateOutPoints(i.UTXOs)
}

// isInputs marks InputsPolicy as an implementation of the Inputs interface.
func (*InputsPolicy) isInputs() {}

// validate performs validation on the input policy.
func (i *InputsPolicy) validate() error {
	return validateOutPoints(i.MustUse)
}

// A compile-time assertion to ensure that all types implementing the Inputs
// interface adhere to it.
var _ Inputs = (*InputsManual)(nil)
var _ Inputs = (*InputsPolicy)(nil)

// validateOutPoints rejects a list that names an output twice.
func validateOutPoints(outpoints []wire.OutPoint) error {
	seen := make(map[wire.OutPoint]struct{}, len(outpoints))
	for _, op := range outpoints {
		if _, ok := seen[op]; ok {
			return fmt.Errorf("%w: %v", ErrDuplicatedUtxo, op)
		}

		seen[op] = struct{}{}
	}

	return nil
}

// DraftID returns the reservation a built draft holds its inputs under.
func DraftID(tx *txbuilder.UnsignedTransaction) wtxmgr.ReservationID {
	return wtxmgr.ReservationID(tx.Tx.TxHash())
}

// Build drafts an unsigned transaction for the intent and reserves its
// inputs under DraftID until Release is called or the reservation times
// out. Inputs held by earlier drafts are not candidates, so building the
// same intent twice gives two drafts. Release a draft to build it anew.
func (w *Wallet) Build(ctx context.Context,
	intent *TxIntent) (*txbuilder.UnsignedTransaction, error) {

	if intent == nil {
		return nil, ErrNilTxIntent
	}

	inputs := intent.Inputs
	if inputs == nil {
		inputs = &InputsPolicy{}
	}
	if err := inputs.validate(); err != nil {
		return nil, err
	}

	// The relay fee comes from the backend, so it is asked for before
	// the lock is taken.
	minRelay := w.minRelayFee(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.state.loaded.Load() {
		return nil, ErrWalletNotLoaded
	}

	req, changeIndex, err := w.buildRequest(intent, inputs, minRelay)
	if err != nil {
		return nil, err
	}

	utx, err := txbuilder.Build(req)
	if err != nil {
		return nil, err
	}

	ops := make([]wire.OutPoint, 0, len(utx.Inputs))
	for _, in := range utx.Inputs {
		ops = append(ops, in.OutPoint)
	}

	id := DraftID(utx)
	err = w.store.Reserve(id, ops, w.cfg.ReservationTimeout)
	if err != nil {
		return nil, fmt.Errorf("reserve inputs: %w", err)
	}

	if utx.HasChange() {
		err := w.cfg.Provider.MarkUsed(wtxmgr.KeychainInternal, changeIndex)
		if err != nil {
			w.store.Release(id)
			return nil, fmt.Errorf("mark change index used: %w", err)
		}
	}

	log.Infof("Built draft %v: %d inputs, %d outputs, fee %v at %v",
		utx.Tx.TxHash(), len(utx.Tx.TxIn), len(utx.Tx.TxOut), utx.Fee,
		utx.FeeRate)
	log.Tracef("Draft transaction: %v", spewClosure(utx.Tx))

	return utx, nil
}

// Release frees the inputs held by the draft and returns them.
func (w *Wallet) Release(id wtxmgr.ReservationID) []wire.OutPoint {
	w.mu.Lock()
	defer w.mu.Unlock()

	freed := w.store.Release(id)

	log.Debugf("Released %d inputs of draft %x", len(freed), id[:8])

	return freed
}

// minRelayFee asks the backend for its relay fee. Without an answer the
// builder falls back to the default relay fee.
func (w *Wallet) minRelayFee(ctx context.Context) fn.Option[btcunit.SatPerKWeight] {
	rate, err := w.cfg.ChainSource.MinRelayFee(ctx)
	if err != nil {
		log.Warnf("Unable to get min relay fee, using default: %v", err)

		return fn.None[btcunit.SatPerKWeight]()
	}

	return fn.Some(rate)
}

// buildRequest assembles the builder request of the intent. It also returns
// the internal index of the change script.
//
// NOTE: The caller must hold the lock.
func (w *Wallet) buildRequest(intent *TxIntent, inputs Inputs,
	minRelay fn.Option[btcunit.SatPerKWeight]) (*txbuilder.Request,
	uint32, error) {

	changeIndex := w.cfg.Provider.NextUnusedIndex(wtxmgr.KeychainInternal)
	change, err := w.cfg.Provider.Derive(
		wtxmgr.KeychainInternal, changeIndex,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("derive change script: %w", err)
	}

	feeRate := intent.FeeRate
	if feeRate.IsZero() {
		feeRate = w.cfg.FeeRate
	}

	req := &txbuilder.Request{
		Recipients: intent.Outputs,
		FeePolicy: txbuilder.FeePolicy{
			Rate:     feeRate,
			MinRelay: minRelay,
			MaxRate:  w.cfg.MaxFeeRate,
		},
		ChangePolicy: txbuilder.ChangePolicy{
			Source: &txauthor.ChangeSource{
				NewScript: func() ([]byte, error) {
					return change.PkScript, nil
				},
				ScriptSize: len(change.PkScript),
			},
			Template:      fn.Some(change),
			DustThreshold: w.cfg.ChangeDust,
		},
		IsReserved:  w.store.IsReserved,
		TemplateFor: w.templateFor,
		LockTime:    intent.LockTime,
		Sort:        intent.Sort,
	}

	filter := wtxmgr.UtxoFilter{OnlySpendable: true}

	switch in := inputs.(type) {
	case *InputsManual:
		candidates, err := w.eligible(filter, in.UTXOs)
		if err != nil {
			return nil, 0, err
		}

		req.Candidates = candidates
		req.Selection = txbuilder.SelectionPolicy{
			Strategy: w.cfg.DefaultStrategy,
			MustUse:  in.UTXOs,
		}

	case *InputsPolicy:
		filter.MinConfs = in.MinConfs
		if _, err := w.eligible(filter, in.MustUse); err != nil {
			return nil, 0, err
		}

		strategy := in.Strategy
		if strategy == nil {
			strategy = w.cfg.DefaultStrategy
		}

		req.Candidates = w.store.ListUtxos(filter)
		req.Selection = txbuilder.SelectionPolicy{
			Strategy: strategy,
			MustUse:  in.MustUse,
		}

	default:
		return nil, 0, fmt.Errorf("%w: %T", ErrUnsupportedTxInputs, in)
	}

	return req, changeIndex, nil
}

// eligible returns the outputs among the spendable ones that match the
// filter, failing if any of them is missing.
//
// NOTE: The caller must hold the lock.
func (w *Wallet) eligible(filter wtxmgr.UtxoFilter,
	ops []wire.OutPoint) ([]wtxmgr.LocalUtxo, error) {

	if len(ops) == 0 {
		return nil, nil
	}

	byOutPoint := make(map[wire.OutPoint]wtxmgr.LocalUtxo)
	for _, utxo := range w.store.ListUtxos(filter) {
		byOutPoint[utxo.OutPoint] = utxo
	}

	utxos := make([]wtxmgr.LocalUtxo, 0, len(ops))
	for _, op := range ops {
		utxo, ok := byOutPoint[op]
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrUtxoNotEligible, op)
		}

		utxos = append(utxos, utxo)
	}

	return utxos, nil
}

// templateFor returns the signing template of a wallet output, including the
// funding transaction so signers can check segwit v0 input amounts.
//
// NOTE: The caller must hold the lock.
func (w *Wallet) templateFor(
	utxo *wtxmgr.LocalUtxo) (*txbuilder.InputTemplate, error) {

	tmpl, err := w.cfg.Provider.Derive(utxo.TxOut.Keychain, utxo.TxOut.Index)
	if err != nil {
		return nil, err
	}

	input := &txbuilder.InputTemplate{ScriptTemplate: tmpl}
	w.store.GetTransaction(utxo.OutPoint.Hash).WhenSome(
		func(tx wtxmgr.LocalTx) {
			input.PrevTx = tx.Tx
		},
	)

	return input, nil
}
