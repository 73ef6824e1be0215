// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txbuilder assembles unsigned transactions from wallet outputs. The
// fee depends on the number of inputs and the inputs depend on the fee, so
// coin selection is repeated until the input count settles.
package txbuilder

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/btcutil/txsort"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/walletcore/pkg/btcunit"
	"github.com/btcsuite/walletcore/waddrmgr"
	"github.com/btcsuite/walletcore/wallet/coinselect"
	"github.com/btcsuite/walletcore/wtxmgr"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// maxFeeIterations bounds the rounds of fee estimation and coin
	// selection.
	maxFeeIterations = 16

	// defaultTxVersion is the version of built transactions unless the
	// request asks otherwise.
	defaultTxVersion = 2
)

// DefaultMaxFeeRate is the highest fee rate the builder accepts unless the
// policy sets its own. This is 1000 sat/vb.
var DefaultMaxFeeRate = btcunit.NewSatPerVByte(1000)

// FeePolicy is the fee rate a transaction pays and its bounds.
type FeePolicy struct {
	// Rate is the rate the transaction pays.
	Rate btcunit.SatPerKWeight

	// MinRelay is the backend's minimum relay fee rate, if known. It
	// also prices dust.
	MinRelay fn.Option[btcunit.SatPerKWeight]

	// MaxRate is the highest acceptable rate. Zero means
	// DefaultMaxFeeRate.
	MaxRate btcunit.SatPerKWeight
}

// SelectionPolicy controls which outputs fund the transaction.
type SelectionPolicy struct {
	// Strategy orders the candidates. Nil means largest first.
	Strategy coinselect.Strategy

	// MustUse lists outputs that are always spent.
	MustUse []wire.OutPoint
}

// ChangePolicy describes where change goes and when it is dropped.
type ChangePolicy struct {
	// Source produces the change script. ScriptSize prices the change
	// output during selection.
	Source *txauthor.ChangeSource

	// Template is the key behind the change script. It is added to the
	// PSBT so a signer can recognise the change output.
	Template fn.Option[waddrmgr.ScriptTemplate]

	// DustThreshold is the smallest change worth creating. None means
	// the txrules dust limit of the change script at the relay fee.
	DustThreshold fn.Option[btcutil.Amount]
}

// TemplateFunc returns the signing template of a wallet output.
type TemplateFunc func(utxo *wtxmgr.LocalUtxo) (*InputTemplate, error)

// Request describes the transaction to build.
type Request struct {
	// Recipients are the outputs to pay, in order.
	Recipients []*wire.TxOut

	FeePolicy FeePolicy

	Selection SelectionPolicy

	ChangePolicy ChangePolicy

	// Candidates are the spendable wallet outputs, in the order the
	// store lists them.
	Candidates []wtxmgr.LocalUtxo

	// IsReserved reports whether an output is held by another draft.
	IsReserved func(wire.OutPoint) bool

	// TemplateFor looks up the signing template of a candidate. When nil
	// inputs are priced from their script and carry no derivation info.
	TemplateFor TemplateFunc

	// LockTime is the lock time of the transaction.
	LockTime uint32

	// Version is the transaction version. Zero means 2.
	Version int32

	// Sort orders inputs and outputs by BIP69.
	Sort bool
}

// InputInfo is what a signer needs to know about an input.
type InputInfo struct {
	OutPoint wire.OutPoint

	// PrevOut is the output being spent.
	PrevOut *wire.TxOut

	// Keychain and Index locate the key of the output.
	Keychain wtxmgr.Keychain
	Index    uint32

	// WitnessWeight is the witness weight the fee was computed with.
	WitnessWeight btcunit.WeightUnit

	// Template is the signing template, if known.
	Template *InputTemplate
}

// UnsignedTransaction is a built transaction ready for an external signer.
// Signing must not add or remove inputs or outputs, or the fee rate no
// longer holds.
type UnsignedTransaction struct {
	Tx *wire.MsgTx

	// Packet is Tx as a PSBT with the signing info of every input.
	Packet *psbt.Packet

	// Inputs describe Tx.TxIn, in the same order.
	Inputs []InputInfo

	// WitnessSizes maps each input index to the witness weight the fee
	// assumed.
	WitnessSizes map[int]btcunit.WeightUnit

	// ChangeIndex is the index of the change output, or -1.
	ChangeIndex int

	// Fee is the fee the transaction pays once signed.
	Fee btcutil.Amount

	// FeeRate is the rate Fee amounts to at Weight.
	FeeRate btcunit.SatPerKWeight

	// Weight is the estimated weight of the signed transaction.
	Weight btcunit.WeightUnit

	// TotalInput is the value of all inputs.
	TotalInput btcutil.Amount

	// Selection is the coin selection the transaction was built from.
	Selection *coinselect.Selection
}

// HasChange reports whether the transaction pays change.
func (u *UnsignedTransaction) HasChange() bool {
	return u.ChangeIndex >= 0
}

// builder holds the state of one Build call.
type builder struct {
	req *Request

	relayFeePerKb btcutil.Amount
	changeScript  []byte
	dust          btcutil.Amount

	// templates caches the template of each candidate.
	templates map[wire.OutPoint]*InputTemplate
}

// Build creates an unsigned transaction paying the recipients from the
// candidates. Identical requests give identical transactions.
func Build(req *Request) (*UnsignedTransaction, error) {
	if req == nil {
		return nil, ErrNilRequest
	}

	b := &builder{
		req:       req,
		templates: make(map[wire.OutPoint]*InputTemplate),
	}

	if err := b.checkFeePolicy(); err != nil {
		return nil, err
	}

	if err := b.checkRecipients(); err != nil {
		return nil, err
	}

	if err := b.loadChange(); err != nil {
		return nil, err
	}

	if err := b.loadTemplates(); err != nil {
		return nil, err
	}

	sel, err := b.selectCoins()
	if err != nil {
		return nil, err
	}

	return b.assemble(sel)
}

// checkFeePolicy validates the fee rate against its bounds.
func (b *builder) checkFeePolicy() error {
	policy := b.req.FeePolicy

	minRelay := policy.MinRelay.UnwrapOr(
		btcunit.NewSatPerKVByte(txrules.DefaultRelayFeePerKb),
	)
	b.relayFeePerKb = minRelay.ToSatPerKVByte()

	if policy.MinRelay.IsSome() && policy.Rate.LessThan(minRelay) {
		return &ErrFeeRateTooLow{Rate: policy.Rate, Min: minRelay}
	}

	maxRate := policy.MaxRate
	if maxRate.IsZero() {
		maxRate = DefaultMaxFeeRate
	}
	if policy.Rate.GreaterThan(maxRate) {
		return &ErrFeeRateTooLarge{Rate: policy.Rate, Max: maxRate}
	}

	return nil
}

// checkRecipients runs every recipient through the relay rules.
func (b *builder) checkRecipients() error {
	if len(b.req.Recipients) == 0 {
		return ErrNoRecipients
	}

	for i, out := range b.req.Recipients {
		if out == nil {
			return fmt.Errorf("recipient %d is nil", i)
		}

		err := txrules.CheckOutput(out, b.relayFeePerKb)
		switch {
		case errors.Is(err, txrules.ErrOutputIsDust):
			return &ErrBelowDustLimit{
				Index:  i,
				Amount: btcutil.Amount(out.Value),
				Threshold: dustThreshold(
					out.PkScript, b.relayFeePerKb,
				),
			}

		case err != nil:
			return fmt.Errorf("recipient %d: %w", i, err)
		}
	}

	return nil
}

// loadChange fetches the change script and works out the dust threshold
// for it.
func (b *builder) loadChange() error {
	source := b.req.ChangePolicy.Source
	if source == nil || source.NewScript == nil {
		return ErrMissingChangeSource
	}

	script, err := source.NewScript()
	if err != nil {
		return fmt.Errorf("unable to get change script: %w", err)
	}
	b.changeScript = script

	b.dust = b.req.ChangePolicy.DustThreshold.UnwrapOr(
		dustThreshold(script, b.relayFeePerKb),
	)

	return nil
}

// loadTemplates looks up the template of every candidate up front, so that
// coin selection can price inputs by their real witness.
func (b *builder) loadTemplates() error {
	if b.req.TemplateFor == nil {
		return nil
	}

	for i := range b.req.Candidates {
		utxo := &b.req.Candidates[i]

		tmpl, err := b.req.TemplateFor(utxo)
		if err != nil {
			return fmt.Errorf("unable to get template for %v: %w",
				utxo.OutPoint, err)
		}
		b.templates[utxo.OutPoint] = tmpl
	}

	return nil
}

// witnessWeight returns the witness weight of spending the utxo.
func (b *builder) witnessWeight(utxo *wtxmgr.LocalUtxo) btcunit.WeightUnit {
	if tmpl, ok := b.templates[utxo.OutPoint]; ok && tmpl != nil &&
		tmpl.ExpectedWitnessWeight > 0 {

		return tmpl.ExpectedWitnessWeight
	}

	return defaultWitnessWeight(utxo.TxOut.PkScript)
}

// selectCoins runs coin selection until the number of inputs the weight
// was estimated for matches the number selected.
func (b *builder) selectCoins() (*coinselect.Selection, error) {
	var target btcutil.Amount
	for _, out := range b.req.Recipients {
		target += btcutil.Amount(out.Value)
	}

	numInputs := len(b.req.Selection.MustUse)
	numOutputs := len(b.req.Recipients)

	for i := 0; i < maxFeeIterations; i++ {
		sel, err := coinselect.Select(&coinselect.Request{
			Candidates: b.req.Candidates,
			MustUse:    b.req.Selection.MustUse,
			Target:     target,
			FeeRate:    b.req.FeePolicy.Rate,
			BaseWeight: baseWeight(numInputs, b.req.Recipients),
			ChangeWeight: changeWeight(
				numOutputs, len(b.changeScript),
			),
			InputWeight: func(u *wtxmgr.LocalUtxo) btcunit.WeightUnit {
				return inputWeight(b.witnessWeight(u))
			},
			Strategy:   b.req.Selection.Strategy,
			IsReserved: b.req.IsReserved,
			ChangeDust: b.dust,
		})
		if err != nil {
			return nil, err
		}

		if len(sel.Coins) == numInputs {
			log.Debugf("Fee estimation settled on %d inputs after %d "+
				"rounds", numInputs, i+1)

			return sel, nil
		}

		log.Tracef("Estimated %d inputs, selected %d", numInputs,
			len(sel.Coins))

		numInputs = len(sel.Coins)
	}

	return nil, fmt.Errorf("%w after %d rounds", ErrFeeNotConverged,
		maxFeeIterations)
}

// assemble turns the selection into the transaction and its PSBT.
func (b *builder) assemble(
	sel *coinselect.Selection) (*UnsignedTransaction, error) {

	version := b.req.Version
	if version == 0 {
		version = defaultTxVersion
	}

	tx := wire.NewMsgTx(version)
	tx.LockTime = b.req.LockTime

	infos := make(map[wire.OutPoint]InputInfo, len(sel.Coins))
	for _, coin := range sel.Coins {
		op := coin.OutPoint
		txIn := wire.NewTxIn(&op, nil, nil)
		if tx.LockTime != 0 {
			txIn.Sequence = wire.MaxTxInSequenceNum - 1
		}
		tx.AddTxIn(txIn)

		infos[op] = InputInfo{
			OutPoint: op,
			PrevOut: wire.NewTxOut(
				int64(coin.Value()), coin.TxOut.PkScript,
			),
			Keychain:      coin.TxOut.Keychain,
			Index:         coin.TxOut.Index,
			WitnessWeight: b.witnessWeight(&coin.LocalUtxo),
			Template:      b.templates[op],
		}
	}

	for _, out := range b.req.Recipients {
		tx.AddTxOut(wire.NewTxOut(out.Value, out.PkScript))
	}

	var change *wire.TxOut
	if sel.HasChange() {
		change = wire.NewTxOut(int64(sel.Change), b.changeScript)
		tx.AddTxOut(change)
	}

	if b.req.Sort {
		txsort.InPlaceSort(tx)
	}

	result := &UnsignedTransaction{
		Tx:           tx,
		Inputs:       make([]InputInfo, 0, len(tx.TxIn)),
		WitnessSizes: make(map[int]btcunit.WeightUnit, len(tx.TxIn)),
		ChangeIndex:  -1,
		Fee:          sel.Fee,
		TotalInput:   sel.Total,
		Selection:    sel,
	}

	weight := btcunit.WeightForBytes(tx.SerializeSizeStripped()) +
		witnessHeader
	for i, txIn := range tx.TxIn {
		info := infos[txIn.PreviousOutPoint]
		result.Inputs = append(result.Inputs, info)
		result.WitnessSizes[i] = info.WitnessWeight
		weight += info.WitnessWeight
	}

	for i, out := range tx.TxOut {
		if out == change {
			result.ChangeIndex = i
		}
	}

	result.Weight = weight
	result.FeeRate = btcunit.CalcSatPerKWeight(sel.Fee, weight)

	changeTmpl := b.req.ChangePolicy.Template
	var changeTemplate *waddrmgr.ScriptTemplate
	changeTmpl.WhenSome(func(tmpl waddrmgr.ScriptTemplate) {
		changeTemplate = &tmpl
	})

	packet, err := newPacket(
		tx, result.Inputs, result.ChangeIndex, changeTemplate,
	)
	if err != nil {
		return nil, err
	}
	result.Packet = packet

	log.Infof("Built tx %v: %d inputs, %d outputs, fee=%v (%v), "+
		"weight=%v", tx.TxHash(), len(tx.TxIn), len(tx.TxOut),
		result.Fee, result.FeeRate, weight)

	return result, nil
}
