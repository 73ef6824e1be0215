// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletcore/waddrmgr"
)

// InputTemplate is what a signer needs to know about the key spending an
// input.
type InputTemplate struct {
	waddrmgr.ScriptTemplate

	// PrevTx is the transaction that created the output. It is included
	// in the PSBT for segwit v0 inputs when known.
	PrevTx *wire.MsgTx
}

// derivation returns the BIP32 derivation of the template's key.
func derivation(tmpl *waddrmgr.ScriptTemplate) *psbt.Bip32Derivation {
	return &psbt.Bip32Derivation{
		PubKey:               tmpl.PubKey.SerializeCompressed(),
		MasterKeyFingerprint: tmpl.MasterKeyFingerprint,
		Bip32Path:            tmpl.Derivation,
	}
}

// addInputInfoSegWitV0 adds the UTXO and BIP32 derivation info for a SegWit
// v0 PSBT input (p2wkh).
func addInputInfoSegWitV0(in *psbt.PInput, prevTx *wire.MsgTx,
	utxo *wire.TxOut, derivationInfo *psbt.Bip32Derivation) {

	// As a fix for CVE-2020-14199 signers want the full non-witness UTXO
	// for segwit v0. It is only added when the caller has it.
	in.NonWitnessUtxo = prevTx

	in.WitnessUtxo = &wire.TxOut{
		Value:    utxo.Value,
		PkScript: utxo.PkScript,
	}
	in.SighashType = txscript.SigHashAll

	in.Bip32Derivation = []*psbt.Bip32Derivation{
		derivationInfo,
	}
}

// addInputInfoSegWitV1 adds the UTXO and BIP32 derivation info for a SegWit
// v1 PSBT input (p2tr).
func addInputInfoSegWitV1(in *psbt.PInput, utxo *wire.TxOut,
	derivationInfo *psbt.Bip32Derivation) {

	// For SegWit v1 we only need the witness UTXO information.
	in.WitnessUtxo = &wire.TxOut{
		Value:    utxo.Value,
		PkScript: utxo.PkScript,
	}
	in.SighashType = txscript.SigHashDefault

	in.Bip32Derivation = []*psbt.Bip32Derivation{
		derivationInfo,
	}

	in.TaprootBip32Derivation = []*psbt.TaprootBip32Derivation{{
		XOnlyPubKey:          derivationInfo.PubKey[1:],
		MasterKeyFingerprint: derivationInfo.MasterKeyFingerprint,
		Bip32Path:            derivationInfo.Bip32Path,
	}}
}

// createOutputInfo creates the BIP32 derivation info for a change output.
func createOutputInfo(txOut *wire.TxOut,
	tmpl *waddrmgr.ScriptTemplate) *psbt.POutput {

	derivationInfo := derivation(tmpl)
	out := &psbt.POutput{
		Bip32Derivation: []*psbt.Bip32Derivation{
			derivationInfo,
		},
	}

	// Include the Taproot derivation path as well if this is a P2TR
	// output.
	if txscript.IsPayToTaproot(txOut.PkScript) {
		schnorrPubKey := derivationInfo.PubKey[1:]
		out.TaprootBip32Derivation = []*psbt.TaprootBip32Derivation{{
			XOnlyPubKey:          schnorrPubKey,
			MasterKeyFingerprint: derivationInfo.MasterKeyFingerprint,
			Bip32Path:            derivationInfo.Bip32Path,
		}}
		out.TaprootInternalKey = schnorrPubKey
	}

	return out
}

// newPacket wraps the unsigned transaction in a PSBT carrying the signing
// info of every input and of the change output.
func newPacket(tx *wire.MsgTx, inputs []InputInfo, changeIndex int,
	change *waddrmgr.ScriptTemplate) (*psbt.Packet, error) {

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("unable to create packet: %w", err)
	}

	for i := range inputs {
		info := &inputs[i]
		in := &packet.Inputs[i]

		if info.Template == nil {
			in.WitnessUtxo = info.PrevOut
			continue
		}

		derivationInfo := derivation(&info.Template.ScriptTemplate)
		if txscript.IsPayToTaproot(info.PrevOut.PkScript) {
			addInputInfoSegWitV1(in, info.PrevOut, derivationInfo)
			continue
		}

		addInputInfoSegWitV0(
			in, info.Template.PrevTx, info.PrevOut, derivationInfo,
		)
	}

	if changeIndex >= 0 && change != nil {
		packet.Outputs[changeIndex] = *createOutputInfo(
			tx.TxOut[changeIndex], change,
		)
	}

	return packet, nil
}
