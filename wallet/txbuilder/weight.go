// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

import (
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/btcsuite/walletcore/pkg/btcunit"
)

const (
	// txOverhead is the version and lock time of a transaction.
	txOverhead = 4 + 4

	// witnessHeader is the weight of the segwit marker and flag.
	witnessHeader btcunit.WeightUnit = 2

	// inputBaseSize is the non-witness size of a segwit input: outpoint,
	// empty script length and sequence.
	inputBaseSize = txsizes.RedeemP2WPKHInputSize
)

// baseWeight returns the weight of a transaction with numInputs inputs and
// the outputs, not counting the inputs themselves.
func baseWeight(numInputs int, outputs []*wire.TxOut) btcunit.WeightUnit {
	size := txOverhead +
		wire.VarIntSerializeSize(uint64(numInputs)) +
		wire.VarIntSerializeSize(uint64(len(outputs))) +
		txsizes.SumOutputSerializeSizes(outputs)

	return btcunit.WeightForBytes(size) + witnessHeader
}

// changeWeight returns the weight a change output with a script of the size
// adds to a transaction that already has numOutputs outputs.
func changeWeight(numOutputs, scriptSize int) btcunit.WeightUnit {
	size := 8 + wire.VarIntSerializeSize(uint64(scriptSize)) + scriptSize +
		wire.VarIntSerializeSize(uint64(numOutputs+1)) -
		wire.VarIntSerializeSize(uint64(numOutputs))

	return btcunit.WeightForBytes(size)
}

// inputWeight returns the signed weight of an input with the witness.
func inputWeight(witness btcunit.WeightUnit) btcunit.WeightUnit {
	return btcunit.WeightForBytes(inputBaseSize) + witness
}

// defaultWitnessWeight prices the witness of spending the script.
func defaultWitnessWeight(pkScript []byte) btcunit.WeightUnit {
	if txscript.IsPayToTaproot(pkScript) {
		return txsizes.RedeemP2TRInputWitnessWeight
	}

	return txsizes.RedeemP2WPKHInputWitnessWeight
}

// dustThreshold returns the smallest value an output paying to the script
// can carry without txrules considering it dust at the relay fee.
func dustThreshold(pkScript []byte, relayFeePerKb btcutil.Amount) btcutil.Amount {
	threshold := sort.Search(int(btcutil.MaxSatoshi)+1, func(amt int) bool {
		return !txrules.IsDustOutput(
			wire.NewTxOut(int64(amt), pkScript), relayFeePerKb,
		)
	})

	return btcutil.Amount(threshold)
}
