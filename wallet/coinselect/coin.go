// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coinselect

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/btcsuite/walletcore/pkg/btcunit"
	"github.com/btcsuite/walletcore/wtxmgr"
)

// Coin is a wallet output available for selection, together with the weight
// it adds to a transaction once signed.
type Coin struct {
	wtxmgr.LocalUtxo

	// InputWeight is the weight of the signed input spending the coin.
	InputWeight btcunit.WeightUnit
}

// Value returns the amount of the coin.
func (c *Coin) Value() btcutil.Amount {
	return c.TxOut.Amount
}

// Fee returns the fee of spending the coin at the rate.
func (c *Coin) Fee(feeRate btcunit.SatPerKWeight) btcutil.Amount {
	return feeRate.FeeForWeight(c.InputWeight)
}

// EffectiveValue returns the value of the coin net of its input fee.
func (c *Coin) EffectiveValue(feeRate btcunit.SatPerKWeight) btcutil.Amount {
	return c.Value() - c.Fee(feeRate)
}

// InputWeightFunc returns the weight of the signed input spending the utxo.
type InputWeightFunc func(utxo *wtxmgr.LocalUtxo) btcunit.WeightUnit

// DefaultInputWeight estimates the signed input weight from the script the
// utxo pays to. Unknown scripts are priced as P2WPKH.
func DefaultInputWeight(utxo *wtxmgr.LocalUtxo) btcunit.WeightUnit {
	pkScript := utxo.TxOut.PkScript

	switch {
	case txscript.IsPayToTaproot(pkScript):
		return btcunit.WeightForBytes(txsizes.RedeemP2TRInputSize) +
			txsizes.RedeemP2TRInputWitnessWeight

	case txscript.IsPayToScriptHash(pkScript):
		return btcunit.WeightForBytes(
			txsizes.RedeemNestedP2WPKHInputSize,
		) + txsizes.RedeemP2WPKHInputWitnessWeight

	default:
		return btcunit.WeightForBytes(txsizes.RedeemP2WPKHInputSize) +
			txsizes.RedeemP2WPKHInputWitnessWeight
	}
}
