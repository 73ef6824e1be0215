// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package btcunit provides a set of types for dealing with bitcoin units.
package btcunit

import (
	"math"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
)

const (
	// kilo is a generic multiplier for kilo units.
	kilo = 1000

	// floatStringPrecision is the number of decimal places used when a fee
	// rate is rendered as sat/vb, so that 1 sat/kvb still shows as 0.001.
	floatStringPrecision = 3
)

// ZeroFeeRate is a fee rate of 0 sat/kw.
var ZeroFeeRate = NewSatPerKWeight(0)

// SatPerKWeight is a fee rate. It is stored as an exact rational number of
// satoshis per kilo-weight-unit so that converting from sat/vb or sat/kvb
// never loses precision. All fee calculations in the module go through this
// type.
type SatPerKWeight struct {
	satsPerKWU *big.Rat
}

// NewSatPerKWeight creates a fee rate from a sat/kw amount.
func NewSatPerKWeight(rate btcutil.Amount) SatPerKWeight {
	return SatPerKWeight{satsPerKWU: big.NewRat(int64(rate), 1)}
}

// NewSatPerVByte creates a fee rate from a sat/vb amount.
func NewSatPerVByte(rate btcutil.Amount) SatPerKWeight {
	return SatPerKWeight{satsPerKWU: big.NewRat(
		int64(rate)*kilo, blockchain.WitnessScaleFactor,
	)}
}

// NewSatPerKVByte creates a fee rate from a sat/kvb amount. This is the unit
// bitcoind reports its relay fee in.
func NewSatPerKVByte(rate btcutil.Amount) SatPerKWeight {
	return SatPerKWeight{satsPerKWU: big.NewRat(
		int64(rate), blockchain.WitnessScaleFactor,
	)}
}

// CalcSatPerKWeight returns the fee rate that pays the given fee for the
// given weight. A zero weight yields a zero rate.
func CalcSatPerKWeight(fee btcutil.Amount, weight WeightUnit) SatPerKWeight {
	if weight == 0 {
		return ZeroFeeRate
	}

	return SatPerKWeight{satsPerKWU: big.NewRat(
		int64(fee)*kilo, safeUint64ToInt64(uint64(weight)),
	)}
}

// rat returns the underlying rational, treating the zero value as zero.
func (s SatPerKWeight) rat() *big.Rat {
	if s.satsPerKWU == nil {
		return new(big.Rat)
	}

	return s.satsPerKWU
}

// FeeForWeight returns the fee for the given weight, rounded up to the next
// whole satoshi so the effective rate never falls below the requested one.
func (s SatPerKWeight) FeeForWeight(weight WeightUnit) btcutil.Amount {
	fee := new(big.Rat).Mul(
		s.rat(), big.NewRat(safeUint64ToInt64(uint64(weight)), kilo),
	)

	// Ceiling division: (num + denom - 1) / denom.
	result := new(big.Int).Add(fee.Num(), fee.Denom())
	result.Sub(result, big.NewInt(1))
	result.Div(result, fee.Denom())

	return btcutil.Amount(result.Int64())
}

// FeeForVByte returns the fee for the given virtual size, rounded up.
func (s SatPerKWeight) FeeForVByte(vb VByte) btcutil.Amount {
	return s.FeeForWeight(vb.ToWU())
}

// ToSatPerKVByte returns the rate in sat/kvb, rounded down.
func (s SatPerKWeight) ToSatPerKVByte() btcutil.Amount {
	kvb := new(big.Rat).Mul(
		s.rat(), big.NewRat(blockchain.WitnessScaleFactor, 1),
	)

	return btcutil.Amount(new(big.Int).Quo(kvb.Num(), kvb.Denom()).Int64())
}

// IsZero reports whether the fee rate is zero.
func (s SatPerKWeight) IsZero() bool {
	return s.rat().Sign() == 0
}

// Equal returns true if the fee rate is equal to the other fee rate.
func (s SatPerKWeight) Equal(other SatPerKWeight) bool {
	return s.rat().Cmp(other.rat()) == 0
}

// LessThan returns true if the fee rate is less than the other fee rate.
func (s SatPerKWeight) LessThan(other SatPerKWeight) bool {
	return s.rat().Cmp(other.rat()) < 0
}

// GreaterThan returns true if the fee rate is greater than the other fee rate.
func (s SatPerKWeight) GreaterThan(other SatPerKWeight) bool {
	return s.rat().Cmp(other.rat()) > 0
}

// String renders the fee rate in sat/vb, the unit users quote rates in.
func (s SatPerKWeight) String() string {
	vb := new(big.Rat).Mul(
		s.rat(), big.NewRat(blockchain.WitnessScaleFactor, kilo),
	)

	return vb.FloatString(floatStringPrecision) + " sat/vb"
}

// safeUint64ToInt64 converts a uint64 to an int64, capping at math.MaxInt64.
// Weights are bounded by consensus and never get close to the cap.
func safeUint64ToInt64(u uint64) int64 {
	if u > math.MaxInt64 {
		return math.MaxInt64
	}

	return int64(u)
}
