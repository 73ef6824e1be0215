// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package btcunit

import (
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
)

// WeightUnit expresses a transaction size in weight units. The weight of a
// transaction is `base size * 3 + total size`, where the base size excludes
// witness data and the total size is the BIP144 serialization.
type WeightUnit uint64

// VByte expresses a transaction size in virtual bytes, which is the weight
// divided by four and rounded up.
type VByte uint64

// NewWeightUnit creates a new WeightUnit from a uint64 value.
func NewWeightUnit(val uint64) WeightUnit {
	return WeightUnit(val)
}

// NewVByte creates a new VByte from a uint64 value.
func NewVByte(val uint64) VByte {
	return VByte(val)
}

// WeightForBytes returns the weight of non-witness data of the given length.
func WeightForBytes(n int) WeightUnit {
	return WeightUnit(uint64(n) * blockchain.WitnessScaleFactor)
}

// ToVB converts the weight to virtual bytes, rounding up.
func (w WeightUnit) ToVB() VByte {
	return VByte((uint64(w) + blockchain.WitnessScaleFactor - 1) /
		blockchain.WitnessScaleFactor)
}

// Add returns the sum of the two weights.
func (w WeightUnit) Add(other WeightUnit) WeightUnit {
	return w + other
}

// String returns the string representation of the weight unit.
func (w WeightUnit) String() string {
	return fmt.Sprintf("%d wu", uint64(w))
}

// ToWU converts the virtual size to weight units.
func (v VByte) ToWU() WeightUnit {
	return WeightUnit(uint64(v) * blockchain.WitnessScaleFactor)
}

// String returns the string representation of the virtual byte.
func (v VByte) String() string {
	return fmt.Sprintf("%d vb", uint64(v))
}
