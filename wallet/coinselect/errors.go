// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coinselect

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

var (
	// ErrNilRequest is returned when Select is called without a request.
	ErrNilRequest = errors.New("nil selection request")

	// ErrUtxoNotEligible is returned when a must-use outpoint is not a
	// spendable candidate.
	ErrUtxoNotEligible = errors.New("utxo not eligible")

	// ErrDuplicatedUtxo is returned when a must-use outpoint is listed
	// more than once.
	ErrDuplicatedUtxo = errors.New("duplicated utxo")

	// ErrNegativeTarget is returned when the target amount is negative.
	ErrNegativeTarget = errors.New("negative target amount")
)

// ErrInsufficientFunds is returned when every candidate together cannot pay
// for the target and the fee of spending them.
type ErrInsufficientFunds struct {
	// Needed is the target plus the fee of spending every candidate.
	Needed btcutil.Amount

	// Available is the value of every usable candidate.
	Available btcutil.Amount
}

// Error returns a human-readable description of the error.
func (e *ErrInsufficientFunds) Error() string {
	return fmt.Sprintf("insufficient funds: need %v, have %v (short %v)",
		e.Needed, e.Available, e.Shortfall())
}

// Shortfall returns the amount missing to reach the target.
func (e *ErrInsufficientFunds) Shortfall() btcutil.Amount {
	return e.Needed - e.Available
}
