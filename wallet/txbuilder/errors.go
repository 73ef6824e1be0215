// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/walletcore/pkg/btcunit"
)

var (
	// ErrNilRequest is returned when Build is called without a request.
	ErrNilRequest = errors.New("nil build request")

	// ErrNoRecipients is returned when a transaction pays no one.
	ErrNoRecipients = errors.New("transaction has no recipients")

	// ErrFeeNotConverged is returned when the input count keeps changing
	// between fee estimation rounds.
	ErrFeeNotConverged = errors.New("fee estimation did not converge")

	// ErrMissingChangeSource is returned when a transaction needs change
	// but no change source was given.
	ErrMissingChangeSource = errors.New("missing change source")
)

// ErrBelowDustLimit is returned when a recipient output is too small to be
// relayed.
type ErrBelowDustLimit struct {
	// Index is the position of the output among the recipients.
	Index int

	// Amount is the value of the output.
	Amount btcutil.Amount

	// Threshold is the smallest value the output could have.
	Threshold btcutil.Amount
}

// Error returns a human-readable description of the error.
func (e *ErrBelowDustLimit) Error() string {
	return fmt.Sprintf("output %d of %v is below the dust limit of %v",
		e.Index, e.Amount, e.Threshold)
}

// ErrFeeRateTooLow is returned when the requested fee rate is below the
// backend's minimum relay fee rate.
type ErrFeeRateTooLow struct {
	Rate btcunit.SatPerKWeight
	Min  btcunit.SatPerKWeight
}

// Error returns a human-readable description of the error.
func (e *ErrFeeRateTooLow) Error() string {
	return fmt.Sprintf("fee rate %v is below the minimum relay fee rate "+
		"%v", e.Rate, e.Min)
}

// ErrFeeRateTooLarge is returned when the requested fee rate is above the
// configured maximum.
type ErrFeeRateTooLarge struct {
	Rate btcunit.SatPerKWeight
	Max  btcunit.SatPerKWeight
}

// Error returns a human-readable description of the error.
func (e *ErrFeeRateTooLarge) Error() string {
	return fmt.Sprintf("fee rate %v exceeds the maximum of %v", e.Rate,
		e.Max)
}
