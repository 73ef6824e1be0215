// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrNilChangeSet is returned when a nil change set is applied.
	ErrNilChangeSet = errors.New("nil change set")

	// ErrTxHashMismatch is returned when a change set keys a transaction
	// under a hash that is not the transaction's own hash.
	ErrTxHashMismatch = errors.New("transaction keyed under wrong hash")

	// ErrOrphanTxOut is returned when a change set adds a wallet output
	// whose owning transaction is neither in the store nor in the change
	// set.
	ErrOrphanTxOut = errors.New("output without owning transaction")

	// ErrInvalidTxOut is returned when a wallet output record does not
	// match the output of its owning transaction.
	ErrInvalidTxOut = errors.New("output record does not match transaction")

	// ErrBlockMismatch is returned when a transaction is confirmed in a
	// block that the checkpoint chain does not contain at that height.
	ErrBlockMismatch = errors.New("confirmation block not in chain")

	// ErrConfirmationRewrite is returned when a change set moves an
	// already confirmed transaction to a different block without rolling
	// back that block first.
	ErrConfirmationRewrite = errors.New("confirmed transaction changed " +
		"without rollback")

	// ErrCheckpointRegression is returned when a change set moves the
	// checkpoint backwards without rolling back the chain.
	ErrCheckpointRegression = errors.New("checkpoint moved backwards " +
		"without rollback")

	// ErrUnknownOutput is returned when an output not known to the
	// wallet is reserved.
	ErrUnknownOutput = errors.New("unknown output")

	// ErrOutputSpent is returned when an already spent output is reserved.
	ErrOutputSpent = errors.New("output already spent")
)

// ErrAlreadyReserved is returned when an output is reserved by another
// in-flight draft transaction.
type ErrAlreadyReserved struct {
	// OutPoint is the output that could not be reserved.
	OutPoint wire.OutPoint

	// Holder is the draft currently holding the output.
	Holder ReservationID
}

// Error returns a human-readable description of the error.
func (e *ErrAlreadyReserved) Error() string {
	return fmt.Sprintf("output %v already reserved by draft %x",
		e.OutPoint, e.Holder[:8])
}
