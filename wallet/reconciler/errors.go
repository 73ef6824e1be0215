// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package reconciler

import "errors"

var (
	// ErrInconsistentChainData is returned when a batch contradicts
	// itself or the wallet's chain in a way no reorg explains, such as a
	// block hash claimed at two heights or two chains without a common
	// ancestor.
	ErrInconsistentChainData = errors.New("inconsistent chain data")

	// ErrNilBatch is returned when Reconcile is called without a batch.
	ErrNilBatch = errors.New("nil batch")
)
