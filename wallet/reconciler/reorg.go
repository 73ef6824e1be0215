// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package reconciler

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/walletcore/chain"
	"github.com/btcsuite/walletcore/wtxmgr"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// chainView is the height to hash mapping a batch claims, including its tip
// and the blocks of its confirmation claims.
type chainView map[int32]chainhash.Hash

// newChainView collects every block the batch mentions and rejects a batch
// that contradicts itself.
func newChainView(batch *chain.Batch) (chainView, error) {
	view := make(chainView, len(batch.Blocks)+1)
	heights := make(map[chainhash.Hash]int32, len(batch.Blocks)+1)

	add := func(height int32, hash chainhash.Hash, what string) error {
		if height < 0 {
			return fmt.Errorf("%w: %s at negative height %d",
				ErrInconsistentChainData, what, height)
		}

		if prev, ok := view[height]; ok && prev != hash {
			return fmt.Errorf("%w: %s claims %v at height %d, "+
				"already %v", ErrInconsistentChainData, what, hash,
				height, prev)
		}

		if prev, ok := heights[hash]; ok && prev != height {
			return fmt.Errorf("%w: %s claims block %v at height %d, "+
				"already at %d", ErrInconsistentChainData, what,
				hash, height, prev)
		}

		view[height] = hash
		heights[hash] = height

		return nil
	}

	if err := add(batch.Tip.Height, batch.Tip.Hash, "tip"); err != nil {
		return nil, err
	}

	for height, hash := range batch.Blocks {
		if height > batch.Tip.Height {
			return nil, fmt.Errorf("%w: block %v at height %d above "+
				"tip %v", ErrInconsistentChainData, hash, height,
				batch.Tip)
		}

		if err := add(height, hash, "block"); err != nil {
			return nil, err
		}
	}

	for txid, ref := range batch.Confirmations {
		if ref.Height > batch.Tip.Height {
			return nil, fmt.Errorf("%w: tx %v confirmed at height %d "+
				"above tip %v", ErrInconsistentChainData, txid,
				ref.Height, batch.Tip)
		}

		what := fmt.Sprintf("confirmation of %v", txid)
		if err := add(ref.Height, ref.Hash, what); err != nil {
			return nil, err
		}
	}

	return view, nil
}

// detectReorg compares the batch with the local checkpoint chain and
// returns the reorg it implies, if any. Like the wallet syncer's rollback
// check, the local chain is walked backward from its tip until a block the
// batch agrees with is found.
//
// A local height the batch does not cover is taken as matching once a lower
// covered height matches. Local blocks above the batch tip are gone.
func (r *reconciliation) detectReorg() (fn.Option[ReorgEvent], error) {
	local := r.snap.Blocks()
	if len(local) == 0 {
		return fn.None[ReorgEvent](), nil
	}

	// cutoff is the lowest height known to be off the batch chain.
	cutoff := r.batch.Tip.Height + 1
	reorg := local[len(local)-1].Height >= cutoff

	var candidate fn.Option[wtxmgr.Checkpoint]
	ancestor := fn.None[wtxmgr.Checkpoint]()

	for i := len(local) - 1; i >= 0 && ancestor.IsNone(); i-- {
		block := local[i]
		if block.Height >= cutoff {
			continue
		}

		remote, ok := r.view[block.Height]
		switch {
		case !ok:
			if candidate.IsNone() {
				candidate = fn.Some(block)
			}

		case remote != block.Hash:
			log.Debugf("Block mismatch at height %d: local %v, "+
				"remote %v", block.Height, block.Hash, remote)

			reorg = true
			cutoff = block.Height
			candidate = fn.None[wtxmgr.Checkpoint]()

		default:
			ancestor = fn.Some(candidate.UnwrapOr(block))
		}
	}

	if !reorg {
		return fn.None[ReorgEvent](), nil
	}

	if ancestor.IsNone() {
		return fn.None[ReorgEvent](), fmt.Errorf("%w: no common "+
			"ancestor between local chain %v..%v and batch tip %v",
			ErrInconsistentChainData, local[0], local[len(local)-1],
			r.batch.Tip)
	}

	event := ReorgEvent{Ancestor: ancestor.UnwrapOr(wtxmgr.Checkpoint{})}
	for _, block := range local {
		if block.Height > event.Ancestor.Height {
			event.Disconnected = append(event.Disconnected, block)
		}
	}

	log.Infof("Rollback detected! Rewinding to height %d (%v)",
		event.Ancestor.Height, event.Ancestor.Hash)

	return fn.Some(event), nil
}
