// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package reconciler turns the chain data fetched by a ChainSource into a
// change set against a store snapshot. It performs no I/O: the caller
// fetches, reconciles against a snapshot and applies the result.
package reconciler

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletcore/chain"
	"github.com/btcsuite/walletcore/wtxmgr"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// OwnerFunc reports the keychain and derivation index of a wallet script.
// It returns false for scripts the wallet does not own.
type OwnerFunc func(pkScript []byte) (wtxmgr.Keychain, uint32, bool)

// Option customises a reconciliation pass.
type Option func(*config)

type config struct {
	owner OwnerFunc
	clock clock.Clock
}

// WithOwner sets the lookup used to recognise outputs paying to the wallet.
// Without it only spends of already known wallet outputs are picked up.
func WithOwner(owner OwnerFunc) Option {
	return func(c *config) {
		c.owner = owner
	}
}

// WithClock sets the clock used to stamp unconfirmed transactions when the
// batch carries no SeenAt time.
func WithClock(clk clock.Clock) Option {
	return func(c *config) {
		c.clock = clk
	}
}

// ReorgEvent describes a chain reorganisation found while reconciling.
type ReorgEvent struct {
	// Ancestor is the highest block shared by the old and new chains.
	Ancestor wtxmgr.Checkpoint

	// Disconnected lists the local blocks above the ancestor that were
	// dropped, ordered by height.
	Disconnected []wtxmgr.Checkpoint

	// Unconfirmed lists the transactions that lost their confirmation,
	// ordered by hash.
	Unconfirmed []chainhash.Hash

	// ChangedSpends lists the wallet outputs whose effective spender is
	// different after the reorg, ordered by outpoint.
	ChangedSpends []wire.OutPoint
}

// String returns a one-line summary of the event.
func (r ReorgEvent) String() string {
	return fmt.Sprintf("ancestor=%v disconnected=%d unconfirmed=%d "+
		"changed_spends=%d", r.Ancestor, len(r.Disconnected),
		len(r.Unconfirmed), len(r.ChangedSpends))
}

// Result is the outcome of a reconciliation pass.
type Result struct {
	// ChangeSet is the delta to apply to the store the snapshot was taken
	// from.
	ChangeSet *wtxmgr.ChangeSet

	// Reorg is set when the batch disconnected local blocks.
	Reorg fn.Option[ReorgEvent]
}

// reconciliation holds the state of one Reconcile call.
type reconciliation struct {
	cfg   config
	snap  *wtxmgr.Snapshot
	batch *chain.Batch
	view  chainView
	cs    *wtxmgr.ChangeSet

	// rolledBack holds the transactions that lost their confirmation.
	rolledBack map[chainhash.Hash]struct{}

	// walletOutPoints tracks known wallet outputs plus the ones this pass
	// adds, so that spends within the batch are picked up.
	walletOutPoints map[wire.OutPoint]struct{}
}

// Reconcile compares the batch with the snapshot and returns the change set
// that brings the snapshot in line with the chain the batch describes. The
// snapshot is never modified.
func Reconcile(snap *wtxmgr.Snapshot, batch *chain.Batch,
	opts ...Option) (*Result, error) {

	if batch == nil {
		return nil, ErrNilBatch
	}

	cfg := config{clock: clock.NewDefaultClock()}
	for _, opt := range opts {
		opt(&cfg)
	}

	view, err := newChainView(batch)
	if err != nil {
		return nil, err
	}

	r := &reconciliation{
		cfg:             cfg,
		snap:            snap,
		batch:           batch,
		view:            view,
		cs:              wtxmgr.NewChangeSet(),
		rolledBack:      make(map[chainhash.Hash]struct{}),
		walletOutPoints: make(map[wire.OutPoint]struct{}),
	}
	for _, op := range snap.WalletOutPoints() {
		r.walletOutPoints[op] = struct{}{}
	}

	reorg, err := r.detectReorg()
	if err != nil {
		return nil, err
	}

	var ancestor fn.Option[int32]
	reorg.WhenSome(func(event ReorgEvent) {
		ancestor = fn.Some(event.Ancestor.Height)
		r.rollback(event.Ancestor.Height)
	})

	if err := r.checkKeptBlocks(ancestor); err != nil {
		return nil, err
	}

	if err := r.applyTxs(); err != nil {
		return nil, err
	}

	r.applyBlocks()

	// The preview validates the change set against the snapshot and gives
	// the effective spenders after it is applied.
	next, err := snap.Preview(r.cs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInconsistentChainData, err)
	}

	result := &Result{ChangeSet: r.cs, Reorg: fn.None[ReorgEvent]()}
	reorg.WhenSome(func(event ReorgEvent) {
		event.Unconfirmed = sortedHashes(r.rolledBack)
		event.ChangedSpends = changedSpends(
			snap.Spenders(), next.Spenders(),
		)
		result.Reorg = fn.Some(event)

		log.Infof("Reorg detected: %v", event)
	})

	log.Debugf("Reconciled batch up to %v: %d txs, %d outputs, %d blocks",
		batch.Tip, len(r.cs.Txs), len(r.cs.TxOuts), len(r.cs.Blocks))

	return result, nil
}

// seenAt returns the time unconfirmed transactions of the batch were seen.
func (r *reconciliation) seenAt() time.Time {
	if r.batch.SeenAt.IsZero() {
		return r.cfg.clock.Now()
	}

	return r.batch.SeenAt
}

// rollback unconfirms every transaction mined above the height. They start
// out dormant and come back to life if the batch reports them again.
func (r *reconciliation) rollback(height int32) {
	r.cs.RolledBack = fn.Some(height)

	for _, tx := range r.snap.Txs() {
		if !tx.Status.Confirmed || tx.Status.Height <= height {
			continue
		}

		txid := tx.TxHash()
		r.rolledBack[txid] = struct{}{}
		r.cs.AddTx(wtxmgr.LocalTx{
			Tx:     tx.Tx,
			Status: wtxmgr.Unconfirmed(),
		})

		log.Debugf("Unconfirmed %v, was %v", txid, tx.Status)
	}
}

// checkKeptBlocks rejects a batch that reports a different hash for a
// height the local chain keeps. That is every height at or below the common
// ancestor of a reorg, and every local height otherwise. detectReorg stops
// at the highest block the batch agrees with, so lower heights are checked
// here.
func (r *reconciliation) checkKeptBlocks(ancestor fn.Option[int32]) error {
	limit := ancestor.UnwrapOr(math.MaxInt32)
	for height, hash := range r.view {
		if height > limit {
			continue
		}

		local := r.snap.BlockHash(height)
		if local.IsSome() && local.UnwrapOr(hash) != hash {
			return fmt.Errorf("%w: batch block %v at height %d "+
				"differs from kept local block %v",
				ErrInconsistentChainData, hash, height,
				local.UnwrapOr(chainhash.Hash{}))
		}
	}

	return nil
}

// applyTxs adds the relevant transactions of the batch to the change set.
// Funding transactions are recognised first, then spends are chained until
// no more transactions become relevant.
func (r *reconciliation) applyTxs() error {
	pending := dedupe(r.batch.Txs)

	for len(pending) > 0 {
		var (
			next     []*wire.MsgTx
			progress bool
		)
		for _, tx := range pending {
			relevant, err := r.applyTx(tx)
			if err != nil {
				return err
			}

			if relevant {
				progress = true
				continue
			}

			next = append(next, tx)
		}

		if !progress {
			for _, tx := range next {
				log.Tracef("Ignoring irrelevant tx %v", tx.TxHash())
			}

			return nil
		}

		pending = next
	}

	return nil
}

// applyTx records tx if it is known, pays to the wallet or spends a wallet
// output, and reports whether it did.
func (r *reconciliation) applyTx(tx *wire.MsgTx) (bool, error) {
	txid := tx.TxHash()
	known := r.snap.Tx(txid)

	outputs := r.walletOutputs(tx)
	if known.IsNone() && len(outputs) == 0 && !r.spendsWallet(tx) {
		return false, nil
	}

	status, err := r.status(txid, known)
	if err != nil {
		return false, err
	}

	for op, rec := range outputs {
		r.walletOutPoints[op] = struct{}{}
		if r.snap.TxOut(op).IsSome() {
			continue
		}
		r.cs.AddTxOut(op, rec)
	}

	local := wtxmgr.LocalTx{
		Tx:       tx,
		Status:   status,
		LastSeen: r.seenAt(),
	}

	// A confirmed transaction that keeps its block needs no update.
	_, rolled := r.rolledBack[txid]
	if !rolled && known.IsSome() {
		old := known.UnwrapOr(wtxmgr.LocalTx{})
		if old.Status.Confirmed && old.Status == status {
			return true, nil
		}
		if old.Status.Confirmed && !status.Confirmed {
			log.Debugf("Ignoring mempool sighting of confirmed tx %v",
				txid)

			return true, nil
		}
	}

	r.cs.AddTx(local)

	return true, nil
}

// status works out the confirmation status of a batch transaction.
func (r *reconciliation) status(txid chainhash.Hash,
	known fn.Option[wtxmgr.LocalTx]) (wtxmgr.ConfirmationStatus, error) {

	claim, ok := r.batch.Confirmations[txid]
	if !ok {
		return wtxmgr.Unconfirmed(), nil
	}

	status := wtxmgr.ConfirmedAt(claim.Height, claim.Hash)

	_, rolled := r.rolledBack[txid]
	old := known.UnwrapOr(wtxmgr.LocalTx{})
	if !rolled && old.Status.Confirmed && old.Status != status {
		return status, fmt.Errorf("%w: tx %v claimed %v but stays %v",
			ErrInconsistentChainData, txid, status, old.Status)
	}

	return status, nil
}

// walletOutputs returns the outputs of tx that pay to wallet scripts.
func (r *reconciliation) walletOutputs(
	tx *wire.MsgTx) map[wire.OutPoint]wtxmgr.TxOutRecord {

	outputs := make(map[wire.OutPoint]wtxmgr.TxOutRecord)

	txid := tx.TxHash()
	for i, out := range tx.TxOut {
		op := wire.OutPoint{Hash: txid, Index: uint32(i)}

		if known := r.snap.TxOut(op); known.IsSome() {
			outputs[op] = known.UnwrapOr(wtxmgr.TxOutRecord{})
			continue
		}

		if r.cfg.owner == nil {
			continue
		}

		keychain, index, ok := r.cfg.owner(out.PkScript)
		if !ok {
			continue
		}

		outputs[op] = wtxmgr.TxOutRecord{
			Amount:   btcutil.Amount(out.Value),
			PkScript: out.PkScript,
			Keychain: keychain,
			Index:    index,
		}
	}

	return outputs
}

// spendsWallet reports whether tx spends a wallet output.
func (r *reconciliation) spendsWallet(tx *wire.MsgTx) bool {
	for _, in := range tx.TxIn {
		if _, ok := r.walletOutPoints[in.PreviousOutPoint]; ok {
			return true
		}
	}

	return false
}

// applyBlocks records every block the batch reports that the local chain
// does not keep, then advances the checkpoint to the batch tip.
func (r *reconciliation) applyBlocks() {
	limit := r.cs.RolledBack.UnwrapOr(-1)

	for height, hash := range r.view {
		dropped := r.cs.RolledBack.IsSome() && height > limit
		if r.snap.BlockHash(height).IsSome() && !dropped {
			continue
		}

		r.cs.Blocks[height] = hash
	}

	r.cs.Checkpoint = fn.Some(r.batch.Tip)
}

// dedupe drops repeated transactions while keeping the batch order.
func dedupe(txs []*wire.MsgTx) []*wire.MsgTx {
	seen := make(map[chainhash.Hash]struct{}, len(txs))
	out := make([]*wire.MsgTx, 0, len(txs))
	for _, tx := range txs {
		if tx == nil {
			continue
		}

		txid := tx.TxHash()
		if _, ok := seen[txid]; ok {
			continue
		}
		seen[txid] = struct{}{}
		out = append(out, tx)
	}

	return out
}

// changedSpends returns the outpoints whose spender differs between the two
// maps. A missing entry counts as unspent.
func changedSpends(before,
	after map[wire.OutPoint]chainhash.Hash) []wire.OutPoint {

	var changed []wire.OutPoint
	for op, spender := range before {
		if after[op] != spender {
			changed = append(changed, op)
		}
	}
	for op, spender := range after {
		if _, ok := before[op]; !ok && spender != (chainhash.Hash{}) {
			changed = append(changed, op)
		}
	}

	slices.SortFunc(changed, wtxmgr.CompareOutPoints)

	return changed
}

func sortedHashes(set map[chainhash.Hash]struct{}) []chainhash.Hash {
	hashes := make([]chainhash.Hash, 0, len(set))
	for hash := range set {
		hashes = append(hashes, hash)
	}

	slices.SortFunc(hashes, func(a, b chainhash.Hash) int {
		return slices.Compare(a[:], b[:])
	})

	return hashes
}
