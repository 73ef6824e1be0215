// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/walletcore/chain"
	"github.com/btcsuite/walletcore/wallet/reconciler"
	"github.com/btcsuite/walletcore/wtxmgr"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// SyncResult summarises one Sync call.
type SyncResult struct {
	// ChangeSet is everything the sync applied, merged over all rounds.
	ChangeSet *wtxmgr.ChangeSet

	// Checkpoint is where the wallet is synced to afterwards.
	Checkpoint fn.Option[wtxmgr.Checkpoint]

	// Reorg is the reorg the sync found, if any.
	Reorg fn.Option[reconciler.ReorgEvent]

	// Rounds is the number of fetches it took. Every round after the
	// first rescans for scripts that entered the watch window.
	Rounds int
}

// Sync fetches what changed on the chain since the last checkpoint,
// reconciles it, persists the result and then applies it to the store.
//
// When a round marks new address indexes used the watch window grows, so
// the same range is fetched again for the new scripts. A failed round leaves
// the store and the database as the previous round left them.
func (w *Wallet) Sync(ctx context.Context) (*SyncResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.state.loaded.Load() {
		return nil, ErrWalletNotLoaded
	}

	result := &SyncResult{
		ChangeSet: wtxmgr.NewChangeSet(),
		Reorg:     fn.None[reconciler.ReorgEvent](),
	}

	// Every round starts from the checkpoint the wallet had before the
	// sync so rescans cover the blocks the first round connected.
	since := w.store.Checkpoint()

	for {
		scripts := w.cfg.Provider.Scripts()

		res, err := w.syncRound(ctx, since, scripts)
		if err != nil {
			return nil, err
		}
		result.Rounds++

		result.ChangeSet.Merge(res.ChangeSet)

		// A reorg may have cut the chain below where this sync started,
		// so later rounds rescan from the common ancestor.
		res.Reorg.WhenSome(func(event reconciler.ReorgEvent) {
			result.Reorg = fn.Some(event)

			start := since.UnwrapOr(wtxmgr.Checkpoint{Height: -1})
			if start.Height > event.Ancestor.Height {
				since = fn.Some(event.Ancestor)
			}
		})

		grown := len(w.cfg.Provider.Scripts())
		if grown == len(scripts) {
			break
		}

		log.Debugf("Watch window grew from %d to %d scripts, "+
			"rescanning from %v", len(scripts), grown,
			describeCheckpoint(since))
	}

	result.Checkpoint = w.store.Checkpoint()
	w.lastSync = w.cfg.Clock.Now()

	log.Infof("Synced to %v in %d round(s): %d txs, %d outputs updated",
		describeCheckpoint(result.Checkpoint), result.Rounds,
		len(result.ChangeSet.Txs), len(result.ChangeSet.TxOuts))

	return result, nil
}

// syncRound runs one fetch, reconcile, persist and apply cycle.
//
// NOTE: The caller must hold the lock.
func (w *Wallet) syncRound(ctx context.Context,
	since fn.Option[wtxmgr.Checkpoint],
	scripts [][]byte) (*reconciler.Result, error) {

	snap := w.store.Snapshot()

	req := &chain.FetchRequest{
		Scripts:     scripts,
		OutPoints:   snap.WalletOutPoints(),
		Since:       since,
		KnownBlocks: snap.Blocks(),
	}

	batch, err := w.cfg.ChainSource.Fetch(ctx, req)
	if err != nil {
		return nil, fetchError(err)
	}

	res, err := reconciler.Reconcile(
		snap, batch,
		reconciler.WithOwner(w.owner),
		reconciler.WithClock(w.cfg.Clock),
	)
	if err != nil {
		return nil, fmt.Errorf("reconcile batch: %w", err)
	}

	cs := res.ChangeSet
	if cs.IsEmpty() {
		return res, nil
	}

	// The database goes first. If it fails the store is unchanged and
	// the next sync computes the same change set again.
	if err := w.cfg.Persister.Apply(ctx, cs); err != nil {
		return nil, fmt.Errorf("persist change set: %w", err)
	}

	// Reconcile validated the change set against this snapshot, so under
	// the lock applying it cannot fail unless the store is corrupt.
	if err := w.store.Apply(cs); err != nil {
		return nil, fmt.Errorf("apply change set: %w", err)
	}

	if err := w.markUsed(cs); err != nil {
		return nil, err
	}

	log.Tracef("Applied change set: %v", spewClosure(cs))

	res.Reorg.WhenSome(func(event reconciler.ReorgEvent) {
		log.Infof("Chain reorganised: %v", event)

		for _, op := range event.ChangedSpends {
			log.Debugf("Spender of %v changed in reorg", op)
		}
	})

	return res, nil
}

// owner maps a script to its derivation for the reconciler.
func (w *Wallet) owner(pkScript []byte) (wtxmgr.Keychain, uint32, bool) {
	tmpl, ok := w.cfg.Provider.Lookup(pkScript)
	if !ok {
		return 0, 0, false
	}

	return tmpl.Keychain, tmpl.Index, true
}

// fetchError classifies a chain source failure. Transient failures come
// back as ErrBackendUnavailable so callers can retry.
func fetchError(err error) error {
	switch {
	case errors.Is(err, chain.ErrBackendUnavailable),
		errors.Is(err, chain.ErrTimeout):

		return err

	case chain.IsRetryable(err):
		return fmt.Errorf("%w: %w", chain.ErrBackendUnavailable, err)

	default:
		return fmt.Errorf("fetch chain data: %w", err)
	}
}

// Run syncs once and then on every tick of the sync ticker until the
// context is canceled. Transient backend failures are logged and retried on
// the next tick. Any other failure stops the loop and is returned.
func (w *Wallet) Run(ctx context.Context) error {
	if !w.state.loaded.Load() {
		return ErrWalletNotLoaded
	}

	if err := w.state.toStarted(); err != nil {
		return err
	}
	defer w.state.toStopped()

	t := w.cfg.SyncTicker
	t.Resume()
	defer t.Stop()

	log.Infof("Sync loop started, polling every %v", w.cfg.SyncInterval)

	for {
		if err := w.runSyncStep(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}

			log.Errorf("Sync loop stopped: %v", err)

			return err
		}

		select {
		case <-t.Ticks():

		case <-ctx.Done():
			w.state.toStopping()
			log.Infof("Sync loop shutting down")

			return nil
		}
	}
}

// runSyncStep performs one sync of the loop and swallows transient errors.
func (w *Wallet) runSyncStep(ctx context.Context) error {
	_, err := w.Sync(ctx)
	switch {
	case err == nil:
		return nil

	case ctx.Err() != nil:
		return context.Canceled

	case chain.IsRetryable(err):
		log.Warnf("Sync failed, retrying on next tick: %v", err)

		return nil

	default:
		return err
	}
}
