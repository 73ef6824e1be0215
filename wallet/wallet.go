// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet ties the transaction store, the reconciler, the coin
// selector and the transaction builder to a chain source and a database.
// The engine packages do no I/O. The Wallet fetches, reconciles, persists and
// applies, serialising every mutation behind one lock.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/walletcore/waddrmgr"
	"github.com/btcsuite/walletcore/wtxmgr"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrWalletNotLoaded is returned by operations that need the stored
	// state before Load has run.
	ErrWalletNotLoaded = errors.New("wallet not loaded")
)

// Wallet is a watch-only wallet over one descriptor account. It keeps the
// authoritative state in memory and writes every change to its persister
// before applying it.
type Wallet struct {
	cfg Config

	// mu serialises Sync, Build, Release and Load. The store is not safe
	// for concurrent use, so reads take it too.
	mu sync.Mutex

	// store is the in-memory transaction store.
	store *wtxmgr.Store

	state walletState

	// lastSync is the time of the last successful Sync.
	lastSync time.Time
}

// New creates a wallet with an empty store. Load must be called before the
// wallet is used.
func New(cfg Config) (*Wallet, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Wallet{
		cfg: cfg,
		store: wtxmgr.NewStore(wtxmgr.StoreConfig{
			ChainParams: cfg.ChainParams,
			Clock:       cfg.Clock,
		}),
	}, nil
}

// Load reads the stored state and applies it to the empty store. The used
// address indexes found in it are marked on the provider.
func (w *Wallet) Load(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state.loaded.Load() {
		return ErrWalletAlreadyLoaded
	}

	cs, err := w.cfg.Persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("load wallet state: %w", err)
	}

	if err := w.store.Apply(cs); err != nil {
		return fmt.Errorf("apply stored state: %w", err)
	}

	if err := w.markUsed(cs); err != nil {
		return err
	}

	if err := w.state.toLoaded(); err != nil {
		return err
	}

	log.Infof("Loaded wallet: %d txs, %d outputs, synced to %v",
		len(cs.Txs), len(cs.TxOuts), describeCheckpoint(cs.Checkpoint))

	return nil
}

// Close closes the persister.
func (w *Wallet) Close() error {
	return w.cfg.Persister.Close()
}

// ChainParams returns the network the wallet runs on.
func (w *Wallet) ChainParams() *chaincfg.Params {
	return w.cfg.ChainParams
}

// Balance returns the current wallet balance.
func (w *Wallet) Balance() wtxmgr.Balance {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.store.Balance()
}

// ListUtxos returns the wallet outputs matching the filter.
func (w *Wallet) ListUtxos(filter wtxmgr.UtxoFilter) []wtxmgr.LocalUtxo {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.store.ListUtxos(filter)
}

// GetTransaction returns the stored transaction with the hash.
func (w *Wallet) GetTransaction(txid chainhash.Hash) fn.Option[wtxmgr.LocalTx] {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.store.GetTransaction(txid)
}

// SyncedTo returns the checkpoint the wallet last synced to.
func (w *Wallet) SyncedTo() fn.Option[wtxmgr.Checkpoint] {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.store.Checkpoint()
}

// NewAddress hands out the next unused script of the keychain.
func (w *Wallet) NewAddress(keychain wtxmgr.Keychain) (
	waddrmgr.ScriptTemplate, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	tmpl, err := w.cfg.Provider.NewAddress(keychain)
	if err != nil {
		return waddrmgr.ScriptTemplate{}, fmt.Errorf("new %v "+
			"address: %w", keychain, err)
	}

	log.Debugf("Handed out %v address %v at index %d", keychain,
		tmpl.Address, tmpl.Index)

	return tmpl, nil
}

// Info is a snapshot of the wallet's configuration and sync progress.
type Info struct {
	// ChainParams are the parameters of the wallet's network.
	ChainParams *chaincfg.Params

	// SyncedTo is the checkpoint of the last sync.
	SyncedTo fn.Option[wtxmgr.Checkpoint]

	// LastSync is the time of the last successful sync, or zero.
	LastSync time.Time

	// Running reports whether the sync loop is running.
	Running bool

	// Reservations lists the outputs held by drafts.
	Reservations []wtxmgr.Reservation
}

// Info returns the wallet's static configuration and sync state.
func (w *Wallet) Info() *Info {
	w.mu.Lock()
	defer w.mu.Unlock()

	return &Info{
		ChainParams:  w.cfg.ChainParams,
		SyncedTo:     w.store.Checkpoint(),
		LastSync:     w.lastSync,
		Running:      w.state.isRunning(),
		Reservations: w.store.Reservations(),
	}
}

// markUsed marks the derivation index of every output in the change set as
// used.
//
// NOTE: The caller must hold the lock.
func (w *Wallet) markUsed(cs *wtxmgr.ChangeSet) error {
	for op, rec := range cs.TxOuts {
		err := w.cfg.Provider.MarkUsed(rec.Keychain, rec.Index)
		if err != nil {
			return fmt.Errorf("mark %v index %d of %v used: %w",
				rec.Keychain, rec.Index, op, err)
		}
	}

	return nil
}

// describeCheckpoint formats an optional checkpoint for logging.
func describeCheckpoint(cp fn.Option[wtxmgr.Checkpoint]) string {
	return fn.MapOptionZ(cp, func(c wtxmgr.Checkpoint) string {
		return c.String()
	})
}
