// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// StoreConfig holds the dependencies of a Store.
type StoreConfig struct {
	// ChainParams is used for the coinbase maturity rule.
	ChainParams *chaincfg.Params

	// Clock is used to expire reservations. It defaults to the wall
	// clock.
	Clock clock.Clock
}

// Store is the authoritative in-memory view of wallet transactions, outputs
// and the chain they were reconciled against.
//
// NOTE: Store is not safe for concurrent use. The owner must serialize
// Apply, reservations and reads that feed a transaction build behind one
// lock.
type Store struct {
	chainParams *chaincfg.Params
	clock       clock.Clock

	txs        map[chainhash.Hash]*LocalTx
	txOuts     map[wire.OutPoint]TxOutRecord
	blocks     map[int32]chainhash.Hash
	checkpoint fn.Option[Checkpoint]

	// spends indexes every known transaction input by the outpoint it
	// spends. Conflicting spends show up as sets with several members.
	spends map[wire.OutPoint]fn.Set[chainhash.Hash]

	reservations map[wire.OutPoint]reservation
}

// A compile-time assertion to ensure Store implements TxStore.
var _ TxStore = (*Store)(nil)

// NewStore creates an empty store.
func NewStore(cfg StoreConfig) *Store {
	params := cfg.ChainParams
	if params == nil {
		params = &chaincfg.MainNetParams
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	return &Store{
		chainParams:  params,
		clock:        clk,
		txs:          make(map[chainhash.Hash]*LocalTx),
		txOuts:       make(map[wire.OutPoint]TxOutRecord),
		blocks:       make(map[int32]chainhash.Hash),
		checkpoint:   fn.None[Checkpoint](),
		spends:       make(map[wire.OutPoint]fn.Set[chainhash.Hash]),
		reservations: make(map[wire.OutPoint]reservation),
	}
}

// Apply commits the change set atomically. The change set is validated
// against the resulting state first, so on error the store is left exactly
// as it was.
func (s *Store) Apply(cs *ChangeSet) error {
	if cs == nil {
		return ErrNilChangeSet
	}

	if err := s.validate(cs); err != nil {
		return err
	}

	s.commit(cs)

	log.Debugf("Applied change set: %d txs, %d outputs, %d blocks, "+
		"checkpoint=%v", len(cs.Txs), len(cs.TxOuts), len(cs.Blocks),
		s.checkpoint)

	return nil
}

// blockAfter returns the block hash the checkpoint chain will hold at the
// height once the change set is applied.
func (s *Store) blockAfter(cs *ChangeSet, height int32) fn.Option[chainhash.Hash] {
	if hash, ok := cs.Blocks[height]; ok {
		return fn.Some(hash)
	}

	rolledBack := cs.RolledBack.UnwrapOr(height)
	if height > rolledBack {
		return fn.None[chainhash.Hash]()
	}

	if hash, ok := s.blocks[height]; ok {
		return fn.Some(hash)
	}

	return fn.None[chainhash.Hash]()
}

// validate checks that applying the change set keeps the store invariants.
func (s *Store) validate(cs *ChangeSet) error {
	// Blocks at or below a rollback point cannot be replaced.
	for height, hash := range cs.Blocks {
		existing, ok := s.blocks[height]
		if !ok || existing == hash {
			continue
		}

		rolledBack := cs.RolledBack.UnwrapOr(height)
		if height <= rolledBack {
			return fmt.Errorf("%w: height %d replaced %v with %v "+
				"without rollback", ErrBlockMismatch, height,
				existing, hash)
		}
	}

	for txid, tx := range cs.Txs {
		if tx.Tx == nil || tx.Tx.TxHash() != txid {
			return fmt.Errorf("%w: %v", ErrTxHashMismatch, txid)
		}

		if err := s.checkConfirmation(cs, txid, tx.Status); err != nil {
			return err
		}

		old, ok := s.txs[txid]
		if !ok || !old.Status.Confirmed || old.Status == tx.Status {
			continue
		}

		// A confirmed transaction may only move once the block it
		// was confirmed in has been rolled back.
		rolledBack := cs.RolledBack.UnwrapOr(old.Status.Height)
		if rolledBack >= old.Status.Height {
			return fmt.Errorf("%w: %v from %v to %v",
				ErrConfirmationRewrite, txid, old.Status,
				tx.Status)
		}
	}

	// Confirmed transactions left untouched by the change set must still
	// sit on the resulting chain.
	for txid, tx := range s.txs {
		if _, ok := cs.Txs[txid]; ok || !tx.Status.Confirmed {
			continue
		}

		if err := s.checkConfirmation(cs, txid, tx.Status); err != nil {
			return err
		}
	}

	for op, rec := range cs.TxOuts {
		if err := s.checkTxOut(cs, op, rec); err != nil {
			return err
		}
	}

	return s.checkCheckpoint(cs)
}

// checkConfirmation ensures a confirmed status points at a block of the
// resulting chain.
func (s *Store) checkConfirmation(cs *ChangeSet, txid chainhash.Hash,
	status ConfirmationStatus) error {

	if !status.Confirmed {
		return nil
	}

	hash := s.blockAfter(cs, status.Height)
	if hash.UnwrapOr(chainhash.Hash{}) != status.BlockHash ||
		hash.IsNone() {

		return fmt.Errorf("%w: tx %v claims %v", ErrBlockMismatch,
			txid, status)
	}

	return nil
}

// checkTxOut ensures the output record has an owning transaction and
// matches it.
func (s *Store) checkTxOut(cs *ChangeSet, op wire.OutPoint,
	rec TxOutRecord) error {

	var owner *wire.MsgTx
	if tx, ok := cs.Txs[op.Hash]; ok {
		owner = tx.Tx
	} else if tx, ok := s.txs[op.Hash]; ok {
		owner = tx.Tx
	}

	if owner == nil {
		return fmt.Errorf("%w: %v", ErrOrphanTxOut, op)
	}

	if int(op.Index) >= len(owner.TxOut) {
		return fmt.Errorf("%w: %v out of range", ErrInvalidTxOut, op)
	}

	out := owner.TxOut[op.Index]
	if btcutil.Amount(out.Value) != rec.Amount ||
		!bytes.Equal(out.PkScript, rec.PkScript) {

		return fmt.Errorf("%w: %v", ErrInvalidTxOut, op)
	}

	return nil
}

// checkCheckpoint enforces that the checkpoint only moves backwards together
// with a rollback, and that it names a block of the resulting chain.
func (s *Store) checkCheckpoint(cs *ChangeSet) error {
	if cs.Checkpoint.IsNone() {
		return nil
	}
	next := cs.Checkpoint.UnwrapOr(Checkpoint{})

	hash := s.blockAfter(cs, next.Height)
	if hash.IsSome() && hash.UnwrapOr(next.Hash) != next.Hash {
		return fmt.Errorf("%w: checkpoint %v", ErrBlockMismatch, next)
	}

	current := s.checkpoint.UnwrapOr(Checkpoint{Height: -1})
	if next.Height >= current.Height {
		return nil
	}

	// Moving backwards is only allowed down to the rollback point.
	rolledBack := cs.RolledBack.UnwrapOr(current.Height)
	if next.Height < rolledBack {
		return fmt.Errorf("%w: %v to %v", ErrCheckpointRegression,
			current, next)
	}

	return nil
}

// commit writes a validated change set. It cannot fail.
func (s *Store) commit(cs *ChangeSet) {
	cs.RolledBack.WhenSome(func(height int32) {
		for h := range s.blocks {
			if h > height {
				delete(s.blocks, h)
			}
		}

		// Without a new checkpoint the old one would point at a
		// discarded block.
		current := s.checkpoint.UnwrapOr(Checkpoint{Height: -1})
		if cs.Checkpoint.IsNone() && current.Height > height {
			s.checkpoint = fn.None[Checkpoint]()
			if hash, ok := s.blocks[height]; ok {
				s.checkpoint = fn.Some(Checkpoint{
					Height: height,
					Hash:   hash,
				})
			}
		}
	})

	for height, hash := range cs.Blocks {
		s.blocks[height] = hash
	}

	for txid, tx := range cs.Txs {
		if _, ok := s.txs[txid]; !ok {
			s.indexSpends(txid, tx.Tx)
		}

		rec := tx
		s.txs[txid] = &rec
	}

	for op, rec := range cs.TxOuts {
		s.txOuts[op] = rec
	}

	if cs.Checkpoint.IsSome() {
		s.checkpoint = cs.Checkpoint
	}

	s.pruneReservations()
}

// indexSpends adds every input of the transaction to the spend index.
func (s *Store) indexSpends(txid chainhash.Hash, tx *wire.MsgTx) {
	if blockchain.IsCoinBaseTx(tx) {
		return
	}

	for _, txIn := range tx.TxIn {
		op := txIn.PreviousOutPoint

		spenders, ok := s.spends[op]
		if !ok {
			spenders = fn.NewSet[chainhash.Hash]()
			s.spends[op] = spenders
		}
		spenders.Add(txid)
	}
}

// GetTransaction returns the transaction with the given hash, if known.
func (s *Store) GetTransaction(txid chainhash.Hash) fn.Option[LocalTx] {
	tx, ok := s.txs[txid]
	if !ok {
		return fn.None[LocalTx]()
	}

	return fn.Some(*tx)
}

// Transactions returns all known transactions ordered by confirmation height
// with unconfirmed transactions last.
func (s *Store) Transactions() []LocalTx {
	txs := make([]LocalTx, 0, len(s.txs))
	for _, tx := range s.txs {
		txs = append(txs, *tx)
	}

	slices.SortFunc(txs, func(a, b LocalTx) int {
		if c := compareStatus(a.Status, b.Status); c != 0 {
			return c
		}

		ah, bh := a.TxHash(), b.TxHash()

		return compareHash(&ah, &bh)
	})

	return txs
}

// TxOut returns the wallet output record for the outpoint, if any.
func (s *Store) TxOut(op wire.OutPoint) fn.Option[TxOutRecord] {
	rec, ok := s.txOuts[op]
	if !ok {
		return fn.None[TxOutRecord]()
	}

	return fn.Some(rec)
}

// Checkpoint returns the last synced checkpoint.
func (s *Store) Checkpoint() fn.Option[Checkpoint] {
	return s.checkpoint
}

// BlockHash returns the hash the checkpoint chain holds at the height.
func (s *Store) BlockHash(height int32) fn.Option[chainhash.Hash] {
	hash, ok := s.blocks[height]
	if !ok {
		return fn.None[chainhash.Hash]()
	}

	return fn.Some(hash)
}

// Blocks returns the checkpoint chain ordered by height.
func (s *Store) Blocks() []Checkpoint {
	blocks := make([]Checkpoint, 0, len(s.blocks))
	for height, hash := range s.blocks {
		blocks = append(blocks, Checkpoint{Height: height, Hash: hash})
	}

	slices.SortFunc(blocks, func(a, b Checkpoint) int {
		return int(a.Height) - int(b.Height)
	})

	return blocks
}

// Spender returns the transaction currently spending the outpoint, if any.
func (s *Store) Spender(op wire.OutPoint) fn.Option[chainhash.Hash] {
	return s.newSpendView().spentBy(op)
}

// Initial returns the complete store state as a change set. Applying it to
// an empty store reproduces this store, reservations aside.
func (s *Store) Initial() *ChangeSet {
	cs := NewChangeSet()
	for txid, tx := range s.txs {
		cs.Txs[txid] = *tx
	}
	for op, rec := range s.txOuts {
		cs.TxOuts[op] = rec
	}
	for height, hash := range s.blocks {
		cs.Blocks[height] = hash
	}
	cs.Checkpoint = s.checkpoint

	return cs
}

// tipHeight returns the checkpoint height, or -1 before the first sync.
func (s *Store) tipHeight() int32 {
	return s.checkpoint.UnwrapOr(Checkpoint{Height: -1}).Height
}

// compareStatus orders confirmed transactions by height and puts unconfirmed
// ones last.
func compareStatus(a, b ConfirmationStatus) int {
	switch {
	case a.Confirmed && !b.Confirmed:
		return -1

	case !a.Confirmed && b.Confirmed:
		return 1

	case a.Height < b.Height:
		return -1

	case a.Height > b.Height:
		return 1

	default:
		return 0
	}
}
