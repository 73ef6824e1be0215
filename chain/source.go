// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletcore/pkg/btcunit"
	"github.com/btcsuite/walletcore/wtxmgr"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// BlockRef locates a block on the chain.
type BlockRef struct {
	Height int32
	Hash   chainhash.Hash
}

// FetchRequest describes what the wallet wants to learn about.
type FetchRequest struct {
	// Scripts are the output scripts the wallet watches.
	Scripts [][]byte

	// OutPoints are the wallet outputs watched for spends.
	OutPoints []wire.OutPoint

	// Since is the last checkpoint the wallet synced to. None means the
	// source starts from its configured birthday.
	Since fn.Option[wtxmgr.Checkpoint]

	// KnownBlocks is the wallet's checkpoint chain ordered by height. The
	// source reports its own hashes for the tail of it so that reorgs
	// become visible.
	KnownBlocks []wtxmgr.Checkpoint
}

// Batch is the chain data a source returns for one fetch. It is not
// guaranteed to be internally consistent and is validated by the caller.
type Batch struct {
	// Txs are the relevant transactions, mined or in the mempool.
	Txs []*wire.MsgTx

	// Confirmations maps the hash of each mined transaction in Txs to
	// the block it was mined in.
	Confirmations map[chainhash.Hash]BlockRef

	// Blocks holds the hash of every height the source looked at.
	Blocks map[int32]chainhash.Hash

	// Tip is the highest block covered by the batch.
	Tip wtxmgr.Checkpoint

	// SeenAt is when the unconfirmed transactions were observed.
	SeenAt time.Time
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{
		Confirmations: make(map[chainhash.Hash]BlockRef),
		Blocks:        make(map[int32]chainhash.Hash),
	}
}

// AddConfirmed adds a transaction mined in the given block.
func (b *Batch) AddConfirmed(tx *wire.MsgTx, block BlockRef) {
	b.Txs = append(b.Txs, tx)
	b.Confirmations[tx.TxHash()] = block
	b.Blocks[block.Height] = block.Hash
}

// AddUnconfirmed adds a mempool transaction.
func (b *Batch) AddUnconfirmed(tx *wire.MsgTx) {
	b.Txs = append(b.Txs, tx)
}

// ChainSource is the wallet's view of the outside chain.
type ChainSource interface {
	// Fetch returns the transactions relevant to the request that the
	// source learned about since the request's checkpoint.
	Fetch(ctx context.Context, req *FetchRequest) (*Batch, error)

	// MinRelayFee returns the backend's minimum relay fee rate.
	MinRelayFee(ctx context.Context) (btcunit.SatPerKWeight, error)
}
