// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletcore/pkg/btcunit"
	"github.com/btcsuite/walletcore/wtxmgr"
	"github.com/lightningnetwork/lnd/clock"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultReorgSafetyDepth is the number of blocks below the last
	// checkpoint whose hashes are re-reported on every fetch.
	DefaultReorgSafetyDepth = 6

	// DefaultMaxBlocksPerFetch caps the number of blocks scanned by a
	// single fetch. A wallet far behind catches up over several fetches.
	DefaultMaxBlocksPerFetch = 2016

	// DefaultFetchConcurrency is the number of RPC requests in flight
	// while downloading blocks and mempool transactions.
	DefaultFetchConcurrency = 8
)

// RPCClient is the subset of the bitcoind RPC interface the source uses.
// It is satisfied by *rpcclient.Client.
type RPCClient interface {
	GetBlockCount() (int64, error)
	GetBlockHash(blockHeight int64) (*chainhash.Hash, error)
	GetBlock(blockHash *chainhash.Hash) (*wire.MsgBlock, error)
	GetRawMempool() ([]*chainhash.Hash, error)
	GetRawTransaction(txHash *chainhash.Hash) (*btcutil.Tx, error)
	GetNetworkInfo() (*btcjson.GetNetworkInfoResult, error)
}

// BitcoindConfig holds the settings of a BitcoindSource.
type BitcoindConfig struct {
	// Host is the host:port of the bitcoind RPC server.
	Host string

	// User and Pass are the RPC credentials.
	User string
	Pass string

	// ChainParams is the network bitcoind runs on.
	ChainParams *chaincfg.Params

	// BirthdayHeight is where the first fetch starts scanning.
	BirthdayHeight int32

	// ReorgSafetyDepth defaults to DefaultReorgSafetyDepth.
	ReorgSafetyDepth int32

	// MaxBlocksPerFetch defaults to DefaultMaxBlocksPerFetch.
	MaxBlocksPerFetch int32

	// Concurrency defaults to DefaultFetchConcurrency.
	Concurrency int

	// Clock stamps the time mempool transactions were seen.
	Clock clock.Clock
}

// BitcoindSource is a ChainSource that polls a bitcoind node over RPC. Each
// fetch scans the blocks above the wallet's checkpoint and the mempool for
// transactions touching the watched scripts and outpoints.
type BitcoindSource struct {
	cfg     BitcoindConfig
	client  RPCClient
	mempool *mempool
}

// A compile-time check to ensure that BitcoindSource satisfies the
// ChainSource interface.
var _ ChainSource = (*BitcoindSource)(nil)

// NewBitcoindSource creates a source connected to bitcoind in HTTP POST mode.
func NewBitcoindSource(cfg BitcoindConfig) (*BitcoindSource, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:                 cfg.Host,
		User:                 cfg.User,
		Pass:                 cfg.Pass,
		DisableAutoReconnect: false,
		DisableConnectOnNew:  true,
		DisableTLS:           true,
		HTTPPostMode:         true,
	}, nil)
	if err != nil {
		return nil, err
	}

	return newBitcoindSource(client, cfg), nil
}

// newBitcoindSource wraps an RPC client, filling in config defaults.
func newBitcoindSource(client RPCClient, cfg BitcoindConfig) *BitcoindSource {
	if cfg.ChainParams == nil {
		cfg.ChainParams = &chaincfg.MainNetParams
	}
	if cfg.ReorgSafetyDepth <= 0 {
		cfg.ReorgSafetyDepth = DefaultReorgSafetyDepth
	}
	if cfg.MaxBlocksPerFetch <= 0 {
		cfg.MaxBlocksPerFetch = DefaultMaxBlocksPerFetch
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultFetchConcurrency
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &BitcoindSource{
		cfg:     cfg,
		client:  client,
		mempool: newMempool(),
	}
}

// Stop shuts down the underlying RPC client.
func (b *BitcoindSource) Stop() {
	if client, ok := b.client.(*rpcclient.Client); ok {
		client.Shutdown()
	}
}

// Fetch scans the chain above the request's checkpoint and the mempool.
//
// NOTE: This is part of the ChainSource interface.
func (b *BitcoindSource) Fetch(ctx context.Context,
	req *FetchRequest) (*Batch, error) {

	if err := ctx.Err(); err != nil {
		return nil, mapRPCError(ctx, "fetch", err)
	}

	count, err := b.client.GetBlockCount()
	if err != nil {
		return nil, mapRPCError(ctx, "getblockcount", err)
	}
	best := int32(count)

	batch := NewBatch()

	start, err := b.startHeight(ctx, req, best, batch)
	if err != nil {
		return nil, err
	}
	end := min(best, start+b.cfg.MaxBlocksPerFetch-1)

	blocks, err := b.fetchBlocks(ctx, start, end)
	if err != nil {
		return nil, err
	}

	watch := newWatchList(req)
	for i, block := range blocks {
		ref := BlockRef{
			Height: start + int32(i),
			Hash:   block.BlockHash(),
		}
		batch.Blocks[ref.Height] = ref.Hash

		for _, tx := range block.Transactions {
			if watch.match(tx) {
				batch.AddConfirmed(tx, ref)
			}
		}
	}

	tip := end
	if end < start {
		tip = start - 1
	}
	tipHash, ok := batch.Blocks[tip]
	if !ok {
		hash, err := b.blockHash(ctx, tip)
		if err != nil {
			return nil, err
		}
		tipHash = hash
		batch.Blocks[tip] = hash
	}
	batch.Tip = wtxmgr.Checkpoint{Height: tip, Hash: tipHash}

	// The mempool only makes sense on top of the best block.
	if tip == best {
		if err := b.scanMempool(ctx, watch, batch); err != nil {
			return nil, err
		}
	}
	batch.SeenAt = b.cfg.Clock.Now()

	log.Debugf("Fetched blocks %d-%d (best %d): %d relevant txs, "+
		"%d confirmed", start, end, best, len(batch.Txs),
		len(batch.Confirmations))

	return batch, nil
}

// startHeight returns the first height to scan. The known chain is walked
// backwards from the checkpoint and compared with the backend, so that the
// scan restarts at the lowest height the backend disagrees on. The hashes of
// at least ReorgSafetyDepth heights are recorded in the batch.
func (b *BitcoindSource) startHeight(ctx context.Context, req *FetchRequest,
	best int32, batch *Batch) (int32, error) {

	if req.Since.IsNone() {
		return min(max(b.cfg.BirthdayHeight, 0), best+1), nil
	}
	since := req.Since.UnwrapOr(wtxmgr.Checkpoint{})

	start := since.Height + 1
	for i := len(req.KnownBlocks) - 1; i >= 0; i-- {
		known := req.KnownBlocks[i]
		if known.Height > since.Height {
			continue
		}

		// Blocks above the backend's best block are gone.
		if known.Height > best {
			start = known.Height
			continue
		}

		hash, err := b.blockHash(ctx, known.Height)
		if err != nil {
			return 0, err
		}
		batch.Blocks[known.Height] = hash

		if hash != known.Hash {
			log.Debugf("Block %d differs: have %v, backend has %v",
				known.Height, known.Hash, hash)

			start = known.Height
			continue
		}

		// A match below the safety window ends the walk.
		if since.Height-known.Height+1 >= b.cfg.ReorgSafetyDepth {
			break
		}
	}

	return min(start, best+1), nil
}

// blockHash fetches the hash of the block at the height.
func (b *BitcoindSource) blockHash(ctx context.Context,
	height int32) (chainhash.Hash, error) {

	hash, err := b.client.GetBlockHash(int64(height))
	if err != nil {
		return chainhash.Hash{}, mapRPCError(ctx, "getblockhash", err)
	}

	return *hash, nil
}

// fetchBlocks downloads the blocks in [start, end] concurrently and returns
// them in height order.
func (b *BitcoindSource) fetchBlocks(ctx context.Context,
	start, end int32) ([]*wire.MsgBlock, error) {

	if end < start {
		return nil, nil
	}

	blocks := make([]*wire.MsgBlock, end-start+1)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Concurrency)

	for height := start; height <= end; height++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return mapRPCError(ctx, "getblock", err)
			}

			hash, err := b.blockHash(gctx, height)
			if err != nil {
				return err
			}

			block, err := b.client.GetBlock(&hash)
			if err != nil {
				return mapRPCError(ctx, "getblock", err)
			}
			blocks[height-start] = block

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return blocks, nil
}

// scanMempool refreshes the mempool cache and adds the relevant mempool
// transactions to the batch.
func (b *BitcoindSource) scanMempool(ctx context.Context, watch *watchList,
	batch *Batch) error {

	hashes, err := b.client.GetRawMempool()
	if err != nil {
		return mapRPCError(ctx, "getrawmempool", err)
	}

	b.mempool.unmarkAll()

	var fresh []*chainhash.Hash
	for _, hash := range hashes {
		if b.mempool.containsTx(*hash) {
			b.mempool.mark(*hash)
			continue
		}
		fresh = append(fresh, hash)
	}

	txs, err := b.fetchTransactions(ctx, fresh)
	if err != nil {
		return err
	}
	for _, tx := range txs {
		if tx != nil {
			b.mempool.add(tx)
		}
	}

	// Unmarked transactions were mined or evicted since the last poll.
	b.mempool.deleteUnmarked()

	// Mempool order says nothing about dependencies, so keep sweeping
	// until no more children of relevant transactions show up.
	pending := b.mempool.sorted()
	for {
		var (
			rest  []*wire.MsgTx
			found bool
		)
		for _, tx := range pending {
			if watch.match(tx) {
				batch.AddUnconfirmed(tx)
				found = true

				continue
			}
			rest = append(rest, tx)
		}

		if !found {
			return nil
		}
		pending = rest
	}
}

// fetchTransactions downloads the mempool transactions concurrently. A
// transaction that left the mempool in the meantime yields a nil entry.
func (b *BitcoindSource) fetchTransactions(ctx context.Context,
	hashes []*chainhash.Hash) ([]*wire.MsgTx, error) {

	txs := make([]*wire.MsgTx, len(hashes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Concurrency)

	for i, hash := range hashes {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return mapRPCError(ctx, "getrawtransaction", err)
			}

			tx, err := b.client.GetRawTransaction(hash)
			switch {
			case isNoTxInfo(err):
				log.Tracef("Mempool tx %v vanished", hash)
				return nil

			case err != nil:
				return mapRPCError(
					ctx, "getrawtransaction", err,
				)
			}

			txs[i] = tx.MsgTx()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return txs, nil
}

// MinRelayFee returns the relay fee bitcoind enforces.
//
// NOTE: This is part of the ChainSource interface.
func (b *BitcoindSource) MinRelayFee(
	ctx context.Context) (btcunit.SatPerKWeight, error) {

	info, err := b.client.GetNetworkInfo()
	if err != nil {
		return btcunit.ZeroFeeRate, mapRPCError(
			ctx, "getnetworkinfo", err,
		)
	}

	// The relay fee is reported in BTC/kvB.
	relayFee, err := btcutil.NewAmount(info.RelayFee)
	if err != nil {
		return btcunit.ZeroFeeRate, fmt.Errorf("invalid relay fee "+
			"%v: %w", info.RelayFee, err)
	}

	return btcunit.NewSatPerKVByte(relayFee), nil
}

// isNoTxInfo reports whether bitcoind answered that it does not know the
// transaction.
func isNoTxInfo(err error) bool {
	var rpcErr *btcjson.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}

	return rpcErr.Code == btcjson.ErrRPCNoTxInfo
}
