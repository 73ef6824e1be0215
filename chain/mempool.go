// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"slices"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// mempoolEntry is a cached mempool transaction. The marked flag records
// whether the backend still reported it in the latest poll.
type mempoolEntry struct {
	tx     *wire.MsgTx
	marked bool
}

// mempool caches the backend's mempool between fetches so that only new
// transactions are downloaded.
type mempool struct {
	sync.Mutex

	txs map[chainhash.Hash]*mempoolEntry
}

// newMempool creates a new mempool object.
func newMempool() *mempool {
	return &mempool{
		txs: make(map[chainhash.Hash]*mempoolEntry),
	}
}

// containsTx returns true if the given transaction hash is already in our
// mempool.
func (m *mempool) containsTx(hash chainhash.Hash) bool {
	m.Lock()
	defer m.Unlock()

	_, ok := m.txs[hash]

	return ok
}

// add inserts the given transaction into our mempool and marks it to
// indicate that it should not be deleted.
func (m *mempool) add(tx *wire.MsgTx) {
	m.Lock()
	defer m.Unlock()

	m.txs[tx.TxHash()] = &mempoolEntry{tx: tx, marked: true}
}

// unmarkAll un-marks all the transactions in the mempool. This should be done
// just before we re-evaluate the contents of our local mempool compared to
// the chain backend's mempool.
func (m *mempool) unmarkAll() {
	m.Lock()
	defer m.Unlock()

	for _, entry := range m.txs {
		entry.marked = false
	}
}

// mark marks the transaction of the given hash to indicate that it is still
// present in the chain backend's mempool.
func (m *mempool) mark(hash chainhash.Hash) {
	m.Lock()
	defer m.Unlock()

	if entry, ok := m.txs[hash]; ok {
		entry.marked = true
	}
}

// deleteUnmarked removes all the unmarked transactions from our local
// mempool.
func (m *mempool) deleteUnmarked() {
	m.Lock()
	defer m.Unlock()

	for hash, entry := range m.txs {
		if !entry.marked {
			delete(m.txs, hash)
		}
	}
}

// sorted returns the cached transactions ordered by hash.
func (m *mempool) sorted() []*wire.MsgTx {
	m.Lock()
	defer m.Unlock()

	hashes := make([]chainhash.Hash, 0, len(m.txs))
	for hash := range m.txs {
		hashes = append(hashes, hash)
	}
	slices.SortFunc(hashes, func(a, b chainhash.Hash) int {
		return bytes.Compare(a[:], b[:])
	})

	txs := make([]*wire.MsgTx, 0, len(hashes))
	for _, hash := range hashes {
		txs = append(txs, m.txs[hash].tx)
	}

	return txs
}
