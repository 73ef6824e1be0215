// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/wire"
)

// watchList decides which transactions are relevant to a fetch. Outputs of
// matched transactions that pay a watched script are added to the watched
// outpoints, so spends later in the same batch are caught too.
type watchList struct {
	scripts   map[string]struct{}
	outPoints map[wire.OutPoint]struct{}
}

func newWatchList(req *FetchRequest) *watchList {
	w := &watchList{
		scripts:   make(map[string]struct{}, len(req.Scripts)),
		outPoints: make(map[wire.OutPoint]struct{}, len(req.OutPoints)),
	}
	for _, script := range req.Scripts {
		w.scripts[string(script)] = struct{}{}
	}
	for _, op := range req.OutPoints {
		w.outPoints[op] = struct{}{}
	}

	return w
}

// match reports whether the transaction pays a watched script or spends a
// watched outpoint.
func (w *watchList) match(tx *wire.MsgTx) bool {
	var relevant bool

	if !blockchain.IsCoinBaseTx(tx) {
		for _, txIn := range tx.TxIn {
			if _, ok := w.outPoints[txIn.PreviousOutPoint]; ok {
				relevant = true
				break
			}
		}
	}

	txid := tx.TxHash()
	for i, txOut := range tx.TxOut {
		if _, ok := w.scripts[string(txOut.PkScript)]; !ok {
			continue
		}

		relevant = true
		w.outPoints[wire.OutPoint{Hash: txid, Index: uint32(i)}] =
			struct{}{}
	}

	return relevant
}
