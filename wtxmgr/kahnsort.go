// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"slices"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

type graphNode struct {
	outEdges []chainhash.Hash
	inDegree int
}

// makeGraph links every transaction in the set to the transactions in the
// set that spend one of its outputs.
func makeGraph(set map[chainhash.Hash]*LocalTx) map[chainhash.Hash]*graphNode {
	graph := make(map[chainhash.Hash]*graphNode, len(set))
	for txid := range set {
		graph[txid] = &graphNode{}
	}

	for txid, tx := range set {
		parents := make(map[chainhash.Hash]struct{})
		for _, txIn := range tx.Tx.TxIn {
			parent := txIn.PreviousOutPoint.Hash

			// Inputs that reference transactions outside the set
			// do not create any local edges.
			if _, ok := set[parent]; !ok || parent == txid {
				continue
			}

			// Skip duplicate edges.
			if _, ok := parents[parent]; ok {
				continue
			}
			parents[parent] = struct{}{}

			graph[parent].outEdges = append(
				graph[parent].outEdges, txid,
			)
			graph[txid].inDegree++
		}
	}

	return graph
}

// dependencySort topologically sorts a set of transactions so that parents
// come before the children spending them. It is implemented with Kahn's
// algorithm. Nodes that become ready at the same time are taken in hash
// order so the result does not depend on map iteration.
func dependencySort(set map[chainhash.Hash]*LocalTx) []chainhash.Hash {
	graph := makeGraph(set)

	ready := make([]chainhash.Hash, 0, len(set))
	for txid, node := range graph {
		if node.inDegree == 0 {
			ready = append(ready, txid)
		}
	}
	slices.SortFunc(ready, func(a, b chainhash.Hash) int {
		return compareHash(&a, &b)
	})

	sorted := make([]chainhash.Hash, 0, len(set))
	for len(ready) != 0 {
		txid := ready[0]
		ready = ready[1:]
		sorted = append(sorted, txid)

		var next []chainhash.Hash
		for _, child := range graph[txid].outEdges {
			node := graph[child]
			node.inDegree--
			if node.inDegree == 0 {
				next = append(next, child)
			}
		}
		slices.SortFunc(next, func(a, b chainhash.Hash) int {
			return compareHash(&a, &b)
		})
		ready = append(ready, next...)
	}

	return sorted
}
