//go:build itest

package itest

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletcore/wtxmgr"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// fixtureTime is the LastSeen stamp of fixture transactions.
var fixtureTime = time.Unix(1700000000, 0)

// RandomHash generates a random chainhash.Hash for testing.
func RandomHash() chainhash.Hash {
	var h chainhash.Hash

	_, err := rand.Read(h[:])
	if err != nil {
		// This should never happen.
		panic(fmt.Sprintf("failed to generate random hash: %v", err))
	}

	return h
}

// NewFundingFixture returns a transaction paying value to a random P2WPKH
// script together with the record of its wallet output.
func NewFundingFixture(value int64) (*wire.MsgTx, wire.OutPoint,
	wtxmgr.TxOutRecord) {

	hash := RandomHash()
	script := append(
		[]byte{txscript.OP_0, txscript.OP_DATA_20}, hash[:20]...,
	)

	prev := wire.OutPoint{Hash: RandomHash()}
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&prev, nil, nil))
	tx.AddTxOut(wire.NewTxOut(value, script))

	op := wire.OutPoint{Hash: tx.TxHash(), Index: 0}
	rec := wtxmgr.TxOutRecord{
		Amount:   btcutil.Amount(value),
		PkScript: script,
		Keychain: wtxmgr.KeychainExternal,
		Index:    3,
	}

	return tx, op, rec
}

// NewChainFixture returns a change set connecting count random blocks from
// the height and moving the checkpoint to the last one.
func NewChainFixture(from int32, count int) (*wtxmgr.ChangeSet,
	[]chainhash.Hash) {

	cs := wtxmgr.NewChangeSet()
	hashes := make([]chainhash.Hash, 0, count)
	for i := range count {
		hash := RandomHash()
		cs.Blocks[from+int32(i)] = hash
		hashes = append(hashes, hash)
	}

	cs.Checkpoint = fn.Some(wtxmgr.Checkpoint{
		Height: from + int32(count) - 1,
		Hash:   hashes[count-1],
	})

	return cs, hashes
}
