package wtxmgr

import (
	"bytes"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

var (
	// testTime is the fixed time the test clock starts at.
	testTime = time.Unix(1700000000, 0)

	// externalOutPoint is an output the wallet does not own.
	externalOutPoint = wire.OutPoint{
		Hash:  chainhash.Hash{0xee},
		Index: 7,
	}
)

// newTestStore creates a store on regtest parameters with a test clock.
func newTestStore(t *testing.T) (*Store, *clock.TestClock) {
	t.Helper()

	clk := clock.NewTestClock(testTime)
	store := NewStore(StoreConfig{
		ChainParams: &chaincfg.RegressionNetParams,
		Clock:       clk,
	})

	return store, clk
}

// walletScript returns a distinct P2WPKH script for the given seed.
func walletScript(seed byte) []byte {
	script := []byte{txscript.OP_0, txscript.OP_DATA_20}

	return append(script, bytes.Repeat([]byte{seed}, 20)...)
}

// blockHash returns a deterministic block hash for the height on the given
// fork.
func blockHash(height int32, fork byte) chainhash.Hash {
	var hash chainhash.Hash
	hash[0] = fork
	hash[1] = byte(height)
	hash[2] = byte(height >> 8)

	return hash
}

// newTx builds a transaction spending the inputs and paying the values to
// the given scripts.
func newTx(inputs []wire.OutPoint, values []int64, scripts [][]byte) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	for _, op := range inputs {
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	}
	for i, value := range values {
		tx.AddTxOut(wire.NewTxOut(value, scripts[i]))
	}

	return tx
}

// fundingTx returns a transaction from an external party paying the value
// to a wallet script. The nonce keeps hashes distinct.
func fundingTx(nonce uint32, value int64, script []byte) *wire.MsgTx {
	in := externalOutPoint
	in.Index = nonce

	return newTx([]wire.OutPoint{in}, []int64{value}, [][]byte{script})
}

// coinbaseTx returns a coinbase paying the value to a wallet script.
func coinbaseTx(height int32, value int64, script []byte) *wire.MsgTx {
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript:  []byte{byte(height), byte(height >> 8), 0x51},
	})
	tx.AddTxOut(wire.NewTxOut(value, script))

	return tx
}

// record returns a change set entry for the wallet output of tx at index.
func record(tx *wire.MsgTx, index uint32, keychain Keychain,
	derivation uint32) (wire.OutPoint, TxOutRecord) {

	out := tx.TxOut[index]

	return wire.OutPoint{Hash: tx.TxHash(), Index: index}, TxOutRecord{
		Amount:   btcutil.Amount(out.Value),
		PkScript: out.PkScript,
		Keychain: keychain,
		Index:    derivation,
	}
}

// csBuilder assembles change sets in tests.
type csBuilder struct {
	cs *ChangeSet
}

func newCS() *csBuilder {
	return &csBuilder{cs: NewChangeSet()}
}

// confirmed adds tx confirmed at height on fork, with its block.
func (b *csBuilder) confirmed(tx *wire.MsgTx, height int32,
	fork byte) *csBuilder {

	hash := blockHash(height, fork)
	b.cs.Blocks[height] = hash
	b.cs.AddTx(LocalTx{Tx: tx, Status: ConfirmedAt(height, hash)})

	return b
}

// unconfirmed adds tx as seen at the given time.
func (b *csBuilder) unconfirmed(tx *wire.MsgTx, seen time.Time) *csBuilder {
	b.cs.AddTx(LocalTx{Tx: tx, LastSeen: seen})

	return b
}

// owns records output index of tx as a wallet output.
func (b *csBuilder) owns(tx *wire.MsgTx, index uint32,
	keychain Keychain) *csBuilder {

	op, rec := record(tx, index, keychain, index)
	b.cs.AddTxOut(op, rec)

	return b
}

// tip sets the checkpoint to height on fork.
func (b *csBuilder) tip(height int32, fork byte) *csBuilder {
	hash := blockHash(height, fork)
	b.cs.Blocks[height] = hash
	b.cs.Checkpoint = fn.Some(Checkpoint{Height: height, Hash: hash})

	return b
}

// rollback discards blocks above the height.
func (b *csBuilder) rollback(height int32) *csBuilder {
	b.cs.RolledBack = fn.Some(height)

	return b
}

func (b *csBuilder) build() *ChangeSet {
	return b.cs
}

// outPoint returns the outpoint of tx at index.
func outPoint(tx *wire.MsgTx, index uint32) wire.OutPoint {
	return wire.OutPoint{Hash: tx.TxHash(), Index: index}
}

// requireApply applies the change set and fails the test on error.
func requireApply(t *testing.T, s *Store, cs *ChangeSet) {
	t.Helper()

	require.NoError(t, s.Apply(cs))
}
