package reconciler

import (
	"bytes"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletcore/chain"
	"github.com/btcsuite/walletcore/wtxmgr"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var (
	testTime = time.Unix(1700000000, 0)

	// walletPkScript is the only script the test wallet owns.
	walletPkScript = p2wpkh(0x01)

	// otherPkScript belongs to somebody else.
	otherPkScript = p2wpkh(0x02)
)

func p2wpkh(seed byte) []byte {
	script := []byte{txscript.OP_0, txscript.OP_DATA_20}

	return append(script, bytes.Repeat([]byte{seed}, 20)...)
}

// testOwner recognises walletPkScript as external index 3.
func testOwner(pkScript []byte) (wtxmgr.Keychain, uint32, bool) {
	if bytes.Equal(pkScript, walletPkScript) {
		return wtxmgr.KeychainExternal, 3, true
	}

	return 0, 0, false
}

func blockHash(height int32, fork byte) chainhash.Hash {
	var hash chainhash.Hash
	hash[0] = fork
	hash[1] = byte(height)
	hash[2] = byte(height >> 8)

	return hash
}

// payTx spends the inputs and pays value to the script. The nonce keeps
// hashes distinct.
func payTx(nonce uint32, inputs []wire.OutPoint, value int64,
	script []byte) *wire.MsgTx {

	tx := wire.NewMsgTx(2)
	if len(inputs) == 0 {
		inputs = []wire.OutPoint{{Hash: chainhash.Hash{0xee}, Index: nonce}}
	}
	for _, op := range inputs {
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	}
	tx.AddTxOut(wire.NewTxOut(value, script))

	return tx
}

func outPoint(tx *wire.MsgTx, index uint32) wire.OutPoint {
	return wire.OutPoint{Hash: tx.TxHash(), Index: index}
}

// batchBuilder assembles chain batches in tests.
type batchBuilder struct {
	batch *chain.Batch
}

// newBatch returns a builder for a batch covering the heights from..to on
// the fork with its tip at to.
func newBatch(from, to int32, fork byte) *batchBuilder {
	b := &batchBuilder{batch: chain.NewBatch()}
	b.blocks(from, to, fork)
	b.batch.Tip = wtxmgr.Checkpoint{Height: to, Hash: blockHash(to, fork)}
	b.batch.SeenAt = testTime

	return b
}

func (b *batchBuilder) blocks(from, to int32, fork byte) *batchBuilder {
	for h := from; h <= to; h++ {
		b.batch.Blocks[h] = blockHash(h, fork)
	}

	return b
}

func (b *batchBuilder) confirmed(tx *wire.MsgTx, height int32,
	fork byte) *batchBuilder {

	b.batch.AddConfirmed(tx, chain.BlockRef{
		Height: height,
		Hash:   blockHash(height, fork),
	})

	return b
}

func (b *batchBuilder) unconfirmed(tx *wire.MsgTx) *batchBuilder {
	b.batch.AddUnconfirmed(tx)

	return b
}

func (b *batchBuilder) seenAt(t time.Time) *batchBuilder {
	b.batch.SeenAt = t

	return b
}

func newTestStore() *wtxmgr.Store {
	return wtxmgr.NewStore(wtxmgr.StoreConfig{
		ChainParams: &chaincfg.RegressionNetParams,
		Clock:       clock.NewTestClock(testTime),
	})
}

// reconcileAndApply reconciles the batch against the store and applies the
// result.
func reconcileAndApply(t *testing.T, store *wtxmgr.Store,
	batch *chain.Batch) *Result {

	t.Helper()

	result, err := Reconcile(store.Snapshot(), batch, WithOwner(testOwner))
	require.NoError(t, err)
	require.NoError(t, store.Apply(result.ChangeSet))

	return result
}

// TestReconcileFunding verifies that a confirmed payment to the wallet is
// recorded with its output and blocks.
func TestReconcileFunding(t *testing.T) {
	t.Parallel()

	// Arrange.
	store := newTestStore()
	funding := payTx(0, nil, 50000, walletPkScript)
	batch := newBatch(100, 102, 0xa).confirmed(funding, 101, 0xa).batch

	// Act.
	result, err := Reconcile(store.Snapshot(), batch, WithOwner(testOwner))
	require.NoError(t, err)

	// Assert.
	require.True(t, result.Reorg.IsNone())

	cs := result.ChangeSet
	require.Len(t, cs.Txs, 1)
	require.Equal(t, wtxmgr.ConfirmedAt(101, blockHash(101, 0xa)),
		cs.Txs[funding.TxHash()].Status)
	require.Equal(t, wtxmgr.TxOutRecord{
		Amount:   btcutil.Amount(50000),
		PkScript: walletPkScript,
		Keychain: wtxmgr.KeychainExternal,
		Index:    3,
	}, cs.TxOuts[outPoint(funding, 0)])
	require.Len(t, cs.Blocks, 3)
	require.Equal(t, batch.Tip, cs.Checkpoint.UnwrapOrFail(t))

	require.NoError(t, store.Apply(cs))
	require.Equal(t, btcutil.Amount(50000), store.Balance().Confirmed)
}

// TestReconcileMempool verifies that unconfirmed transactions are stamped
// with the batch time and bumped when seen again.
func TestReconcileMempool(t *testing.T) {
	t.Parallel()

	// Arrange.
	store := newTestStore()
	funding := payTx(0, nil, 50000, walletPkScript)
	reconcileAndApply(t, store, newBatch(100, 100, 0xa).batch)

	// Act: First sighting without a batch time uses the clock.
	clk := clock.NewTestClock(testTime.Add(time.Minute))
	batch := newBatch(100, 100, 0xa).unconfirmed(funding).
		seenAt(time.Time{}).batch
	result, err := Reconcile(
		store.Snapshot(), batch, WithOwner(testOwner), WithClock(clk),
	)
	require.NoError(t, err)
	require.NoError(t, store.Apply(result.ChangeSet))

	// Assert.
	tx := store.GetTransaction(funding.TxHash()).UnwrapOrFail(t)
	require.False(t, tx.Status.Confirmed)
	require.Equal(t, testTime.Add(time.Minute), tx.LastSeen)
	require.Equal(t, btcutil.Amount(50000), store.Balance().UntrustedPending)

	// Act: The next sighting bumps LastSeen.
	later := testTime.Add(time.Hour)
	reconcileAndApply(
		t, store, newBatch(100, 100, 0xa).unconfirmed(funding).
			seenAt(later).batch,
	)

	// Assert.
	tx = store.GetTransaction(funding.TxHash()).UnwrapOrFail(t)
	require.Equal(t, later, tx.LastSeen)
}

// TestReconcileChainedSpend verifies that a spend of an output created in the
// same batch is recognised whatever the batch order.
func TestReconcileChainedSpend(t *testing.T) {
	t.Parallel()

	// Arrange.
	store := newTestStore()
	funding := payTx(0, nil, 50000, walletPkScript)
	spend := payTx(
		0, []wire.OutPoint{outPoint(funding, 0)}, 40000, otherPkScript,
	)
	batch := newBatch(100, 101, 0xa).
		unconfirmed(spend).
		confirmed(funding, 101, 0xa).batch

	// Act.
	result := reconcileAndApply(t, store, batch)

	// Assert.
	require.Len(t, result.ChangeSet.Txs, 2)
	require.Len(t, result.ChangeSet.TxOuts, 1)
	require.Equal(t, spend.TxHash(),
		store.Spender(outPoint(funding, 0)).UnwrapOrFail(t))
	require.Zero(t, store.Balance().Total())
}

// TestReconcileIgnoresIrrelevant verifies that transactions neither paying
// nor spending the wallet are dropped.
func TestReconcileIgnoresIrrelevant(t *testing.T) {
	t.Parallel()

	store := newTestStore()
	other := payTx(0, nil, 50000, otherPkScript)
	batch := newBatch(100, 101, 0xa).confirmed(other, 101, 0xa).batch

	result, err := Reconcile(store.Snapshot(), batch, WithOwner(testOwner))
	require.NoError(t, err)
	require.Empty(t, result.ChangeSet.Txs)
	require.Empty(t, result.ChangeSet.TxOuts)

	// Without an owner lookup nothing is recognised either.
	funding := payTx(1, nil, 50000, walletPkScript)
	batch = newBatch(100, 101, 0xa).confirmed(funding, 101, 0xa).batch
	result, err = Reconcile(store.Snapshot(), batch)
	require.NoError(t, err)
	require.Empty(t, result.ChangeSet.Txs)
}

// TestReconcileKnownConfirmedUnchanged verifies that re-reporting a confirmed
// transaction in the same block produces no update.
func TestReconcileKnownConfirmedUnchanged(t *testing.T) {
	t.Parallel()

	store := newTestStore()
	funding := payTx(0, nil, 50000, walletPkScript)
	reconcileAndApply(
		t, store, newBatch(100, 101, 0xa).confirmed(funding, 101, 0xa).batch,
	)

	batch := newBatch(100, 102, 0xa).confirmed(funding, 101, 0xa).batch
	result := reconcileAndApply(t, store, batch)

	require.Empty(t, result.ChangeSet.Txs)
	require.Empty(t, result.ChangeSet.TxOuts)
	require.Equal(t, map[int32]chainhash.Hash{
		102: blockHash(102, 0xa),
	}, result.ChangeSet.Blocks)

	// A mempool sighting of a confirmed transaction is ignored as well.
	batch = newBatch(102, 102, 0xa).unconfirmed(funding).batch
	result = reconcileAndApply(t, store, batch)
	require.Empty(t, result.ChangeSet.Txs)
	require.True(t, store.GetTransaction(funding.TxHash()).
		UnwrapOrFail(t).Status.Confirmed)
}

// TestReconcileInconsistent verifies that self-contradicting batches are
// rejected.
func TestReconcileInconsistent(t *testing.T) {
	t.Parallel()

	funding := payTx(0, nil, 50000, walletPkScript)

	testCases := []struct {
		name  string
		batch func() *chain.Batch
	}{
		{
			name: "hash at two heights",
			batch: func() *chain.Batch {
				b := newBatch(100, 102, 0xa).batch
				b.Blocks[100] = blockHash(101, 0xa)

				return b
			},
		},
		{
			name: "two hashes at one height",
			batch: func() *chain.Batch {
				b := newBatch(100, 102, 0xa).batch
				b.Confirmations[funding.TxHash()] = chain.BlockRef{
					Height: 101,
					Hash:   blockHash(101, 0xb),
				}
				b.Txs = append(b.Txs, funding)

				return b
			},
		},
		{
			name: "confirmation above tip",
			batch: func() *chain.Batch {
				b := newBatch(100, 102, 0xa).batch
				b.Confirmations[funding.TxHash()] = chain.BlockRef{
					Height: 103,
					Hash:   blockHash(103, 0xa),
				}

				return b
			},
		},
		{
			name: "block above tip",
			batch: func() *chain.Batch {
				b := newBatch(100, 102, 0xa).batch
				b.Blocks[103] = blockHash(103, 0xa)

				return b
			},
		},
		{
			name: "tip contradicts blocks",
			batch: func() *chain.Batch {
				b := newBatch(100, 102, 0xa).batch
				b.Tip.Hash = blockHash(102, 0xb)

				return b
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store := newTestStore()
			_, err := Reconcile(
				store.Snapshot(), tc.batch(), WithOwner(testOwner),
			)
			require.ErrorIs(t, err, ErrInconsistentChainData)
		})
	}

	_, err := Reconcile(newTestStore().Snapshot(), nil)
	require.ErrorIs(t, err, ErrNilBatch)
}

// TestReconcileConfirmationMoved verifies that a confirmed transaction
// claimed in another block without a reorg is rejected.
func TestReconcileConfirmationMoved(t *testing.T) {
	t.Parallel()

	store := newTestStore()
	funding := payTx(0, nil, 50000, walletPkScript)
	reconcileAndApply(
		t, store, newBatch(100, 101, 0xa).confirmed(funding, 101, 0xa).batch,
	)

	batch := newBatch(101, 102, 0xa).confirmed(funding, 102, 0xa).batch
	_, err := Reconcile(store.Snapshot(), batch, WithOwner(testOwner))
	require.ErrorIs(t, err, ErrInconsistentChainData)
}
