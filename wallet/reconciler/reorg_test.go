package reconciler

import (
	"slices"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletcore/wtxmgr"
	"github.com/stretchr/testify/require"
)

func checkpoint(height int32, fork byte) wtxmgr.Checkpoint {
	return wtxmgr.Checkpoint{Height: height, Hash: blockHash(height, fork)}
}

// reorgFixture is a store synced to 102 on fork a, with a payment to the
// wallet at 101 that is spent at 102.
type reorgFixture struct {
	store   *wtxmgr.Store
	funding *wire.MsgTx
	spend   *wire.MsgTx
}

func newReorgFixture(t *testing.T) *reorgFixture {
	t.Helper()

	f := &reorgFixture{store: newTestStore()}
	f.funding = payTx(0, nil, 50000, walletPkScript)
	f.spend = payTx(
		0, []wire.OutPoint{outPoint(f.funding, 0)}, 40000,
		otherPkScript,
	)

	reconcileAndApply(t, f.store, newBatch(100, 102, 0xa).
		confirmed(f.funding, 101, 0xa).
		confirmed(f.spend, 102, 0xa).batch)

	require.Equal(t, f.spend.TxHash(),
		f.store.Spender(outPoint(f.funding, 0)).UnwrapOrFail(t))

	return f
}

// TestReconcileReorg walks a reorg that disconnects both transactions and a
// later batch that mines the payment again on the new chain.
func TestReconcileReorg(t *testing.T) {
	t.Parallel()

	// Arrange.
	f := newReorgFixture(t)
	batch := newBatch(100, 103, 0xb).blocks(100, 100, 0xa).batch

	// Act.
	result := reconcileAndApply(t, f.store, batch)

	// Assert: The event describes the switch.
	event := result.Reorg.UnwrapOrFail(t)
	require.Equal(t, checkpoint(100, 0xa), event.Ancestor)
	require.Equal(t, []wtxmgr.Checkpoint{
		checkpoint(101, 0xa), checkpoint(102, 0xa),
	}, event.Disconnected)

	unconfirmed := []chainhash.Hash{f.funding.TxHash(), f.spend.TxHash()}
	slices.SortFunc(unconfirmed, func(a, b chainhash.Hash) int {
		return slices.Compare(a[:], b[:])
	})
	require.Equal(t, unconfirmed, event.Unconfirmed)
	require.Equal(t, []wire.OutPoint{outPoint(f.funding, 0)},
		event.ChangedSpends)

	// Both transactions are dormant now.
	for _, txid := range unconfirmed {
		tx := f.store.GetTransaction(txid).UnwrapOrFail(t)
		require.False(t, tx.Status.Confirmed)
		require.True(t, tx.LastSeen.IsZero())
	}
	require.Zero(t, f.store.Balance().Total())
	require.Empty(t, f.store.ListUtxos(wtxmgr.UtxoFilter{}))

	// The dormant output is still recorded, as unconfirmed.
	inactive := f.store.ListUtxos(wtxmgr.UtxoFilter{IncludeInactive: true})
	require.Len(t, inactive, 1)
	require.Equal(t, outPoint(f.funding, 0), inactive[0].OutPoint)
	require.False(t, inactive[0].Status.Confirmed)
	require.True(t, inactive[0].SpentBy.IsNone())
	require.Equal(t, checkpoint(103, 0xb),
		f.store.Checkpoint().UnwrapOrFail(t))
	require.Equal(t, blockHash(101, 0xb),
		f.store.BlockHash(101).UnwrapOrFail(t))

	// Act: The payment is mined again on the new chain.
	result = reconcileAndApply(t, f.store, newBatch(101, 104, 0xb).
		confirmed(f.funding, 102, 0xb).batch)

	// Assert: The spend stays dormant, so the output is spendable.
	require.True(t, result.Reorg.IsNone())
	tx := f.store.GetTransaction(f.funding.TxHash()).UnwrapOrFail(t)
	require.Equal(t, wtxmgr.ConfirmedAt(102, blockHash(102, 0xb)),
		tx.Status)
	require.True(t, f.store.Spender(outPoint(f.funding, 0)).IsNone())
	require.Equal(t, btcutil.Amount(50000), f.store.Balance().Confirmed)
}

// TestReconcileReorgReseen verifies that a disconnected transaction reported
// in the mempool of the new chain stays live.
func TestReconcileReorgReseen(t *testing.T) {
	t.Parallel()

	// Arrange.
	f := newReorgFixture(t)
	batch := newBatch(100, 103, 0xb).blocks(100, 100, 0xa).
		unconfirmed(f.funding).batch

	// Act.
	result := reconcileAndApply(t, f.store, batch)

	// Assert.
	event := result.Reorg.UnwrapOrFail(t)
	require.Contains(t, event.Unconfirmed, f.funding.TxHash())

	tx := f.store.GetTransaction(f.funding.TxHash()).UnwrapOrFail(t)
	require.False(t, tx.Status.Confirmed)
	require.Equal(t, testTime, tx.LastSeen)
	require.Equal(t, btcutil.Amount(50000),
		f.store.Balance().UntrustedPending)
}

// TestReconcileTipRegression verifies that a batch tip below the local tip
// rolls back to it.
func TestReconcileTipRegression(t *testing.T) {
	t.Parallel()

	f := newReorgFixture(t)

	result := reconcileAndApply(t, f.store, newBatch(100, 101, 0xa).batch)

	event := result.Reorg.UnwrapOrFail(t)
	require.Equal(t, checkpoint(101, 0xa), event.Ancestor)
	require.Equal(t, []wtxmgr.Checkpoint{checkpoint(102, 0xa)},
		event.Disconnected)
	require.Equal(t, []chainhash.Hash{f.spend.TxHash()}, event.Unconfirmed)
	require.Equal(t, checkpoint(101, 0xa),
		f.store.Checkpoint().UnwrapOrFail(t))
	require.Equal(t, btcutil.Amount(50000), f.store.Balance().Confirmed)
}

// TestReconcileUncoveredHeight verifies that a height missing from the batch
// counts as matching when a lower height matches.
func TestReconcileUncoveredHeight(t *testing.T) {
	t.Parallel()

	// Arrange.
	f := newReorgFixture(t)
	batch := newBatch(102, 103, 0xb).blocks(100, 100, 0xa).batch

	// Act.
	result := reconcileAndApply(t, f.store, batch)

	// Assert.
	event := result.Reorg.UnwrapOrFail(t)
	require.Equal(t, checkpoint(101, 0xa), event.Ancestor)
	require.Equal(t, []wtxmgr.Checkpoint{checkpoint(102, 0xa)},
		event.Disconnected)
	require.Equal(t, blockHash(101, 0xa),
		f.store.BlockHash(101).UnwrapOrFail(t))
	require.Equal(t, blockHash(102, 0xb),
		f.store.BlockHash(102).UnwrapOrFail(t))
}

// TestReconcileNoCommonAncestor verifies that a batch sharing no block with
// the local chain is rejected and changes nothing.
func TestReconcileNoCommonAncestor(t *testing.T) {
	t.Parallel()

	f := newReorgFixture(t)
	before := f.store.Initial()

	_, err := Reconcile(
		f.store.Snapshot(), newBatch(100, 103, 0xb).batch,
		WithOwner(testOwner),
	)
	require.ErrorIs(t, err, ErrInconsistentChainData)
	require.Equal(t, before, f.store.Initial())
}

// TestReconcileContradictsKeptBlock verifies that a batch agreeing with the
// local tip but not with a lower local block is rejected.
func TestReconcileContradictsKeptBlock(t *testing.T) {
	t.Parallel()

	// Arrange: 102 matches, 100 is on another fork.
	f := newReorgFixture(t)
	before := f.store.Initial()
	batch := newBatch(102, 103, 0xa).blocks(100, 100, 0xb).batch

	// Act.
	_, err := Reconcile(f.store.Snapshot(), batch, WithOwner(testOwner))

	// Assert.
	require.ErrorIs(t, err, ErrInconsistentChainData)
	require.ErrorContains(t, err, "height 100")
	require.Equal(t, before, f.store.Initial())
}
