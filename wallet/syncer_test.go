package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletcore/chain"
	"github.com/btcsuite/walletcore/wallet/coinselect"
	"github.com/btcsuite/walletcore/wallet/reconciler"
	"github.com/btcsuite/walletcore/wtxmgr"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// requestLog records the fetch requests the wallet makes.
type requestLog struct {
	mu   sync.Mutex
	reqs []*chain.FetchRequest
}

func (l *requestLog) record(args mock.Arguments) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.reqs = append(l.reqs, args.Get(1).(*chain.FetchRequest))
}

// TestSyncReceive checks that a payment to the first address is picked up,
// and that the grown watch window triggers a rescan of the same range.
func TestSyncReceive(t *testing.T) {
	t.Parallel()

	// Arrange.
	h := newTestHarness(t)
	h.acceptPersist()

	funding := payTx(1, wire.NewTxOut(
		50000, h.script(wtxmgr.KeychainExternal, 0),
	))
	batch := newBatch(100, 101, 'a')
	confirm(batch, funding, 101, 'a')

	var reqLog requestLog
	h.chain.On("Fetch", mock.Anything, mock.Anything).
		Run(reqLog.record).Return(batch, nil)

	// Act.
	res := h.sync()

	// Assert.
	require.Equal(t, 2, res.Rounds)
	require.True(t, res.Reorg.IsNone())
	require.Equal(t, fn.Some(wtxmgr.Checkpoint{
		Height: 101, Hash: blockHash(101, 'a'),
	}), res.Checkpoint)
	require.Len(t, res.ChangeSet.TxOuts, 1)

	require.Equal(t, btcutil.Amount(50000), h.wallet.Balance().Confirmed)
	require.Equal(t, uint32(1),
		h.provider.NextUnusedIndex(wtxmgr.KeychainExternal))

	// Both rounds start from the empty checkpoint, the second one with
	// the extra script.
	require.Len(t, reqLog.reqs, 2)
	for _, req := range reqLog.reqs {
		require.True(t, req.Since.IsNone())
	}
	require.Len(t, reqLog.reqs[0].Scripts, int(2*testLookahead))
	require.Len(t, reqLog.reqs[1].Scripts, int(2*testLookahead)+1)
	require.Equal(t, []wire.OutPoint{
		{Hash: funding.TxHash(), Index: 0},
	}, reqLog.reqs[1].OutPoints)

	// The next sync starts from the new checkpoint.
	next := newBatch(101, 102, 'a')
	h.chain.ExpectedCalls = nil
	h.chain.On("Fetch", mock.Anything, mock.Anything).
		Run(reqLog.record).Return(next, nil).Once()

	res = h.sync()
	require.Equal(t, 1, res.Rounds)
	require.Equal(t, res.Checkpoint, fn.Some(wtxmgr.Checkpoint{
		Height: 102, Hash: blockHash(102, 'a'),
	}))
	require.Equal(t, fn.Some(wtxmgr.Checkpoint{
		Height: 101, Hash: blockHash(101, 'a'),
	}), reqLog.reqs[2].Since)
}

// TestSyncBackendErrors checks how fetch failures are classified and that
// none of them touches the store or the database.
func TestSyncBackendErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{
			name:      "backend unavailable",
			err:       fmt.Errorf("%w: refused", chain.ErrBackendUnavailable),
			retryable: true,
		},
		{
			name:      "timeout",
			err:       fmt.Errorf("%w: slow", chain.ErrTimeout),
			retryable: true,
		},
		{
			name:      "deadline",
			err:       context.DeadlineExceeded,
			retryable: true,
		},
		{
			name:      "fatal",
			err:       errChainMock,
			retryable: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// Arrange.
			h := newTestHarness(t)
			h.chain.On("Fetch", mock.Anything, mock.Anything).
				Return(nil, tc.err).Once()

			// Act.
			res, err := h.wallet.Sync(t.Context())

			// Assert.
			require.Nil(t, res)
			require.ErrorIs(t, err, tc.err)
			require.Equal(t, tc.retryable,
				errors.Is(err, chain.ErrBackendUnavailable) ||
					errors.Is(err, chain.ErrTimeout))
			require.Equal(t, tc.retryable, chain.IsRetryable(err))

			require.True(t, h.wallet.SyncedTo().IsNone())
			h.persister.AssertNotCalled(t, "Apply", mock.Anything,
				mock.Anything)
		})
	}
}

// TestSyncPersistFailure checks that the store is left untouched when the
// database rejects the change set.
func TestSyncPersistFailure(t *testing.T) {
	t.Parallel()

	// Arrange.
	h := newTestHarness(t)
	h.persister.On("Apply", mock.Anything, mock.Anything).
		Return(errDBMock).Once()

	funding := payTx(1, wire.NewTxOut(
		50000, h.script(wtxmgr.KeychainExternal, 0),
	))
	batch := newBatch(100, 101, 'a')
	confirm(batch, funding, 101, 'a')
	h.chain.On("Fetch", mock.Anything, mock.Anything).Return(batch, nil)

	// Act.
	_, err := h.wallet.Sync(t.Context())

	// Assert.
	require.ErrorIs(t, err, errDBMock)
	require.Equal(t, wtxmgr.Balance{}, h.wallet.Balance())
	require.True(t, h.wallet.SyncedTo().IsNone())
	require.True(t, h.wallet.GetTransaction(funding.TxHash()).IsNone())
	require.Equal(t, uint32(0),
		h.provider.NextUnusedIndex(wtxmgr.KeychainExternal))

	// The same batch goes through once the database recovers.
	h.acceptPersist()
	h.sync()
	require.Equal(t, btcutil.Amount(50000), h.wallet.Balance().Confirmed)
}

// TestSyncReorg checks that a reorg replacing the block of a funding
// transaction is reported and moves the confirmation to the new block.
func TestSyncReorg(t *testing.T) {
	t.Parallel()

	// Arrange: fund at 101 on fork a.
	h := newTestHarness(t)
	h.acceptPersist()

	funding := payTx(1, wire.NewTxOut(
		50000, h.script(wtxmgr.KeychainExternal, 0),
	))
	first := newBatch(100, 101, 'a')
	confirm(first, funding, 101, 'a')

	// Fork b keeps 100 and mines the funding at 102.
	second := newBatch(101, 102, 'b')
	second.Blocks[100] = blockHash(100, 'a')
	confirm(second, funding, 102, 'b')

	h.chain.On("Fetch", mock.Anything, mock.Anything).
		Return(first, nil).Twice()
	h.chain.On("Fetch", mock.Anything, mock.Anything).
		Return(second, nil).Once()

	h.sync()

	// Act.
	res := h.sync()

	// Assert.
	require.True(t, res.Reorg.IsSome())
	event := res.Reorg.UnwrapOr(reconciler.ReorgEvent{})
	require.Equal(t, wtxmgr.Checkpoint{
		Height: 100, Hash: blockHash(100, 'a'),
	}, event.Ancestor)
	require.Equal(t, []wtxmgr.Checkpoint{
		{Height: 101, Hash: blockHash(101, 'a')},
	}, event.Disconnected)
	require.Equal(t, []chainhash.Hash{funding.TxHash()}, event.Unconfirmed)

	tx := h.wallet.GetTransaction(funding.TxHash()).
		UnwrapOr(wtxmgr.LocalTx{})
	require.Equal(t, wtxmgr.ConfirmedAt(102, blockHash(102, 'b')),
		tx.Status)
	require.Equal(t, fn.Some(wtxmgr.Checkpoint{
		Height: 102, Hash: blockHash(102, 'b'),
	}), h.wallet.SyncedTo())
	require.Equal(t, btcutil.Amount(50000), h.wallet.Balance().Confirmed)
	h.chain.AssertExpectations(t)
}

// TestSyncCoinbaseMaturity checks that a coinbase output counts as
// immature until it has the maturity number of confirmations.
func TestSyncCoinbaseMaturity(t *testing.T) {
	t.Parallel()

	// Arrange: a coinbase paying to the wallet at height 1.
	h := newTestHarness(t)
	h.acceptPersist()
	h.relayFee()

	const reward = 50 * btcutil.SatoshiPerBitcoin

	coinbase := wire.NewMsgTx(1)
	coinbase.AddTxIn(wire.NewTxIn(
		&wire.OutPoint{Index: wire.MaxPrevOutIndex},
		[]byte{0x51, 0x51}, nil,
	))
	coinbase.AddTxOut(wire.NewTxOut(
		reward, h.script(wtxmgr.KeychainExternal, 0),
	))

	mined := newBatch(1, 1, 'a')
	confirm(mined, coinbase, 1, 'a')

	maturity := int32(chainParams.CoinbaseMaturity)
	almost := newBatch(maturity-1, maturity-1, 'a')
	mature := newBatch(maturity, maturity, 'a')

	h.chain.On("Fetch", mock.Anything, mock.Anything).
		Return(mined, nil).Twice()
	h.chain.On("Fetch", mock.Anything, mock.Anything).
		Return(almost, nil).Once()
	h.chain.On("Fetch", mock.Anything, mock.Anything).
		Return(mature, nil).Once()

	intent := &TxIntent{
		Outputs: []*wire.TxOut{wire.NewTxOut(10000, payeeScript)},
	}

	// Act and assert: one block short of maturity.
	h.sync()
	h.sync()
	require.Equal(t, wtxmgr.Balance{Immature: reward}, h.wallet.Balance())
	require.Empty(t, h.wallet.ListUtxos(
		wtxmgr.UtxoFilter{OnlySpendable: true},
	))

	_, err := h.wallet.Build(t.Context(), intent)
	var insufficient *coinselect.ErrInsufficientFunds
	require.ErrorAs(t, err, &insufficient)

	// Act and assert: at maturity.
	h.sync()
	require.Equal(t, wtxmgr.Balance{Confirmed: reward}, h.wallet.Balance())

	_, err = h.wallet.Build(t.Context(), intent)
	require.NoError(t, err)
}

// TestRun checks that the loop survives a transient backend failure, syncs
// on every tick and exits cleanly on cancellation.
func TestRun(t *testing.T) {
	t.Parallel()

	// Arrange.
	h := newTestHarness(t)
	h.acceptPersist()

	h.chain.On("Fetch", mock.Anything, mock.Anything).Return(
		nil, fmt.Errorf("%w: refused", chain.ErrBackendUnavailable),
	).Once()
	h.chain.On("Fetch", mock.Anything, mock.Anything).Return(
		newBatch(100, 100, 'a'), nil,
	)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- h.wallet.Run(ctx)
	}()

	// Act: the first sync fails. The tick is only taken once the loop is
	// waiting again.
	select {
	case h.ticker.Force <- time.Time{}:
	case <-time.After(5 * time.Second):
		t.Fatal("sync loop did not wait for a tick")
	}

	// Assert.
	require.Eventually(t, func() bool {
		return h.wallet.SyncedTo().IsSome()
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, h.wallet.Info().Running)

	// A second loop is refused while the first one runs.
	require.ErrorIs(t, h.wallet.Run(ctx), ErrWalletAlreadyStarted)

	cancel()

	select {
	case err := <-errChan:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sync loop did not exit")
	}
	require.False(t, h.wallet.Info().Running)
}

// TestRunFatal checks that a non transient failure stops the loop.
func TestRunFatal(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	h.chain.On("Fetch", mock.Anything, mock.Anything).
		Return(nil, errChainMock).Once()

	err := h.wallet.Run(t.Context())
	require.ErrorIs(t, err, errChainMock)
	require.False(t, h.wallet.Info().Running)
}
