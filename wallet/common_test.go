package wallet

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletcore/chain"
	"github.com/btcsuite/walletcore/pkg/btcunit"
	"github.com/btcsuite/walletcore/waddrmgr"
	"github.com/btcsuite/walletcore/wtxmgr"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	errDBMock    = errors.New("db error")
	errChainMock = errors.New("chain error")
)

var (
	// chainParams are the chain parameters used throughout the wallet
	// tests.
	chainParams = chaincfg.RegressionNetParams

	// testTime is the time the test clock starts at.
	testTime = time.Unix(1700000000, 0)

	// testLookahead is the watch window of the test provider.
	testLookahead uint32 = 5

	// payeeScript is a P2WPKH script the wallet does not own.
	payeeScript = append(
		[]byte{0x00, 0x14}, bytes.Repeat([]byte{0xaa}, 20)...,
	)
)

// mockChainSource is a mock implementation of chain.ChainSource.
type mockChainSource struct {
	mock.Mock
}

// A compile-time assertion to ensure mockChainSource implements
// chain.ChainSource.
var _ chain.ChainSource = (*mockChainSource)(nil)

func (m *mockChainSource) Fetch(ctx context.Context,
	req *chain.FetchRequest) (*chain.Batch, error) {

	args := m.Called(ctx, req)
	batch, _ := args.Get(0).(*chain.Batch)

	return batch, args.Error(1)
}

func (m *mockChainSource) MinRelayFee(
	ctx context.Context) (btcunit.SatPerKWeight, error) {

	args := m.Called(ctx)
	rate, _ := args.Get(0).(btcunit.SatPerKWeight)

	return rate, args.Error(1)
}

// mockPersister is a mock implementation of Persister.
type mockPersister struct {
	mock.Mock
}

// A compile-time assertion to ensure mockPersister implements Persister.
var _ Persister = (*mockPersister)(nil)

func (m *mockPersister) Load(ctx context.Context) (*wtxmgr.ChangeSet, error) {
	args := m.Called(ctx)
	cs, _ := args.Get(0).(*wtxmgr.ChangeSet)

	return cs, args.Error(1)
}

func (m *mockPersister) Apply(ctx context.Context, cs *wtxmgr.ChangeSet) error {
	args := m.Called(ctx, cs)

	return args.Error(0)
}

func (m *mockPersister) Close() error {
	args := m.Called()

	return args.Error(0)
}

// newTestProvider returns a BIP84 provider on a fixed regtest seed.
func newTestProvider(t *testing.T) *waddrmgr.Provider {
	t.Helper()

	master, err := hdkeychain.NewMaster(
		bytes.Repeat([]byte{0x5e}, 32), &chainParams,
	)
	require.NoError(t, err)

	scope := waddrmgr.KeyScopeBIP0084
	key := master
	for _, idx := range []uint32{
		scope.Purpose + hdkeychain.HardenedKeyStart,
		scope.Coin + hdkeychain.HardenedKeyStart,
		hdkeychain.HardenedKeyStart,
	} {
		key, err = key.Derive(idx)
		require.NoError(t, err)
	}

	p, err := waddrmgr.NewProvider(
		&chainParams, scope, key.String(), testLookahead,
	)
	require.NoError(t, err)

	return p
}

// testHarness holds a loaded wallet and its mocked dependencies.
type testHarness struct {
	t         *testing.T
	wallet    *Wallet
	chain     *mockChainSource
	persister *mockPersister
	provider  *waddrmgr.Provider
	clock     *clock.TestClock
	ticker    *ticker.Force
}

// newTestHarness creates a wallet over an empty database. The persister
// accepts every change set.
func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	h := &testHarness{
		t:         t,
		chain:     &mockChainSource{},
		persister: &mockPersister{},
		provider:  newTestProvider(t),
		clock:     clock.NewTestClock(testTime),
		ticker:    ticker.NewForce(time.Hour),
	}

	w, err := New(Config{
		ChainParams: &chainParams,
		ChainSource: h.chain,
		Persister:   h.persister,
		Provider:    h.provider,
		Clock:       h.clock,
		SyncTicker:  h.ticker,
	})
	require.NoError(t, err)
	h.wallet = w

	h.persister.On("Load", mock.Anything).Return(
		wtxmgr.NewChangeSet(), nil,
	).Once()
	require.NoError(t, w.Load(t.Context()))

	return h
}

// acceptPersist makes the persister accept every change set.
func (h *testHarness) acceptPersist() {
	h.persister.On("Apply", mock.Anything, mock.Anything).Return(nil)
}

// relayFee makes the chain source report a 1 sat/vb relay fee.
func (h *testHarness) relayFee() {
	h.chain.On("MinRelayFee", mock.Anything).Return(
		btcunit.NewSatPerKVByte(1000), nil,
	)
}

// script returns the script at the index of the keychain.
func (h *testHarness) script(keychain wtxmgr.Keychain, index uint32) []byte {
	tmpl, err := h.provider.Derive(keychain, index)
	require.NoError(h.t, err)

	return tmpl.PkScript
}

// sync runs a sync and requires it to succeed.
func (h *testHarness) sync() *SyncResult {
	h.t.Helper()

	res, err := h.wallet.Sync(h.t.Context())
	require.NoError(h.t, err)

	return res
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

// payTx returns a transaction spending an outside output, paying the values
// to the scripts.
func payTx(seed byte, outs ...*wire.TxOut) *wire.MsgTx {
	prev := wire.OutPoint{Hash: chainhash.Hash{0xee, seed}}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&prev, nil, nil))
	for _, out := range outs {
		tx.AddTxOut(out)
	}

	return tx
}

// newBatch returns a batch with the blocks from..tip of the fork and the
// tip set.
func newBatch(from, tip int32, fork byte) *chain.Batch {
	batch := chain.NewBatch()
	for height := from; height <= tip; height++ {
		batch.Blocks[height] = blockHash(height, fork)
	}
	batch.Tip = wtxmgr.Checkpoint{Height: tip, Hash: blockHash(tip, fork)}
	batch.SeenAt = testTime

	return batch
}

// confirm adds the tx to the batch as mined at the height of the fork.
func confirm(batch *chain.Batch, tx *wire.MsgTx, height int32, fork byte) {
	batch.AddConfirmed(tx, chain.BlockRef{
		Height: height,
		Hash:   blockHash(height, fork),
	})
}
