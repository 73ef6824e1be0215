package txbuilder

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/walletcore/pkg/btcunit"
	"github.com/btcsuite/walletcore/waddrmgr"
	"github.com/btcsuite/walletcore/wallet/coinselect"
	"github.com/btcsuite/walletcore/wtxmgr"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// p2wpkhDust is the relay dust limit of a P2WPKH output at the default relay
// fee.
const p2wpkhDust = btcutil.Amount(294)

// testFeeRate is 1 sat/vb.
var testFeeRate = btcunit.NewSatPerKWeight(250)

// payeeScript is a P2WPKH script of somebody else.
var payeeScript = append(
	[]byte{txscript.OP_0, txscript.OP_DATA_20},
	bytes.Repeat([]byte{0x77}, 20)...,
)

func newTestProvider(t *testing.T, scope waddrmgr.KeyScope) *waddrmgr.Provider {
	t.Helper()

	master, err := hdkeychain.NewMaster(
		bytes.Repeat([]byte{0x2a}, 32), &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	key := master
	for _, idx := range []uint32{
		scope.Purpose + hdkeychain.HardenedKeyStart,
		scope.Coin + hdkeychain.HardenedKeyStart,
		hdkeychain.HardenedKeyStart,
	} {
		key, err = key.Derive(idx)
		require.NoError(t, err)
	}
	key, err = key.Neuter()
	require.NoError(t, err)

	p, err := waddrmgr.NewProvider(
		&chaincfg.RegressionNetParams, scope, key.String(), 5,
		waddrmgr.WithMasterFingerprint(0x01020304),
	)
	require.NoError(t, err)

	return p
}

// fixture holds a provider and the wallet outputs built on it.
type fixture struct {
	t        *testing.T
	provider *waddrmgr.Provider
	utxos    []wtxmgr.LocalUtxo
}

func newFixture(t *testing.T, scope waddrmgr.KeyScope) *fixture {
	return &fixture{t: t, provider: newTestProvider(t, scope)}
}

// fund adds a confirmed output of the value paying to the next external
// index.
func (f *fixture) fund(value btcutil.Amount) wire.OutPoint {
	index := uint32(len(f.utxos))
	tmpl, err := f.provider.Derive(wtxmgr.KeychainExternal, index)
	require.NoError(f.t, err)

	op := wire.OutPoint{Hash: chainhash.Hash{byte(index + 1)}, Index: 0}
	f.utxos = append(f.utxos, wtxmgr.LocalUtxo{
		OutPoint: op,
		TxOut: wtxmgr.TxOutRecord{
			Amount:   value,
			PkScript: tmpl.PkScript,
			Keychain: wtxmgr.KeychainExternal,
			Index:    index,
		},
		Status: wtxmgr.ConfirmedAt(100, chainhash.Hash{0xbb}),
	})

	return op
}

func (f *fixture) templateFor(utxo *wtxmgr.LocalUtxo) (*InputTemplate,
	error) {

	tmpl, err := f.provider.Derive(utxo.TxOut.Keychain, utxo.TxOut.Index)
	if err != nil {
		return nil, err
	}

	return &InputTemplate{ScriptTemplate: tmpl}, nil
}

func (f *fixture) changeTemplate() waddrmgr.ScriptTemplate {
	tmpl, err := f.provider.Derive(wtxmgr.KeychainInternal, 0)
	require.NoError(f.t, err)

	return tmpl
}

// request returns a request paying amount to the payee from every funded
// output.
func (f *fixture) request(amount btcutil.Amount) *Request {
	change := f.changeTemplate()

	return &Request{
		Recipients: []*wire.TxOut{
			wire.NewTxOut(int64(amount), payeeScript),
		},
		FeePolicy: FeePolicy{Rate: testFeeRate},
		ChangePolicy: ChangePolicy{
			Source: &txauthor.ChangeSource{
				NewScript: func() ([]byte, error) {
					return change.PkScript, nil
				},
				ScriptSize: len(change.PkScript),
			},
			Template: fn.Some(change),
		},
		Candidates:  f.utxos,
		TemplateFor: f.templateFor,
	}
}

// TestBuildEndToEnd pays 30,000 from a single 100,000 output and checks the
// exact fee and change.
func TestBuildEndToEnd(t *testing.T) {
	t.Parallel()

	// Arrange.
	f := newFixture(t, waddrmgr.KeyScopeBIP0084)
	op := f.fund(100000)

	// Act.
	utx, err := Build(f.request(30000))

	// Assert: One P2WPKH input and two P2WPKH outputs weigh 563 wu, which
	// is 141 sat at 1 sat/vb.
	require.NoError(t, err)
	require.Equal(t, btcunit.WeightUnit(563), utx.Weight)
	require.Equal(t, btcutil.Amount(141), utx.Fee)
	require.Equal(t, btcutil.Amount(100000), utx.TotalInput)
	require.False(t, utx.FeeRate.LessThan(testFeeRate))

	require.Len(t, utx.Tx.TxIn, 1)
	require.Equal(t, op, utx.Tx.TxIn[0].PreviousOutPoint)
	require.Len(t, utx.Tx.TxOut, 2)
	require.Equal(t, int64(30000), utx.Tx.TxOut[0].Value)
	require.Equal(t, 1, utx.ChangeIndex)
	require.True(t, utx.HasChange())
	require.Equal(t, int64(100000-30000-141), utx.Tx.TxOut[1].Value)
	require.Equal(t, map[int]btcunit.WeightUnit{0: 109}, utx.WitnessSizes)

	// The packet carries what a signer needs.
	in := utx.Packet.Inputs[0]
	require.Equal(t, int64(100000), in.WitnessUtxo.Value)
	require.Equal(t, txscript.SigHashAll, in.SighashType)
	require.Len(t, in.Bip32Derivation, 1)
	require.Equal(t, []uint32{
		84 + hdkeychain.HardenedKeyStart,
		hdkeychain.HardenedKeyStart,
		hdkeychain.HardenedKeyStart,
		0, 0,
	}, in.Bip32Derivation[0].Bip32Path)
	require.Equal(t, uint32(0x01020304),
		in.Bip32Derivation[0].MasterKeyFingerprint)

	out := utx.Packet.Outputs[1]
	require.Len(t, out.Bip32Derivation, 1)
	require.Equal(t, uint32(1), out.Bip32Derivation[0].Bip32Path[3])
	require.Empty(t, utx.Packet.Outputs[0].Bip32Derivation)
}

// TestBuildChangeDustBoundary verifies that change exactly at the dust
// threshold is kept and one satoshi less goes to the fee.
func TestBuildChangeDustBoundary(t *testing.T) {
	t.Parallel()

	const dust = btcutil.Amount(1000)

	testCases := []struct {
		name      string
		amount    btcutil.Amount
		hasChange bool
		fee       btcutil.Amount
	}{
		{
			name:      "at threshold",
			amount:    100000 - 141 - dust,
			hasChange: true,
			fee:       141,
		},
		{
			name:   "one below",
			amount: 100000 - 141 - dust + 1,
			fee:    141 + dust - 1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, waddrmgr.KeyScopeBIP0084)
			f.fund(100000)

			req := f.request(tc.amount)
			req.ChangePolicy.DustThreshold = fn.Some(dust)

			utx, err := Build(req)
			require.NoError(t, err)
			require.Equal(t, tc.hasChange, utx.HasChange())
			require.Equal(t, tc.fee, utx.Fee)

			if !tc.hasChange {
				require.Len(t, utx.Tx.TxOut, 1)
				require.Equal(t, -1, utx.ChangeIndex)
				require.Equal(t, btcunit.WeightUnit(563-124),
					utx.Weight)
			}
		})
	}
}

// TestBuildDeterministic verifies that the same request gives byte identical
// results.
func TestBuildDeterministic(t *testing.T) {
	t.Parallel()

	f := newFixture(t, waddrmgr.KeyScopeBIP0084)
	f.fund(40000)
	f.fund(40000)
	f.fund(25000)
	f.fund(90000)

	build := func() (string, []byte) {
		req := f.request(120000)
		req.Sort = true

		utx, err := Build(req)
		require.NoError(t, err)

		var buf bytes.Buffer
		require.NoError(t, utx.Tx.Serialize(&buf))

		packet, err := utx.Packet.B64Encode()
		require.NoError(t, err)

		return packet, buf.Bytes()
	}

	packetA, txA := build()
	packetB, txB := build()
	require.Equal(t, txA, txB)
	require.Equal(t, packetA, packetB)
}

// TestBuildSorted verifies that BIP69 sorting keeps inputs, witness sizes and
// the change index aligned with the transaction.
func TestBuildSorted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, waddrmgr.KeyScopeBIP0084)
	f.fund(40000)
	f.fund(40000)
	f.fund(90000)

	req := f.request(150000)
	req.Sort = true

	utx, err := Build(req)
	require.NoError(t, err)
	require.Len(t, utx.Tx.TxIn, 3)

	for i, txIn := range utx.Tx.TxIn {
		require.Equal(t, txIn.PreviousOutPoint, utx.Inputs[i].OutPoint)
		require.Equal(t, utx.Inputs[i].PrevOut.Value,
			utx.Packet.Inputs[i].WitnessUtxo.Value)
	}

	change := utx.Tx.TxOut[utx.ChangeIndex]
	require.Equal(t, f.changeTemplate().PkScript, change.PkScript)
	require.Equal(t, utx.TotalInput-150000-utx.Fee,
		btcutil.Amount(change.Value))
	require.Equal(t, testFeeRate.FeeForWeight(utx.Weight), utx.Fee)
}

// TestBuildTaproot verifies the taproot fields of the packet.
func TestBuildTaproot(t *testing.T) {
	t.Parallel()

	f := newFixture(t, waddrmgr.KeyScopeBIP0086)
	f.fund(100000)

	utx, err := Build(f.request(30000))
	require.NoError(t, err)

	require.Equal(t, map[int]btcunit.WeightUnit{0: 67}, utx.WitnessSizes)

	in := utx.Packet.Inputs[0]
	require.Equal(t, txscript.SigHashDefault, in.SighashType)
	require.Len(t, in.TaprootBip32Derivation, 1)
	require.Len(t, in.TaprootBip32Derivation[0].XOnlyPubKey, 32)

	out := utx.Packet.Outputs[utx.ChangeIndex]
	require.Len(t, out.TaprootInternalKey, 32)
	require.Len(t, out.TaprootBip32Derivation, 1)
}

// TestBuildPrevTx verifies that a known previous transaction is added for
// segwit v0 inputs.
func TestBuildPrevTx(t *testing.T) {
	t.Parallel()

	f := newFixture(t, waddrmgr.KeyScopeBIP0084)
	f.fund(100000)

	prevTx := wire.NewMsgTx(2)
	prevTx.AddTxOut(wire.NewTxOut(100000, f.utxos[0].TxOut.PkScript))

	req := f.request(30000)
	req.TemplateFor = func(utxo *wtxmgr.LocalUtxo) (*InputTemplate, error) {
		tmpl, err := f.templateFor(utxo)
		if err != nil {
			return nil, err
		}
		tmpl.PrevTx = prevTx

		return tmpl, nil
	}

	utx, err := Build(req)
	require.NoError(t, err)
	require.Equal(t, prevTx, utx.Packet.Inputs[0].NonWitnessUtxo)
}

// TestBuildMustUse verifies that a must-use output is spent first.
func TestBuildMustUse(t *testing.T) {
	t.Parallel()

	f := newFixture(t, waddrmgr.KeyScopeBIP0084)
	f.fund(100000)
	small := f.fund(5000)

	req := f.request(30000)
	req.Selection.MustUse = []wire.OutPoint{small}

	utx, err := Build(req)
	require.NoError(t, err)
	require.Len(t, utx.Tx.TxIn, 2)
	require.Equal(t, small, utx.Tx.TxIn[0].PreviousOutPoint)
	require.Equal(t, testFeeRate.FeeForWeight(utx.Weight), utx.Fee)
}

func TestBuildErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		mutate func(req *Request)
		check  func(t *testing.T, err error)
	}{
		{
			name: "no recipients",
			mutate: func(req *Request) {
				req.Recipients = nil
			},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, ErrNoRecipients)
			},
		},
		{
			name: "dust recipient",
			mutate: func(req *Request) {
				req.Recipients[0].Value = 10
			},
			check: func(t *testing.T, err error) {
				var dust *ErrBelowDustLimit
				require.ErrorAs(t, err, &dust)
				require.Equal(t, 0, dust.Index)
				require.Equal(t, btcutil.Amount(10), dust.Amount)
				require.Equal(t, p2wpkhDust, dust.Threshold)
				requireExactDust(t, payeeScript, dust.Threshold,
					txrules.DefaultRelayFeePerKb)
			},
		},
		{
			name: "recipient one below dust",
			mutate: func(req *Request) {
				req.Recipients[0].Value = int64(p2wpkhDust - 1)
			},
			check: func(t *testing.T, err error) {
				var dust *ErrBelowDustLimit
				require.ErrorAs(t, err, &dust)
				require.Equal(t, p2wpkhDust, dust.Threshold)
			},
		},
		{
			name: "negative recipient",
			mutate: func(req *Request) {
				req.Recipients[0].Value = -1
			},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, txrules.ErrAmountNegative)
			},
		},
		{
			name: "fee rate below relay",
			mutate: func(req *Request) {
				req.FeePolicy.MinRelay = fn.Some(
					btcunit.NewSatPerVByte(2),
				)
			},
			check: func(t *testing.T, err error) {
				var low *ErrFeeRateTooLow
				require.ErrorAs(t, err, &low)
				require.True(t, low.Min.Equal(
					btcunit.NewSatPerVByte(2),
				))
			},
		},
		{
			name: "fee rate too large",
			mutate: func(req *Request) {
				req.FeePolicy.Rate = btcunit.NewSatPerVByte(1001)
			},
			check: func(t *testing.T, err error) {
				var large *ErrFeeRateTooLarge
				require.ErrorAs(t, err, &large)
			},
		},
		{
			name: "insufficient funds",
			mutate: func(req *Request) {
				req.Recipients[0].Value = 100000
			},
			check: func(t *testing.T, err error) {
				var insufficient *coinselect.ErrInsufficientFunds
				require.ErrorAs(t, err, &insufficient)
				require.Equal(t, btcutil.Amount(100000),
					insufficient.Available)
				require.Equal(t, btcutil.Amount(100110),
					insufficient.Needed)
			},
		},
		{
			name: "missing change source",
			mutate: func(req *Request) {
				req.ChangePolicy.Source = nil
			},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, ErrMissingChangeSource)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, waddrmgr.KeyScopeBIP0084)
			f.fund(100000)

			req := f.request(30000)
			tc.mutate(req)

			_, err := Build(req)
			tc.check(t, err)
		})
	}

	_, err := Build(nil)
	require.ErrorIs(t, err, ErrNilRequest)
}

// TestBuildFeeNotConverged uses a strategy that flips between one and three
// inputs on every call, so the estimate never settles.
func TestBuildFeeNotConverged(t *testing.T) {
	t.Parallel()

	f := newFixture(t, waddrmgr.KeyScopeBIP0084)
	f.fund(20000)
	f.fund(20000)
	f.fund(20000)
	f.fund(60000)

	var calls int
	flip := coinselect.Custom("flip", func(coins []coinselect.Coin,
		rate btcunit.SatPerKWeight) ([]coinselect.Coin, error) {

		calls++
		if calls%2 == 0 {
			return coinselect.CoinSelectionLargest.ArrangeCoins(
				coins, rate,
			)
		}

		return coins, nil
	})

	req := f.request(50000)
	req.Selection.Strategy = flip

	_, err := Build(req)
	require.ErrorIs(t, err, ErrFeeNotConverged)
	require.Equal(t, maxFeeIterations, calls)
}

// requireExactDust asserts that threshold is the smallest value CheckOutput
// accepts for an output paying to the script.
func requireExactDust(t *testing.T, pkScript []byte, threshold,
	relayFee btcutil.Amount) {

	t.Helper()

	require.NoError(t, txrules.CheckOutput(
		wire.NewTxOut(int64(threshold), pkScript), relayFee,
	))
	if threshold > 0 {
		require.ErrorIs(t, txrules.CheckOutput(
			wire.NewTxOut(int64(threshold-1), pkScript), relayFee,
		), txrules.ErrOutputIsDust)
	}
}

// TestDustThreshold verifies that the threshold is the first amount the
// relay rules accept.
func TestDustThreshold(t *testing.T) {
	t.Parallel()

	p2tr := append(
		[]byte{txscript.OP_1, txscript.OP_DATA_32},
		bytes.Repeat([]byte{0x55}, 32)...,
	)
	p2pkh := append(
		[]byte{txscript.OP_DUP, txscript.OP_HASH160,
			txscript.OP_DATA_20},
		append(bytes.Repeat([]byte{0x66}, 20), txscript.OP_EQUALVERIFY,
			txscript.OP_CHECKSIG)...,
	)

	testCases := []struct {
		name     string
		pkScript []byte
		relayFee btcutil.Amount
		want     btcutil.Amount
	}{
		{"p2wpkh default relay", payeeScript, 1000, p2wpkhDust},
		{"p2tr default relay", p2tr, 1000, 330},
		{"p2pkh default relay", p2pkh, 1000, 546},
		{"p2wpkh higher relay", payeeScript, 5000, 1470},
		{"no relay fee", payeeScript, 0, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			threshold := dustThreshold(tc.pkScript, tc.relayFee)
			require.Equal(t, tc.want, threshold)
			requireExactDust(t, tc.pkScript, threshold, tc.relayFee)
		})
	}
}

// TestBuildDefaultChangeDust verifies that without a configured threshold
// change is folded only below the relay dust limit of the change script.
func TestBuildDefaultChangeDust(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		change    btcutil.Amount
		hasChange bool
	}{
		{"at relay dust", p2wpkhDust, true},
		{"above relay dust", 400, true},
		{"below relay dust", p2wpkhDust - 1, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, waddrmgr.KeyScopeBIP0084)
			f.fund(100000)

			utx, err := Build(f.request(100000 - 141 - tc.change))
			require.NoError(t, err)
			require.Equal(t, tc.hasChange, utx.HasChange())

			if tc.hasChange {
				require.Equal(t, btcutil.Amount(141), utx.Fee)
				require.Equal(t, int64(tc.change),
					utx.Tx.TxOut[utx.ChangeIndex].Value)
			} else {
				require.Equal(t, 141+tc.change, utx.Fee)
			}
		})
	}
}
