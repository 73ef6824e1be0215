// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/walletcore/chain"
	"github.com/btcsuite/walletcore/pkg/btcunit"
	"github.com/btcsuite/walletcore/waddrmgr"
	"github.com/btcsuite/walletcore/wallet/coinselect"
	"github.com/btcsuite/walletcore/wtxmgr"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultReservationTimeout is how long a draft transaction holds
	// its inputs unless it is released or broadcast first.
	DefaultReservationTimeout = 10 * time.Minute

	// DefaultSyncInterval is the polling interval of Run.
	DefaultSyncInterval = 30 * time.Second
)

// DefaultFeeRate is the rate a draft pays when neither the intent nor the
// config name one. This is 1 sat/vb.
var DefaultFeeRate = btcunit.NewSatPerVByte(1)

var (
	// ErrMissingChainParams is returned by New without chain parameters.
	ErrMissingChainParams = errors.New("missing chain params")

	// ErrMissingChainSource is returned by New without a chain source.
	ErrMissingChainSource = errors.New("missing chain source")

	// ErrMissingPersister is returned by New without a persister.
	ErrMissingPersister = errors.New("missing persister")

	// ErrMissingProvider is returned by New without a key provider.
	ErrMissingProvider = errors.New("missing key provider")
)

// KeyProvider derives the wallet's scripts and tracks which of them have
// been used. *waddrmgr.Provider implements it.
type KeyProvider interface {
	// Derive returns the template at the index of the keychain.
	Derive(keychain wtxmgr.Keychain, index uint32) (
		waddrmgr.ScriptTemplate, error)

	// NextUnusedIndex returns the lowest unused index of the keychain.
	NextUnusedIndex(keychain wtxmgr.Keychain) uint32

	// MarkUsed records that the index has received funds.
	MarkUsed(keychain wtxmgr.Keychain, index uint32) error

	// NewAddress hands out the next unused template of the keychain.
	NewAddress(keychain wtxmgr.Keychain) (waddrmgr.ScriptTemplate, error)

	// Lookup returns the template that derived the script.
	Lookup(pkScript []byte) (waddrmgr.ScriptTemplate, bool)

	// Scripts returns the watch list handed to the chain source.
	Scripts() [][]byte
}

// A compile-time assertion to ensure the descriptor provider can back a
// wallet.
var _ KeyProvider = (*waddrmgr.Provider)(nil)

// Config holds the dependencies and policy of a Wallet.
type Config struct {
	// ChainParams selects the network.
	ChainParams *chaincfg.Params

	// ChainSource is where chain data is fetched from.
	ChainSource chain.ChainSource

	// Persister stores applied change sets.
	Persister Persister

	// Provider derives the wallet's scripts.
	Provider KeyProvider

	// Clock drives reservation expiry and mempool timestamps. It
	// defaults to the wall clock.
	Clock clock.Clock

	// FeeRate is the default fee rate of drafts. Zero means
	// DefaultFeeRate.
	FeeRate btcunit.SatPerKWeight

	// MaxFeeRate caps the fee rate of drafts. Zero means the builder's
	// default.
	MaxFeeRate btcunit.SatPerKWeight

	// ChangeDust is the smallest change output worth creating. None
	// means the dust limit of the change script.
	ChangeDust fn.Option[btcutil.Amount]

	// DefaultStrategy orders coins when a draft names none. Nil means
	// largest first.
	DefaultStrategy coinselect.Strategy

	// ReservationTimeout is how long drafts hold their inputs. Zero means
	// DefaultReservationTimeout.
	ReservationTimeout time.Duration

	// SyncInterval is the polling interval of Run. Zero means
	// DefaultSyncInterval.
	SyncInterval time.Duration

	// SyncTicker drives Run. Nil means a ticker at SyncInterval.
	SyncTicker ticker.Ticker
}

// validate checks the required dependencies and fills in defaults.
func (c *Config) validate() error {
	switch {
	case c.ChainParams == nil:
		return ErrMissingChainParams

	case c.ChainSource == nil:
		return ErrMissingChainSource

	case c.Persister == nil:
		return ErrMissingPersister

	case c.Provider == nil:
		return ErrMissingProvider
	}

	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}

	if c.FeeRate.IsZero() {
		c.FeeRate = DefaultFeeRate
	}

	if c.DefaultStrategy == nil {
		c.DefaultStrategy = coinselect.CoinSelectionLargest
	}

	if c.ReservationTimeout == 0 {
		c.ReservationTimeout = DefaultReservationTimeout
	}

	if c.SyncInterval == 0 {
		c.SyncInterval = DefaultSyncInterval
	}

	if c.SyncTicker == nil {
		c.SyncTicker = ticker.New(c.SyncInterval)
	}

	return nil
}
