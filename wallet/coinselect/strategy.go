// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coinselect

import (
	"cmp"
	"slices"

	"github.com/btcsuite/walletcore/pkg/btcunit"
	"github.com/btcsuite/walletcore/wtxmgr"
)

// Strategy is a coin selection strategy. A strategy orders or filters the
// candidates before the selector accumulates them one by one until the
// target and fee are covered.
type Strategy interface {
	// Name identifies the strategy in logs and results.
	Name() string

	// ArrangeCoins takes a list of coins and arranges them according to
	// the strategy and fee rate. The slice may be reordered in place.
	ArrangeCoins(eligible []Coin, feeRate btcunit.SatPerKWeight) ([]Coin,
		error)
}

// Searcher is implemented by strategies that look for a complete selection
// themselves rather than arranging coins for accumulation.
type Searcher interface {
	Strategy

	// Search returns the best selection from the pool that meets the
	// problem, or false when none was found within its bound. It also
	// returns the number of tries spent.
	Search(pool []Coin, p *Problem) ([]Coin, int, bool)
}

var (
	// CoinSelectionLargest always picks the largest available utxo to add
	// to the transaction next.
	CoinSelectionLargest Strategy = &LargestFirst{}

	// CoinSelectionOldest spends the earliest confirmed utxos first.
	CoinSelectionOldest Strategy = &OldestFirst{}
)

// LargestFirst is an implementation of Strategy that always selects the
// largest coins first.
type LargestFirst struct{}

// Name returns the name of the strategy.
func (*LargestFirst) Name() string {
	return "largest-first"
}

// ArrangeCoins sorts the coins by value, descending. Equal values are
// ordered by outpoint.
func (*LargestFirst) ArrangeCoins(eligible []Coin,
	_ btcunit.SatPerKWeight) ([]Coin, error) {

	slices.SortStableFunc(eligible, func(a, b Coin) int {
		if c := cmp.Compare(b.Value(), a.Value()); c != 0 {
			return c
		}

		return wtxmgr.CompareOutPoints(a.OutPoint, b.OutPoint)
	})

	return eligible, nil
}

// OldestFirst is an implementation of Strategy that spends coins in the
// order they were confirmed, unconfirmed coins last.
type OldestFirst struct{}

// Name returns the name of the strategy.
func (*OldestFirst) Name() string {
	return "oldest-first"
}

// ArrangeCoins sorts the coins by confirmation height. Ties are ordered by
// outpoint.
func (*OldestFirst) ArrangeCoins(eligible []Coin,
	_ btcunit.SatPerKWeight) ([]Coin, error) {

	slices.SortStableFunc(eligible, func(a, b Coin) int {
		switch {
		case a.Status.Confirmed && !b.Status.Confirmed:
			return -1

		case !a.Status.Confirmed && b.Status.Confirmed:
			return 1

		case a.Status.Height != b.Status.Height:
			return cmp.Compare(a.Status.Height, b.Status.Height)
		}

		return wtxmgr.CompareOutPoints(a.OutPoint, b.OutPoint)
	})

	return eligible, nil
}

// ArrangeFunc arranges coins for a Custom strategy.
type ArrangeFunc func(eligible []Coin, feeRate btcunit.SatPerKWeight) (
	[]Coin, error)

// custom wraps a caller supplied arrangement.
type custom struct {
	name    string
	arrange ArrangeFunc
}

// Custom returns a strategy that arranges coins with the function. The
// function may drop coins but must not add any.
func Custom(name string, arrange ArrangeFunc) Strategy {
	return &custom{name: name, arrange: arrange}
}

// Name returns the name given to Custom.
func (c *custom) Name() string {
	return c.name
}

// ArrangeCoins calls the wrapped function.
func (c *custom) ArrangeCoins(eligible []Coin,
	feeRate btcunit.SatPerKWeight) ([]Coin, error) {

	return c.arrange(eligible, feeRate)
}
