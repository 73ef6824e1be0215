// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coinselect

import (
	"cmp"
	"math"
	"slices"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/walletcore/pkg/btcunit"
	"github.com/btcsuite/walletcore/wtxmgr"
)

// DefaultBnBMaxTries bounds the depth-first search of BranchAndBound.
const DefaultBnBMaxTries = 100000

// Problem is what a Searcher must solve.
type Problem struct {
	// Target is the amount the effective values of the selection must
	// reach. It already includes the fee of the transaction without
	// inputs and excludes what must-use coins contribute.
	Target btcutil.Amount

	// FeeRate is the rate the transaction pays.
	FeeRate btcunit.SatPerKWeight

	// CostOfChange is the cost of adding a change output now and
	// spending it later. A selection that overshoots the target by less
	// than this is paid to fees instead.
	CostOfChange btcutil.Amount
}

// BranchAndBound searches for the selection with the least waste whose
// effective value falls between the target and target plus the cost of
// change, so that no change output is needed. The search is the depth-first
// walk over coins sorted by effective value that Bitcoin Core runs.
type BranchAndBound struct {
	// MaxTries bounds the number of search steps. Zero means
	// DefaultBnBMaxTries.
	MaxTries int

	// CostOfChange overrides the cost of change derived from the request
	// when non-zero.
	CostOfChange btcutil.Amount

	// LongTermFeeRate is the rate the wallet expects to pay in the
	// future. Spending more inputs now is wasteful when the current rate
	// is above it. Zero means the current rate.
	LongTermFeeRate btcunit.SatPerKWeight
}

// A compile time check to ensure BranchAndBound implements Searcher.
var _ Searcher = (*BranchAndBound)(nil)

// Name returns the name of the strategy.
func (*BranchAndBound) Name() string {
	return "branch-and-bound"
}

// ArrangeCoins drops coins that cost more to spend than they are worth and
// sorts the rest by effective value, descending.
func (*BranchAndBound) ArrangeCoins(eligible []Coin,
	feeRate btcunit.SatPerKWeight) ([]Coin, error) {

	positive := make([]Coin, 0, len(eligible))
	for _, coin := range eligible {
		if coin.EffectiveValue(feeRate) <= 0 {
			continue
		}
		positive = append(positive, coin)
	}

	slices.SortStableFunc(positive, func(a, b Coin) int {
		va, vb := a.EffectiveValue(feeRate), b.EffectiveValue(feeRate)
		if c := cmp.Compare(vb, va); c != 0 {
			return c
		}

		return wtxmgr.CompareOutPoints(a.OutPoint, b.OutPoint)
	})

	return positive, nil
}

// Search runs the bounded depth-first search.
func (b *BranchAndBound) Search(pool []Coin, p *Problem) ([]Coin, int,
	bool) {

	maxTries := b.MaxTries
	if maxTries <= 0 {
		maxTries = DefaultBnBMaxTries
	}

	costOfChange := b.CostOfChange
	if costOfChange == 0 {
		costOfChange = p.CostOfChange
	}

	longTermRate := b.LongTermFeeRate
	if longTermRate.IsZero() {
		longTermRate = p.FeeRate
	}

	coins, _ := b.ArrangeCoins(slices.Clone(pool), p.FeeRate)

	values := make([]btcutil.Amount, len(coins))
	waste := make([]btcutil.Amount, len(coins))

	var available btcutil.Amount
	for i := range coins {
		values[i] = coins[i].EffectiveValue(p.FeeRate)
		waste[i] = coins[i].Fee(p.FeeRate) - coins[i].Fee(longTermRate)
		available += values[i]
	}

	if available < p.Target {
		return nil, 0, false
	}

	feeRateHigh := p.FeeRate.GreaterThan(longTermRate)

	var (
		selection []int
		best      []int
		found     bool
		bestWaste = btcutil.Amount(math.MaxInt64)

		currValue btcutil.Amount
		currWaste btcutil.Amount

		tries int
		index int
	)

	for ; tries < maxTries; tries++ {
		backtrack := false

		switch {
		// The branch can no longer reach the target, overshoots it by
		// more than change would cost, or is already worse than the
		// best one.
		case currValue+available < p.Target,
			currValue > p.Target+costOfChange,
			currWaste > bestWaste && feeRateHigh:

			backtrack = true

		case currValue >= p.Target:
			excessWaste := currWaste + currValue - p.Target
			if excessWaste <= bestWaste {
				best = slices.Clone(selection)
				bestWaste = excessWaste
				found = true
			}
			backtrack = true
		}

		if backtrack {
			if len(selection) == 0 {
				break
			}

			// Put the coins skipped after the last included one back
			// into the lookahead, then try the branch without it.
			last := selection[len(selection)-1]
			for index--; index > last; index-- {
				available += values[index]
			}

			currValue -= values[last]
			currWaste -= waste[last]
			selection = selection[:len(selection)-1]
		} else {
			available -= values[index]

			// Skip a coin equal to the previous one when that one was
			// left out, since the branch would repeat.
			if len(selection) == 0 ||
				index-1 == selection[len(selection)-1] ||
				values[index] != values[index-1] ||
				waste[index] != waste[index-1] {

				selection = append(selection, index)
				currValue += values[index]
				currWaste += waste[index]
			}
		}

		index++
	}

	if !found {
		log.Debugf("Branch and bound found no match for target %v in "+
			"%d tries", p.Target, tries)

		return nil, tries, false
	}

	result := make([]Coin, 0, len(best))
	for _, i := range best {
		result = append(result, coins[i])
	}

	return result, tries, true
}
