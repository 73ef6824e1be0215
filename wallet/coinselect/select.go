// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package coinselect chooses the wallet outputs that fund a transaction.
package coinselect

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletcore/pkg/btcunit"
	"github.com/btcsuite/walletcore/wtxmgr"
)

// Request describes a selection problem.
type Request struct {
	// Candidates are the outputs the selector may spend. Reserved or
	// spent candidates are skipped.
	Candidates []wtxmgr.LocalUtxo

	// MustUse lists outputs that are spent regardless of the strategy.
	// Each must be among the candidates.
	MustUse []wire.OutPoint

	// Target is the value of the outputs the transaction pays, without
	// change.
	Target btcutil.Amount

	// FeeRate is the rate the transaction pays.
	FeeRate btcunit.SatPerKWeight

	// BaseWeight is the weight of the transaction without inputs and
	// without a change output.
	BaseWeight btcunit.WeightUnit

	// ChangeWeight is the weight a change output adds.
	ChangeWeight btcunit.WeightUnit

	// InputWeight returns the signed weight of an input. Nil means
	// DefaultInputWeight.
	InputWeight InputWeightFunc

	// Strategy orders the candidates. Nil means CoinSelectionLargest.
	Strategy Strategy

	// IsReserved reports whether an output is held by another draft.
	IsReserved func(wire.OutPoint) bool

	// ChangeDust is the smallest change output worth creating. Smaller
	// change is added to the fee.
	ChangeDust btcutil.Amount
}

// Selection is the result of Select.
type Selection struct {
	// Coins are the selected outputs, must-use first.
	Coins []Coin

	// Total is the value of the selected coins.
	Total btcutil.Amount

	// Fee is the fee the transaction pays, including any change folded
	// into it.
	Fee btcutil.Amount

	// Change is the value of the change output, or zero when there is
	// none.
	Change btcutil.Amount

	// Strategy is the name of the strategy that made the selection.
	Strategy string

	// Tries is the number of search steps a Searcher spent.
	Tries int

	// FellBack is set when a Searcher found nothing and largest-first
	// made the selection instead.
	FellBack bool
}

// HasChange reports whether the selection pays a change output.
func (s *Selection) HasChange() bool {
	return s.Change > 0
}

// selector holds the state of one Select call.
type selector struct {
	req *Request
}

// Select chooses coins from the request's candidates that pay for the target
// and the fee of the transaction spending them. The fee is recomputed after
// every coin added, since each input makes the transaction heavier.
func Select(req *Request) (*Selection, error) {
	if req == nil {
		return nil, ErrNilRequest
	}

	if req.Target < 0 {
		return nil, fmt.Errorf("%w: %v", ErrNegativeTarget, req.Target)
	}

	s := &selector{req: req}

	mustUse, pool, err := s.partition()
	if err != nil {
		return nil, err
	}

	strategy := req.Strategy
	if strategy == nil {
		strategy = CoinSelectionLargest
	}

	// The must-use coins may already be enough on their own.
	if s.covered(mustUse) {
		return s.finish(mustUse, strategy.Name()), nil
	}

	if searcher, ok := strategy.(Searcher); ok {
		found, tries, ok := searcher.Search(pool, s.problem(mustUse))
		if ok {
			coins := append(append([]Coin{}, mustUse...), found...)
			if s.covered(coins) {
				sel := s.finish(coins, strategy.Name())
				sel.Tries = tries

				return sel, nil
			}
		}

		log.Debugf("Falling back to %v after %d %v tries",
			CoinSelectionLargest.Name(), tries, strategy.Name())

		sel, err := s.accumulate(mustUse, pool, CoinSelectionLargest)
		if err != nil {
			return nil, err
		}
		sel.Strategy = strategy.Name()
		sel.Tries = tries
		sel.FellBack = true

		return sel, nil
	}

	return s.accumulate(mustUse, pool, strategy)
}

// partition splits the candidates into must-use coins and the pool the
// strategy picks from.
func (s *selector) partition() ([]Coin, []Coin, error) {
	weight := s.req.InputWeight
	if weight == nil {
		weight = DefaultInputWeight
	}

	isReserved := s.req.IsReserved
	if isReserved == nil {
		isReserved = func(wire.OutPoint) bool { return false }
	}

	byOutPoint := make(map[wire.OutPoint]Coin, len(s.req.Candidates))
	order := make([]wire.OutPoint, 0, len(s.req.Candidates))
	for i := range s.req.Candidates {
		utxo := &s.req.Candidates[i]
		if _, ok := byOutPoint[utxo.OutPoint]; ok {
			continue
		}

		byOutPoint[utxo.OutPoint] = Coin{
			LocalUtxo:   *utxo,
			InputWeight: weight(utxo),
		}
		order = append(order, utxo.OutPoint)
	}

	used := make(map[wire.OutPoint]struct{}, len(s.req.MustUse))
	mustUse := make([]Coin, 0, len(s.req.MustUse))
	for _, op := range s.req.MustUse {
		if _, ok := used[op]; ok {
			return nil, nil, fmt.Errorf("%w: %v", ErrDuplicatedUtxo, op)
		}
		used[op] = struct{}{}

		coin, ok := byOutPoint[op]
		switch {
		case !ok:
			return nil, nil, fmt.Errorf("%w: %v is not a candidate",
				ErrUtxoNotEligible, op)

		case coin.IsSpent():
			return nil, nil, fmt.Errorf("%w: %v is spent",
				ErrUtxoNotEligible, op)

		case isReserved(op):
			return nil, nil, &wtxmgr.ErrAlreadyReserved{OutPoint: op}
		}

		mustUse = append(mustUse, coin)
	}

	pool := make([]Coin, 0, len(order))
	for _, op := range order {
		if _, ok := used[op]; ok {
			continue
		}

		coin := byOutPoint[op]
		if coin.IsSpent() || isReserved(op) {
			log.Tracef("Skipping unavailable candidate %v", op)
			continue
		}

		pool = append(pool, coin)
	}

	return mustUse, pool, nil
}

// weight returns the transaction weight when spending the coins.
func (s *selector) weight(coins []Coin, change bool) btcunit.WeightUnit {
	weight := s.req.BaseWeight
	for i := range coins {
		weight += coins[i].InputWeight
	}

	if change {
		weight += s.req.ChangeWeight
	}

	return weight
}

// fee returns the fee of the transaction spending the coins.
func (s *selector) fee(coins []Coin, change bool) btcutil.Amount {
	return s.req.FeeRate.FeeForWeight(s.weight(coins, change))
}

// covered reports whether the coins pay for the target and the fee of the
// transaction without change.
func (s *selector) covered(coins []Coin) bool {
	return total(coins) >= s.req.Target+s.fee(coins, false)
}

// problem returns what a Searcher must solve on top of the must-use coins.
func (s *selector) problem(mustUse []Coin) *Problem {
	target := s.req.Target + s.req.FeeRate.FeeForWeight(s.req.BaseWeight)
	for i := range mustUse {
		target -= mustUse[i].EffectiveValue(s.req.FeeRate)
	}

	return &Problem{
		Target:  target,
		FeeRate: s.req.FeeRate,
		CostOfChange: s.req.FeeRate.FeeForWeight(s.req.ChangeWeight) +
			s.req.ChangeDust,
	}
}

// accumulate adds the arranged pool to the must-use coins one at a time
// until they are covered.
func (s *selector) accumulate(mustUse, pool []Coin,
	strategy Strategy) (*Selection, error) {

	inPool := make(map[wire.OutPoint]struct{}, len(pool))
	for i := range pool {
		inPool[pool[i].OutPoint] = struct{}{}
	}

	arranged, err := strategy.ArrangeCoins(
		append([]Coin{}, pool...), s.req.FeeRate,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to arrange coins with %v: %w",
			strategy.Name(), err)
	}

	coins := append([]Coin{}, mustUse...)
	usable := append([]Coin{}, mustUse...)
	for _, coin := range arranged {
		if _, ok := inPool[coin.OutPoint]; !ok {
			return nil, fmt.Errorf("%w: %v returned unknown coin %v",
				ErrUtxoNotEligible, strategy.Name(), coin.OutPoint)
		}

		// A coin worth less than its own input fee moves the total
		// away from the target.
		if coin.EffectiveValue(s.req.FeeRate) <= 0 {
			continue
		}
		usable = append(usable, coin)

		if s.covered(coins) {
			continue
		}
		coins = append(coins, coin)
	}

	if !s.covered(coins) {
		return nil, &ErrInsufficientFunds{
			Needed:    s.req.Target + s.fee(usable, false),
			Available: total(usable),
		}
	}

	return s.finish(coins, strategy.Name()), nil
}

// finish decides the change and fee of the covered coins. Change is kept
// when it is at least the dust threshold, otherwise it goes to the fee.
func (s *selector) finish(coins []Coin, strategy string) *Selection {
	sum := total(coins)

	sel := &Selection{
		Coins:    coins,
		Total:    sum,
		Strategy: strategy,
	}

	feeWithChange := s.fee(coins, true)
	change := sum - s.req.Target - feeWithChange
	if change > 0 && change >= s.req.ChangeDust {
		sel.Change = change
		sel.Fee = feeWithChange
	} else {
		sel.Fee = sum - s.req.Target
	}

	log.Debugf("Selected %d coins worth %v with %v: fee=%v change=%v",
		len(coins), sum, strategy, sel.Fee, sel.Change)

	return sel
}

func total(coins []Coin) btcutil.Amount {
	var sum btcutil.Amount
	for i := range coins {
		sum += coins[i].Value()
	}

	return sum
}
