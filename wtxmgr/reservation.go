// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"slices"
	"time"

	"github.com/btcsuite/btcd/wire"
)

// ReservationID identifies the draft transaction that holds a set of
// outputs.
type ReservationID [32]byte

// reservation is the in-memory lease on a single output.
type reservation struct {
	id ReservationID

	// expiry is the zero time for leases that never expire.
	expiry time.Time
}

// Reservation describes a held output.
type Reservation struct {
	OutPoint   wire.OutPoint
	ID         ReservationID
	Expiration time.Time
}

// expired reports whether the lease has run out at the given time.
func (r reservation) expired(now time.Time) bool {
	return !r.expiry.IsZero() && !now.Before(r.expiry)
}

// Reserve marks the outputs as held by the draft. Either all outputs are
// reserved or none are. Reserving an output the same draft already holds
// extends its lease. A zero timeout never expires.
func (s *Store) Reserve(id ReservationID, ops []wire.OutPoint,
	timeout time.Duration) error {

	now := s.clock.Now()
	view := s.newSpendView()

	for _, op := range ops {
		if _, ok := s.txOuts[op]; !ok {
			return ErrUnknownOutput
		}

		if view.spentBy(op).IsSome() {
			return ErrOutputSpent
		}

		r, ok := s.reservations[op]
		if ok && r.id != id && !r.expired(now) {
			return &ErrAlreadyReserved{OutPoint: op, Holder: r.id}
		}
	}

	var expiry time.Time
	if timeout > 0 {
		expiry = now.Add(timeout)
	}

	for _, op := range ops {
		s.reservations[op] = reservation{id: id, expiry: expiry}
	}

	log.Debugf("Reserved %d outputs for draft %x", len(ops), id[:8])

	return nil
}

// Release drops every reservation held by the draft and returns the
// outputs that were freed.
func (s *Store) Release(id ReservationID) []wire.OutPoint {
	var freed []wire.OutPoint
	for op, r := range s.reservations {
		if r.id == id {
			delete(s.reservations, op)
			freed = append(freed, op)
		}
	}

	slices.SortFunc(freed, CompareOutPoints)

	return freed
}

// ReleaseOutPoints drops the reservations on the given outputs regardless of
// the draft holding them.
func (s *Store) ReleaseOutPoints(ops ...wire.OutPoint) {
	for _, op := range ops {
		delete(s.reservations, op)
	}
}

// IsReserved reports whether the output is held by a draft whose lease has
// not expired.
func (s *Store) IsReserved(op wire.OutPoint) bool {
	r, ok := s.reservations[op]

	return ok && !r.expired(s.clock.Now())
}

// Reservations lists the live reservations ordered by outpoint.
func (s *Store) Reservations() []Reservation {
	now := s.clock.Now()

	list := make([]Reservation, 0, len(s.reservations))
	for op, r := range s.reservations {
		if r.expired(now) {
			continue
		}

		list = append(list, Reservation{
			OutPoint:   op,
			ID:         r.id,
			Expiration: r.expiry,
		})
	}

	slices.SortFunc(list, func(a, b Reservation) int {
		return CompareOutPoints(a.OutPoint, b.OutPoint)
	})

	return list
}

// pruneReservations removes expired leases and leases on outputs that now
// have a spender. The latter is how a reservation turns into a real spend
// link once the draft is observed on chain or in the mempool.
func (s *Store) pruneReservations() {
	if len(s.reservations) == 0 {
		return
	}

	now := s.clock.Now()
	view := s.newSpendView()

	for op, r := range s.reservations {
		switch {
		case r.expired(now):
			log.Debugf("Reservation on %v by draft %x expired", op,
				r.id[:8])

			delete(s.reservations, op)

		case view.spentBy(op).IsSome():
			log.Debugf("Reserved output %v observed spent, "+
				"releasing draft %x", op, r.id[:8])

			delete(s.reservations, op)
		}
	}
}
