// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import (
	"errors"
	"fmt"
	"math"
)

// ErrCastingOverflow is returned when a stored integer does not fit the type
// of the field it is read into.
var ErrCastingOverflow = errors.New("casting overflow")

// castInt64 checks that v lies within [lo, hi] before converting it.
func castInt64[T uint8 | int32 | uint32](v, lo, hi int64) (T, error) {
	if v < lo || v > hi {
		var zero T
		return zero, fmt.Errorf("could not cast %d to %T: %w", v, zero,
			ErrCastingOverflow)
	}

	return T(v), nil
}

// int64ToUint32 reads a stored output or key index.
func int64ToUint32(v int64) (uint32, error) {
	return castInt64[uint32](v, 0, math.MaxUint32)
}

// int64ToInt32 reads a stored block height.
func int64ToInt32(v int64) (int32, error) {
	return castInt64[int32](v, math.MinInt32, math.MaxInt32)
}

// int64ToUint8 reads a stored keychain.
func int64ToUint8(v int64) (uint8, error) {
	return castInt64[uint8](v, 0, math.MaxUint8)
}
