// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/btcsuite/btcd/rpcclient"
)

var (
	// ErrBackendUnavailable is returned when the chain backend cannot be
	// reached or fails to answer a request.
	ErrBackendUnavailable = errors.New("chain backend unavailable")

	// ErrTimeout is returned when a fetch does not complete before its
	// context deadline.
	ErrTimeout = errors.New("chain backend timed out")
)

// IsRetryable reports whether the error is transient, so the same request
// may succeed later.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrBackendUnavailable),
		errors.Is(err, ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, rpcclient.ErrClientNotConnected),
		errors.Is(err, rpcclient.ErrClientDisconnect),
		errors.Is(err, rpcclient.ErrClientShutdown):

		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}

// mapRPCError wraps a backend failure into the source's error taxonomy.
func mapRPCError(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) {

		return fmt.Errorf("%w: %s: %w", ErrTimeout, op, err)
	}

	return fmt.Errorf("%w: %s: %w", ErrBackendUnavailable, op, err)
}
