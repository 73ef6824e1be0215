// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package waddrmgr

import "errors"

var (
	// ErrUnsupportedScope is returned for key scopes other than BIP0084
	// and BIP0086.
	ErrUnsupportedScope = errors.New("unsupported key scope")

	// ErrWrongNet is returned when the account key belongs to a
	// different network.
	ErrWrongNet = errors.New("account key is for a different network")

	// ErrUnknownKeychain is returned for keychains other than external
	// and internal.
	ErrUnknownKeychain = errors.New("unknown keychain")
)
