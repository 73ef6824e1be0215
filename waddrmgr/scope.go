// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package waddrmgr

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/btcsuite/walletcore/pkg/btcunit"
)

// AddressType is the kind of output script an account derives.
type AddressType uint8

const (
	// WitnessPubKey is a pay-to-witness-pubkey-hash output.
	WitnessPubKey AddressType = iota

	// TaprootPubKey is a key path only pay-to-taproot output.
	TaprootPubKey
)

// String returns the address type name.
func (a AddressType) String() string {
	switch a {
	case WitnessPubKey:
		return "p2wkh"

	case TaprootPubKey:
		return "p2tr"

	default:
		return fmt.Sprintf("AddressType(%d)", uint8(a))
	}
}

// KeyScope represents a restricted key scope from the primary root key within
// the HD chain. From the root manager (m/) we can create a nearly arbitrary
// number of ScopedKeyManagers of key derivation path: m/purpose'/cointype'.
type KeyScope struct {
	// Purpose is the purpose of this key scope. This is the first child of
	// the master HD key.
	Purpose uint32

	// Coin is a value that represents the particular coin which is the
	// child of the purpose key. With this key, any accounts, or other
	// children can be derived at all.
	Coin uint32
}

var (
	// KeyScopeBIP0084 is the key scope for BIP0084 derivation. BIP0084
	// will be used to derive all p2wkh addresses.
	KeyScopeBIP0084 = KeyScope{
		Purpose: 84,
		Coin:    0,
	}

	// KeyScopeBIP0086 is the key scope for BIP0086 derivation. BIP0086
	// will be used to derive all p2tr addresses.
	KeyScopeBIP0086 = KeyScope{
		Purpose: 86,
		Coin:    0,
	}
)

// String returns a human readable version describing the key scope.
func (k KeyScope) String() string {
	return fmt.Sprintf("m/%v'/%v'", k.Purpose, k.Coin)
}

// addrType returns the address type derived under the scope's purpose.
func (k KeyScope) addrType() (AddressType, error) {
	switch k.Purpose {
	case KeyScopeBIP0084.Purpose:
		return WitnessPubKey, nil

	case KeyScopeBIP0086.Purpose:
		return TaprootPubKey, nil

	default:
		return 0, fmt.Errorf("%w: %v", ErrUnsupportedScope, k)
	}
}

// accountPath returns the hardened derivation path of the account key.
func (k KeyScope) accountPath(account uint32) []uint32 {
	return []uint32{
		k.Purpose + hdkeychain.HardenedKeyStart,
		k.Coin + hdkeychain.HardenedKeyStart,
		account + hdkeychain.HardenedKeyStart,
	}
}

// witnessWeight returns the witness weight needed to spend an output of the
// address type with a single signature.
func (a AddressType) witnessWeight() btcunit.WeightUnit {
	if a == TaprootPubKey {
		return btcunit.NewWeightUnit(txsizes.RedeemP2TRInputWitnessWeight)
	}

	return btcunit.NewWeightUnit(txsizes.RedeemP2WPKHInputWitnessWeight)
}
