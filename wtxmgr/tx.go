// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"bytes"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Keychain identifies the derivation branch an output script belongs to.
type Keychain uint8

const (
	// KeychainExternal is the receive branch handed out to payers.
	KeychainExternal Keychain = 0

	// KeychainInternal is the change branch.
	KeychainInternal Keychain = 1
)

// String returns a human-readable name for the keychain.
func (k Keychain) String() string {
	switch k {
	case KeychainExternal:
		return "external"

	case KeychainInternal:
		return "internal"

	default:
		return fmt.Sprintf("keychain(%d)", uint8(k))
	}
}

// Checkpoint identifies a block on the chain the store has reconciled
// against.
type Checkpoint struct {
	Height int32
	Hash   chainhash.Hash
}

// String returns the checkpoint as height:hash.
func (c Checkpoint) String() string {
	return fmt.Sprintf("%d:%v", c.Height, c.Hash)
}

// ConfirmationStatus records whether and where a transaction was mined. The
// zero value is unconfirmed.
type ConfirmationStatus struct {
	Confirmed bool
	Height    int32
	BlockHash chainhash.Hash
}

// Unconfirmed returns the status of a transaction not yet in a block.
func Unconfirmed() ConfirmationStatus {
	return ConfirmationStatus{}
}

// ConfirmedAt returns the status of a transaction mined in the given block.
func ConfirmedAt(height int32, hash chainhash.Hash) ConfirmationStatus {
	return ConfirmationStatus{
		Confirmed: true,
		Height:    height,
		BlockHash: hash,
	}
}

// Confirmations returns the number of confirmations at the given tip height.
// Unconfirmed transactions have zero confirmations.
func (c ConfirmationStatus) Confirmations(tipHeight int32) int32 {
	if !c.Confirmed || tipHeight < c.Height {
		return 0
	}

	return tipHeight - c.Height + 1
}

// String returns a short description of the status.
func (c ConfirmationStatus) String() string {
	if !c.Confirmed {
		return "unconfirmed"
	}

	return fmt.Sprintf("confirmed at %d (%v)", c.Height, c.BlockHash)
}

// TxOutRecord describes a transaction output paying to a wallet script.
type TxOutRecord struct {
	// Amount is the value of the output.
	Amount btcutil.Amount

	// PkScript is the wallet script the output pays to.
	PkScript []byte

	// Keychain is the branch the script was derived on.
	Keychain Keychain

	// Index is the derivation index of the script on its keychain.
	Index uint32
}

// LocalTx is a wallet relevant transaction together with what the wallet
// knows about its confirmation.
type LocalTx struct {
	Tx *wire.MsgTx

	Status ConfirmationStatus

	// LastSeen is the last time the transaction was observed unconfirmed.
	// It orders conflicting unconfirmed spends. An unconfirmed transaction
	// with a zero LastSeen is dormant: it was disconnected by a reorg and
	// neither spends its inputs nor funds its outputs until it is seen
	// again.
	LastSeen time.Time
}

// TxHash returns the hash of the transaction.
func (t *LocalTx) TxHash() chainhash.Hash {
	return t.Tx.TxHash()
}

// isDormant reports whether the transaction is unconfirmed and has not been
// observed since it was rolled back.
func (t *LocalTx) isDormant() bool {
	return !t.Status.Confirmed && t.LastSeen.IsZero()
}

// IsCoinBase reports whether the transaction is a coinbase.
func (t *LocalTx) IsCoinBase() bool {
	return blockchain.IsCoinBaseTx(t.Tx)
}

// LocalUtxo is a wallet output with its current spend and confirmation
// status.
type LocalUtxo struct {
	OutPoint wire.OutPoint
	TxOut    TxOutRecord

	// SpentBy is the transaction that currently spends the output, if any.
	SpentBy fn.Option[chainhash.Hash]

	// Status is the confirmation status of the owning transaction.
	Status ConfirmationStatus

	// IsCoinbase is set when the owning transaction is a coinbase.
	IsCoinbase bool
}

// IsSpent reports whether the output has an effective spender.
func (u *LocalUtxo) IsSpent() bool {
	return u.SpentBy.IsSome()
}

// Balance is the wallet balance split by how safe each part is to spend.
type Balance struct {
	// Confirmed is the value of mature confirmed outputs.
	Confirmed btcutil.Amount

	// TrustedPending is the value of unconfirmed outputs of transactions
	// that only spend wallet outputs.
	TrustedPending btcutil.Amount

	// UntrustedPending is the value of unconfirmed outputs of transactions
	// that spend outputs the wallet does not own.
	UntrustedPending btcutil.Amount

	// Immature is the value of coinbase outputs that have not reached
	// maturity.
	Immature btcutil.Amount
}

// Total returns the sum of all balance categories.
func (b Balance) Total() btcutil.Amount {
	return b.Confirmed + b.TrustedPending + b.UntrustedPending + b.Immature
}

// Spendable returns the value that can be spent without relying on a third
// party: confirmed plus trusted pending.
func (b Balance) Spendable() btcutil.Amount {
	return b.Confirmed + b.TrustedPending
}

// compareHash orders two hashes bytewise. It is used wherever a
// deterministic tie-break between transactions is needed.
func compareHash(a, b *chainhash.Hash) int {
	return bytes.Compare(a[:], b[:])
}

// CompareOutPoints orders outpoints by hash and then by index.
func CompareOutPoints(a, b wire.OutPoint) int {
	if c := compareHash(&a.Hash, &b.Hash); c != 0 {
		return c
	}

	switch {
	case a.Index < b.Index:
		return -1

	case a.Index > b.Index:
		return 1

	default:
		return 0
	}
}
