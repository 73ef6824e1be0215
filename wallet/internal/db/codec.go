// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import (
	"bytes"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// serializeTx returns the wire encoding of the transaction, witness
// included.
func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())

	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize tx: %w", err)
	}

	return buf.Bytes(), nil
}

// deserializeTx decodes a transaction and checks it against the hash it was
// stored under.
func deserializeTx(txid chainhash.Hash, raw []byte) (*wire.MsgTx, error) {
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, newError(ErrCorruptRecord, fmt.Sprintf("tx %v", txid),
			err)
	}

	if tx.TxHash() != txid {
		return nil, newError(ErrCorruptRecord, fmt.Sprintf("tx %v "+
			"stored with hash %v", tx.TxHash(), txid), nil)
	}

	return tx, nil
}

// toUnixNano encodes a timestamp. The zero time maps to zero.
func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

// fromUnixNano reverses toUnixNano.
func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}

	return time.Unix(0, n)
}

// hashFromBytes parses a stored 32 byte hash.
func hashFromBytes(b []byte) (chainhash.Hash, error) {
	h, err := chainhash.NewHash(b)
	if err != nil {
		return chainhash.Hash{}, newError(ErrCorruptRecord, "hash", err)
	}

	return *h, nil
}
