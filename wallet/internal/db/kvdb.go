// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/walletcore/wtxmgr"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"

	// Registers the "bdb" walletdb driver.
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
)

const (
	// kvdbDriver is the walletdb driver backing KvdbStore.
	kvdbDriver = "bdb"

	// DefaultDBTimeout is how long opening the bolt file waits for its
	// lock.
	DefaultDBTimeout = 10 * time.Second
)

var (
	// txsBucket maps a txid to its encoded transaction record.
	txsBucket = []byte("txs")

	// txOutsBucket maps an outpoint to its encoded output record.
	txOutsBucket = []byte("txouts")

	// blocksBucket maps a big endian height to the block hash.
	blocksBucket = []byte("blocks")

	// metaBucket holds single records such as the checkpoint.
	metaBucket = []byte("meta")

	// checkpointKey is the key of the checkpoint in the meta bucket.
	checkpointKey = []byte("checkpoint")
)

// TLV types of the transaction record.
const (
	txRawType       tlv.Type = 0
	txConfirmedType tlv.Type = 1
	txHeightType    tlv.Type = 2
	txBlockType     tlv.Type = 3
	txLastSeenType  tlv.Type = 4
)

// TLV types of the output record.
const (
	outAmountType   tlv.Type = 0
	outScriptType   tlv.Type = 1
	outKeychainType tlv.Type = 2
	outIndexType    tlv.Type = 3
)

// TLV types of the checkpoint record.
const (
	cpHeightType tlv.Type = 0
	cpHashType   tlv.Type = 1
)

// KvdbStore is the walletdb implementation of the Persister interface.
type KvdbStore struct {
	db walletdb.DB
}

// NewKvdbStore creates a Persister on an open walletdb, creating its buckets
// when missing.
func NewKvdbStore(db walletdb.DB) (*KvdbStore, error) {
	if db == nil {
		return nil, ErrNilDB
	}

	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		for _, key := range [][]byte{
			txsBucket, txOutsBucket, blocksBucket, metaBucket,
		} {

			if _, err := tx.CreateTopLevelBucket(key); err != nil {
				return fmt.Errorf("create bucket %s: %w", key, err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, newError(ErrDatabase, "create buckets", err)
	}

	return &KvdbStore{db: db}, nil
}

// OpenKvdb opens or creates the bolt database at path.
func OpenKvdb(path string, timeout time.Duration) (*KvdbStore, error) {
	if timeout == 0 {
		timeout = DefaultDBTimeout
	}

	dbConn, err := walletdb.Create(kvdbDriver, path, true, timeout, false)
	if errors.Is(err, walletdb.ErrDbExists) {
		dbConn, err = walletdb.Open(kvdbDriver, path, true, timeout, false)
	}
	if err != nil {
		return nil, newError(ErrDatabase, fmt.Sprintf("open bdb %s",
			path), err)
	}

	store, err := NewKvdbStore(dbConn)
	if err != nil {
		_ = dbConn.Close()
		return nil, err
	}

	return store, nil
}

// heightKey encodes a block height as a bucket key. Big endian keeps the
// keys in height order.
func heightKey(height int32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], uint32(height))

	return k[:]
}

// outPointKey encodes an outpoint as a bucket key.
func outPointKey(op wire.OutPoint) []byte {
	k := make([]byte, chainhash.HashSize+4)
	copy(k, op.Hash[:])
	binary.BigEndian.PutUint32(k[chainhash.HashSize:], op.Index)

	return k
}

// encodeStream writes the records as one TLV stream.
func encodeStream(records ...tlv.Record) ([]byte, error) {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// decodeStream reads a TLV stream into the records.
func decodeStream(value []byte, records ...tlv.Record) error {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	if err := stream.Decode(bytes.NewReader(value)); err != nil {
		return newError(ErrCorruptRecord, "decode record", err)
	}

	return nil
}

// encodeTx encodes a transaction record.
func encodeTx(rec *wtxmgr.LocalTx) ([]byte, error) {
	raw, err := serializeTx(rec.Tx)
	if err != nil {
		return nil, err
	}

	var (
		confirmed uint8
		height    uint32
		block     [32]byte
		lastSeen  = uint64(toUnixNano(rec.LastSeen))
	)
	if rec.Status.Confirmed {
		confirmed = 1
		height = uint32(rec.Status.Height)
		block = rec.Status.BlockHash
	}

	return encodeStream(
		tlv.MakePrimitiveRecord(txRawType, &raw),
		tlv.MakePrimitiveRecord(txConfirmedType, &confirmed),
		tlv.MakePrimitiveRecord(txHeightType, &height),
		tlv.MakePrimitiveRecord(txBlockType, &block),
		tlv.MakePrimitiveRecord(txLastSeenType, &lastSeen),
	)
}

// decodeTx decodes a transaction record stored under txid.
func decodeTx(txid chainhash.Hash, value []byte) (wtxmgr.LocalTx, error) {
	var (
		raw       []byte
		confirmed uint8
		height    uint32
		block     [32]byte
		lastSeen  uint64
	)
	err := decodeStream(value,
		tlv.MakePrimitiveRecord(txRawType, &raw),
		tlv.MakePrimitiveRecord(txConfirmedType, &confirmed),
		tlv.MakePrimitiveRecord(txHeightType, &height),
		tlv.MakePrimitiveRecord(txBlockType, &block),
		tlv.MakePrimitiveRecord(txLastSeenType, &lastSeen),
	)
	if err != nil {
		return wtxmgr.LocalTx{}, err
	}

	msgTx, err := deserializeTx(txid, raw)
	if err != nil {
		return wtxmgr.LocalTx{}, err
	}

	status := wtxmgr.Unconfirmed()
	if confirmed == 1 {
		h, err := int64ToInt32(int64(height))
		if err != nil {
			return wtxmgr.LocalTx{}, err
		}
		status = wtxmgr.ConfirmedAt(h, block)
	}

	return wtxmgr.LocalTx{
		Tx:       msgTx,
		Status:   status,
		LastSeen: fromUnixNano(int64(lastSeen)),
	}, nil
}

// encodeTxOut encodes an output record.
func encodeTxOut(rec *wtxmgr.TxOutRecord) ([]byte, error) {
	var (
		amount   = uint64(rec.Amount)
		script   = rec.PkScript
		keychain = uint8(rec.Keychain)
		index    = rec.Index
	)

	return encodeStream(
		tlv.MakePrimitiveRecord(outAmountType, &amount),
		tlv.MakePrimitiveRecord(outScriptType, &script),
		tlv.MakePrimitiveRecord(outKeychainType, &keychain),
		tlv.MakePrimitiveRecord(outIndexType, &index),
	)
}

// decodeTxOut decodes an output record.
func decodeTxOut(value []byte) (wtxmgr.TxOutRecord, error) {
	var (
		amount   uint64
		script   []byte
		keychain uint8
		index    uint32
	)
	err := decodeStream(value,
		tlv.MakePrimitiveRecord(outAmountType, &amount),
		tlv.MakePrimitiveRecord(outScriptType, &script),
		tlv.MakePrimitiveRecord(outKeychainType, &keychain),
		tlv.MakePrimitiveRecord(outIndexType, &index),
	)
	if err != nil {
		return wtxmgr.TxOutRecord{}, err
	}

	return wtxmgr.TxOutRecord{
		Amount:   btcutil.Amount(amount),
		PkScript: script,
		Keychain: wtxmgr.Keychain(keychain),
		Index:    index,
	}, nil
}

// putCheckpoint writes the checkpoint record.
func putCheckpoint(meta walletdb.ReadWriteBucket, cp wtxmgr.Checkpoint) error {
	var (
		height = uint32(cp.Height)
		hash   = [32]byte(cp.Hash)
	)
	value, err := encodeStream(
		tlv.MakePrimitiveRecord(cpHeightType, &height),
		tlv.MakePrimitiveRecord(cpHashType, &hash),
	)
	if err != nil {
		return err
	}

	return meta.Put(checkpointKey, value)
}

// fetchCheckpoint reads the checkpoint record.
func fetchCheckpoint(
	meta walletdb.ReadBucket) (fn.Option[wtxmgr.Checkpoint], error) {

	value := meta.Get(checkpointKey)
	if value == nil {
		return fn.None[wtxmgr.Checkpoint](), nil
	}

	var (
		height uint32
		hash   [32]byte
	)
	err := decodeStream(value,
		tlv.MakePrimitiveRecord(cpHeightType, &height),
		tlv.MakePrimitiveRecord(cpHashType, &hash),
	)
	if err != nil {
		return fn.None[wtxmgr.Checkpoint](), err
	}

	h, err := int64ToInt32(int64(height))
	if err != nil {
		return fn.None[wtxmgr.Checkpoint](), err
	}

	return fn.Some(wtxmgr.Checkpoint{Height: h, Hash: hash}), nil
}

// Apply writes the change set in one bolt transaction.
func (k *KvdbStore) Apply(_ context.Context, cs *wtxmgr.ChangeSet) error {
	if cs == nil {
		return wtxmgr.ErrNilChangeSet
	}
	if cs.IsEmpty() {
		return nil
	}

	err := walletdb.Update(k.db, func(tx walletdb.ReadWriteTx) error {
		blocks := tx.ReadWriteBucket(blocksBucket)
		meta := tx.ReadWriteBucket(metaBucket)
		if blocks == nil || meta == nil {
			return errNoMetaBucket
		}

		var err error
		cs.RolledBack.WhenSome(func(height int32) {
			err = kvdbRollback(blocks, meta, height,
				cs.Checkpoint.IsSome())
		})
		if err != nil {
			return err
		}

		for height, hash := range cs.Blocks {
			if err := blocks.Put(heightKey(height), hash[:]); err != nil {
				return err
			}
		}

		txs := tx.ReadWriteBucket(txsBucket)
		for txid, rec := range cs.Txs {
			value, err := encodeTx(&rec)
			if err != nil {
				return err
			}

			if err := txs.Put(txid[:], value); err != nil {
				return err
			}
		}

		txOuts := tx.ReadWriteBucket(txOutsBucket)
		for op, rec := range cs.TxOuts {
			value, err := encodeTxOut(&rec)
			if err != nil {
				return err
			}

			if err := txOuts.Put(outPointKey(op), value); err != nil {
				return err
			}
		}

		cs.Checkpoint.WhenSome(func(cp wtxmgr.Checkpoint) {
			err = putCheckpoint(meta, cp)
		})

		return err
	})
	if err != nil {
		if IsError(err, ErrDatabase) || IsError(err, ErrCorruptRecord) {
			return err
		}

		return newError(ErrDatabase, "apply change set", err)
	}

	log.Debugf("Persisted %d txs, %d outputs, %d blocks to bdb",
		len(cs.Txs), len(cs.TxOuts), len(cs.Blocks))

	return nil
}

// kvdbRollback deletes the blocks above the height and moves the checkpoint
// down to it unless the change set brings its own.
func kvdbRollback(blocks, meta walletdb.ReadWriteBucket, height int32,
	newCheckpoint bool) error {

	var stale [][]byte
	err := blocks.ForEach(func(key, _ []byte) error {
		if int32(binary.BigEndian.Uint32(key)) > height {
			stale = append(stale, append([]byte(nil), key...))
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, key := range stale {
		if err := blocks.Delete(key); err != nil {
			return err
		}
	}

	if newCheckpoint {
		return nil
	}

	current, err := fetchCheckpoint(meta)
	if err != nil {
		return err
	}
	if current.UnwrapOr(wtxmgr.Checkpoint{Height: -1}).Height <= height {
		return nil
	}

	hash := blocks.Get(heightKey(height))
	if hash == nil {
		return meta.Delete(checkpointKey)
	}

	blockHash, err := hashFromBytes(hash)
	if err != nil {
		return err
	}

	return putCheckpoint(meta, wtxmgr.Checkpoint{
		Height: height,
		Hash:   blockHash,
	})
}

// Load reads the full state as one change set.
func (k *KvdbStore) Load(_ context.Context) (*wtxmgr.ChangeSet, error) {
	cs := wtxmgr.NewChangeSet()

	err := walletdb.View(k.db, func(tx walletdb.ReadTx) error {
		meta := tx.ReadBucket(metaBucket)
		if meta == nil {
			return errNoMetaBucket
		}

		checkpoint, err := fetchCheckpoint(meta)
		if err != nil {
			return err
		}
		cs.Checkpoint = checkpoint

		err = tx.ReadBucket(blocksBucket).ForEach(func(key,
			value []byte) error {

			hash, err := hashFromBytes(value)
			if err != nil {
				return err
			}
			cs.Blocks[int32(binary.BigEndian.Uint32(key))] = hash

			return nil
		})
		if err != nil {
			return err
		}

		err = tx.ReadBucket(txsBucket).ForEach(func(key,
			value []byte) error {

			txid, err := hashFromBytes(key)
			if err != nil {
				return err
			}

			rec, err := decodeTx(txid, value)
			if err != nil {
				return err
			}
			cs.Txs[txid] = rec

			return nil
		})
		if err != nil {
			return err
		}

		return tx.ReadBucket(txOutsBucket).ForEach(func(key,
			value []byte) error {

			if len(key) != chainhash.HashSize+4 {
				return newError(ErrCorruptRecord, fmt.Sprintf(
					"outpoint key of %d bytes", len(key)), nil)
			}

			hash, err := hashFromBytes(key[:chainhash.HashSize])
			if err != nil {
				return err
			}
			op := wire.OutPoint{
				Hash:  hash,
				Index: binary.BigEndian.Uint32(key[chainhash.HashSize:]),
			}

			rec, err := decodeTxOut(value)
			if err != nil {
				return err
			}
			cs.TxOuts[op] = rec

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Loaded %d txs, %d outputs, %d blocks from bdb",
		len(cs.Txs), len(cs.TxOuts), len(cs.Blocks))

	return cs, nil
}

// Close closes the bolt database.
func (k *KvdbStore) Close() error {
	return k.db.Close()
}
