// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletcore/wtxmgr"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Queries are written with ? placeholders and rebound per dialect. Both
// SQLite and PostgreSQL understand the ON CONFLICT upserts.
const (
	deleteBlocksAbove = `DELETE FROM blocks WHERE height > ?`

	selectBlockHash = `SELECT header_hash FROM blocks WHERE height = ?`

	upsertBlock = `INSERT INTO blocks (height, header_hash) VALUES (?, ?)
ON CONFLICT (height) DO UPDATE SET header_hash = excluded.header_hash`

	upsertTx = `INSERT INTO transactions
(txid, raw_tx, confirmed, block_height, block_hash, last_seen)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (txid) DO UPDATE SET
raw_tx = excluded.raw_tx,
confirmed = excluded.confirmed,
block_height = excluded.block_height,
block_hash = excluded.block_hash,
last_seen = excluded.last_seen`

	upsertTxOut = `INSERT INTO tx_outputs
(txid, output_index, amount, pk_script, keychain, key_index)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (txid, output_index) DO UPDATE SET
amount = excluded.amount,
pk_script = excluded.pk_script,
keychain = excluded.keychain,
key_index = excluded.key_index`

	selectSyncState = `SELECT height, header_hash FROM sync_state WHERE id = 1`

	upsertSyncState = `INSERT INTO sync_state (id, height, header_hash)
VALUES (1, ?, ?)
ON CONFLICT (id) DO UPDATE SET
height = excluded.height,
header_hash = excluded.header_hash`

	deleteSyncState = `DELETE FROM sync_state`

	selectBlocks = `SELECT height, header_hash FROM blocks ORDER BY height`

	selectTxs = `SELECT txid, raw_tx, confirmed, block_height, block_hash,
last_seen FROM transactions`

	selectTxOuts = `SELECT txid, output_index, amount, pk_script, keychain,
key_index FROM tx_outputs`
)

// dialect rewrites generic queries for one database.
type dialect struct {
	name string

	// numbered selects $1 style placeholders.
	numbered bool
}

var (
	sqliteDialect   = dialect{name: "sqlite"}
	postgresDialect = dialect{name: "postgres", numbered: true}
)

// rebind replaces the ? placeholders of the query.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}

	var (
		b strings.Builder
		n int
	)
	b.Grow(len(query) + 8)
	for _, r := range query {
		if r != '?' {
			b.WriteRune(r)
			continue
		}

		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}

	return b.String()
}

// sqlStore is the persister shared by the SQL backends.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

// exec runs a write statement in the transaction.
func (s *sqlStore) exec(ctx context.Context, tx *sql.Tx, query string,
	args ...any) error {

	_, err := tx.ExecContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return newError(ErrDatabase, s.dialect.name+" exec", err)
	}

	return nil
}

// Apply writes the change set in one transaction.
func (s *sqlStore) Apply(ctx context.Context, cs *wtxmgr.ChangeSet) error {
	if cs == nil {
		return wtxmgr.ErrNilChangeSet
	}
	if cs.IsEmpty() {
		return nil
	}

	err := execInTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.applyRollback(ctx, tx, cs); err != nil {
			return err
		}

		for height, hash := range cs.Blocks {
			err := s.exec(ctx, tx, upsertBlock, height, hash[:])
			if err != nil {
				return err
			}
		}

		for txid, rec := range cs.Txs {
			if err := s.putTx(ctx, tx, txid, rec); err != nil {
				return err
			}
		}

		for op, rec := range cs.TxOuts {
			err := s.exec(ctx, tx, upsertTxOut, op.Hash[:],
				int64(op.Index), int64(rec.Amount), rec.PkScript,
				int64(rec.Keychain), int64(rec.Index))
			if err != nil {
				return err
			}
		}

		var err error
		cs.Checkpoint.WhenSome(func(cp wtxmgr.Checkpoint) {
			err = s.exec(ctx, tx, upsertSyncState, cp.Height,
				cp.Hash[:])
		})

		return err
	})
	if err != nil {
		return err
	}

	log.Debugf("Persisted %d txs, %d outputs, %d blocks to %s",
		len(cs.Txs), len(cs.TxOuts), len(cs.Blocks), s.dialect.name)

	return nil
}

// applyRollback drops the blocks above the rollback height. Without a new
// checkpoint in the change set a checkpoint above the height moves down to
// the block at the height, the way the in-memory store does it.
func (s *sqlStore) applyRollback(ctx context.Context, tx *sql.Tx,
	cs *wtxmgr.ChangeSet) error {

	if cs.RolledBack.IsNone() {
		return nil
	}
	height := cs.RolledBack.UnwrapOr(-1)

	if err := s.exec(ctx, tx, deleteBlocksAbove, height); err != nil {
		return err
	}

	if cs.Checkpoint.IsSome() {
		return nil
	}

	current, err := s.syncState(ctx, tx)
	if err != nil {
		return err
	}
	if current.UnwrapOr(wtxmgr.Checkpoint{Height: -1}).Height <= height {
		return nil
	}

	var hash []byte
	err = tx.QueryRowContext(
		ctx, s.dialect.rebind(selectBlockHash), height,
	).Scan(&hash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.exec(ctx, tx, deleteSyncState)

	case err != nil:
		return newError(ErrDatabase, "select block", err)
	}

	return s.exec(ctx, tx, upsertSyncState, height, hash)
}

// putTx upserts one transaction.
func (s *sqlStore) putTx(ctx context.Context, tx *sql.Tx, txid chainhash.Hash,
	rec wtxmgr.LocalTx) error {

	raw, err := serializeTx(rec.Tx)
	if err != nil {
		return err
	}

	var (
		height    sql.NullInt64
		blockHash []byte
	)
	if rec.Status.Confirmed {
		height = sql.NullInt64{Int64: int64(rec.Status.Height), Valid: true}
		blockHash = rec.Status.BlockHash[:]
	}

	return s.exec(ctx, tx, upsertTx, txid[:], raw, rec.Status.Confirmed,
		height, blockHash, toUnixNano(rec.LastSeen))
}

// rowQuerier is satisfied by both *sql.DB and *sql.Tx.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string,
		args ...any) *sql.Row
}

// syncState reads the stored checkpoint.
func (s *sqlStore) syncState(ctx context.Context,
	q rowQuerier) (fn.Option[wtxmgr.Checkpoint], error) {

	var (
		height int64
		hash   []byte
	)
	err := q.QueryRowContext(ctx, selectSyncState).Scan(&height, &hash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fn.None[wtxmgr.Checkpoint](), nil

	case err != nil:
		return fn.None[wtxmgr.Checkpoint](), newError(
			ErrDatabase, "select sync state", err,
		)
	}

	h, err := int64ToInt32(height)
	if err != nil {
		return fn.None[wtxmgr.Checkpoint](), err
	}

	blockHash, err := hashFromBytes(hash)
	if err != nil {
		return fn.None[wtxmgr.Checkpoint](), err
	}

	return fn.Some(wtxmgr.Checkpoint{Height: h, Hash: blockHash}), nil
}

// Load reads the full state as one change set.
func (s *sqlStore) Load(ctx context.Context) (*wtxmgr.ChangeSet, error) {
	cs := wtxmgr.NewChangeSet()

	checkpoint, err := s.syncState(ctx, s.db)
	if err != nil {
		return nil, err
	}
	cs.Checkpoint = checkpoint

	if err := s.loadBlocks(ctx, cs); err != nil {
		return nil, err
	}

	if err := s.loadTxs(ctx, cs); err != nil {
		return nil, err
	}

	if err := s.loadTxOuts(ctx, cs); err != nil {
		return nil, err
	}

	log.Infof("Loaded %d txs, %d outputs, %d blocks from %s",
		len(cs.Txs), len(cs.TxOuts), len(cs.Blocks), s.dialect.name)

	return cs, nil
}

// query runs a read and calls scan for every row.
func (s *sqlStore) query(ctx context.Context, query string,
	scan func(*sql.Rows) error) error {

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return newError(ErrDatabase, s.dialect.name+" query", err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return newError(ErrDatabase, s.dialect.name+" rows", err)
	}

	return nil
}

func (s *sqlStore) loadBlocks(ctx context.Context, cs *wtxmgr.ChangeSet) error {
	return s.query(ctx, selectBlocks, func(rows *sql.Rows) error {
		var (
			height int64
			hash   []byte
		)
		if err := rows.Scan(&height, &hash); err != nil {
			return newError(ErrDatabase, "scan block", err)
		}

		h, err := int64ToInt32(height)
		if err != nil {
			return err
		}

		blockHash, err := hashFromBytes(hash)
		if err != nil {
			return err
		}
		cs.Blocks[h] = blockHash

		return nil
	})
}

func (s *sqlStore) loadTxs(ctx context.Context, cs *wtxmgr.ChangeSet) error {
	return s.query(ctx, selectTxs, func(rows *sql.Rows) error {
		var (
			txidBytes []byte
			raw       []byte
			confirmed bool
			height    sql.NullInt64
			blockHash []byte
			lastSeen  int64
		)
		err := rows.Scan(
			&txidBytes, &raw, &confirmed, &height, &blockHash,
			&lastSeen,
		)
		if err != nil {
			return newError(ErrDatabase, "scan tx", err)
		}

		txid, err := hashFromBytes(txidBytes)
		if err != nil {
			return err
		}

		msgTx, err := deserializeTx(txid, raw)
		if err != nil {
			return err
		}

		status := wtxmgr.Unconfirmed()
		if confirmed {
			h, err := int64ToInt32(height.Int64)
			if err != nil {
				return err
			}

			hash, err := hashFromBytes(blockHash)
			if err != nil {
				return err
			}
			status = wtxmgr.ConfirmedAt(h, hash)
		}

		cs.AddTx(wtxmgr.LocalTx{
			Tx:       msgTx,
			Status:   status,
			LastSeen: fromUnixNano(lastSeen),
		})

		return nil
	})
}

func (s *sqlStore) loadTxOuts(ctx context.Context, cs *wtxmgr.ChangeSet) error {
	return s.query(ctx, selectTxOuts, func(rows *sql.Rows) error {
		var (
			txidBytes []byte
			index     int64
			amount    int64
			pkScript  []byte
			keychain  int64
			keyIndex  int64
		)
		err := rows.Scan(
			&txidBytes, &index, &amount, &pkScript, &keychain,
			&keyIndex,
		)
		if err != nil {
			return newError(ErrDatabase, "scan output", err)
		}

		txid, err := hashFromBytes(txidBytes)
		if err != nil {
			return err
		}

		outIndex, err := int64ToUint32(index)
		if err != nil {
			return err
		}

		kc, err := int64ToUint8(keychain)
		if err != nil {
			return err
		}

		ki, err := int64ToUint32(keyIndex)
		if err != nil {
			return err
		}

		cs.AddTxOut(wire.OutPoint{Hash: txid, Index: outIndex},
			wtxmgr.TxOutRecord{
				Amount:   btcutil.Amount(amount),
				PkScript: pkScript,
				Keychain: wtxmgr.Keychain(kc),
				Index:    ki,
			})

		return nil
	})
}

// Close closes the database.
func (s *sqlStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close %s: %w", s.dialect.name, err)
	}

	return nil
}
