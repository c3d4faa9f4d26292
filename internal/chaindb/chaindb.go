// Package chaindb implements the Chain Database: the single transactional
// owner of canonical block, transaction, and missing-tx journal state. It
// is backed by modernc.org/sqlite, a pure-Go driver, so the gateway stays a
// single static binary with no cgo dependency.
package chaindb

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/arweave-gateway/internal/chainmodel"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// DB is the Chain Database. All exported methods are safe for concurrent
// use; writers serialize through database/sql's own locking plus sqlite's
// single-writer model.
type DB struct {
	sqlDB *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// applies the schema idempotently. Pass ":memory:" for an ephemeral
// in-process database, used by package tests.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("chaindb: open %s: %w", path, err)
	}
	// sqlite allows only one writer; cap the pool so callers queue instead
	// of hitting SQLITE_BUSY under concurrent writers.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{sqlDB: sqlDB}
	if err := db.applySchema(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) applySchema() error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.sqlDB.Exec(stmt); err != nil {
			return fmt.Errorf("chaindb: apply schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (db *DB) Close() error {
	return db.sqlDB.Close()
}

// SaveBlockAndTxs inserts block, every tx in txs, and one missing-tx
// journal entry per id in missingTxIDs, atomically. A second call with a
// block whose id already exists is a no-op.
func (db *DB) SaveBlockAndTxs(ctx context.Context, block *chainmodel.Block, txs []*chainmodel.Transaction, missingTxIDs []string) error {
	tx, err := db.sqlDB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("chaindb: begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM blocks WHERE id = ?", block.ID).Scan(&exists); err != nil {
		return fmt.Errorf("chaindb: check existing block: %w", err)
	}
	if exists > 0 {
		return tx.Commit()
	}

	txIDsJSON, err := json.Marshal(block.TxIDs)
	if err != nil {
		return fmt.Errorf("chaindb: marshal tx ids: %w", err)
	}

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO blocks (id, height, previous_id, timestamp, diff, tx_root, nonce, tx_ids, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, block.ID, block.Height, block.PreviousID, block.Timestamp, block.Diff, block.TxRoot, block.Nonce, string(txIDsJSON), now)
	if err != nil {
		return fmt.Errorf("chaindb: insert block: %w", err)
	}

	for _, t := range txs {
		if err := insertTx(ctx, tx, block.ID, t, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM missing_txs WHERE tx_id = ?", t.ID); err != nil {
			return fmt.Errorf("chaindb: clear journal for %s: %w", t.ID, err)
		}
	}

	for _, id := range missingTxIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO missing_txs (tx_id, first_seen_height, attempts, last_attempt_at)
			VALUES (?, ?, 0, ?)
		`, id, block.Height, now)
		if err != nil {
			return fmt.Errorf("chaindb: insert journal entry for %s: %w", id, err)
		}
	}

	return tx.Commit()
}

func insertTx(ctx context.Context, exec interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}, blockID string, t *chainmodel.Transaction, now int64) error {
	tagsJSON, err := json.Marshal(t.Tags)
	if err != nil {
		return fmt.Errorf("chaindb: marshal tags for %s: %w", t.ID, err)
	}

	var blockIDArg interface{}
	if blockID != "" {
		blockIDArg = blockID
	}

	_, err = exec.ExecContext(ctx, `
		INSERT OR IGNORE INTO transactions
			(id, block_id, owner, target, quantity, reward, tags, data_size, data_root, signature, format, last_tx, signature_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, blockIDArg, t.Owner, t.Target, t.Quantity, t.Reward, string(tagsJSON), t.DataSize, t.DataRoot, t.Signature, t.Format, t.LastTx, t.SignatureType, now)
	if err != nil {
		return fmt.Errorf("chaindb: insert tx %s: %w", t.ID, err)
	}
	return nil
}

// SaveTx inserts tx and, if a journal entry exists for tx.ID, deletes it in
// the same transaction.
func (db *DB) SaveTx(ctx context.Context, t *chainmodel.Transaction) error {
	tx, err := db.sqlDB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("chaindb: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertTx(ctx, tx, "", t, time.Now().Unix()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM missing_txs WHERE tx_id = ?", t.ID); err != nil {
		return fmt.Errorf("chaindb: clear journal for %s: %w", t.ID, err)
	}

	return tx.Commit()
}

// MaxHeight returns the largest stored block height, or -1 if empty.
func (db *DB) MaxHeight(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	err := db.sqlDB.QueryRowContext(ctx, "SELECT MAX(height) FROM blocks").Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("chaindb: max height: %w", err)
	}
	if !max.Valid {
		return -1, nil
	}
	return max.Int64, nil
}

// GetNewBlockHashByHeight returns the id of the stored block at height h,
// and whether one exists.
func (db *DB) GetNewBlockHashByHeight(ctx context.Context, h int64) (string, bool, error) {
	var id string
	err := db.sqlDB.QueryRowContext(ctx, "SELECT id FROM blocks WHERE height = ?", h).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("chaindb: block at height %d: %w", h, err)
	}
	return id, true, nil
}

// GetMissingTxIds returns up to limit tx ids from the journal, ordered by
// lastAttemptAt ascending then firstSeenHeight ascending.
func (db *DB) GetMissingTxIds(ctx context.Context, limit int) ([]string, error) {
	rows, err := db.sqlDB.QueryContext(ctx, `
		SELECT tx_id FROM missing_txs
		ORDER BY last_attempt_at ASC, first_seen_height ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("chaindb: query missing txs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("chaindb: scan missing tx id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TouchMissingTx bumps the attempt counter and last-attempt timestamp for
// txID, used by internal/repair before re-queueing.
func (db *DB) TouchMissingTx(ctx context.Context, txID string) error {
	_, err := db.sqlDB.ExecContext(ctx, `
		UPDATE missing_txs SET attempts = attempts + 1, last_attempt_at = ?
		WHERE tx_id = ?
	`, time.Now().Unix(), txID)
	if err != nil {
		return fmt.Errorf("chaindb: touch missing tx %s: %w", txID, err)
	}
	return nil
}

// ResetToHeight deletes all blocks with height > h and their transactions,
// and drops journal entries that originated from those now-deleted blocks.
// Journal entries from blocks at or below h are preserved.
func (db *DB) ResetToHeight(ctx context.Context, h int64) error {
	tx, err := db.sqlDB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("chaindb: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM transactions WHERE block_id IN (SELECT id FROM blocks WHERE height > ?)
	`, h); err != nil {
		return fmt.Errorf("chaindb: delete transactions above height %d: %w", h, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM missing_txs WHERE first_seen_height > ?", h); err != nil {
		return fmt.Errorf("chaindb: delete journal above height %d: %w", h, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM blocks WHERE height > ?", h); err != nil {
		return fmt.Errorf("chaindb: delete blocks above height %d: %w", h, err)
	}

	return tx.Commit()
}

// MissingTxCount returns the number of journal entries with no matching
// transaction row.
func (db *DB) MissingTxCount(ctx context.Context) (int64, error) {
	var n int64
	err := db.sqlDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM missing_txs").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("chaindb: count missing txs: %w", err)
	}
	return n, nil
}

// GetDebugInfo returns the aggregate counters backing GET /debug.
func (db *DB) GetDebugInfo(ctx context.Context) (chainmodel.DebugInfo, error) {
	var info chainmodel.DebugInfo

	if err := db.sqlDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM blocks").Scan(&info.NewBlocks); err != nil {
		return info, fmt.Errorf("chaindb: count blocks: %w", err)
	}
	if err := db.sqlDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM transactions").Scan(&info.NewTxs); err != nil {
		return info, fmt.Errorf("chaindb: count transactions: %w", err)
	}

	missing, err := db.MissingTxCount(ctx)
	if err != nil {
		return info, err
	}
	info.MissingTxs = missing

	maxHeight, err := db.MaxHeight(ctx)
	if err != nil {
		return info, err
	}
	info.MaxHeight = maxHeight

	return info, nil
}
