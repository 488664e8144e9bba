// Package store persists checkpoints for crash recovery
package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"trading_bot/internal/core"

	_ "github.com/mattn/go-sqlite3"
)

// checkpointHistory bounds how many checkpoints are retained
const checkpointHistory = 16

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	data TEXT NOT NULL,
	checksum BLOB NOT NULL,
	saved_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS archived_orders (
	order_id TEXT PRIMARY KEY,
	client_order_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	data TEXT NOT NULL,
	archived_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_archived_orders_symbol ON archived_orders(symbol);
`

// SQLiteStore implements core.IStateStore on a local sqlite database.
// WAL mode keeps the file consistent across crashes.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// SaveCheckpoint writes a checkpoint atomically with a content checksum
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *core.Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	// Round-trip to catch anything that does not survive serialization
	var probe core.Checkpoint
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("checkpoint validation failed: %w", err)
	}

	checksum := sha256.Sum256(data)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (data, checksum, saved_at) VALUES (?, ?, ?)`,
		string(data), checksum[:], cp.SavedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE id NOT IN (SELECT id FROM checkpoints ORDER BY id DESC LIMIT ?)`,
		checkpointHistory)
	if err != nil {
		return fmt.Errorf("failed to prune checkpoints: %w", err)
	}

	return tx.Commit()
}

// LoadLatest returns the most recent checkpoint, or nil when none exists.
// A checksum mismatch is returned as an error rather than silently restoring
// corrupt state.
func (s *SQLiteStore) LoadLatest(ctx context.Context) (*core.Checkpoint, error) {
	var data string
	var stored []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data, checksum FROM checkpoints ORDER BY id DESC LIMIT 1`).Scan(&data, &stored)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	computed := sha256.Sum256([]byte(data))
	if !bytes.Equal(stored, computed[:]) {
		return nil, fmt.Errorf("checkpoint checksum mismatch: data corruption detected")
	}

	var cp core.Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// ArchiveOrder persists a terminal order for audit once reconciliation has
// released it from the active set
func (s *SQLiteStore) ArchiveOrder(ctx context.Context, order *core.Order) error {
	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO archived_orders (order_id, client_order_id, symbol, data, archived_at)
		 VALUES (?, ?, ?, ?, ?)`,
		order.ID, order.IdempotencyKey, order.Symbol, string(data), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to archive order: %w", err)
	}
	return nil
}

// ArchivedOrders returns archived orders for a symbol, newest first
func (s *SQLiteStore) ArchivedOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM archived_orders WHERE symbol = ? ORDER BY archived_at DESC`, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query archived orders: %w", err)
	}
	defer rows.Close()

	var orders []*core.Order
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan archived order: %w", err)
		}
		var order core.Order
		if err := json.Unmarshal([]byte(data), &order); err != nil {
			return nil, fmt.Errorf("failed to unmarshal archived order: %w", err)
		}
		orders = append(orders, &order)
	}
	return orders, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
