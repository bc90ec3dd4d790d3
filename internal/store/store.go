// Package store provides crash-safe persistence for kill-switch state,
// reconciled positions, and the append-only order/fill log indexed by
// link_id (§6). Backed by an embedded SQLite database rather than the
// teacher's atomic JSON-file-per-market scheme, since the trading core
// needs indexed lookups by link_id for order idempotency checks (§4.G).
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"bybit-trading-core/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS kill_switch (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	trading_disabled INTEGER NOT NULL,
	reason TEXT NOT NULL,
	activated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS account_state (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	data TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	symbol TEXT PRIMARY KEY,
	data TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
	link_id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	data TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS fills (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	link_id TEXT NOT NULL,
	order_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	data TEXT NOT NULL,
	event_seq INTEGER NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_link_id ON fills(link_id);
`

// Store persists durable trading-core state to a single SQLite file.
// *sql.DB pools its own connections; writes are serialized via
// SetMaxOpenConns(1) since modernc.org/sqlite doesn't like concurrent
// writers any more than the C library does.
type Store struct {
	db *sql.DB
}

// Open creates (if absent) and opens the SQLite-backed store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ————————————————————————————————————————————————————————————————————————
// Kill-switch state (risk.killSwitchStore)
// ————————————————————————————————————————————————————————————————————————

// SaveKillSwitch persists the kill-switch flag. Single-row table: a
// fixed id=0 key makes this an upsert, not an append.
func (s *Store) SaveKillSwitch(state types.KillSwitchState) error {
	_, err := s.db.Exec(`
		INSERT INTO kill_switch (id, trading_disabled, reason, activated_at)
		VALUES (0, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			trading_disabled = excluded.trading_disabled,
			reason = excluded.reason,
			activated_at = excluded.activated_at`,
		boolToInt(state.TradingDisabled), state.Reason, state.ActivatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save kill switch: %w", err)
	}
	return nil
}

// LoadKillSwitch restores the kill-switch flag, defaulting to "trading
// enabled" when no row has ever been written.
func (s *Store) LoadKillSwitch() (types.KillSwitchState, error) {
	var disabled int
	var reason, activatedAt string
	err := s.db.QueryRow(`SELECT trading_disabled, reason, activated_at FROM kill_switch WHERE id = 0`).
		Scan(&disabled, &reason, &activatedAt)
	if err == sql.ErrNoRows {
		return types.KillSwitchState{}, nil
	}
	if err != nil {
		return types.KillSwitchState{}, fmt.Errorf("load kill switch: %w", err)
	}
	ts, _ := time.Parse(time.RFC3339Nano, activatedAt)
	return types.KillSwitchState{TradingDisabled: disabled != 0, Reason: reason, ActivatedAt: ts}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Account state (paper-trading balance survives a restart, §4.K)
// ————————————————————————————————————————————————————————————————————————

// SaveAccountState persists cash/equity/daily-loss so the engine's account
// ledger doesn't reinitialize from the config's starting balance on every
// restart.
// Single-row table, same upsert shape as SaveKillSwitch.
func (s *Store) SaveAccountState(state types.AccountState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal account state: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO account_state (id, data, updated_at)
		VALUES (0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		string(data), time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save account state: %w", err)
	}
	return nil
}

// LoadAccountState restores the last persisted account state. Returns the
// zero value and ok=false when nothing has ever been saved, so the caller
// can fall back to the configured initial balance.
func (s *Store) LoadAccountState() (state types.AccountState, ok bool, err error) {
	var data string
	err = s.db.QueryRow(`SELECT data FROM account_state WHERE id = 0`).Scan(&data)
	if err == sql.ErrNoRows {
		return types.AccountState{}, false, nil
	}
	if err != nil {
		return types.AccountState{}, false, fmt.Errorf("load account state: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return types.AccountState{}, false, fmt.Errorf("unmarshal account state: %w", err)
	}
	return state, true, nil
}

// ————————————————————————————————————————————————————————————————————————
// Positions (§4.H reconciliation persistence)
// ————————————————————————————————————————————————————————————————————————

// SavePosition persists the last-reconciled position for a symbol.
func (s *Store) SavePosition(pos types.Position) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO positions (symbol, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		pos.Symbol, string(data), time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

// LoadPosition restores a symbol's last-reconciled position. Returns nil,
// nil when no position has ever been saved for the symbol.
func (s *Store) LoadPosition(symbol string) (*types.Position, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM positions WHERE symbol = ?`, symbol).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	var pos types.Position
	if err := json.Unmarshal([]byte(data), &pos); err != nil {
		return nil, fmt.Errorf("unmarshal position: %w", err)
	}
	return &pos, nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders & fills (§4.G idempotency, §4.7 link_id log)
// ————————————————————————————————————————————————————————————————————————

// RecordOrder inserts or updates the order row keyed by link_id — the
// idempotency record the Order Engine consults before resubmitting.
func (s *Store) RecordOrder(order types.Order) error {
	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO orders (link_id, order_id, symbol, data, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(link_id) DO UPDATE SET order_id = excluded.order_id, data = excluded.data`,
		order.LinkID, order.OrderID, order.Symbol, string(data), order.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record order: %w", err)
	}
	return nil
}

// FindOrderByLinkID returns the previously recorded order for a link_id,
// or nil if none exists — the lookup behind §4.G's "short-circuit success"
// rule for retried submissions.
func (s *Store) FindOrderByLinkID(linkID string) (*types.Order, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM orders WHERE link_id = ?`, linkID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find order: %w", err)
	}
	var order types.Order
	if err := json.Unmarshal([]byte(data), &order); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &order, nil
}

// AppendFill appends an execution to the trade log, indexed by link_id.
func (s *Store) AppendFill(fill types.Fill) error {
	data, err := json.Marshal(fill)
	if err != nil {
		return fmt.Errorf("marshal fill: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO fills (link_id, order_id, symbol, data, event_seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		fill.LinkID, fill.OrderID, fill.Symbol, string(data), fill.EventSeq, fill.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append fill: %w", err)
	}
	return nil
}

// FillsByLinkID returns every recorded fill for a link_id, in insertion
// order, for audit and reconciliation.
func (s *Store) FillsByLinkID(linkID string) ([]types.Fill, error) {
	rows, err := s.db.Query(`SELECT data FROM fills WHERE link_id = ? ORDER BY id ASC`, linkID)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var fills []types.Fill
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		var fill types.Fill
		if err := json.Unmarshal([]byte(data), &fill); err != nil {
			return nil, fmt.Errorf("unmarshal fill: %w", err)
		}
		fills = append(fills, fill)
	}
	return fills, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
