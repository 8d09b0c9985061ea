// Package store persists the event journal and trading records in a single
// embedded SQLite database.
//
// Three tables: events (the bounded bus journal), trading_tasks, and orders.
// Writes are serialised per store; reads run concurrently. All trading writes
// are best-effort from the caller's point of view — a failed insert is logged
// upstream and never blocks trading.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"perpgrid/internal/bus"
	"perpgrid/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id   TEXT NOT NULL,
	subject    TEXT NOT NULL,
	data       TEXT NOT NULL,
	source     TEXT,
	timestamp  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS trading_tasks (
	task_id     TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	side        TEXT,
	entry_price REAL,
	exit_price  REAL,
	quantity    REAL,
	pnl         REAL,
	status      TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	closed_at   TEXT
);
CREATE TABLE IF NOT EXISTS orders (
	order_id        TEXT PRIMARY KEY,
	task_id         TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	type            TEXT NOT NULL,
	price           REAL,
	quantity        REAL,
	filled_quantity REAL,
	status          TEXT NOT NULL,
	is_grid_order   INTEGER DEFAULT 0,
	grid_pair_id    TEXT,
	created_at      TEXT NOT NULL,
	filled_at       TEXT
);
`

// TaskRecord is one row of trading_tasks.
type TaskRecord struct {
	TaskID     string
	UserID     string
	Symbol     string
	Side       types.Side
	EntryPrice float64
	ExitPrice  float64
	Quantity   float64
	PnL        float64
	Status     string
	CreatedAt  time.Time
	ClosedAt   time.Time
}

// Store wraps the SQLite connection. Implements bus.Journal.
type Store struct {
	db *sql.DB

	mu sync.Mutex // serialises writes; reads go straight to the pool
}

// Open creates (or opens) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ————————————————————————————————————————————————————————————————————————
// Event journal (bus.Journal)
// ————————————————————————————————————————————————————————————————————————

// Append inserts one journal row and trims the table to the journal cap.
func (s *Store) Append(e bus.Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(
		`INSERT INTO events (event_id, subject, data, source, timestamp) VALUES (?, ?, ?, ?, ?)`,
		e.EventID, e.Subject, string(data), e.Source, e.Timestamp.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if _, err := s.db.Exec(
		`DELETE FROM events WHERE seq <= (SELECT MAX(seq) FROM events) - ?`, bus.JournalCap,
	); err != nil {
		return fmt.Errorf("trim events: %w", err)
	}
	return nil
}

// Recent returns the last limit events, newest first.
func (s *Store) Recent(limit int) ([]bus.Event, error) {
	if limit <= 0 {
		limit = bus.JournalCap
	}
	rows, err := s.db.Query(
		`SELECT event_id, subject, data, source, timestamp FROM events ORDER BY seq DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []bus.Event
	for rows.Next() {
		var e bus.Event
		var data, ts string
		var source sql.NullString
		if err := rows.Scan(&e.EventID, &e.Subject, &data, &source, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, fmt.Errorf("unmarshal event data: %w", err)
		}
		e.Source = source.String
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// EventCount returns the number of journal rows.
func (s *Store) EventCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}

// ————————————————————————————————————————————————————————————————————————
// Trading tasks
// ————————————————————————————————————————————————————————————————————————

// UpsertTask inserts or updates one trading task row.
func (s *Store) UpsertTask(rec TaskRecord) error {
	var closedAt any
	if !rec.ClosedAt.IsZero() {
		closedAt = rec.ClosedAt.UTC().Format(time.RFC3339Nano)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO trading_tasks (task_id, user_id, symbol, side, entry_price, exit_price, quantity, pnl, status, created_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			side = excluded.side,
			entry_price = excluded.entry_price,
			exit_price = excluded.exit_price,
			quantity = excluded.quantity,
			pnl = excluded.pnl,
			status = excluded.status,
			closed_at = excluded.closed_at`,
		rec.TaskID, rec.UserID, rec.Symbol, string(rec.Side), rec.EntryPrice, rec.ExitPrice,
		rec.Quantity, rec.PnL, rec.Status, rec.CreatedAt.UTC().Format(time.RFC3339Nano), closedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", rec.TaskID, err)
	}
	return nil
}

// GetTask loads one task row, or nil if absent.
func (s *Store) GetTask(taskID string) (*TaskRecord, error) {
	row := s.db.QueryRow(`
		SELECT task_id, user_id, symbol, side, entry_price, exit_price, quantity, pnl, status, created_at, closed_at
		FROM trading_tasks WHERE task_id = ?`, taskID)

	var rec TaskRecord
	var side, createdAt string
	var closedAt sql.NullString
	err := row.Scan(&rec.TaskID, &rec.UserID, &rec.Symbol, &side, &rec.EntryPrice,
		&rec.ExitPrice, &rec.Quantity, &rec.PnL, &rec.Status, &createdAt, &closedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	rec.Side = types.Side(side)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if closedAt.Valid {
		rec.ClosedAt, _ = time.Parse(time.RFC3339Nano, closedAt.String)
	}
	return &rec, nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// UpsertOrder inserts or updates one order row.
func (s *Store) UpsertOrder(o types.Order) error {
	var filledAt any
	if !o.FilledAt.IsZero() {
		filledAt = o.FilledAt.UTC().Format(time.RFC3339Nano)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO orders (order_id, task_id, user_id, symbol, side, type, price, quantity, filled_quantity, status, is_grid_order, grid_pair_id, created_at, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			price = excluded.price,
			quantity = excluded.quantity,
			filled_quantity = excluded.filled_quantity,
			status = excluded.status,
			filled_at = excluded.filled_at`,
		o.OrderID, o.TaskID, o.UserID, o.Symbol, string(o.Side), string(o.Type), o.Price,
		o.Quantity, o.FilledQty, string(o.Status), boolToInt(o.IsGridOrder), o.GridPairID,
		o.CreatedAt.UTC().Format(time.RFC3339Nano), filledAt,
	)
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", o.OrderID, err)
	}
	return nil
}

// OrdersForTask loads all orders belonging to a task.
func (s *Store) OrdersForTask(taskID string) ([]types.Order, error) {
	rows, err := s.db.Query(`
		SELECT order_id, task_id, user_id, symbol, side, type, price, quantity, filled_quantity, status, is_grid_order, grid_pair_id, created_at
		FROM orders WHERE task_id = ? ORDER BY created_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []types.Order
	for rows.Next() {
		var o types.Order
		var side, otype, status, createdAt string
		var isGrid int
		var pairID sql.NullString
		if err := rows.Scan(&o.OrderID, &o.TaskID, &o.UserID, &o.Symbol, &side, &otype,
			&o.Price, &o.Quantity, &o.FilledQty, &status, &isGrid, &pairID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Side = types.Side(side)
		o.Type = types.OrderType(otype)
		o.Status = types.OrderStatus(status)
		o.IsGridOrder = isGrid != 0
		o.GridPairID = pairID.String
		o.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, o)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
