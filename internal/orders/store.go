package orders

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // pure-Go sqlite driver, matches internal/database/db.go

	"github.com/aristath/marketstream/internal/domain"
)

// Store is the durable OrderTasks log (§6.5): required so idempotency
// survives a process restart — a re-submission of a known task_id must
// return its persisted terminal state, or resume dispatch if still
// pending, without ever creating a second task.
//
// Grounded on internal/database/db.go's connection-string-with-PRAGMAs
// shape, trimmed to the one profile this durable log needs: WAL plus a
// full fsync on every write, the teacher's own "ledger" profile, because
// an OrderTask is exactly the kind of audit-trail row that profile exists
// for.
type Store struct {
	conn *sql.DB
}

// NewStore opens (creating if necessary) the sqlite-backed task log at
// path.
func NewStore(path string) (*Store, error) {
	if path != "" && path != ":memory:" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("orders: resolve store path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
			return nil, fmt.Errorf("orders: create store directory: %w", err)
		}
		path = absPath
	}

	connStr := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=foreign_keys(1)"

	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("orders: open store: %w", err)
	}
	conn.SetMaxOpenConns(1) // single-writer sqlite; avoid SQLITE_BUSY under WAL

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("orders: migrate store: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.conn.Exec(`
CREATE TABLE IF NOT EXISTS order_tasks (
	task_id         TEXT PRIMARY KEY,
	account_id      TEXT NOT NULL,
	instrument_token INTEGER NOT NULL,
	side            TEXT NOT NULL,
	quantity        TEXT NOT NULL,
	price           TEXT,
	product         TEXT NOT NULL,
	variety         TEXT NOT NULL,
	validity        TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	state           TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT,
	broker_order_id TEXT,
	cancelled       INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	terminal_at     TEXT
);
`)
	return err
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.conn.Close() }

// Get returns the task for taskID if one has been persisted.
func (s *Store) Get(taskID string) (*domain.OrderTask, bool, error) {
	row := s.conn.QueryRow(`
SELECT task_id, account_id, instrument_token, side, quantity, price, product,
       variety, validity, idempotency_key, state, attempts, last_error,
       broker_order_id, cancelled, created_at, updated_at, terminal_at
FROM order_tasks WHERE task_id = ?`, taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("orders: get task %s: %w", taskID, err)
	}
	return task, true, nil
}

// Insert creates a new task row in OrderPending state. Callers must check
// Get first. Inserting a task_id that already exists fails on the primary
// key; Executor.PlaceOrder then returns the task that is already stored.
func (s *Store) Insert(task *domain.OrderTask) error {
	var priceStr *string
	if task.Request.Price != nil {
		v := task.Request.Price.String()
		priceStr = &v
	}
	_, err := s.conn.Exec(`
INSERT INTO order_tasks (
	task_id, account_id, instrument_token, side, quantity, price, product,
	variety, validity, idempotency_key, state, attempts, last_error,
	broker_order_id, cancelled, created_at, updated_at, terminal_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.TaskID, task.Request.AccountID, task.Request.InstrumentToken,
		string(task.Request.Side), task.Request.Quantity.String(), priceStr,
		task.Request.Product, task.Request.Variety, task.Request.Validity,
		task.Request.IdempotencyKey, string(task.State), task.Attempts,
		nullIfEmpty(task.LastError), nullIfEmpty(task.BrokerOrderID),
		boolToInt(task.Cancelled), timeToStr(task.CreatedAt), timeToStr(task.UpdatedAt),
		timeToStrPtr(task.TerminalAt),
	)
	if err != nil {
		return fmt.Errorf("orders: insert task %s: %w", task.TaskID, err)
	}
	return nil
}

// Update persists a task's mutable fields (state, attempts, error, broker
// order id, timestamps) after a dispatch attempt.
func (s *Store) Update(task *domain.OrderTask) error {
	_, err := s.conn.Exec(`
UPDATE order_tasks SET
	state = ?, attempts = ?, last_error = ?, broker_order_id = ?,
	cancelled = ?, updated_at = ?, terminal_at = ?
WHERE task_id = ?`,
		string(task.State), task.Attempts, nullIfEmpty(task.LastError),
		nullIfEmpty(task.BrokerOrderID), boolToInt(task.Cancelled),
		timeToStr(task.UpdatedAt), timeToStrPtr(task.TerminalAt), task.TaskID,
	)
	if err != nil {
		return fmt.Errorf("orders: update task %s: %w", task.TaskID, err)
	}
	return nil
}

// FindByBrokerOrderID looks up the task that placed brokerOrderID, so
// modify/cancel operations can key through it rather than task_id (§4.7
// "Observable side effects").
func (s *Store) FindByBrokerOrderID(brokerOrderID string) (*domain.OrderTask, bool, error) {
	row := s.conn.QueryRow(`
SELECT task_id, account_id, instrument_token, side, quantity, price, product,
       variety, validity, idempotency_key, state, attempts, last_error,
       broker_order_id, cancelled, created_at, updated_at, terminal_at
FROM order_tasks WHERE broker_order_id = ?`, brokerOrderID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("orders: find by broker order id %s: %w", brokerOrderID, err)
	}
	return task, true, nil
}

// DeadLetters returns every task currently in the dead-lettered state, for
// §6.3's listDeadLetters() surface.
func (s *Store) DeadLetters() ([]*domain.OrderTask, error) {
	rows, err := s.conn.Query(`
SELECT task_id, account_id, instrument_token, side, quantity, price, product,
       variety, validity, idempotency_key, state, attempts, last_error,
       broker_order_id, cancelled, created_at, updated_at, terminal_at
FROM order_tasks WHERE state = ? ORDER BY terminal_at ASC`, string(domain.OrderDeadLettered))
	if err != nil {
		return nil, fmt.Errorf("orders: list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*domain.OrderTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("orders: scan dead letter: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// Pending returns every task not yet in a terminal state, used on process
// restart to resume in-flight dispatch per §8 scenario 3.
func (s *Store) Pending() ([]*domain.OrderTask, error) {
	rows, err := s.conn.Query(`
SELECT task_id, account_id, instrument_token, side, quantity, price, product,
       variety, validity, idempotency_key, state, attempts, last_error,
       broker_order_id, cancelled, created_at, updated_at, terminal_at
FROM order_tasks WHERE state IN (?, ?)`, string(domain.OrderPending), string(domain.OrderDispatching))
	if err != nil {
		return nil, fmt.Errorf("orders: list pending: %w", err)
	}
	defer rows.Close()

	var out []*domain.OrderTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("orders: scan pending: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*domain.OrderTask, error) {
	var (
		task                       domain.OrderTask
		side, quantity             string
		price, lastErr, brokerID   sql.NullString
		terminalAt                 sql.NullString
		createdAt, updatedAt       string
		cancelled                  int
	)
	if err := row.Scan(
		&task.TaskID, &task.Request.AccountID, &task.Request.InstrumentToken,
		&side, &quantity, &price, &task.Request.Product, &task.Request.Variety,
		&task.Request.Validity, &task.Request.IdempotencyKey, &task.State,
		&task.Attempts, &lastErr, &brokerID, &cancelled, &createdAt, &updatedAt,
		&terminalAt,
	); err != nil {
		return nil, err
	}

	task.Request.Side = domain.OrderSide(side)
	q, err := decimal.NewFromString(quantity)
	if err != nil {
		return nil, fmt.Errorf("parse quantity: %w", err)
	}
	task.Request.Quantity = q
	if price.Valid {
		p, err := decimal.NewFromString(price.String)
		if err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		task.Request.Price = &p
	}
	task.LastError = lastErr.String
	task.BrokerOrderID = brokerID.String
	task.Cancelled = cancelled != 0
	task.CreatedAt, err = strToTime(createdAt)
	if err != nil {
		return nil, err
	}
	task.UpdatedAt, err = strToTime(updatedAt)
	if err != nil {
		return nil, err
	}
	if terminalAt.Valid && terminalAt.String != "" {
		task.TerminalAt, err = strToTime(terminalAt.String)
		if err != nil {
			return nil, err
		}
	}
	return &task, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeToStr(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func timeToStrPtr(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	v := timeToStr(t)
	return &v
}

func strToTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
