// Package execution records emitted actions: a SQLite journal for audit and a paper
// ledger that simulates fills for backtests and dry runs.
package execution

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"strategy-engine/internal/model"
)

// Journal persists emitted actions to SQLite. It implements model.ActionSink.
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

// NewJournal opens (or creates) a SQLite journal database.
func NewJournal(dbPath string, log *zap.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS actions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		action_id   TEXT NOT NULL UNIQUE,
		strategy_id TEXT NOT NULL,
		strategy    TEXT NOT NULL,
		action      TEXT NOT NULL,
		position    TEXT NOT NULL,
		symbol      TEXT NOT NULL,
		level       TEXT,
		price       REAL NOT NULL,
		quantity    REAL NOT NULL,
		manual      INTEGER NOT NULL DEFAULT 0,
		endpoint    TEXT,
		emitted_at  DATETIME NOT NULL,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_actions_strategy ON actions(strategy_id);
	CREATE INDEX IF NOT EXISTS idx_actions_emitted_at ON actions(emitted_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: schema: %w", err)
	}

	log.Info("action journal opened", zap.String("path", dbPath))
	return &Journal{db: db}, nil
}

func (j *Journal) Name() string { return "journal" }

// Deliver records the action. Re-recording the same action id is ignored.
func (j *Journal) Deliver(ctx context.Context, a model.EmittedAction, endpoint string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	manual := 0
	if a.Manual {
		manual = 1
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO actions
		 (action_id, strategy_id, strategy, action, position, symbol, level, price, quantity, manual, endpoint, emitted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.StrategyID,
		a.StrategyName,
		string(a.Action),
		string(a.Position),
		a.Symbol,
		a.LevelLabel,
		a.ExecutionPrice,
		a.ExecutionQuantity,
		manual,
		endpoint,
		a.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("journal: insert: %w", err)
	}
	return nil
}

// ActionRecord represents a row from the actions table.
type ActionRecord struct {
	ID         int64   `json:"id"`
	ActionID   string  `json:"action_id"`
	StrategyID string  `json:"strategy_id"`
	Strategy   string  `json:"strategy"`
	Action     string  `json:"action"`
	Position   string  `json:"position"`
	Symbol     string  `json:"symbol"`
	Level      string  `json:"level"`
	Price      float64 `json:"price"`
	Quantity   float64 `json:"quantity"`
	Manual     bool    `json:"manual"`
	EmittedAt  string  `json:"emitted_at"`
}

// Actions returns the last limit actions, newest first. A non-empty strategyID filters by strategy.
func (j *Journal) Actions(ctx context.Context, strategyID string, limit int) ([]ActionRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, action_id, strategy_id, strategy, action, position, symbol, COALESCE(level, ''),
		price, quantity, manual, emitted_at FROM actions`
	args := []any{}
	if strategyID != "" {
		query += ` WHERE strategy_id = ?`
		args = append(args, strategyID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var out []ActionRecord
	for rows.Next() {
		var r ActionRecord
		var manual int
		if err := rows.Scan(&r.ID, &r.ActionID, &r.StrategyID, &r.Strategy, &r.Action, &r.Position,
			&r.Symbol, &r.Level, &r.Price, &r.Quantity, &manual, &r.EmittedAt); err != nil {
			continue
		}
		r.Manual = manual == 1
		out = append(out, r)
	}
	return out, rows.Err()
}

// DB exposes the handle for health probes.
func (j *Journal) DB() *sql.DB { return j.db }

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
