// Package sqlite is the durable store: candle archive, backfill source and
// strategy snapshots, all in one WAL-mode database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"strategy-engine/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/strategies.db"
}

// Writer is a single-connection SQLite writer with transaction batching.
type Writer struct {
	db  *sql.DB
	log *zap.Logger
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New opens the database with WAL mode and creates the schema.
func New(cfg WriterConfig, log *zap.Logger) (*Writer, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Info("sqlite opened", zap.String("path", cfg.DBPath))
	return &Writer{db: db, log: log}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			symbol     TEXT    NOT NULL,
			timeframe  TEXT    NOT NULL,
			open_time  INTEGER NOT NULL,
			open       REAL    NOT NULL,
			high       REAL    NOT NULL,
			low        REAL    NOT NULL,
			close      REAL    NOT NULL,
			volume     REAL,
			final      INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (symbol, timeframe, open_time)
		);

		CREATE TABLE IF NOT EXISTS strategy_snapshots (
			id       TEXT    PRIMARY KEY,
			data     TEXT    NOT NULL,
			saved_at INTEGER NOT NULL
		);
	`)
	return err
}

// Run reads bars from barCh and inserts them in batched transactions.
// Flushes every batchSize bars OR every flushDelay, whichever first.
// Blocks until ctx is cancelled or barCh is closed.
func (w *Writer) Run(ctx context.Context, barCh <-chan model.Bar) {
	batch := make([]model.Bar, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := w.insertBatch(batch); err != nil {
			w.log.Error("candle batch insert failed", zap.Error(err), zap.Int("size", len(batch)))
		} else {
			w.log.Debug("candles committed", zap.Int("size", len(batch)), zap.Duration("took", time.Since(start)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case bar, ok := <-barCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, bar)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// insertBatch upserts a batch of bars in a single transaction. A final bar is
// never overwritten by a non-final update.
func (w *Writer) insertBatch(bars []model.Bar) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO candles (symbol, timeframe, open_time, open, high, low, close, volume, final)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, timeframe, open_time) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume, final = excluded.final
		WHERE candles.final = 0 OR excluded.final = 1
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, b := range bars {
		c := b.Candle
		final := 0
		if c.IsFinal {
			final = 1
		}
		_, err := stmt.Exec(b.Key.Symbol, b.Key.Timeframe, c.OpenTime.UnixMilli(),
			c.Open, c.High, c.Low, c.Close, c.Volume, final)
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// GetLastOpenTime returns the newest stored open time for an instrument.
// ok is false if no candles exist.
func (w *Writer) GetLastOpenTime(key model.InstrumentKey) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := w.db.QueryRow(
		`SELECT MAX(open_time) FROM candles WHERE symbol = ? AND timeframe = ?`,
		key.Symbol, key.Timeframe,
	).Scan(&ms)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64).UTC(), true, nil
}

// SaveSnapshot upserts the snapshot of one strategy.
func (w *Writer) SaveSnapshot(ctx context.Context, id string, snap model.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = w.db.ExecContext(ctx,
		`INSERT INTO strategy_snapshots (id, data, saved_at) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET data = excluded.data, saved_at = excluded.saved_at`,
		id, string(data), snap.SavedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite upsert snapshot %s: %w", id, err)
	}
	return nil
}

// DeleteSnapshot removes the snapshot of one strategy.
func (w *Writer) DeleteSnapshot(ctx context.Context, id string) error {
	if _, err := w.db.ExecContext(ctx, `DELETE FROM strategy_snapshots WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite delete snapshot %s: %w", id, err)
	}
	return nil
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
