package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"strategy-engine/internal/model"
)

// Reader provides read-only access to SQLite for backfill, replay and snapshot restore.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	return &Reader{db: db}, nil
}

func scanCandles(rows *sql.Rows) ([]model.Candle, error) {
	var out []model.Candle
	for rows.Next() {
		var (
			c     model.Candle
			ms    int64
			final int
			vol   sql.NullFloat64
		)
		if err := rows.Scan(&ms, &c.Open, &c.High, &c.Low, &c.Close, &vol, &final); err != nil {
			return nil, fmt.Errorf("sqlite scan candles: %w", err)
		}
		c.OpenTime = time.UnixMilli(ms).UTC()
		c.Volume = vol.Float64
		c.IsFinal = final == 1
		out = append(out, c)
	}
	return out, rows.Err()
}

// Backfill returns the newest limit candles for key, oldest first.
func (r *Reader) Backfill(ctx context.Context, key model.InstrumentKey, limit int) ([]model.Candle, error) {
	if limit <= 0 {
		limit = model.DefaultMaxBars
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT open_time, open, high, low, close, volume, final FROM (
			SELECT * FROM candles
			WHERE symbol = ? AND timeframe = ?
			ORDER BY open_time DESC
			LIMIT ?
		) ORDER BY open_time ASC
	`, key.Symbol, key.Timeframe, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite backfill %s: %w", key, err)
	}
	defer rows.Close()
	return scanCandles(rows)
}

// ReadCandles returns all candles for key with open time at or after from, oldest first.
func (r *Reader) ReadCandles(ctx context.Context, key model.InstrumentKey, from time.Time) ([]model.Candle, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT open_time, open, high, low, close, volume, final
		FROM candles
		WHERE symbol = ? AND timeframe = ? AND open_time >= ?
		ORDER BY open_time ASC
	`, key.Symbol, key.Timeframe, from.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("sqlite read candles %s: %w", key, err)
	}
	defer rows.Close()
	return scanCandles(rows)
}

// Instruments lists every instrument that has stored candles.
func (r *Reader) Instruments(ctx context.Context) ([]model.InstrumentKey, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT symbol, timeframe FROM candles ORDER BY symbol, timeframe`)
	if err != nil {
		return nil, fmt.Errorf("sqlite list instruments: %w", err)
	}
	defer rows.Close()

	var out []model.InstrumentKey
	for rows.Next() {
		var k model.InstrumentKey
		if err := rows.Scan(&k.Symbol, &k.Timeframe); err != nil {
			return nil, fmt.Errorf("sqlite scan instrument: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// ReadSnapshot loads one strategy snapshot.
func (r *Reader) ReadSnapshot(ctx context.Context, id string) (model.Snapshot, bool, error) {
	var data string
	err := r.db.QueryRowContext(ctx, `SELECT data FROM strategy_snapshots WHERE id = ?`, id).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Snapshot{}, false, nil
		}
		return model.Snapshot{}, false, fmt.Errorf("sqlite read snapshot %s: %w", id, err)
	}
	var snap model.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return model.Snapshot{}, false, fmt.Errorf("unmarshal snapshot %s: %w", id, err)
	}
	return snap, true, nil
}

// ReadSnapshots loads every snapshot. Rows that fail to parse are reported through
// skip and left out.
func (r *Reader) ReadSnapshots(ctx context.Context, skip func(id string, err error)) (map[string]model.Snapshot, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, data FROM strategy_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("sqlite read snapshots: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.Snapshot)
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("sqlite scan snapshot: %w", err)
		}
		var snap model.Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			if skip != nil {
				skip(id, err)
			}
			continue
		}
		out[id] = snap
	}
	return out, rows.Err()
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
