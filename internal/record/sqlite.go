package record

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kdvalentine/spx-straddle-bot/internal/models"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS trades (
	id               TEXT PRIMARY KEY,
	ts               TEXT NOT NULL,
	underlying_price REAL NOT NULL,
	strike           REAL NOT NULL,
	expiry           TEXT NOT NULL,
	call_symbol      TEXT NOT NULL,
	put_symbol       TEXT NOT NULL,
	call_fill_price  REAL NOT NULL,
	put_fill_price   REAL NOT NULL,
	contracts        INTEGER NOT NULL,
	total_cost       REAL NOT NULL,
	status           TEXT NOT NULL,
	reason           TEXT NOT NULL DEFAULT '',
	notes            TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades(ts);
`

// SQLiteRecorder stores trade records in a local SQLite database.
type SQLiteRecorder struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the trade database at path.
func OpenSQLite(path string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening trade db: %w", err)
	}

	// WAL mode for concurrent dashboard reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration: %w", err)
	}

	return &SQLiteRecorder{db: db}, nil
}

func (s *SQLiteRecorder) Close() error {
	return s.db.Close()
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"
const expiryLayout = "2006-01-02"

func (s *SQLiteRecorder) Record(ctx context.Context, rec *models.TradeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (id, ts, underlying_price, strike, expiry, call_symbol,
			put_symbol, call_fill_price, put_fill_price, contracts, total_cost,
			status, reason, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			call_fill_price = excluded.call_fill_price,
			put_fill_price = excluded.put_fill_price,
			contracts = excluded.contracts,
			total_cost = excluded.total_cost,
			status = excluded.status,
			reason = excluded.reason,
			notes = excluded.notes`,
		rec.ID, rec.Timestamp.UTC().Format(timeLayout), rec.UnderlyingPrice,
		rec.Strike, rec.Expiry.Format(expiryLayout), rec.CallSymbol, rec.PutSymbol,
		rec.CallFillPrice, rec.PutFillPrice, rec.Contracts, rec.TotalCost,
		string(rec.Status), rec.Reason, rec.Notes,
	)
	return err
}

func (s *SQLiteRecorder) Recent(ctx context.Context, limit int) ([]models.TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, underlying_price, strike, expiry, call_symbol, put_symbol,
			call_fill_price, put_fill_price, contracts, total_cost, status, reason, notes
		FROM trades ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TradeRecord
	for rows.Next() {
		var rec models.TradeRecord
		var ts, expiry, status string
		if err := rows.Scan(&rec.ID, &ts, &rec.UnderlyingPrice, &rec.Strike, &expiry,
			&rec.CallSymbol, &rec.PutSymbol, &rec.CallFillPrice, &rec.PutFillPrice,
			&rec.Contracts, &rec.TotalCost, &status, &rec.Reason, &rec.Notes); err != nil {
			return nil, err
		}
		rec.Status = models.TradeStatus(status)
		if t, perr := time.Parse(timeLayout, ts); perr == nil {
			rec.Timestamp = t
		}
		if e, perr := time.Parse(expiryLayout, expiry); perr == nil {
			rec.Expiry = e
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

var _ Recorder = (*SQLiteRecorder)(nil)
