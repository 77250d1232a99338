// Package journal is the durable append-only record of trades and events,
// plus the week and position checkpoints used to rebuild state on restart.
package journal

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/atlas-desktop/weekly-trader/internal/events"
	"github.com/atlas-desktop/weekly-trader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Trade row kinds.
const (
	TradeOpened = "opened"
	TradeClosed = "closed"
)

// TradeRecord is one execution row.
type TradeRecord struct {
	Timestamp time.Time       `json:"timestamp"`
	WeekID    string          `json:"weekId"`
	Kind      string          `json:"kind"`
	Symbol    string          `json:"symbol"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Reason    string          `json:"reason"`
	OrderID   string          `json:"orderId,omitempty"`
}

// Journal persists trading history to a SQLite database.
type Journal struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger
}

// Open opens (or creates) the SQLite database and runs migrations.
func Open(logger *zap.Logger, dbPath string) (*Journal, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	j := &Journal{db: db, logger: logger.Named("journal")}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	j.logger.Info("Journal opened", zap.String("path", dbPath))
	return j, nil
}

func (j *Journal) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp  INTEGER NOT NULL,
			week_id    TEXT NOT NULL,
			event_kind TEXT NOT NULL,
			symbol     TEXT NOT NULL,
			quantity   TEXT NOT NULL,
			price      TEXT NOT NULL,
			reason     TEXT,
			order_id   TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_week ON trades(week_id)`,

		`CREATE TABLE IF NOT EXISTS events (
			id         TEXT PRIMARY KEY,
			timestamp  INTEGER NOT NULL,
			week_id    TEXT,
			event_kind TEXT NOT NULL,
			detail     TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(timestamp)`,

		`CREATE TABLE IF NOT EXISTS weeks (
			id         TEXT PRIMARY KEY,
			start_date INTEGER NOT NULL,
			state      TEXT NOT NULL,
			closed     INTEGER NOT NULL DEFAULT 0,
			data       TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS positions (
			id         TEXT PRIMARY KEY,
			week_id    TEXT NOT NULL,
			symbol     TEXT NOT NULL,
			state      TEXT NOT NULL,
			data       TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_week ON positions(week_id)`,
	}

	for _, s := range stmts {
		if _, err := j.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

// RecordTrade appends a trade execution row.
func (j *Journal) RecordTrade(rec TradeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(`INSERT INTO trades
		(timestamp, week_id, event_kind, symbol, quantity, price, reason, order_id)
		VALUES (?,?,?,?,?,?,?,?)`,
		rec.Timestamp.UnixNano(), rec.WeekID, rec.Kind, rec.Symbol,
		rec.Quantity.String(), rec.Price.String(), rec.Reason, rec.OrderID,
	)
	if err != nil {
		return fmt.Errorf("record trade: %w", err)
	}
	return nil
}

// RecordEvent appends an event row. It satisfies events.Handler.
func (j *Journal) RecordEvent(ev events.Event) error {
	detail, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode event detail: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	_, err = j.db.Exec(`INSERT OR IGNORE INTO events
		(id, timestamp, week_id, event_kind, detail)
		VALUES (?,?,?,?,?)`,
		ev.ID, ev.Timestamp.UnixNano(), ev.WeekID, string(ev.Kind), string(detail),
	)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// SaveWeek upserts the week checkpoint.
func (j *Journal) SaveWeek(week *types.TradingWeek) error {
	data, err := json.Marshal(week)
	if err != nil {
		return fmt.Errorf("encode week: %w", err)
	}
	closed := 0
	if week.ClosedAt != nil {
		closed = 1
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	_, err = j.db.Exec(`INSERT INTO weeks (id, start_date, state, closed, data, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			closed = excluded.closed,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		week.ID, week.StartDate.UnixNano(), string(week.State), closed, string(data), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save week: %w", err)
	}
	return nil
}

// SavePosition upserts the position checkpoint.
func (j *Journal) SavePosition(pos *types.Position) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("encode position: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	_, err = j.db.Exec(`INSERT INTO positions (id, week_id, symbol, state, data, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		pos.ID, pos.WeekID, pos.Symbol, string(pos.State), string(data), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

// LastOpenWeek returns the most recent week that was never closed, or nil.
func (j *Journal) LastOpenWeek() (*types.TradingWeek, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var data string
	err := j.db.QueryRow(`SELECT data FROM weeks WHERE closed = 0
		ORDER BY start_date DESC, updated_at DESC LIMIT 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query open week: %w", err)
	}

	var week types.TradingWeek
	if err := json.Unmarshal([]byte(data), &week); err != nil {
		return nil, fmt.Errorf("decode week: %w", err)
	}
	return &week, nil
}

// LatestWeek returns the most recently started week, closed or not, or nil.
func (j *Journal) LatestWeek() (*types.TradingWeek, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var data string
	err := j.db.QueryRow(`SELECT data FROM weeks ORDER BY start_date DESC, updated_at DESC LIMIT 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest week: %w", err)
	}

	var week types.TradingWeek
	if err := json.Unmarshal([]byte(data), &week); err != nil {
		return nil, fmt.Errorf("decode week: %w", err)
	}
	return &week, nil
}

// Positions returns every position checkpoint for a week.
func (j *Journal) Positions(weekID string) ([]*types.Position, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(`SELECT data FROM positions WHERE week_id = ? ORDER BY symbol`, weekID)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []*types.Position
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		var pos types.Position
		if err := json.Unmarshal([]byte(data), &pos); err != nil {
			return nil, fmt.Errorf("decode position: %w", err)
		}
		out = append(out, &pos)
	}
	return out, rows.Err()
}

// Trades returns the trade rows of a week in insertion order.
func (j *Journal) Trades(weekID string) ([]TradeRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(`SELECT timestamp, week_id, event_kind, symbol, quantity, price, reason, order_id
		FROM trades WHERE week_id = ? ORDER BY id`, weekID)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var (
			ts         int64
			qty, price string
			reason     sql.NullString
			orderID    sql.NullString
			rec        TradeRecord
		)
		if err := rows.Scan(&ts, &rec.WeekID, &rec.Kind, &rec.Symbol, &qty, &price, &reason, &orderID); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		rec.Timestamp = time.Unix(0, ts)
		rec.Quantity = decimal.RequireFromString(qty)
		rec.Price = decimal.RequireFromString(price)
		rec.Reason = reason.String
		rec.OrderID = orderID.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountTrades counts trade rows of the given kind for a week.
func (j *Journal) CountTrades(weekID, kind string) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var n int
	err := j.db.QueryRow(`SELECT COUNT(*) FROM trades WHERE week_id = ? AND event_kind = ?`, weekID, kind).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count trades: %w", err)
	}
	return n, nil
}

// CountEvents counts event rows of the given kind.
func (j *Journal) CountEvents(kind events.Kind) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var n int
	err := j.db.QueryRow(`SELECT COUNT(*) FROM events WHERE event_kind = ?`, string(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	j.logger.Info("Closing journal")
	return j.db.Close()
}
