package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ RunStore = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id                  TEXT PRIMARY KEY,
	symbol              TEXT NOT NULL,
	market              TEXT NOT NULL,
	strategy            TEXT NOT NULL,
	initial_amount      REAL NOT NULL,
	fixed_cost          REAL NOT NULL,
	proportional_cost   REAL NOT NULL,
	sma_window          INTEGER NOT NULL,
	threshold           REAL NOT NULL,
	bars                INTEGER NOT NULL,
	start_ms            INTEGER NOT NULL,
	end_ms              INTEGER NOT NULL,
	final_cash          REAL NOT NULL,
	net_performance_pct REAL NOT NULL,
	trades              INTEGER NOT NULL,
	degenerate          INTEGER NOT NULL,
	created_ms          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_created ON runs(created_ms DESC);

CREATE TABLE IF NOT EXISTS fills (
	run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	bar_index  INTEGER NOT NULL,
	ts_ms      INTEGER NOT NULL,
	action     TEXT NOT NULL,
	units      REAL NOT NULL,
	price      REAL NOT NULL,
	notional   REAL NOT NULL,
	cost       REAL NOT NULL,
	cash       REAL NOT NULL,
	holdings   REAL NOT NULL,
	net_wealth REAL NOT NULL,
	position   TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);
`

// SQLiteStore implements RunStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// RunStore implementation
// ---------------------------------------------------------------------------

// SaveRun inserts a run and its fills in one transaction.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *RunRecord) error {
	if run.ID == "" {
		return errors.New("save run: empty id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `INSERT INTO runs (
		id, symbol, market, strategy, initial_amount, fixed_cost, proportional_cost,
		sma_window, threshold, bars, start_ms, end_ms, final_cash, net_performance_pct,
		trades, degenerate, created_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Symbol, run.Market, run.Strategy, run.InitialAmount, run.FixedCost, run.ProportionalCost,
		run.SMAWindow, run.Threshold, run.Bars, run.Start.UnixMilli(), run.End.UnixMilli(),
		run.FinalCash, run.NetPerformancePct, run.Trades, boolToInt(run.Degenerate), run.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO fills (
		run_id, seq, bar_index, ts_ms, action, units, price, notional, cost, cash, holdings, net_wealth, position
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, f := range run.Fills {
		_, err := stmt.ExecContext(ctx, run.ID, i, f.Index, f.Timestamp.UnixMilli(), f.Action,
			f.Units, f.Price, f.Notional, f.Cost, f.Cash, f.Holdings, f.NetWealth, f.Position)
		if err != nil {
			return fmt.Errorf("inserting fill %d of run %s: %w", i, run.ID, err)
		}
	}
	return tx.Commit()
}

const runColumns = `id, symbol, market, strategy, initial_amount, fixed_cost, proportional_cost,
	sma_window, threshold, bars, start_ms, end_ms, final_cash, net_performance_pct,
	trades, degenerate, created_ms`

// GetRun retrieves a run and its fills by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT bar_index, ts_ms, action, units, price, notional,
		cost, cash, holdings, net_wealth, position FROM fills WHERE run_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			f  FillRecord
			ts int64
		)
		if err := rows.Scan(&f.Index, &ts, &f.Action, &f.Units, &f.Price, &f.Notional,
			&f.Cost, &f.Cash, &f.Holdings, &f.NetWealth, &f.Position); err != nil {
			return nil, err
		}
		f.Timestamp = time.UnixMilli(ts).UTC()
		run.Fills = append(run.Fills, f)
	}
	return run, rows.Err()
}

// ListRuns returns run summaries matching filter, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.Symbol != "" {
		where = append(where, "UPPER(symbol) = ?")
		args = append(args, strings.ToUpper(filter.Symbol))
	}
	if filter.Strategy != "" {
		where = append(where, "strategy = ?")
		args = append(args, filter.Strategy)
	}

	q := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_ms DESC, id"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*RunRecord, error) {
	var (
		r                        RunRecord
		startMs, endMs, createMs int64
		degenerate               int
	)
	err := sc.Scan(&r.ID, &r.Symbol, &r.Market, &r.Strategy, &r.InitialAmount, &r.FixedCost, &r.ProportionalCost,
		&r.SMAWindow, &r.Threshold, &r.Bars, &startMs, &endMs, &r.FinalCash, &r.NetPerformancePct,
		&r.Trades, &degenerate, &createMs)
	if err != nil {
		return nil, err
	}
	r.Start = time.UnixMilli(startMs).UTC()
	r.End = time.UnixMilli(endMs).UTC()
	r.CreatedAt = time.UnixMilli(createMs).UTC()
	r.Degenerate = degenerate != 0
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
