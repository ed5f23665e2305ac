package ledger

import (
	"context"
	"database/sql"
	"time"

	"algonline/internal/core"
	apperrors "algonline/pkg/errors"

	"github.com/shopspring/decimal"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	session_token TEXT NOT NULL UNIQUE,
	api_key       TEXT NOT NULL,
	secret_key    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS algorithms (
	algorithm_id  TEXT PRIMARY KEY,
	description   TEXT NOT NULL DEFAULT '',
	start_funds   TEXT NOT NULL,
	interval      TEXT NOT NULL,
	run_every_sec INTEGER NOT NULL DEFAULT 0,
	prepend_ms    INTEGER NOT NULL DEFAULT 0,
	user_id       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS history (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	algorithm_id TEXT NOT NULL,
	order_id     TEXT NOT NULL DEFAULT '',
	action       TEXT,
	btc          TEXT NOT NULL,
	usdt         TEXT NOT NULL,
	btc_price    TEXT NOT NULL,
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_algorithm_created
	ON history (algorithm_id, created_at);
`

// SQLiteStore is the single-node Store. Notifications fan out in process
// through a dispatcher instead of database-level LISTEN/NOTIFY.
type SQLiteStore struct {
	db     *sql.DB
	notify *dispatcher
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, apperrors.Database("open %s: %v", dbPath, err)
	}
	if err := db.Ping(); err != nil {
		return nil, apperrors.Database("ping: %v", err)
	}

	// WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, apperrors.Database("enable WAL mode: %v", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, apperrors.Database("apply schema: %v", err)
	}

	return &SQLiteStore{db: db, notify: newDispatcher()}, nil
}

func (s *SQLiteStore) InsertAlgorithm(ctx context.Context, algo core.Algorithm) error {
	if !core.ValidKlineInterval(algo.Interval) {
		return apperrors.Algorithm("invalid interval: %s", algo.Interval)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO algorithms (algorithm_id, description, start_funds, interval, run_every_sec, prepend_ms, user_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		algo.ID, algo.Description, algo.StartFunds.String(), algo.Interval,
		algo.RunEverySec, algo.PrependMs, algo.UserID)
	if err != nil {
		return apperrors.Database("insert algorithm %s: %v", algo.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetAlgorithm(ctx context.Context, id string) (core.Algorithm, error) {
	var algo core.Algorithm
	var startFunds string
	err := s.db.QueryRowContext(ctx,
		`SELECT algorithm_id, description, start_funds, interval, run_every_sec, prepend_ms, user_id
		 FROM algorithms WHERE algorithm_id = ?`, id).
		Scan(&algo.ID, &algo.Description, &startFunds, &algo.Interval,
			&algo.RunEverySec, &algo.PrependMs, &algo.UserID)
	if err == sql.ErrNoRows {
		return core.Algorithm{}, apperrors.Database("algorithm %s not found", id)
	}
	if err != nil {
		return core.Algorithm{}, apperrors.Database("get algorithm %s: %v", id, err)
	}
	algo.StartFunds, err = decimal.NewFromString(startFunds)
	if err != nil {
		return core.Algorithm{}, apperrors.Parse("start_funds of %s: %v", id, err)
	}
	return algo, nil
}

func (s *SQLiteStore) DeleteAlgorithm(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Database("begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE algorithm_id = ?`, id); err != nil {
		return apperrors.Database("delete history of %s: %v", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM algorithms WHERE algorithm_id = ?`, id); err != nil {
		return apperrors.Database("delete algorithm %s: %v", id, err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Database("commit: %v", err)
	}
	return nil
}

func (s *SQLiteStore) ListAlgorithmIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT algorithm_id FROM algorithms ORDER BY algorithm_id`)
	if err != nil {
		return nil, apperrors.Database("list algorithms: %v", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.Database("scan algorithm id: %v", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) CurrentFunds(ctx context.Context, id string) (core.FundView, error) {
	algo, err := s.GetAlgorithm(ctx, id)
	if err != nil {
		return core.FundView{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT btc, usdt FROM history WHERE algorithm_id = ?`, id)
	if err != nil {
		return core.FundView{}, apperrors.Database("sum history of %s: %v", id, err)
	}
	defer rows.Close()

	// Deltas are stored as decimal strings, so the sums run in Go rather
	// than in SQL.
	view := core.FundView{Quote: algo.StartFunds, Base: decimal.Zero}
	for rows.Next() {
		var btc, usdt string
		if err := rows.Scan(&btc, &usdt); err != nil {
			return core.FundView{}, apperrors.Database("scan history row: %v", err)
		}
		base, err := decimal.NewFromString(btc)
		if err != nil {
			return core.FundView{}, apperrors.Parse("btc delta: %v", err)
		}
		quote, err := decimal.NewFromString(usdt)
		if err != nil {
			return core.FundView{}, apperrors.Parse("usdt delta: %v", err)
		}
		view.Base = view.Base.Add(base)
		view.Quote = view.Quote.Add(quote)
	}
	return view, rows.Err()
}

func (s *SQLiteStore) AppendEntry(ctx context.Context, entry core.LedgerEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var action interface{}
	if entry.Action != core.ActionNone {
		action = string(entry.Action)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history (algorithm_id, order_id, action, btc, usdt, btc_price, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.AlgorithmID, entry.OrderID, action,
		entry.DeltaBase.String(), entry.DeltaQuote.String(), entry.Price.String(),
		entry.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return apperrors.Database("append entry for %s: %v", entry.AlgorithmID, err)
	}
	s.notify.publish(notificationFor(entry))
	return nil
}

func (s *SQLiteStore) Chart(ctx context.Context, id string, interval core.ChartInterval) ([]core.ChartPoint, error) {
	algo, err := s.GetAlgorithm(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT btc, usdt, btc_price, created_at FROM history
		 WHERE algorithm_id = ? ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return nil, apperrors.Database("chart of %s: %v", id, err)
	}
	defer rows.Close()

	var raw []chartRow
	for rows.Next() {
		r, err := scanChartRow(rows)
		if err != nil {
			return nil, err
		}
		raw = append(raw, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Database("chart of %s: %v", id, err)
	}
	return buildChart(algo.StartFunds, raw, interval), nil
}

func scanChartRow(rows *sql.Rows) (chartRow, error) {
	var btc, usdt, price, createdAt string
	if err := rows.Scan(&btc, &usdt, &price, &createdAt); err != nil {
		return chartRow{}, apperrors.Database("scan chart row: %v", err)
	}
	var r chartRow
	var err error
	if r.deltaBase, err = decimal.NewFromString(btc); err != nil {
		return chartRow{}, apperrors.Parse("btc delta: %v", err)
	}
	if r.deltaQuote, err = decimal.NewFromString(usdt); err != nil {
		return chartRow{}, apperrors.Parse("usdt delta: %v", err)
	}
	if r.price, err = decimal.NewFromString(price); err != nil {
		return chartRow{}, apperrors.Parse("btc_price: %v", err)
	}
	if r.createdAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return chartRow{}, apperrors.Parse("created_at: %v", err)
	}
	return r, nil
}

func (s *SQLiteStore) HistoryPage(ctx context.Context, id string, before time.Time, limit int) ([]core.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT algorithm_id, order_id, action, btc, usdt, btc_price, created_at
		 FROM history
		 WHERE algorithm_id = ? AND action IS NOT NULL AND created_at < ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		id, before.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, apperrors.Database("history page of %s: %v", id, err)
	}
	defer rows.Close()

	var page []core.LedgerEntry
	for rows.Next() {
		var e core.LedgerEntry
		var action sql.NullString
		var btc, usdt, price, createdAt string
		if err := rows.Scan(&e.AlgorithmID, &e.OrderID, &action, &btc, &usdt, &price, &createdAt); err != nil {
			return nil, apperrors.Database("scan history row: %v", err)
		}
		if action.Valid {
			e.Action = core.Action(action.String)
		}
		if e.DeltaBase, err = decimal.NewFromString(btc); err != nil {
			return nil, apperrors.Parse("btc delta: %v", err)
		}
		if e.DeltaQuote, err = decimal.NewFromString(usdt); err != nil {
			return nil, apperrors.Parse("usdt delta: %v", err)
		}
		if e.Price, err = decimal.NewFromString(price); err != nil {
			return nil, apperrors.Parse("btc_price: %v", err)
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, apperrors.Parse("created_at: %v", err)
		}
		page = append(page, e)
	}
	return page, rows.Err()
}

func (s *SQLiteStore) Reset(ctx context.Context, id string, startFunds decimal.Decimal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Database("begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE algorithms SET start_funds = ? WHERE algorithm_id = ?`, startFunds.String(), id)
	if err != nil {
		return apperrors.Database("reset start funds of %s: %v", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Database("algorithm %s not found", id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE algorithm_id = ?`, id); err != nil {
		return apperrors.Database("reset history of %s: %v", id, err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Database("commit: %v", err)
	}
	return nil
}

func (s *SQLiteStore) InsertAnchors(ctx context.Context, price decimal.Decimal, at time.Time) error {
	ids, err := s.ListAlgorithmIDs(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Database("begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO history (algorithm_id, order_id, action, btc, usdt, btc_price, created_at)
		 VALUES (?, '', NULL, '0', '0', ?, ?)`)
	if err != nil {
		return apperrors.Database("prepare anchor insert: %v", err)
	}
	defer stmt.Close()

	createdAt := at.UTC().Format(time.RFC3339Nano)
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id, price.String(), createdAt); err != nil {
			return apperrors.Database("anchor for %s: %v", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Database("commit anchors: %v", err)
	}

	for _, id := range ids {
		s.notify.publish(Notification{
			AlgorithmID: id,
			DeltaBase:   decimal.Zero,
			DeltaQuote:  decimal.Zero,
			Price:       price,
			CreatedAt:   at.UTC(),
		})
	}
	return nil
}

func (s *SQLiteStore) UserKeysBySession(ctx context.Context, sessionToken string) (string, string, error) {
	var apiKey, apiSecret string
	err := s.db.QueryRowContext(ctx,
		`SELECT api_key, secret_key FROM users WHERE session_token = ?`, sessionToken).
		Scan(&apiKey, &apiSecret)
	if err == sql.ErrNoRows {
		return "", "", apperrors.Auth("unknown session token")
	}
	if err != nil {
		return "", "", apperrors.Database("user lookup: %v", err)
	}
	return apiKey, apiSecret, nil
}

func (s *SQLiteStore) Subscribe(ctx context.Context, algorithmID string) (<-chan Notification, func(), error) {
	ch, cancel := s.notify.subscribe(algorithmID)
	return ch, cancel, nil
}

func (s *SQLiteStore) Close() error {
	s.notify.closeAll()
	return s.db.Close()
}
