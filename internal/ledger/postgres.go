package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"algonline/internal/core"
	apperrors "algonline/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// notifyChannel is the Postgres channel the history insert trigger fires on.
// See migrations/schema.sql.
const notifyChannel = "history_record_inserted"

// PostgresStore is the shared-database Store. Change notifications ride
// LISTEN/NOTIFY: a trigger publishes every history insert as row JSON and a
// single listener connection fans the payloads into local subscribers, so
// rows written by other processes reach chart clients too.
type PostgresStore struct {
	pool   *pgxpool.Pool
	notify *dispatcher
	logger core.ILogger
	cancel context.CancelFunc
}

func NewPostgresStore(ctx context.Context, url string, logger core.ILogger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, apperrors.Database("connect: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperrors.Database("ping: %v", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s := &PostgresStore{
		pool:   pool,
		notify: newDispatcher(),
		logger: logger,
		cancel: cancel,
	}
	go s.listen(listenCtx)
	return s, nil
}

// listen holds one dedicated connection on the notify channel and re-acquires
// it after connection loss.
func (s *PostgresStore) listen(ctx context.Context) {
	for {
		if err := s.listenOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("Notification listener lost, reconnecting", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (s *PostgresStore) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var n Notification
		if err := json.Unmarshal([]byte(notification.Payload), &n); err != nil {
			s.logger.Warn("Unparsable notification payload", "error", err)
			continue
		}
		s.notify.publish(n)
	}
}

func (s *PostgresStore) InsertAlgorithm(ctx context.Context, algo core.Algorithm) error {
	if !core.ValidKlineInterval(algo.Interval) {
		return apperrors.Algorithm("invalid interval: %s", algo.Interval)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO algorithms (algorithm_id, description, start_funds, interval, run_every_sec, prepend_ms, user_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		algo.ID, algo.Description, algo.StartFunds, algo.Interval,
		algo.RunEverySec, algo.PrependMs, algo.UserID)
	if err != nil {
		return apperrors.Database("insert algorithm %s: %v", algo.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetAlgorithm(ctx context.Context, id string) (core.Algorithm, error) {
	var algo core.Algorithm
	var startFunds string
	err := s.pool.QueryRow(ctx,
		`SELECT algorithm_id, description, start_funds::text, interval, run_every_sec, prepend_ms, user_id
		 FROM algorithms WHERE algorithm_id = $1`, id).
		Scan(&algo.ID, &algo.Description, &startFunds, &algo.Interval,
			&algo.RunEverySec, &algo.PrependMs, &algo.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (s *PostgresStore) DeleteAlgorithm(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperrors.Database("begin: %v", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM history WHERE algorithm_id = $1`, id); err != nil {
		return apperrors.Database("delete history of %s: %v", id, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM algorithms WHERE algorithm_id = $1`, id); err != nil {
		return apperrors.Database("delete algorithm %s: %v", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperrors.Database("commit: %v", err)
	}
	return nil
}

func (s *PostgresStore) ListAlgorithmIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT algorithm_id FROM algorithms ORDER BY algorithm_id`)
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

func (s *PostgresStore) CurrentFunds(ctx context.Context, id string) (core.FundView, error) {
	var quote, base string
	err := s.pool.QueryRow(ctx,
		`SELECT (a.start_funds + COALESCE(SUM(h.usdt), 0))::text,
		        COALESCE(SUM(h.btc), 0)::text
		 FROM algorithms a
		 LEFT JOIN history h ON h.algorithm_id = a.algorithm_id
		 WHERE a.algorithm_id = $1
		 GROUP BY a.start_funds`, id).
		Scan(&quote, &base)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.FundView{}, apperrors.Database("algorithm %s not found", id)
	}
	if err != nil {
		return core.FundView{}, apperrors.Database("current funds of %s: %v", id, err)
	}

	var view core.FundView
	if view.Quote, err = decimal.NewFromString(quote); err != nil {
		return core.FundView{}, apperrors.Parse("usdt sum: %v", err)
	}
	if view.Base, err = decimal.NewFromString(base); err != nil {
		return core.FundView{}, apperrors.Parse("btc sum: %v", err)
	}
	return view, nil
}

func (s *PostgresStore) AppendEntry(ctx context.Context, entry core.LedgerEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var action *string
	if entry.Action != core.ActionNone {
		a := string(entry.Action)
		action = &a
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO history (algorithm_id, order_id, action, btc, usdt, btc_price, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.AlgorithmID, entry.OrderID, action,
		entry.DeltaBase, entry.DeltaQuote, entry.Price, entry.CreatedAt.UTC())
	if err != nil {
		return apperrors.Database("append entry for %s: %v", entry.AlgorithmID, err)
	}
	// Subscribers hear about the row through the insert trigger.
	return nil
}

func (s *PostgresStore) Chart(ctx context.Context, id string, interval core.ChartInterval) ([]core.ChartPoint, error) {
	algo, err := s.GetAlgorithm(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT btc::text, usdt::text, btc_price::text, created_at
		 FROM history WHERE algorithm_id = $1 ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return nil, apperrors.Database("chart of %s: %v", id, err)
	}
	defer rows.Close()

	var raw []chartRow
	for rows.Next() {
		var btc, usdt, price string
		var createdAt time.Time
		if err := rows.Scan(&btc, &usdt, &price, &createdAt); err != nil {
			return nil, apperrors.Database("scan chart row: %v", err)
		}
		r := chartRow{createdAt: createdAt}
		if r.deltaBase, err = decimal.NewFromString(btc); err != nil {
			return nil, apperrors.Parse("btc delta: %v", err)
		}
		if r.deltaQuote, err = decimal.NewFromString(usdt); err != nil {
			return nil, apperrors.Parse("usdt delta: %v", err)
		}
		if r.price, err = decimal.NewFromString(price); err != nil {
			return nil, apperrors.Parse("btc_price: %v", err)
		}
		raw = append(raw, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Database("chart of %s: %v", id, err)
	}
	return buildChart(algo.StartFunds, raw, interval), nil
}

func (s *PostgresStore) HistoryPage(ctx context.Context, id string, before time.Time, limit int) ([]core.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT algorithm_id, order_id, action, btc::text, usdt::text, btc_price::text, created_at
		 FROM history
		 WHERE algorithm_id = $1 AND action IS NOT NULL AND created_at < $2
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`, id, before.UTC(), limit)
	if err != nil {
		return nil, apperrors.Database("history page of %s: %v", id, err)
	}
	defer rows.Close()

	var page []core.LedgerEntry
	for rows.Next() {
		var e core.LedgerEntry
		var action *string
		var btc, usdt, price string
		if err := rows.Scan(&e.AlgorithmID, &e.OrderID, &action, &btc, &usdt, &price, &e.CreatedAt); err != nil {
			return nil, apperrors.Database("scan history row: %v", err)
		}
		if action != nil {
			e.Action = core.Action(*action)
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
		page = append(page, e)
	}
	return page, rows.Err()
}

func (s *PostgresStore) Reset(ctx context.Context, id string, startFunds decimal.Decimal) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperrors.Database("begin: %v", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE algorithms SET start_funds = $1 WHERE algorithm_id = $2`, startFunds, id)
	if err != nil {
		return apperrors.Database("reset start funds of %s: %v", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.Database("algorithm %s not found", id)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM history WHERE algorithm_id = $1`, id); err != nil {
		return apperrors.Database("reset history of %s: %v", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperrors.Database("commit: %v", err)
	}
	return nil
}

func (s *PostgresStore) InsertAnchors(ctx context.Context, price decimal.Decimal, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO history (algorithm_id, order_id, action, btc, usdt, btc_price, created_at)
		 SELECT algorithm_id, '', NULL, 0, 0, $1, $2 FROM algorithms`,
		price, at.UTC())
	if err != nil {
		return apperrors.Database("insert anchors: %v", err)
	}
	return nil
}

func (s *PostgresStore) UserKeysBySession(ctx context.Context, sessionToken string) (string, string, error) {
	var apiKey, apiSecret string
	err := s.pool.QueryRow(ctx,
		`SELECT api_key, secret_key FROM users WHERE session_token = $1`, sessionToken).
		Scan(&apiKey, &apiSecret)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", apperrors.Auth("unknown session token")
	}
	if err != nil {
		return "", "", apperrors.Database("user lookup: %v", err)
	}
	return apiKey, apiSecret, nil
}

func (s *PostgresStore) Subscribe(ctx context.Context, algorithmID string) (<-chan Notification, func(), error) {
	ch, cancel := s.notify.subscribe(algorithmID)
	return ch, cancel, nil
}

func (s *PostgresStore) Close() error {
	s.cancel()
	s.notify.closeAll()
	s.pool.Close()
	return nil
}
