package algorithm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"algonline/internal/alert"
	"algonline/internal/config"
	"algonline/internal/core"
	"algonline/internal/exchange/binance"
	"algonline/internal/ledger"
	"algonline/internal/script"
	"algonline/internal/shmem"
	apperrors "algonline/pkg/errors"
	"algonline/pkg/retry"
	"algonline/pkg/telemetry"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// frameSize matches the script host's IPC framing: one compact JSON candle
// out, one UTF-8 float string back, 1024-byte buffers.
const frameSize = 1024

// healthyRun is how long an incarnation must live before the restart attempt
// counter resets.
const healthyRun = time.Minute

// Exchange is the surface of the exchange client the supervisor needs.
// Implemented by binance.Client.
type Exchange interface {
	Price(ctx context.Context) (decimal.Decimal, error)
	Klines(ctx context.Context, params map[string]string) ([]core.CandleStick, error)
	Balance(ctx context.Context) (decimal.Decimal, decimal.Decimal, error)
	Order(ctx context.Context, params map[string]string) ([]byte, error)
	OpenOrderChannel(logger core.ILogger) (*binance.OrderChannel, error)
	StreamKlines(interval string) *binance.KlineStream
}

// Manager owns the handle registry and supervises one pipeline per started
// algorithm: script host subprocess, IPC connection, order channel, price
// cache, feed task and drain task, restarted with a cooldown on failure.
type Manager struct {
	cfg      *config.Config
	exchange Exchange
	store    ledger.Store
	registry *Registry
	alerts   *alert.AlertManager
	logger   core.ILogger
}

func NewManager(cfg *config.Config, ex Exchange, store ledger.Store, logger core.ILogger) *Manager {
	return &Manager{
		cfg:      cfg,
		exchange: ex,
		store:    store,
		registry: NewRegistry(),
		logger:   logger.WithField("component", "supervisor"),
	}
}

// Registry exposes the handle table, read by the serving layer.
func (m *Manager) Registry() *Registry { return m.registry }

// SetAlerts attaches an alert manager, notified when a pipeline exhausts its
// restart budget.
func (m *Manager) SetAlerts(am *alert.AlertManager) { m.alerts = am }

// Active reports whether the algorithm's pipeline is live. Equivalent to
// presence in the handle registry.
func (m *Manager) Active(id string) bool { return m.registry.Active(id) }

// Start brings the pipeline up. The first incarnation is launched
// synchronously so integrity, prepend and IPC failures surface to the caller;
// only then is the handle registered and supervision handed to a background
// task.
func (m *Manager) Start(ctx context.Context, algo core.Algorithm, startTime int64) error {
	if m.registry.Active(algo.ID) {
		return apperrors.Algorithm("Algorithm is already running")
	}
	if !core.ValidKlineInterval(algo.Interval) {
		return apperrors.Algorithm("invalid interval: %s", algo.Interval)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	logger := m.logger.WithField("algorithm_id", algo.ID)

	inc, err := m.launch(runCtx, algo, startTime, logger)
	if err != nil {
		cancel()
		return err
	}

	h := &Handle{AlgorithmID: algo.ID, Cancel: cancel, Done: make(chan struct{})}
	if err := m.registry.Insert(h); err != nil {
		inc.close()
		cancel()
		return err
	}

	go m.supervise(runCtx, algo, startTime, h, inc, logger)
	logger.Info("Algorithm started", "interval", algo.Interval, "prepend_ms", algo.PrependMs)
	return nil
}

// Stop kills the pipeline and removes the registry entry.
func (m *Manager) Stop(id string) error {
	h, ok := m.registry.Remove(id)
	if !ok {
		return apperrors.Algorithm("Algorithm is not running")
	}
	h.Cancel()
	<-h.Done
	m.logger.Info("Algorithm stopped", "algorithm_id", id)
	return nil
}

// Reset snapshots the current balance into the start funds and clears the
// ledger. Refused while the algorithm runs.
func (m *Manager) Reset(ctx context.Context, id string) error {
	if m.registry.Active(id) {
		return apperrors.Algorithm("Algorithm is still running")
	}

	funds, err := m.store.CurrentFunds(ctx, id)
	if err != nil {
		return err
	}
	price, err := m.exchange.Price(ctx)
	if err != nil {
		return err
	}
	return m.store.Reset(ctx, id, funds.Balance(price))
}

// Delete removes the algorithm, its history and its on-disk artifacts.
// Refused while the algorithm runs.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if m.registry.Active(id) {
		return apperrors.Algorithm("Algorithm is still running")
	}
	if _, err := m.store.GetAlgorithm(ctx, id); err != nil {
		return err
	}
	if err := m.store.DeleteAlgorithm(ctx, id); err != nil {
		return err
	}
	os.Remove(script.SourcePath(m.cfg.Script.AlgoDir, id))
	os.Remove(shmem.PathFor(m.cfg.Script.ShmemDir, id))
	os.Remove(script.SocketPath(m.cfg.Script.SocketDir, id))
	return nil
}

// FirstOrder executes the optional initial BUY at creation time: spend the
// given quote amount on the base asset over the REST transport, under the
// same fund checks and ledger rules as the running pipeline.
func (m *Manager) FirstOrder(ctx context.Context, id string, quoteAmount decimal.Decimal) error {
	price, err := m.exchange.Price(ctx)
	if err != nil {
		return err
	}
	quantity := quoteAmount.Div(price).Round(5)

	funds, err := m.store.CurrentFunds(ctx, id)
	if err != nil {
		return err
	}
	if funds.Quote.Sub(quoteAmount).IsNegative() {
		return apperrors.Algorithm("Insufficient algorithm funds.")
	}

	accountQuote, _, err := m.exchange.Balance(ctx)
	if err != nil {
		return err
	}
	if accountQuote.LessThan(quoteAmount) {
		return apperrors.Algorithm("Insufficient account funds")
	}

	orderID := newOrderID()
	_, err = m.exchange.Order(ctx, map[string]string{
		"symbol":           m.cfg.Trading.Symbol,
		"side":             "BUY",
		"type":             "MARKET",
		"quantity":         quantity.StringFixed(5),
		"newClientOrderId": orderID,
	})
	if err != nil {
		return err
	}

	return m.store.AppendEntry(ctx, core.LedgerEntry{
		AlgorithmID: id,
		OrderID:     orderID,
		Action:      core.ActionBuy,
		DeltaBase:   quantity,
		DeltaQuote:  quoteAmount.Neg(),
		Price:       price,
	})
}

// incarnation is one launched pipeline generation: all resources die together
// when it ends, including the order channel.
type incarnation struct {
	cancel context.CancelFunc
	cmd    *exec.Cmd
	conn   net.Conn
	stream *binance.KlineStream
	orders *binance.OrderChannel
	group  *errgroup.Group
}

func (i *incarnation) wait() error { return i.group.Wait() }

func (i *incarnation) close() {
	i.cancel()
	if i.stream != nil {
		i.stream.Stop()
	}
	if i.orders != nil {
		i.orders.Close()
	}
	if i.conn != nil {
		i.conn.Close()
	}
	if i.cmd != nil && i.cmd.Process != nil {
		i.cmd.Process.Kill()
		i.cmd.Wait()
	}
}

// launch runs the start sequence: prepend fetch, shmem handoff, binary
// integrity check, spawn, IPC connect, order channel, price cache, feed and
// drain tasks.
func (m *Manager) launch(ctx context.Context, algo core.Algorithm, startTime int64, logger core.ILogger) (*incarnation, error) {
	var prepend []core.CandleStick
	if algo.PrependMs > 0 {
		var err error
		prepend, err = m.exchange.Klines(ctx, map[string]string{
			"interval":  algo.Interval,
			"startTime": strconv.FormatInt(startTime, 10),
			"endTime":   strconv.FormatInt(time.Now().UnixMilli(), 10),
		})
		if err != nil {
			return nil, err
		}
	}

	if err := shmem.Write(shmem.PathFor(m.cfg.Script.ShmemDir, algo.ID), prepend); err != nil {
		return nil, err
	}

	if err := m.verifyHostBinary(); err != nil {
		return nil, err
	}

	incCtx, cancel := context.WithCancel(ctx)
	inc := &incarnation{cancel: cancel}
	ok := false
	defer func() {
		if !ok {
			inc.close()
		}
	}()

	inc.cmd = exec.CommandContext(incCtx, m.cfg.Script.ExecutorPath, algo.ID, strconv.Itoa(algo.RunEverySec))
	inc.cmd.Stdout = os.Stdout
	inc.cmd.Stderr = os.Stderr
	inc.cmd.Env = append(os.Environ(),
		"ALGONLINE_ALGO_DIR="+m.cfg.Script.AlgoDir,
		"ALGONLINE_SHMEM_DIR="+m.cfg.Script.ShmemDir,
		"ALGONLINE_SOCKET_DIR="+m.cfg.Script.SocketDir,
		"ALGONLINE_PYTHON_BIN="+m.cfg.Script.PythonBin,
	)
	if err := inc.cmd.Start(); err != nil {
		return nil, apperrors.Algorithm("spawn script host: %v", err)
	}

	socketPath := script.SocketPath(m.cfg.Script.SocketDir, algo.ID)
	err := retry.Do(incCtx, retry.SocketConnectPolicy, retry.Always, func() error {
		var dialErr error
		inc.conn, dialErr = net.Dial("unix", socketPath)
		return dialErr
	})
	if err != nil {
		return nil, apperrors.Stream("connect %s: %v", socketPath, err)
	}

	inc.orders, err = m.exchange.OpenOrderChannel(logger)
	if err != nil {
		return nil, err
	}

	price, err := m.exchange.Price(incCtx)
	if err != nil {
		return nil, err
	}
	prices := NewPriceCache(price)
	prices.StartRefresher(incCtx, time.Duration(m.cfg.Trading.PriceCacheTTLSec)*time.Second, m.exchange.Price, logger)

	tr := &trader{
		algorithmID: algo.ID,
		symbol:      m.cfg.Trading.Symbol,
		store:       m.store,
		account:     m.exchange,
		orders:      inc.orders,
		prices:      prices,
		logger:      logger,
	}

	inc.stream = m.exchange.StreamKlines(algo.Interval)

	group, gctx := errgroup.WithContext(incCtx)
	inc.group = group
	group.Go(func() error { return m.feed(gctx, inc.stream, inc.conn, logger) })
	group.Go(func() error { return m.drain(gctx, inc.conn, tr, logger) })

	ok = true
	return inc, nil
}

// supervise is the join-and-restart wrapper: when an incarnation ends
// abnormally, tear it down, wait out the cooldown and relaunch from the
// beginning of the start sequence. Attempts are bounded; a long healthy run
// resets the counter.
func (m *Manager) supervise(ctx context.Context, algo core.Algorithm, startTime int64, h *Handle, inc *incarnation, logger core.ILogger) {
	defer close(h.Done)
	defer m.registry.RemoveExact(h)

	cooldown := time.Duration(m.cfg.Trading.RestartCooldownSec) * time.Second
	attempts := 0

	for {
		started := time.Now()
		runErr := inc.wait()
		inc.close()

		if ctx.Err() != nil {
			return
		}
		if time.Since(started) >= healthyRun {
			attempts = 0
		}
		attempts++
		logger.Error("Pipeline ended, scheduling restart", "error", runErr, "attempt", attempts)
		if mh := telemetry.GetGlobalMetrics(); mh.ScriptRestartsTotal != nil {
			mh.ScriptRestartsTotal.Add(ctx, 1)
		}

		if attempts >= m.cfg.Trading.MaxRestartAttempts {
			logger.Error("Restart budget exhausted, giving up", "attempts", attempts)
			if m.alerts != nil {
				m.alerts.Alert(context.Background(), "Algorithm pipeline down",
					"Restart budget exhausted, the algorithm is no longer running.",
					alert.Critical, map[string]string{
						"algorithm_id": algo.ID,
						"attempts":     strconv.Itoa(attempts),
						"last_error":   fmt.Sprint(runErr),
					})
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(cooldown):
		}

		var err error
		inc, err = m.launch(ctx, algo, startTime, logger)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Relaunch failed", "error", err)
			// Burn an attempt and go around again with a placeholder that
			// ends immediately.
			inc = failedIncarnation(err)
		}
	}
}

// failedIncarnation stands in for a launch that never came up, so the restart
// loop's accounting stays uniform.
func failedIncarnation(err error) *incarnation {
	group := &errgroup.Group{}
	group.Go(func() error { return err })
	return &incarnation{cancel: func() {}, group: group}
}

// feed forwards exchange ticks into the IPC socket as compact JSON frames.
// A write failure ends the task and with it the incarnation.
func (m *Manager) feed(ctx context.Context, stream *binance.KlineStream, conn net.Conn, logger core.ILogger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case candle, open := <-stream.Ticks():
			if !open {
				return nil
			}
			frame, err := json.Marshal(candle)
			if err != nil {
				logger.Warn("Tick not serializable", "error", err)
				continue
			}
			if _, err := conn.Write(frame); err != nil {
				return apperrors.Stream("feed write: %v", err)
			}
			if mh := telemetry.GetGlobalMetrics(); mh.TicksProcessedTotal != nil {
				mh.TicksProcessedTotal.Add(ctx, 1)
			}
		}
	}
}

// drain reads decision frames from the IPC socket and hands them to the
// trader. Unparsable frames are skipped; decision-level refusals are logged
// and the pipeline keeps running. A closed socket ends the incarnation.
func (m *Manager) drain(ctx context.Context, conn net.Conn, tr *trader, logger core.ILogger) error {
	buf := make([]byte, frameSize)
	for {
		n, err := conn.Read(buf)
		if err != nil || n == 0 {
			if ctx.Err() != nil {
				return nil
			}
			return apperrors.Stream("script host ended the decision stream")
		}

		decision, err := parseDecision(buf[:n])
		if err != nil {
			logger.Warn("Unparsable decision frame", "error", err)
			continue
		}

		started := time.Now()
		if err := tr.Process(ctx, decision); err != nil {
			logger.Warn("Decision refused", "decision", decision, "error", err)
		}
		if mh := telemetry.GetGlobalMetrics(); mh.LatencyScriptDecision != nil {
			mh.LatencyScriptDecision.Record(ctx, float64(time.Since(started).Milliseconds()))
		}
	}
}

// verifyHostBinary compares the script host binary's SHA-256 against the
// configured pin.
func (m *Manager) verifyHostBinary() error {
	data, err := os.ReadFile(m.cfg.Script.ExecutorPath)
	if err != nil {
		return apperrors.Algorithm("script host binary unreadable: %v", err)
	}
	sum := sha256.Sum256(data)
	if !strings.EqualFold(hex.EncodeToString(sum[:]), m.cfg.Script.ExecutorHash) {
		return apperrors.Algorithm("hash mismatch")
	}
	return nil
}

