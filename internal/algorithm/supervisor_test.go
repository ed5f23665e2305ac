package algorithm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"algonline/internal/alert"
	"algonline/internal/config"
	"algonline/internal/core"
	"algonline/internal/exchange/binance"
	"algonline/internal/ledger"
	"algonline/internal/script"
	apperrors "algonline/pkg/errors"
	"algonline/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExchange satisfies the supervisor's exchange surface for paths that
// never reach the network. Setting orderChannelOK and streams lets a full
// launch sequence complete.
type fakeExchange struct {
	price          decimal.Decimal
	quote          decimal.Decimal
	base           decimal.Decimal
	orderCalls     []map[string]string
	orderErr       error
	orderChannelOK bool
	streams        func(interval string) *binance.KlineStream
}

func (f *fakeExchange) Price(ctx context.Context) (decimal.Decimal, error) {
	return f.price, nil
}

func (f *fakeExchange) Klines(ctx context.Context, params map[string]string) ([]core.CandleStick, error) {
	return nil, nil
}

func (f *fakeExchange) Balance(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	return f.quote, f.base, nil
}

func (f *fakeExchange) Order(ctx context.Context, params map[string]string) ([]byte, error) {
	if f.orderErr != nil {
		return nil, f.orderErr
	}
	f.orderCalls = append(f.orderCalls, params)
	return []byte(`{}`), nil
}

func (f *fakeExchange) OpenOrderChannel(logger core.ILogger) (*binance.OrderChannel, error) {
	if f.orderChannelOK {
		return nil, nil
	}
	return nil, apperrors.Exchange("not available in tests")
}

func (f *fakeExchange) StreamKlines(interval string) *binance.KlineStream {
	if f.streams != nil {
		return f.streams(interval)
	}
	return nil
}

func newTestManager(t *testing.T, ex Exchange) (*Manager, *ledger.MemoryStore, *config.Config) {
	t.Helper()
	root := t.TempDir()

	executor := filepath.Join(root, "pyexec")
	require.NoError(t, os.WriteFile(executor, []byte("#!/bin/sh\nsleep 60\n"), 0o755))
	sum := sha256.Sum256([]byte("#!/bin/sh\nsleep 60\n"))

	cfg := config.DefaultConfig()
	cfg.Script.ExecutorPath = executor
	cfg.Script.ExecutorHash = hex.EncodeToString(sum[:])
	cfg.Script.AlgoDir = filepath.Join(root, "trading_algos")
	cfg.Script.ShmemDir = filepath.Join(root, "shmem")
	cfg.Script.SocketDir = filepath.Join(root, "sockets")
	for _, d := range []string{cfg.Script.AlgoDir, cfg.Script.ShmemDir, cfg.Script.SocketDir} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}

	store := ledger.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	return NewManager(cfg, ex, store, logging.NewLogger(logging.ErrorLevel)), store, cfg
}

func TestStartRefusesOnHashMismatch(t *testing.T) {
	m, store, cfg := newTestManager(t, &fakeExchange{price: dec("50000")})
	cfg.Script.ExecutorHash = "0000000000000000000000000000000000000000000000000000000000000000"

	algo := core.Algorithm{ID: "a1", StartFunds: dec("1000"), Interval: "1m"}
	require.NoError(t, store.InsertAlgorithm(context.Background(), algo))

	err := m.Start(context.Background(), algo, time.Now().UnixMilli())
	require.ErrorIs(t, err, apperrors.ErrAlgorithm)
	assert.Contains(t, err.Error(), "hash mismatch")

	assert.False(t, m.Active("a1"), "failed start never registers a handle")
	view, err := store.CurrentFunds(context.Background(), "a1")
	require.NoError(t, err)
	assert.True(t, view.Quote.Equal(dec("1000")), "ledger untouched")
}

func TestStartRefusesInvalidInterval(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeExchange{price: dec("50000")})

	algo := core.Algorithm{ID: "a1", StartFunds: dec("1000"), Interval: "7m"}
	err := m.Start(context.Background(), algo, time.Now().UnixMilli())
	assert.ErrorIs(t, err, apperrors.ErrAlgorithm)
}

func TestStopWhenNotRunning(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeExchange{})

	err := m.Stop("ghost")
	require.ErrorIs(t, err, apperrors.ErrAlgorithm)
	assert.Contains(t, err.Error(), "Algorithm is not running")
}

func TestResetRefusedWhileActive(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeExchange{price: dec("50000")})

	h := &Handle{AlgorithmID: "a1", Cancel: func() {}, Done: make(chan struct{})}
	require.NoError(t, m.Registry().Insert(h))
	defer m.Registry().Remove("a1")

	err := m.Reset(context.Background(), "a1")
	require.ErrorIs(t, err, apperrors.ErrAlgorithm)
	assert.Contains(t, err.Error(), "Algorithm is still running")
}

func TestResetSnapshotsBalanceIntoStartFunds(t *testing.T) {
	m, store, _ := newTestManager(t, &fakeExchange{price: dec("52000")})
	ctx := context.Background()

	algo := core.Algorithm{ID: "a1", StartFunds: dec("1000"), Interval: "1m"}
	require.NoError(t, store.InsertAlgorithm(ctx, algo))
	require.NoError(t, store.AppendEntry(ctx, core.LedgerEntry{
		AlgorithmID: "a1", OrderID: "o1", Action: core.ActionBuy,
		DeltaBase: dec("0.01"), DeltaQuote: dec("-500"), Price: dec("50000"),
	}))

	require.NoError(t, m.Reset(ctx, "a1"))

	// 500 quote + 0.01 base at 52000 = 1020, now the new start budget.
	got, err := store.GetAlgorithm(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, got.StartFunds.Equal(dec("1020")), "start funds = %s", got.StartFunds)

	view, err := store.CurrentFunds(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, view.Quote.Equal(dec("1020")))
	assert.True(t, view.Base.IsZero())

	// Idempotent: resetting again keeps the same snapshot.
	require.NoError(t, m.Reset(ctx, "a1"))
	got, err = store.GetAlgorithm(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, got.StartFunds.Equal(dec("1020")))
}

func TestDeleteRefusedWhileActiveAndIdempotent(t *testing.T) {
	m, store, _ := newTestManager(t, &fakeExchange{})
	ctx := context.Background()

	algo := core.Algorithm{ID: "a1", StartFunds: dec("1000"), Interval: "1m"}
	require.NoError(t, store.InsertAlgorithm(ctx, algo))

	h := &Handle{AlgorithmID: "a1", Cancel: func() {}, Done: make(chan struct{})}
	require.NoError(t, m.Registry().Insert(h))
	err := m.Delete(ctx, "a1")
	require.ErrorIs(t, err, apperrors.ErrAlgorithm)
	m.Registry().Remove("a1")

	require.NoError(t, m.Delete(ctx, "a1"))
	err = m.Delete(ctx, "a1")
	assert.ErrorIs(t, err, apperrors.ErrDatabase, "second delete reports not found")
}

func TestFirstOrder(t *testing.T) {
	ex := &fakeExchange{price: dec("50000"), quote: dec("10000"), base: dec("0")}
	m, store, _ := newTestManager(t, ex)
	ctx := context.Background()

	algo := core.Algorithm{ID: "a1", StartFunds: dec("1000"), Interval: "1m"}
	require.NoError(t, store.InsertAlgorithm(ctx, algo))

	require.NoError(t, m.FirstOrder(ctx, "a1", dec("500")))

	require.Len(t, ex.orderCalls, 1)
	params := ex.orderCalls[0]
	assert.Equal(t, "BUY", params["side"])
	assert.Equal(t, "MARKET", params["type"])
	assert.Equal(t, "0.01000", params["quantity"], "quantity carries five decimals")

	view, err := store.CurrentFunds(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, view.Quote.Equal(dec("500")))
	assert.True(t, view.Base.Equal(dec("0.01")))
}

func TestFirstOrderRefusedBeyondStartFunds(t *testing.T) {
	ex := &fakeExchange{price: dec("50000"), quote: dec("10000")}
	m, store, _ := newTestManager(t, ex)
	ctx := context.Background()

	algo := core.Algorithm{ID: "a1", StartFunds: dec("100"), Interval: "1m"}
	require.NoError(t, store.InsertAlgorithm(ctx, algo))

	err := m.FirstOrder(ctx, "a1", dec("500"))
	require.ErrorIs(t, err, apperrors.ErrAlgorithm)
	assert.Empty(t, ex.orderCalls)
}

func TestRegistryActiveMatchesPresence(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Active("a1"))

	h := &Handle{AlgorithmID: "a1", Cancel: func() {}, Done: make(chan struct{})}
	require.NoError(t, r.Insert(h))
	assert.True(t, r.Active("a1"))
	assert.Equal(t, []string{"a1"}, r.ActiveIDs())

	err := r.Insert(&Handle{AlgorithmID: "a1"})
	assert.ErrorIs(t, err, apperrors.ErrAlgorithm, "double start refused")

	got, ok := r.Remove("a1")
	require.True(t, ok)
	assert.Same(t, h, got)
	assert.False(t, r.Active("a1"))

	_, ok = r.Remove("a1")
	assert.False(t, ok)
}

// recordingChannel captures alert payloads for assertions.
type recordingChannel struct {
	mu       sync.Mutex
	payloads []alert.AlertPayload
}

func (r *recordingChannel) Name() string { return "recording" }

func (r *recordingChannel) Send(ctx context.Context, p alert.AlertPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
	return nil
}

func (r *recordingChannel) received() []alert.AlertPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]alert.AlertPayload, len(r.payloads))
	copy(out, r.payloads)
	return out
}

// deadStreams returns kline streams backed by an unroutable endpoint: the
// tick channel stays quiet and Stop works, which is all a dying pipeline
// needs.
func deadStreams(t *testing.T) func(interval string) *binance.KlineStream {
	t.Helper()
	cfg := config.DefaultConfig().Exchange
	cfg.WsStreamURL = "ws://127.0.0.1:1"
	client := binance.NewClient(&cfg, "BTCUSDT", logging.NewLogger(logging.ErrorLevel))
	return client.StreamKlines
}

func TestSupervisorRestartBudgetExhaustion(t *testing.T) {
	ex := &fakeExchange{price: dec("50000"), orderChannelOK: true}
	ex.streams = deadStreams(t)
	m, store, cfg := newTestManager(t, ex)
	cfg.Trading.RestartCooldownSec = 0
	cfg.Trading.MaxRestartAttempts = 2

	notifier := &recordingChannel{}
	alerts := alert.NewAlertManager(logging.NewLogger(logging.ErrorLevel))
	alerts.AddChannel(notifier)
	m.SetAlerts(alerts)

	ctx := context.Background()
	algo := core.Algorithm{ID: "a1", StartFunds: dec("1000"), Interval: "1m"}
	require.NoError(t, store.InsertAlgorithm(ctx, algo))

	// The test plays the script host's end of the socket: accept and hang up
	// at once, so every incarnation's decision stream dies immediately.
	listener, err := net.Listen("unix", script.SocketPath(cfg.Script.SocketDir, "a1"))
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	require.NoError(t, m.Start(ctx, algo, time.Now().UnixMilli()))
	assert.True(t, m.Active("a1"), "first launch registers the handle")

	// One relaunch, then the two-attempt budget runs out and the handle goes
	// away on its own.
	require.Eventually(t, func() bool { return !m.Active("a1") },
		15*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool { return len(notifier.received()) > 0 },
		2*time.Second, 20*time.Millisecond, "exhaustion raises an alert")
	p := notifier.received()[0]
	assert.Equal(t, alert.Critical, p.Level)
	assert.Equal(t, "a1", p.Fields["algorithm_id"])
	assert.Equal(t, "2", p.Fields["attempts"])
}

func TestRegistryRemoveExactSparesSuccessor(t *testing.T) {
	r := NewRegistry()
	old := &Handle{AlgorithmID: "a1", Cancel: func() {}, Done: make(chan struct{})}
	require.NoError(t, r.Insert(old))

	got, ok := r.Remove("a1")
	require.True(t, ok)
	assert.Same(t, old, got)

	successor := &Handle{AlgorithmID: "a1", Cancel: func() {}, Done: make(chan struct{})}
	require.NoError(t, r.Insert(successor))

	// The old pipeline's finalizer runs after the successor started; it must
	// not evict the successor's handle.
	r.RemoveExact(old)
	assert.True(t, r.Active("a1"))

	r.RemoveExact(successor)
	assert.False(t, r.Active("a1"))
}

func TestVerifyHostBinary(t *testing.T) {
	m, _, cfg := newTestManager(t, &fakeExchange{})
	assert.NoError(t, m.verifyHostBinary())

	cfg.Script.ExecutorHash = "deadbeef"
	assert.ErrorIs(t, m.verifyHostBinary(), apperrors.ErrAlgorithm)
}
