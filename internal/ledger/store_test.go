package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"algonline/internal/core"
	apperrors "algonline/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// storeUnderTest runs the shared conformance suite against each backend.
func storeUnderTest(t *testing.T, run func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStore()
		defer s.Close()
		run(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
		require.NoError(t, err)
		defer s.Close()
		run(t, s)
	})
}

func testAlgorithm(id string) core.Algorithm {
	return core.Algorithm{
		ID:          id,
		Description: "test strategy",
		StartFunds:  dec("1000"),
		Interval:    "1m",
		RunEverySec: 0,
		PrependMs:   0,
		UserID:      1,
	}
}

func TestAlgorithmLifecycle(t *testing.T) {
	storeUnderTest(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.InsertAlgorithm(ctx, testAlgorithm("a1")))

		got, err := s.GetAlgorithm(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "a1", got.ID)
		assert.Equal(t, "1m", got.Interval)
		assert.True(t, got.StartFunds.Equal(dec("1000")))

		ids, err := s.ListAlgorithmIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a1"}, ids)

		require.NoError(t, s.DeleteAlgorithm(ctx, "a1"))
		_, err = s.GetAlgorithm(ctx, "a1")
		assert.ErrorIs(t, err, apperrors.ErrDatabase)
	})
}

func TestInsertAlgorithmRejectsUnknownInterval(t *testing.T) {
	storeUnderTest(t, func(t *testing.T, s Store) {
		algo := testAlgorithm("a1")
		algo.Interval = "7m"
		err := s.InsertAlgorithm(context.Background(), algo)
		assert.ErrorIs(t, err, apperrors.ErrAlgorithm)
	})
}

func TestCurrentFundsAggregatesDeltas(t *testing.T) {
	storeUnderTest(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.InsertAlgorithm(ctx, testAlgorithm("a1")))

		// Funds start from the budget; a BUY moves quote into base and a
		// SELL moves it back at the new price.
		require.NoError(t, s.AppendEntry(ctx, core.LedgerEntry{
			AlgorithmID: "a1", OrderID: "o1", Action: core.ActionBuy,
			DeltaBase: dec("0.01"), DeltaQuote: dec("-500"), Price: dec("50000"),
		}))
		require.NoError(t, s.AppendEntry(ctx, core.LedgerEntry{
			AlgorithmID: "a1", OrderID: "o2", Action: core.ActionSell,
			DeltaBase: dec("-0.005"), DeltaQuote: dec("260"), Price: dec("52000"),
		}))

		view, err := s.CurrentFunds(ctx, "a1")
		require.NoError(t, err)
		assert.True(t, view.Quote.Equal(dec("760")), "quote = %s", view.Quote)
		assert.True(t, view.Base.Equal(dec("0.005")), "base = %s", view.Base)
		assert.True(t, view.Balance(dec("52000")).Equal(dec("1020")))
	})
}

func TestAnchorsDoNotMoveFunds(t *testing.T) {
	storeUnderTest(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.InsertAlgorithm(ctx, testAlgorithm("a1")))
		require.NoError(t, s.InsertAlgorithm(ctx, testAlgorithm("a2")))

		require.NoError(t, s.InsertAnchors(ctx, dec("48000"), time.Now()))

		for _, id := range []string{"a1", "a2"} {
			view, err := s.CurrentFunds(ctx, id)
			require.NoError(t, err)
			assert.True(t, view.Quote.Equal(dec("1000")))
			assert.True(t, view.Base.IsZero())

			chart, err := s.Chart(ctx, id, core.ChartAll)
			require.NoError(t, err)
			require.Len(t, chart, 1, "anchor still yields a chart point")
			assert.True(t, chart[0].Total.Equal(dec("1000")))
		}
	})
}

func TestHistoryPageSkipsAnchors(t *testing.T) {
	storeUnderTest(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.InsertAlgorithm(ctx, testAlgorithm("a1")))

		base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
		for i := 0; i < 3; i++ {
			require.NoError(t, s.AppendEntry(ctx, core.LedgerEntry{
				AlgorithmID: "a1", OrderID: "trade", Action: core.ActionBuy,
				DeltaBase: dec("0.001"), DeltaQuote: dec("-50"), Price: dec("50000"),
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
			}))
		}
		require.NoError(t, s.InsertAnchors(ctx, dec("50000"), base.Add(90*time.Second)))

		page, err := s.HistoryPage(ctx, "a1", base.Add(time.Hour), 2)
		require.NoError(t, err)
		require.Len(t, page, 2, "limit applies")
		assert.Equal(t, core.ActionBuy, page[0].Action)
		assert.True(t, page[0].CreatedAt.After(page[1].CreatedAt), "newest first")

		// Cursor excludes rows at or after it.
		page, err = s.HistoryPage(ctx, "a1", base.Add(time.Minute), 25)
		require.NoError(t, err)
		assert.Len(t, page, 1)
	})
}

func TestChartCumulativeAndFiltering(t *testing.T) {
	storeUnderTest(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.InsertAlgorithm(ctx, testAlgorithm("a1")))

		base := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
		entries := []core.LedgerEntry{
			{AlgorithmID: "a1", OrderID: "o1", Action: core.ActionBuy,
				DeltaBase: dec("0.01"), DeltaQuote: dec("-500"), Price: dec("50000"),
				CreatedAt: base},
			{AlgorithmID: "a1", Price: dec("51000"), DeltaBase: decimal.Zero,
				DeltaQuote: decimal.Zero, CreatedAt: base.Add(10 * time.Minute)},
			{AlgorithmID: "a1", Price: dec("52000"), DeltaBase: decimal.Zero,
				DeltaQuote: decimal.Zero, CreatedAt: base.Add(70 * time.Minute)},
		}
		for _, e := range entries {
			require.NoError(t, s.AppendEntry(ctx, e))
		}

		all, err := s.Chart(ctx, "a1", core.ChartAll)
		require.NoError(t, err)
		require.Len(t, all, 3)
		// 500 quote left plus 0.01 base valued at each row's own price.
		assert.True(t, all[0].Total.Equal(dec("1000")), "total = %s", all[0].Total)
		assert.True(t, all[1].Total.Equal(dec("1010")), "total = %s", all[1].Total)
		assert.True(t, all[2].Total.Equal(dec("1020")), "total = %s", all[2].Total)

		hourly, err := s.Chart(ctx, "a1", core.ChartHourly)
		require.NoError(t, err)
		require.Len(t, hourly, 2, "one point per started hour window")
		assert.Equal(t, base, hourly[0].Timestamp.UTC())
		assert.Equal(t, base.Add(70*time.Minute), hourly[1].Timestamp.UTC())
	})
}

func TestResetClearsHistoryAndReplacesStartFunds(t *testing.T) {
	storeUnderTest(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.InsertAlgorithm(ctx, testAlgorithm("a1")))
		require.NoError(t, s.AppendEntry(ctx, core.LedgerEntry{
			AlgorithmID: "a1", OrderID: "o1", Action: core.ActionBuy,
			DeltaBase: dec("0.01"), DeltaQuote: dec("-500"), Price: dec("50000"),
		}))

		require.NoError(t, s.Reset(ctx, "a1", dec("1020")))

		view, err := s.CurrentFunds(ctx, "a1")
		require.NoError(t, err)
		assert.True(t, view.Quote.Equal(dec("1020")))
		assert.True(t, view.Base.IsZero())

		chart, err := s.Chart(ctx, "a1", core.ChartAll)
		require.NoError(t, err)
		assert.Empty(t, chart)

		err = s.Reset(ctx, "missing", dec("1"))
		assert.ErrorIs(t, err, apperrors.ErrDatabase)
	})
}

func TestSubscribeDeliversAppends(t *testing.T) {
	storeUnderTest(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.InsertAlgorithm(ctx, testAlgorithm("a1")))
		require.NoError(t, s.InsertAlgorithm(ctx, testAlgorithm("a2")))

		ch, cancel, err := s.Subscribe(ctx, "a1")
		require.NoError(t, err)
		defer cancel()

		require.NoError(t, s.AppendEntry(ctx, core.LedgerEntry{
			AlgorithmID: "a2", OrderID: "other", Action: core.ActionBuy,
			DeltaBase: dec("0.1"), DeltaQuote: dec("-10"), Price: dec("100"),
		}))
		require.NoError(t, s.AppendEntry(ctx, core.LedgerEntry{
			AlgorithmID: "a1", OrderID: "mine", Action: core.ActionBuy,
			DeltaBase: dec("0.2"), DeltaQuote: dec("-20"), Price: dec("100"),
		}))

		select {
		case n := <-ch:
			assert.Equal(t, "a1", n.AlgorithmID, "only own algorithm's rows arrive")
			assert.Equal(t, "mine", n.OrderID)
			require.NotNil(t, n.Action)
			assert.Equal(t, core.ActionBuy, *n.Action)
		case <-time.After(2 * time.Second):
			t.Fatal("no notification received")
		}
	})
}

func TestSubscribeAnchorNotificationHasNoAction(t *testing.T) {
	storeUnderTest(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.InsertAlgorithm(ctx, testAlgorithm("a1")))

		ch, cancel, err := s.Subscribe(ctx, "a1")
		require.NoError(t, err)
		defer cancel()

		require.NoError(t, s.InsertAnchors(ctx, dec("48000"), time.Now()))

		select {
		case n := <-ch:
			assert.Nil(t, n.Action)
			assert.True(t, n.DeltaBase.IsZero())
			assert.True(t, n.DeltaQuote.IsZero())
			assert.True(t, n.Price.Equal(dec("48000")))
		case <-time.After(2 * time.Second):
			t.Fatal("no notification received")
		}
	})
}

func TestUserKeysBySession(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStore()
		defer s.Close()
		s.AddUser("tok", "key", "secret")

		apiKey, apiSecret, err := s.UserKeysBySession(ctx, "tok")
		require.NoError(t, err)
		assert.Equal(t, "key", apiKey)
		assert.Equal(t, "secret", apiSecret)

		_, _, err = s.UserKeysBySession(ctx, "nope")
		assert.ErrorIs(t, err, apperrors.ErrAuth)
	})

	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
		require.NoError(t, err)
		defer s.Close()

		_, err = s.db.Exec(
			`INSERT INTO users (session_token, api_key, secret_key) VALUES (?, ?, ?)`,
			"tok", "key", "secret")
		require.NoError(t, err)

		apiKey, apiSecret, err := s.UserKeysBySession(ctx, "tok")
		require.NoError(t, err)
		assert.Equal(t, "key", apiKey)
		assert.Equal(t, "secret", apiSecret)

		_, _, err = s.UserKeysBySession(ctx, "nope")
		assert.ErrorIs(t, err, apperrors.ErrAuth)
	})
}

func TestBuildChartEmptyHistory(t *testing.T) {
	points := buildChart(dec("1000"), nil, core.ChartAll)
	assert.Empty(t, points)
}
