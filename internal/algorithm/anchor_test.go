package algorithm

import (
	"context"
	"testing"
	"time"

	"algonline/internal/core"
	"algonline/internal/ledger"
	"algonline/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnchorTaskAppendsZeroDeltaRows(t *testing.T) {
	store := ledger.NewMemoryStore()
	defer store.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, store.InsertAlgorithm(ctx, core.Algorithm{
		ID: "a1", StartFunds: dec("1000"), Interval: "1m",
	}))

	ch, unsub, err := store.Subscribe(ctx, "a1")
	require.NoError(t, err)
	defer unsub()

	task := &AnchorTask{
		Store:    store,
		Price:    func(ctx context.Context) (decimal.Decimal, error) { return dec("48000"), nil },
		Interval: 20 * time.Millisecond,
		Logger:   logging.NewLogger(logging.ErrorLevel),
	}
	go task.Run(ctx)

	select {
	case n := <-ch:
		assert.Nil(t, n.Action, "anchor rows carry no action")
		assert.True(t, n.DeltaBase.IsZero())
		assert.True(t, n.DeltaQuote.IsZero())
		assert.True(t, n.Price.Equal(dec("48000")))
	case <-time.After(2 * time.Second):
		t.Fatal("no anchor notification")
	}

	// Anchors never move the virtual book.
	view, err := store.CurrentFunds(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, view.Quote.Equal(dec("1000")))
	assert.True(t, view.Base.IsZero())
}

func TestPriceCache(t *testing.T) {
	p := NewPriceCache(dec("100"))
	assert.True(t, p.Price().Equal(dec("100")))

	p.Set(dec("105"))
	assert.True(t, p.Price().Equal(dec("105")))
	assert.WithinDuration(t, time.Now(), p.Updated(), time.Second)
}

func TestPriceCacheRefresher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPriceCache(dec("100"))
	p.StartRefresher(ctx, 20*time.Millisecond,
		func(ctx context.Context) (decimal.Decimal, error) { return dec("200"), nil },
		logging.NewLogger(logging.ErrorLevel))

	require.Eventually(t, func() bool {
		return p.Price().Equal(dec("200"))
	}, 2*time.Second, 10*time.Millisecond)
}
