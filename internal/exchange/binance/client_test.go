package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"algonline/internal/config"
	"algonline/internal/core"
	apperrors "algonline/pkg/errors"
	"algonline/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, restURL string) *Client {
	t.Helper()
	cfg := &config.ExchangeConfig{
		RestURL:     restURL,
		WsAPIURL:    "wss://example.invalid/ws-api",
		WsStreamURL: "wss://example.invalid/ws",
		APIKey:      "test_key",
		SecretKey:   "test_secret",
	}
	return NewClient(cfg, "BTCUSDT", logging.NewLogger(logging.ErrorLevel))
}

func TestSignPayloadSortsKeys(t *testing.T) {
	secret := "test_secret"

	a := map[string]string{
		"symbol":    "BTCUSDT",
		"side":      "BUY",
		"type":      "MARKET",
		"quantity":  "1.0",
		"timestamp": "1700000000000",
	}
	// Same pairs inserted in a different order.
	b := map[string]string{
		"timestamp": "1700000000000",
		"quantity":  "1.0",
		"type":      "MARKET",
		"side":      "BUY",
		"symbol":    "BTCUSDT",
	}

	assert.Equal(t, signPayload(a, secret), signPayload(b, secret))

	// The signature matches a by-hand HMAC over the sorted payload.
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("quantity=1.0&side=BUY&symbol=BTCUSDT&timestamp=1700000000000&type=MARKET"))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), signPayload(a, secret))
}

func TestSignRequestAppendsSignatureAndHeader(t *testing.T) {
	c := testClient(t, "https://example.invalid")
	signer := &requestSigner{client: c}

	req, err := http.NewRequest(http.MethodGet, "https://example.invalid/account?recvWindow=5000", nil)
	require.NoError(t, err)
	require.NoError(t, signer.SignRequest(req))

	assert.Equal(t, "test_key", req.Header.Get("X-MBX-APIKEY"))

	vals, err := url.ParseQuery(req.URL.RawQuery)
	require.NoError(t, err)
	assert.NotEmpty(t, vals.Get("timestamp"))
	assert.Len(t, vals.Get("signature"), 64)

	// The signature covers everything before itself.
	signedPart := req.URL.RawQuery[:len(req.URL.RawQuery)-len("&signature=")-64]
	mac := hmac.New(sha256.New, []byte("test_secret"))
	mac.Write([]byte(signedPart))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), vals.Get("signature"))
}

func TestSignRequestMissingCredentials(t *testing.T) {
	c := testClient(t, "https://example.invalid")
	c.apiKey = ""
	signer := &requestSigner{client: c}

	req, _ := http.NewRequest(http.MethodGet, "https://example.invalid/account", nil)
	err := signer.SignRequest(req)
	assert.ErrorIs(t, err, apperrors.ErrAuth)
}

func TestParseExchangeErrorMapping(t *testing.T) {
	tests := []struct {
		code     int
		expected error
	}{
		{-2015, apperrors.ErrAuth},
		{-1013, apperrors.ErrInvalidOrderParam},
		{-1111, apperrors.ErrInvalidOrderParam},
		{-2010, apperrors.ErrInsufficientFunds},
		{-2011, apperrors.ErrOrderRejected},
		{-1003, apperrors.ErrRateLimitExceeded},
		{-1021, apperrors.ErrTimestampOutOfBounds},
	}

	for _, tt := range tests {
		body, _ := json.Marshal(map[string]interface{}{"code": tt.code, "msg": "x"})
		assert.ErrorIs(t, parseExchangeError(body), tt.expected, "code %d", tt.code)
	}

	err := parseExchangeError([]byte(`{"code":-9999,"msg":"strange"}`))
	assert.ErrorIs(t, err, apperrors.ErrExchange)
}

func TestPingAgainstTestServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ping" {
			w.Write([]byte("{}"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	assert.True(t, c.Ping(context.Background()))
}

func TestPriceParsesLatestClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1s", r.URL.Query().Get("interval"))
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		w.Write([]byte(`[[1700000000000,"50000.0","50100.0","49900.0","50050.5","12.5",1700000000999]]`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	price, err := c.Price(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "50050.5", price.String())
}

func TestKlinesBuildsCandles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			[1700000000000,"100.0","110.0","90.0","105.0","1.5",1700000059999],
			[1700000060000,"105.0","115.0","95.0","110.0","2.5",1700000119999]
		]`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	candles, err := c.Klines(context.Background(), map[string]string{"interval": "1m"})
	require.NoError(t, err)
	require.Len(t, candles, 2)

	assert.Equal(t, core.CandleStick{
		Timestamp: 1700000059999,
		Open:      100.0,
		High:      110.0,
		Low:       90.0,
		Close:     105.0,
		Volume:    1.5,
	}, candles[0])
	assert.Equal(t, uint64(1700000119999), candles[1].Timestamp)
}

func TestBalanceReturnsQuoteAndBase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/account", r.URL.Path)
		assert.Equal(t, "test_key", r.Header.Get("X-MBX-APIKEY"))
		assert.NotEmpty(t, r.URL.Query().Get("signature"))
		w.Write([]byte(`{"balances":[
			{"asset":"ETH","free":"3.0"},
			{"asset":"USDT","free":"1000.50"},
			{"asset":"BTC","free":"0.25"}
		]}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	quote, base, err := c.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1000.5", quote.String())
	assert.Equal(t, "0.25", base.String())
}

func TestBalanceMissingAsset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"balances":[{"asset":"USDT","free":"1000.50"}]}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, _, err := c.Balance(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrExchange)
}

func TestOrderSurfacesExchangeRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2010,"msg":"Account has insufficient balance"}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.Order(context.Background(), map[string]string{
		"symbol": "BTCUSDT", "side": "BUY", "type": "MARKET", "quantity": "1",
	})
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
}

type staticKeySource struct {
	apiKey, apiSecret string
	err               error
}

func (s staticKeySource) UserKeysBySession(ctx context.Context, token string) (string, string, error) {
	return s.apiKey, s.apiSecret, s.err
}

func TestAuthenticateSwapsCredentials(t *testing.T) {
	c := testClient(t, "https://example.invalid")

	err := c.Authenticate(context.Background(), "tok", staticKeySource{apiKey: "user_key", apiSecret: "user_secret"})
	require.NoError(t, err)

	key, secret := c.credentials()
	assert.Equal(t, "user_key", key)
	assert.Equal(t, "user_secret", secret)
}

func TestAuthenticateRejectsEmptyKeys(t *testing.T) {
	c := testClient(t, "https://example.invalid")
	err := c.Authenticate(context.Background(), "tok", staticKeySource{})
	assert.ErrorIs(t, err, apperrors.ErrAuth)
}

func TestSplitSymbol(t *testing.T) {
	base, quote := splitSymbol("BTCUSDT")
	assert.Equal(t, "BTC", base)
	assert.Equal(t, "USDT", quote)

	base, quote = splitSymbol("ETHBTC")
	assert.Equal(t, "ETH", base)
	assert.Equal(t, "BTC", quote)
}
