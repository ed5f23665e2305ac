// Package binance implements the authenticated exchange facade: a signed REST
// surface, a persistent order channel and the market-data kline stream.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"algonline/internal/config"
	"algonline/internal/core"
	apperrors "algonline/pkg/errors"
	"algonline/pkg/httpclient"

	"github.com/shopspring/decimal"
)

// KeySource resolves per-user exchange credentials by session token.
// The ledger store implements this against the users table.
type KeySource interface {
	UserKeysBySession(ctx context.Context, sessionToken string) (apiKey, apiSecret string, err error)
}

// Client is the exchange facade. Credentials may be swapped at runtime through
// Authenticate; all signed calls read them under the lock.
type Client struct {
	logger core.ILogger

	restURL     string
	wsAPIURL    string
	wsStreamURL string
	symbol      string
	baseAsset   string
	quoteAsset  string

	mu        sync.RWMutex
	apiKey    string
	apiSecret string

	rest   *httpclient.Client // signed calls
	public *httpclient.Client // unauthenticated market data
}

// NewClient creates an exchange client from configuration.
func NewClient(cfg *config.ExchangeConfig, symbol string, logger core.ILogger) *Client {
	base, quote := splitSymbol(symbol)
	c := &Client{
		logger:      logger.WithField("component", "exchange"),
		restURL:     cfg.RestURL,
		wsAPIURL:    cfg.WsAPIURL,
		wsStreamURL: cfg.WsStreamURL,
		symbol:      symbol,
		baseAsset:   base,
		quoteAsset:  quote,
		apiKey:      string(cfg.APIKey),
		apiSecret:   string(cfg.SecretKey),
	}
	c.rest = httpclient.NewClient(cfg.RestURL, 10*time.Second, &requestSigner{client: c})
	c.public = httpclient.NewClient(cfg.RestURL, 10*time.Second, nil)
	return c
}

// Symbol returns the trading pair this client is bound to.
func (c *Client) Symbol() string { return c.symbol }

// Authenticate swaps the client's credentials for the ones belonging to the
// user identified by sessionToken.
func (c *Client) Authenticate(ctx context.Context, sessionToken string, keys KeySource) error {
	apiKey, apiSecret, err := keys.UserKeysBySession(ctx, sessionToken)
	if err != nil {
		return err
	}
	if apiKey == "" || apiSecret == "" {
		return apperrors.Auth("user has no API keys configured")
	}

	c.mu.Lock()
	c.apiKey = apiKey
	c.apiSecret = apiSecret
	c.mu.Unlock()
	return nil
}

func (c *Client) credentials() (string, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey, c.apiSecret
}

// Ping checks REST connectivity. Any failure reports false.
func (c *Client) Ping(ctx context.Context) bool {
	_, err := c.public.Get(ctx, "/ping", nil)
	return err == nil
}

// Price returns the latest close of the pair from a single 1s kline.
func (c *Client) Price(ctx context.Context) (decimal.Decimal, error) {
	body, err := c.public.Get(ctx, "/klines", map[string]string{
		"symbol":   c.symbol,
		"interval": "1s",
		"limit":    "1",
	})
	if err != nil {
		return decimal.Zero, c.wrapTransport(err)
	}

	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return decimal.Zero, apperrors.Parse("price klines: %v", err)
	}
	if len(raw) == 0 {
		return decimal.Zero, apperrors.Exchange("no klines retrieved for price")
	}

	candle, err := parseKlineRow(raw[0])
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(candle.Close), nil
}

// Klines fetches historical candles. The caller supplies interval, startTime
// and endTime; symbol defaults to the client's pair.
func (c *Client) Klines(ctx context.Context, params map[string]string) ([]core.CandleStick, error) {
	merged := map[string]string{"symbol": c.symbol}
	for k, v := range params {
		merged[k] = v
	}

	body, err := c.public.Get(ctx, "/klines", merged)
	if err != nil {
		return nil, c.wrapTransport(err)
	}

	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, apperrors.Parse("klines: %v", err)
	}

	candles := make([]core.CandleStick, 0, len(raw))
	for _, row := range raw {
		candle, err := parseKlineRow(row)
		if err != nil {
			return nil, err
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// Balance returns the free account balance as (quote, base).
func (c *Client) Balance(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	body, err := c.rest.Get(ctx, "/account", nil)
	if err != nil {
		return decimal.Zero, decimal.Zero, c.wrapTransport(err)
	}

	var resp struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, decimal.Zero, apperrors.Parse("account: %v", err)
	}

	var quote, base *decimal.Decimal
	for _, b := range resp.Balances {
		switch b.Asset {
		case c.quoteAsset:
			v, err := decimal.NewFromString(b.Free)
			if err != nil {
				return decimal.Zero, decimal.Zero, apperrors.Parse("account balance %q: %v", b.Free, err)
			}
			quote = &v
		case c.baseAsset:
			v, err := decimal.NewFromString(b.Free)
			if err != nil {
				return decimal.Zero, decimal.Zero, apperrors.Parse("account balance %q: %v", b.Free, err)
			}
			base = &v
		}
		if quote != nil && base != nil {
			break
		}
	}
	if quote == nil || base == nil {
		return decimal.Zero, decimal.Zero, apperrors.Exchange("balances for %s/%s were not retrieved", c.quoteAsset, c.baseAsset)
	}
	return *quote, *base, nil
}

// Order places an order over the request/response transport. Used by the
// first-order helper; the running pipeline uses the order channel instead.
func (c *Client) Order(ctx context.Context, params map[string]string) ([]byte, error) {
	body, err := c.rest.Post(ctx, "/order", params)
	if err != nil {
		return nil, c.wrapTransport(err)
	}
	return body, nil
}

// TradeHistory fetches the most recent account trade for the pair.
func (c *Client) TradeHistory(ctx context.Context) ([]byte, error) {
	body, err := c.rest.Get(ctx, "/myTrades", map[string]string{
		"symbol": c.symbol,
		"limit":  "1",
	})
	if err != nil {
		return nil, c.wrapTransport(err)
	}
	return body, nil
}

// wrapTransport converts an httpclient failure into the error taxonomy. A
// structured exchange rejection is mapped to its sentinel.
func (c *Client) wrapTransport(err error) error {
	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) {
		return parseExchangeError(apiErr.Body)
	}
	return apperrors.Exchange("%v", err)
}

func parseExchangeError(body []byte) error {
	var errResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return apperrors.Exchange("error response not decodable: %s", string(body))
	}

	switch errResp.Code {
	case -2015:
		return apperrors.ErrAuth
	case -1013, -1111:
		return apperrors.ErrInvalidOrderParam
	case -2010:
		return apperrors.ErrInsufficientFunds
	case -2011:
		return apperrors.ErrOrderRejected
	case -1003:
		return apperrors.ErrRateLimitExceeded
	case -1021:
		return apperrors.ErrTimestampOutOfBounds
	}
	return apperrors.Exchange("code %d: %s", errResp.Code, errResp.Msg)
}

// parseKlineRow decodes one raw REST kline row:
// [openTime, open, high, low, close, volume, closeTime, ...]
// with the numeric fields delivered as strings.
func parseKlineRow(row []json.RawMessage) (core.CandleStick, error) {
	if len(row) < 7 {
		return core.CandleStick{}, apperrors.Parse("kline row has %d fields", len(row))
	}

	var closeTime uint64
	if err := json.Unmarshal(row[6], &closeTime); err != nil {
		return core.CandleStick{}, apperrors.Parse("kline close time: %v", err)
	}

	fields := make([]float64, 5)
	for i, idx := range []int{1, 2, 3, 4, 5} {
		var s string
		if err := json.Unmarshal(row[idx], &s); err != nil {
			return core.CandleStick{}, apperrors.Parse("kline field %d: %v", idx, err)
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return core.CandleStick{}, apperrors.Parse("kline field %q: %v", s, err)
		}
		fields[i], _ = v.Float64()
	}

	return core.CandleStick{
		Timestamp: closeTime,
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
	}, nil
}

// requestSigner implements httpclient.Signer: API key header, millisecond
// timestamp, HMAC-SHA256 signature over the sorted encoded query.
type requestSigner struct {
	client *Client
}

func (s *requestSigner) SignRequest(req *http.Request) error {
	apiKey, apiSecret := s.client.credentials()
	if apiKey == "" || apiSecret == "" {
		return apperrors.Auth("missing API credentials")
	}

	req.Header.Set("X-MBX-APIKEY", apiKey)

	q := req.URL.Query()
	if q.Get("timestamp") == "" {
		q.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	}

	// Encode() emits keys in sorted order; the signature must not cover itself.
	queryString := q.Encode()
	mac := hmac.New(sha256.New, []byte(apiSecret))
	mac.Write([]byte(queryString))
	signature := hex.EncodeToString(mac.Sum(nil))

	req.URL.RawQuery = queryString + "&signature=" + signature
	return nil
}

// signPayload signs a plain parameter map: alphabetically sorted key=value
// pairs joined with '&', HMAC-SHA256 under the secret, hex encoded. Used by
// the order channel where parameters travel as a JSON object, not a query.
func signPayload(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join(pairs, "&")))
	return hex.EncodeToString(mac.Sum(nil))
}

func splitSymbol(symbol string) (base, quote string) {
	for _, q := range []string{"USDT", "USDC", "BUSD", "USD", "EUR", "BTC", "ETH"} {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q), q
		}
	}
	// Fallback for unrecognized quote assets
	return symbol, "USDT"
}
