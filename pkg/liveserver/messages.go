package liveserver

// Request is the handshake frame a client sends after connecting. Every
// request carries the static API key; the session token is optional and, when
// present in the params, swaps the exchange credentials for the user's own.
type Request struct {
	Action       string            `json:"action"`
	SessionToken string            `json:"session_token"`
	APIKey       string            `json:"api_key"`
	Params       map[string]string `json:"params"`
}

// Actions a client may request.
const (
	ActionCandlestick    = "btc-candlestick"
	ActionAlgorithmStats = "algorithm-stats"
)

// Event response kinds for the algorithm-stats subscription.
const (
	ResponseChartDataPoint = "ChartDataPoint"
	ResponseHistoryRow     = "HistoryRow"
)

// Event wraps one algorithm-stats payload: either a derived chart point or a
// raw history row.
type Event struct {
	ResponseType string      `json:"response_type"`
	JSON         interface{} `json:"json"`
}

// ChartPointPayload is the derived balance snapshot sent per ledger
// notification. Amounts are fixed to five decimals.
type ChartPointPayload struct {
	Timestamp string `json:"timestamp"`
	Total     string `json:"total"`
	Quote     string `json:"usdt"`
	Base      string `json:"btc"`
}

// ErrorPayload is sent before closing a connection that failed validation.
type ErrorPayload struct {
	Error string `json:"error"`
}
