// Package liveserver is the chart broadcaster: a websocket endpoint where
// clients subscribe either to the live candlestick stream or to one
// algorithm's ledger notifications, rendered as chart points and history rows.
package liveserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"algonline/internal/core"
	"algonline/internal/ledger"
	"algonline/pkg/concurrency"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

var (
	websocketActiveConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "websocket_active_connections",
		Help: "Current number of active WebSocket connections",
	}, []string{"endpoint"})

	websocketRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "websocket_rejected_total",
		Help: "Total number of rejected WebSocket connections",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(websocketActiveConnections)
	prometheus.MustRegister(websocketRejectedTotal)
}

// TickStream is a live candle subscription, implemented by the exchange
// client's kline stream.
type TickStream interface {
	Ticks() <-chan core.CandleStick
	Stop()
}

// Deps are the collaborators one server instance forwards between. Pool is
// optional; when nil the server creates its own broadcast pool.
type Deps struct {
	Store        ledger.Store
	Streams      func(interval string) TickStream
	Authenticate func(ctx context.Context, sessionToken string) error
	StaticAPIKey string
	Pool         *concurrency.WorkerPool
	Logger       core.ILogger
}

// Server upgrades client connections, validates handshakes against the
// static API key and runs one forwarding loop per requested subscription.
type Server struct {
	deps           Deps
	pool           *concurrency.WorkerPool
	hub            *Hub
	srv            *http.Server
	upgrader       websocket.Upgrader
	allowedOrigins []string
	mu             sync.Mutex

	// Connection limits
	maxConnections int
	connSemaphore  chan struct{}

	// Per-IP rate limiting
	rateLimitEnabled bool
	ipLimiters       sync.Map
	rateLimit        rate.Limit
	rateBurst        int
}

func NewServer(deps Deps, allowedOrigins []string) *Server {
	s := &Server{
		deps:             deps,
		hub:              NewHub(),
		allowedOrigins:   allowedOrigins,
		maxConnections:   1000,
		connSemaphore:    make(chan struct{}, 1000),
		rateLimitEnabled: true,
		rateLimit:        10.0,
		rateBurst:        20,
	}

	s.pool = deps.Pool
	if s.pool == nil {
		s.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "broadcast",
			MaxWorkers:  64,
			MaxCapacity: 1024,
			NonBlocking: true,
		}, deps.Logger)
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no Origin header.
		return true
	}

	parsedOrigin, err := url.Parse(origin)
	if err != nil {
		websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
		return false
	}
	originStr := parsedOrigin.Scheme + "://" + parsedOrigin.Host

	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || originStr == allowed {
			return true
		}
	}

	s.deps.Logger.Warn("Rejected connection from unauthorized origin",
		"origin", origin, "remote_addr", r.RemoteAddr)
	websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	s.mu.Unlock()

	s.deps.Logger.Info("Starting chart broadcaster", "addr", addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		s.hub.Shutdown(context.Background())
		return s.Stop(context.Background())
	}
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	s.deps.Logger.Info("Stopping chart broadcaster")
	return s.srv.Shutdown(ctx)
}

func (s *Server) ClientCount() int { return s.hub.ClientCount() }

// handleWebSocket admits a connection through the rate and connection limits,
// upgrades it and runs the request/dispatch loop until the client leaves.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.rateLimitEnabled {
		ip := s.getRemoteIP(r)
		if !s.getIPLimiter(ip).Allow() {
			s.deps.Logger.Warn("IP rate limit exceeded", "ip", ip)
			websocketRejectedTotal.WithLabelValues("rate_limit").Inc()
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
	}

	select {
	case s.connSemaphore <- struct{}{}:
		websocketActiveConnections.WithLabelValues(r.URL.Path).Inc()
		defer func() {
			<-s.connSemaphore
			websocketActiveConnections.WithLabelValues(r.URL.Path).Dec()
		}()
	default:
		s.deps.Logger.Warn("Max connections reached")
		websocketRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	client := NewClient(uuid.New().String())
	s.hub.Register(client)
	defer s.hub.Unregister(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.deps.Logger.Info("Client connected", "client_id", client.id, "remote_addr", r.RemoteAddr)

	go s.writePump(conn, client, cancel)
	s.readPump(ctx, conn, client)

	s.deps.Logger.Info("Client disconnected", "client_id", client.id)
}

// readPump reads request frames and dispatches one forwarding loop each.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, client *Client) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			client.Send(ErrorPayload{Error: "malformed request"})
			continue
		}

		if req.APIKey != s.deps.StaticAPIKey {
			websocketRejectedTotal.WithLabelValues("invalid_api_key").Inc()
			client.Send(ErrorPayload{Error: "Invalid API-key given."})
			return
		}

		if token, ok := req.Params["session_token"]; ok && s.deps.Authenticate != nil {
			if err := s.deps.Authenticate(ctx, token); err != nil {
				client.Send(ErrorPayload{Error: "authentication failed"})
				return
			}
		}

		params := req.Params
		switch req.Action {
		case ActionCandlestick:
			s.dispatch(client, func() { s.candlestickLoop(ctx, client, params) })
		case ActionAlgorithmStats:
			s.dispatch(client, func() { s.algorithmStatsLoop(ctx, client, params) })
		default:
			client.Send(ErrorPayload{Error: "Unknown action"})
			return
		}
	}
}

// dispatch hands a forwarding loop to the broadcast pool. A full pool refuses
// the subscription instead of growing without bound.
func (s *Server) dispatch(client *Client, loop func()) {
	if err := s.pool.Submit(loop); err != nil {
		s.deps.Logger.Warn("Broadcast pool refused subscription", "client_id", client.id, "error", err)
		websocketRejectedTotal.WithLabelValues("pool_full").Inc()
		client.Send(ErrorPayload{Error: "server busy"})
	}
}

// writePump drains the client queue onto the wire. A write failure cancels
// the connection context, which ends every forwarding loop.
func (s *Server) writePump(conn *websocket.Conn, client *Client, cancel context.CancelFunc) {
	defer cancel()
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-client.Frames():
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(payload); err != nil {
				s.deps.Logger.Warn("Write error", "client_id", client.id, "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// candlestickLoop forwards live exchange candles at the requested interval.
func (s *Server) candlestickLoop(ctx context.Context, client *Client, params map[string]string) {
	interval, ok := params["interval"]
	if !ok {
		client.Send(ErrorPayload{Error: "Required parameter not given."})
		return
	}
	if !core.ValidKlineInterval(interval) {
		client.Send(ErrorPayload{Error: "invalid interval"})
		return
	}

	stream := s.deps.Streams(interval)
	defer stream.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case candle, open := <-stream.Ticks():
			if !open {
				return
			}
			if !client.Send(candle) {
				return
			}
		}
	}
}

// algorithmStatsLoop turns every ledger notification for one algorithm into
// a chart point, plus a history row when the notification is an actual trade.
func (s *Server) algorithmStatsLoop(ctx context.Context, client *Client, params map[string]string) {
	id, ok := params["id"]
	if !ok {
		client.Send(ErrorPayload{Error: "Required parameter not given."})
		return
	}

	notifications, unsubscribe, err := s.deps.Store.Subscribe(ctx, id)
	if err != nil {
		s.deps.Logger.Warn("Ledger subscription failed", "algorithm_id", id, "error", err)
		client.Send(ErrorPayload{Error: "subscription failed"})
		return
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case n, open := <-notifications:
			if !open {
				return
			}

			funds, err := s.deps.Store.CurrentFunds(ctx, n.AlgorithmID)
			if err != nil {
				s.deps.Logger.Warn("Funds recompute failed", "algorithm_id", id, "error", err)
				continue
			}

			point := ChartPointPayload{
				Timestamp: n.CreatedAt.UTC().Format(time.RFC3339Nano),
				Total:     funds.Balance(n.Price).StringFixed(5),
				Quote:     funds.Quote.StringFixed(5),
				Base:      funds.Base.StringFixed(5),
			}
			if !client.Send(Event{ResponseType: ResponseChartDataPoint, JSON: point}) {
				return
			}

			// Price anchors produce a chart point only.
			if n.Action == nil {
				continue
			}
			if !client.Send(Event{ResponseType: ResponseHistoryRow, JSON: n}) {
				return
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
		"time":    time.Now().Unix(),
	})
}

// SetMaxConnections updates the maximum number of concurrent connections.
func (s *Server) SetMaxConnections(max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxConnections = max
	s.connSemaphore = make(chan struct{}, max)
}

// SetRateLimit updates the per-IP rate limiting parameters.
func (s *Server) SetRateLimit(limit float64, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimit = rate.Limit(limit)
	s.rateBurst = burst
	s.ipLimiters = sync.Map{}
}

func (s *Server) getRemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) getIPLimiter(ip string) *rate.Limiter {
	if val, ok := s.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}
	actual, _ := s.ipLimiters.LoadOrStore(ip, rate.NewLimiter(s.rateLimit, s.rateBurst))
	return actual.(*rate.Limiter)
}
