package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"algonline/internal/core"
	apperrors "algonline/pkg/errors"
	"algonline/pkg/telemetry"
	"algonline/pkg/websocket"
)

// orderRequest is the frame shape of the bidirectional order endpoint.
type orderRequest struct {
	ID     string            `json:"id"`
	Method string            `json:"method"`
	Params map[string]string `json:"params"`
}

// OrderChannel is a persistent bidirectional connection to the exchange order
// endpoint. One channel belongs to one supervisor incarnation and is closed
// when that incarnation stops.
type OrderChannel struct {
	client *Client
	ws     *websocket.Client
	logger core.ILogger
}

// OpenOrderChannel dials the order endpoint and starts the response reader.
func (c *Client) OpenOrderChannel(logger core.ILogger) (*OrderChannel, error) {
	if c.wsAPIURL == "" {
		return nil, apperrors.Exchange("order channel endpoint not configured")
	}

	ch := &OrderChannel{
		client: c,
		logger: logger.WithField("component", "order_channel"),
	}
	ch.ws = websocket.NewClient(c.wsAPIURL, ch.handleResponse, ch.logger)
	ch.ws.Start()
	return ch, nil
}

// PlaceOrder signs and sends one order.place frame. The correlation id is the
// millisecond timestamp that is also the signed timestamp parameter.
func (ch *OrderChannel) PlaceOrder(params map[string]string) error {
	apiKey, apiSecret := ch.client.credentials()
	if apiKey == "" || apiSecret == "" {
		return apperrors.Auth("missing API credentials")
	}

	timestamp := fmt.Sprintf("%d", time.Now().UnixMilli())

	signed := make(map[string]string, len(params)+3)
	for k, v := range params {
		signed[k] = v
	}
	signed["apiKey"] = apiKey
	signed["timestamp"] = timestamp
	// Sign before the signature key exists, so it never covers itself.
	signed["signature"] = signPayload(signed, apiSecret)

	req := orderRequest{
		ID:     timestamp,
		Method: "order.place",
		Params: signed,
	}

	if err := ch.ws.Send(req); err != nil {
		return apperrors.Exchange("order channel send: %v", err)
	}
	return nil
}

// Close tears down the connection.
func (ch *OrderChannel) Close() {
	ch.ws.Stop()
}

// handleResponse logs order acknowledgements and counts rejections. The
// pipeline treats a successful send as acceptance; rejections show up here.
func (ch *OrderChannel) handleResponse(message []byte) {
	var resp struct {
		ID     string `json:"id"`
		Status int    `json:"status"`
		Error  *struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		} `json:"error"`
	}
	if err := json.Unmarshal(message, &resp); err != nil {
		ch.logger.Warn("Order channel response not decodable", "raw", string(message))
		return
	}

	if resp.Error != nil || (resp.Status != 0 && resp.Status != 200) {
		if m := telemetry.GetGlobalMetrics(); m.OrdersRejectedTotal != nil {
			m.OrdersRejectedTotal.Add(context.Background(), 1)
		}
		if resp.Error != nil {
			ch.logger.Error("Order rejected by exchange", "id", resp.ID, "status", resp.Status,
				"code", resp.Error.Code, "msg", resp.Error.Msg)
		} else {
			ch.logger.Error("Order rejected by exchange", "id", resp.ID, "status", resp.Status)
		}
		return
	}

	ch.logger.Debug("Order acknowledged", "id", resp.ID, "status", resp.Status)
}
