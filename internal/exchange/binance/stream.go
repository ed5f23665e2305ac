package binance

import (
	"encoding/json"
	"strconv"
	"strings"

	"algonline/internal/core"
	"algonline/pkg/websocket"
)

// tickBuffer bounds the channel between the exchange stream and the feed
// task. When the script host stalls the read loop blocks here, which in turn
// throttles the socket instead of buffering without limit.
const tickBuffer = 10

// KlineStream is a live candlestick subscription. Ticks returns every kline
// update in stream order, not only closed candles; a dropped connection
// reconnects after five seconds and the channel simply goes quiet in between.
type KlineStream struct {
	ws     *websocket.Client
	ticks  chan core.CandleStick
	done   chan struct{}
	logger core.ILogger
}

// StreamKlines subscribes to the pair's kline stream at the given interval.
func (c *Client) StreamKlines(interval string) *KlineStream {
	logger := c.logger.WithField("stream", "kline").WithField("interval", interval)

	s := &KlineStream{
		ticks:  make(chan core.CandleStick, tickBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}

	url := c.wsStreamURL + "/" + strings.ToLower(c.symbol) + "@kline_" + interval
	s.ws = websocket.NewClient(url, s.handleMessage, logger)
	s.ws.Start()
	return s
}

// Ticks is the bounded candle channel.
func (s *KlineStream) Ticks() <-chan core.CandleStick {
	return s.ticks
}

// Stop closes the subscription. The tick channel is closed afterwards so a
// consumer ranging over it terminates.
func (s *KlineStream) Stop() {
	close(s.done)
	s.ws.Stop()
	close(s.ticks)
}

// klineEvent mirrors the stream payload; numeric fields arrive as strings.
type klineEvent struct {
	Kline struct {
		CloseTime uint64 `json:"T"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
	} `json:"k"`
}

func (s *KlineStream) handleMessage(message []byte) {
	var event klineEvent
	if err := json.Unmarshal(message, &event); err != nil {
		s.logger.Warn("Kline event not decodable", "error", err)
		return
	}
	if event.Kline.CloseTime == 0 {
		// Not a kline payload (subscription ack, etc.)
		return
	}

	candle, err := candleFromEvent(event)
	if err != nil {
		s.logger.Warn("Kline event with bad numeric field", "error", err)
		return
	}

	select {
	case s.ticks <- candle:
	case <-s.done:
	}
}

func candleFromEvent(event klineEvent) (core.CandleStick, error) {
	k := event.Kline

	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return core.CandleStick{}, err
	}
	closePrice, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return core.CandleStick{}, err
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return core.CandleStick{}, err
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return core.CandleStick{}, err
	}
	volume, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return core.CandleStick{}, err
	}

	return core.CandleStick{
		Timestamp: k.CloseTime,
		Open:      open,
		Close:     closePrice,
		High:      high,
		Low:       low,
		Volume:    volume,
	}, nil
}
