// ws.go implements WebSocket feeds for real-time Bybit V5 linear data.
//
// Two independent feeds run concurrently (§6):
//
//   - Public feed: subscribes to `kline.{interval}.{symbol}` and
//     `orderbook.{depth}.{symbol}` topics.
//
//   - Private feed (authenticated): sends an `{op:"auth", args:[api_key,
//     expires_ms, signature]}` frame, then subscribes to `order`,
//     `position`, `execution` topics.
//
// Both feeds auto-reconnect with exponential backoff (1s → 30s max) and
// re-subscribe to all tracked topics on reconnection; the private feed
// re-authenticates and resets its authenticated flag on every reconnect,
// replaying no data — local state relies on the reconciliation task to
// resync (§5).
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval     = 20 * time.Second // Bybit recommends a ping every 20s
	readTimeout      = 60 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	eventBufferSize  = 256
)

// KlineEvent is a public kline update.
type KlineEvent struct {
	Topic  string `json:"topic"`
	Symbol string
	Data   []struct {
		Start   int64  `json:"start"`
		Open    string `json:"open"`
		High    string `json:"high"`
		Low     string `json:"low"`
		Close   string `json:"close"`
		Volume  string `json:"volume"`
		Confirm bool   `json:"confirm"` // true = candle closed
	} `json:"data"`
}

// OrderbookEvent is a public orderbook delta/snapshot update.
type OrderbookEvent struct {
	Topic string `json:"topic"`
	Type  string `json:"type"` // "snapshot" or "delta"
	Data  struct {
		Symbol string     `json:"s"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
	} `json:"data"`
}

// ExecutionEvent is a private fill notification.
type ExecutionEvent struct {
	Topic string `json:"topic"`
	Data  []struct {
		Symbol      string `json:"symbol"`
		Side        string `json:"side"`
		ExecPrice   string `json:"execPrice"`
		ExecQty     string `json:"execQty"`
		ExecFee     string `json:"execFee"`
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
		ExecTime    string `json:"execTime"`
		ExecID      string `json:"execId"`
	} `json:"data"`
}

// OrderEvent is a private order lifecycle notification.
type OrderEvent struct {
	Topic string `json:"topic"`
	Data  []struct {
		Symbol      string `json:"symbol"`
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
		Side        string `json:"side"`
		OrderStatus string `json:"orderStatus"`
		Qty         string `json:"qty"`
		CumExecQty  string `json:"cumExecQty"`
		Price       string `json:"price"`
		UpdatedTime string `json:"updatedTime"`
	} `json:"data"`
}

// PositionEvent is a private position update notification.
type PositionEvent struct {
	Topic string `json:"topic"`
	Data  []struct {
		Symbol   string `json:"symbol"`
		Side     string `json:"side"`
		Size     string `json:"size"`
		AvgPrice string `json:"avgPrice"`
	} `json:"data"`
}

// WSFeed manages a single WebSocket connection (public or private).
// It handles connection lifecycle, subscription tracking, message routing,
// and automatic reconnection with exponential backoff.
type WSFeed struct {
	url     string
	conn    *websocket.Conn
	connMu  sync.Mutex
	auth    *Auth // nil for public feed, set for private feed
	private bool

	subscribedMu sync.RWMutex
	subscribed   map[string]bool // topic strings

	authenticated atomic.Bool

	klineCh     chan KlineEvent
	orderbookCh chan OrderbookEvent
	executionCh chan ExecutionEvent
	orderCh     chan OrderEvent
	positionCh  chan PositionEvent

	logger *slog.Logger
}

// NewPublicFeed creates a WebSocket feed for kline/orderbook topics.
func NewPublicFeed(wsURL string, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:         wsURL,
		subscribed:  make(map[string]bool),
		klineCh:     make(chan KlineEvent, eventBufferSize),
		orderbookCh: make(chan OrderbookEvent, eventBufferSize),
		logger:      logger.With("component", "ws_public"),
	}
}

// NewPrivateFeed creates a WebSocket feed for order/position/execution topics.
func NewPrivateFeed(wsURL string, auth *Auth, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:         wsURL,
		auth:        auth,
		private:     true,
		subscribed:  make(map[string]bool),
		executionCh: make(chan ExecutionEvent, eventBufferSize),
		orderCh:     make(chan OrderEvent, eventBufferSize),
		positionCh:  make(chan PositionEvent, eventBufferSize),
		logger:      logger.With("component", "ws_private"),
	}
}

func (f *WSFeed) KlineEvents() <-chan KlineEvent         { return f.klineCh }
func (f *WSFeed) OrderbookEvents() <-chan OrderbookEvent { return f.orderbookCh }
func (f *WSFeed) ExecutionEvents() <-chan ExecutionEvent { return f.executionCh }
func (f *WSFeed) OrderEvents() <-chan OrderEvent         { return f.orderCh }
func (f *WSFeed) PositionEvents() <-chan PositionEvent   { return f.positionCh }

// Authenticated reports whether the private feed has completed its auth
// handshake on the current connection.
func (f *WSFeed) Authenticated() bool { return f.authenticated.Load() }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		f.authenticated.Store(false)
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds topics and sends the subscribe frame.
func (f *WSFeed) Subscribe(topics []string) error {
	f.subscribedMu.Lock()
	for _, t := range topics {
		f.subscribed[t] = true
	}
	f.subscribedMu.Unlock()
	return f.writeJSON(map[string]any{"op": "subscribe", "args": topics})
}

// Unsubscribe removes topics.
func (f *WSFeed) Unsubscribe(topics []string) error {
	f.subscribedMu.Lock()
	for _, t := range topics {
		delete(f.subscribed, t)
	}
	f.subscribedMu.Unlock()
	return f.writeJSON(map[string]any{"op": "unsubscribe", "args": topics})
}

// Close gracefully closes the connection.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if f.private {
		if err := f.authenticate(); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := f.resubscribeAll(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "private", f.private)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *WSFeed) authenticate() error {
	expires := time.Now().Add(10 * time.Second).UnixMilli()
	args := f.auth.WSAuthArgs(expires)
	argsAny := make([]any, len(args))
	for i, a := range args {
		argsAny[i] = a
	}
	return f.writeJSON(map[string]any{"op": "auth", "args": argsAny})
}

func (f *WSFeed) resubscribeAll() error {
	f.subscribedMu.RLock()
	topics := make([]string, 0, len(f.subscribed))
	for t := range f.subscribed {
		topics = append(topics, t)
	}
	f.subscribedMu.RUnlock()

	if len(topics) == 0 {
		return nil
	}
	return f.writeJSON(map[string]any{"op": "subscribe", "args": topics})
}

func (f *WSFeed) dispatchMessage(data []byte) {
	var envelope struct {
		Op      string `json:"op"`
		Success *bool  `json:"success"`
		Topic   string `json:"topic"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	if envelope.Op == "auth" {
		if envelope.Success != nil && *envelope.Success {
			f.authenticated.Store(true)
			f.logger.Info("private channel authenticated")
		} else {
			f.logger.Error("private channel auth rejected")
		}
		return
	}
	if envelope.Op == "pong" || envelope.Op == "ping" {
		return
	}
	if envelope.Topic == "" {
		f.logger.Debug("ignoring ws message with no topic", "data", string(data))
		return
	}

	switch {
	case hasPrefix(envelope.Topic, "kline."):
		var evt KlineEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal kline event", "error", err)
			return
		}
		sendOrDrop(f.klineCh, evt, f.logger, "kline")

	case hasPrefix(envelope.Topic, "orderbook."):
		var evt OrderbookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal orderbook event", "error", err)
			return
		}
		sendOrDrop(f.orderbookCh, evt, f.logger, "orderbook")

	case envelope.Topic == "execution":
		var evt ExecutionEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal execution event", "error", err)
			return
		}
		sendOrDrop(f.executionCh, evt, f.logger, "execution")

	case envelope.Topic == "order":
		var evt OrderEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal order event", "error", err)
			return
		}
		sendOrDrop(f.orderCh, evt, f.logger, "order")

	case envelope.Topic == "position":
		var evt PositionEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal position event", "error", err)
			return
		}
		sendOrDrop(f.positionCh, evt, f.logger, "position")

	default:
		f.logger.Debug("unknown ws topic", "topic", envelope.Topic)
	}
}

func sendOrDrop[T any](ch chan T, evt T, logger *slog.Logger, label string) {
	select {
	case ch <- evt:
	default:
		logger.Warn("channel full, dropping event", "type", label)
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeJSON(map[string]any{"op": "ping"}); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *WSFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}
