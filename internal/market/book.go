// Package market assembles per-symbol multi-timeframe candle data and
// orderbook snapshots into MarketTicks for the feature and strategy layers.
//
// CandleStore mirrors the exchange's kline history for one symbol across
// every configured timeframe. It is updated from REST polling (initial load
// and periodic refresh) and accepts incremental WS kline updates once a
// base-timeframe candle closes.
//
// The store is concurrency-safe (RWMutex protected): single writer (the
// Assembler's refresh loop or the WS dispatch goroutine), many readers
// (the feature pipeline, strategies).
package market

import (
	"sync"
	"time"

	"bybit-trading-core/pkg/types"
)

// CandleStore holds ordered candle buffers keyed by timeframe for one symbol.
type CandleStore struct {
	mu      sync.RWMutex
	symbol  string
	candles map[string][]types.Candle // timeframe -> candles, oldest first
	maxLen  int
}

// NewCandleStore creates an empty store that retains at most maxLen candles
// per timeframe.
func NewCandleStore(symbol string, maxLen int) *CandleStore {
	return &CandleStore{
		symbol:  symbol,
		candles: make(map[string][]types.Candle),
		maxLen:  maxLen,
	}
}

// Replace overwrites the buffer for a timeframe with a freshly pulled,
// oldest-first slice of closed candles. Used on every refresh tick (§4.B).
func (s *CandleStore) Replace(timeframe string, candles []types.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(candles) > s.maxLen {
		candles = candles[len(candles)-s.maxLen:]
	}
	s.candles[timeframe] = candles
}

// AppendClosed appends a single newly-closed candle, enforcing strict
// open_time ordering per (symbol, timeframe) (§4.A invariant). A candle
// whose open_time does not strictly follow the last stored one is dropped
// rather than silently reordering the buffer.
func (s *CandleStore) AppendClosed(timeframe string, c types.Candle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.candles[timeframe]
	if len(buf) > 0 && !c.OpenTime.After(buf[len(buf)-1].OpenTime) {
		return false
	}
	buf = append(buf, c)
	if len(buf) > s.maxLen {
		buf = buf[len(buf)-s.maxLen:]
	}
	s.candles[timeframe] = buf
	return true
}

// Candles returns a copy of the candle buffer for a timeframe.
func (s *CandleStore) Candles(timeframe string) []types.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf := s.candles[timeframe]
	out := make([]types.Candle, len(buf))
	copy(out, buf)
	return out
}

// Len reports how many candles are buffered for a timeframe.
func (s *CandleStore) Len(timeframe string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.candles[timeframe])
}

// OrderbookMirror holds the most recent orderbook snapshot for one symbol.
type OrderbookMirror struct {
	mu      sync.RWMutex
	latest  types.Orderbook
	updated time.Time
}

// NewOrderbookMirror creates an empty mirror.
func NewOrderbookMirror() *OrderbookMirror {
	return &OrderbookMirror{}
}

// Apply replaces the mirrored snapshot.
func (m *OrderbookMirror) Apply(ob types.Orderbook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest = ob
	m.updated = time.Now()
}

// Latest returns the most recent snapshot.
func (m *OrderbookMirror) Latest() types.Orderbook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// IsStale reports whether the mirror hasn't been updated within maxAge.
func (m *OrderbookMirror) IsStale(maxAge time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.updated.IsZero() {
		return true
	}
	return time.Since(m.updated) > maxAge
}
