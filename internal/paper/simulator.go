package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bybit-trading-core/internal/config"
	"bybit-trading-core/internal/exchange"
	"bybit-trading-core/pkg/types"
)

// pendingOrder is a resting Limit order waiting for a future bar to cross
// its price.
type pendingOrder struct {
	req     exchange.PlaceOrderRequest
	orderID string
	placed  time.Time
}

// Simulator is the Paper Simulator (§4.K): a deterministic fill engine with
// the same method surface as *exchange.Client's order path, so the Order
// Engine can run against either one without caring which it holds.
//
// Market orders fill immediately at the latest bar's close, adjusted by
// §4.L slippage. Limit orders rest until a later bar's [Low,High] range
// crosses the limit price, then fill at the better of the limit price and
// that bar's VWAP approximation. Every fill deducts commission.
type Simulator struct {
	mu sync.Mutex

	cfg       config.PaperTradingConfig
	slippage  *SlippageModel
	logger    *slog.Logger
	seq       int64
	cash      decimal.Decimal
	fills     []types.Fill
	positions map[string]decimal.Decimal // symbol -> net qty, +long/-short
	avgPrice  map[string]decimal.Decimal // symbol -> weighted-average entry price
	pending   map[string]pendingOrder    // orderID -> pending limit order
	lastBar   map[string]types.FeatureFrame
	atrHist   map[string][]decimal.Decimal
	volHist   map[string][]decimal.Decimal
}

// smaWindow bounds how many recent bars feed the vol_mult/volume_mult
// rolling averages in §4.L.
const smaWindow = 20

// NewSimulator builds a paper simulator seeded with the configured initial
// balance.
func NewSimulator(cfg config.PaperTradingConfig, logger *slog.Logger) *Simulator {
	return &Simulator{
		cfg:       cfg,
		slippage:  NewSlippageModel(cfg.SlippagePreset),
		logger:    logger.With("component", "paper_simulator"),
		cash:      decimal.NewFromFloat(cfg.InitialBalance),
		positions: map[string]decimal.Decimal{},
		avgPrice:  map[string]decimal.Decimal{},
		pending:   map[string]pendingOrder{},
		lastBar:   map[string]types.FeatureFrame{},
		atrHist:   map[string][]decimal.Decimal{},
		volHist:   map[string][]decimal.Decimal{},
	}
}

// Cash returns the current simulated cash balance.
func (s *Simulator) Cash() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cash
}

// Fills returns every fill generated so far, in event order.
func (s *Simulator) Fills() []types.Fill {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Fill, len(s.fills))
	copy(out, s.fills)
	return out
}

// OnBar feeds a newly closed bar to the simulator: it updates the
// reference price used for the next market fill and checks every pending
// Limit order on this symbol for a fill.
func (s *Simulator) OnBar(frame types.FeatureFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastBar[frame.Symbol] = frame
	s.atrHist[frame.Symbol] = pushWindow(s.atrHist[frame.Symbol], frame.ATR, smaWindow)
	s.volHist[frame.Symbol] = pushWindow(s.volHist[frame.Symbol], frame.Volume, smaWindow)

	for orderID, p := range s.pending {
		if p.req.Symbol != frame.Symbol {
			continue
		}
		if !s.limitCrosses(p.req, frame) {
			continue
		}
		s.fillLocked(p.req, orderID, s.limitFillPrice(p.req, frame), frame, false)
		delete(s.pending, orderID)
	}
}

// PlaceOrder fills Market orders immediately and parks Limit orders as
// pending until a future bar crosses their price. Satisfies the same
// signature as *exchange.Client.PlaceOrder so the Order Engine can treat
// a Simulator as its orderClient in paper mode.
func (s *Simulator) PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (string, types.OrderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	frame, ok := s.lastBar[req.Symbol]
	if !ok {
		return "", "", fmt.Errorf("paper: no market data for %s yet", req.Symbol)
	}
	orderID := "paper-" + req.LinkID

	if req.OrderType == types.OrderTypeMarket {
		fillPrice := frame.Close
		s.fillLocked(req, orderID, fillPrice, frame, true)
		return orderID, types.OrderStatusFilled, nil
	}

	// Limit order: fill now if marketable against the latest bar, else rest.
	if s.limitCrosses(req, frame) {
		s.fillLocked(req, orderID, s.limitFillPrice(req, frame), frame, false)
		return orderID, types.OrderStatusFilled, nil
	}
	s.pending[orderID] = pendingOrder{req: req, orderID: orderID, placed: frame.OpenTime}
	return orderID, types.OrderStatusNew, nil
}

// Positions reports the simulator's net open position per symbol, in the
// same shape *exchange.Client.Positions returns, so the kill switch and the
// reconciliation task can treat a Simulator as their venue in paper mode.
func (s *Simulator) Positions(ctx context.Context, symbol string) ([]exchange.PositionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []exchange.PositionSnapshot
	for sym, qty := range s.positions {
		if symbol != "" && sym != symbol {
			continue
		}
		if qty.IsZero() {
			continue
		}
		side := types.PositionLong
		if qty.IsNegative() {
			side = types.PositionShort
		}
		out = append(out, exchange.PositionSnapshot{
			Symbol:        sym,
			Qty:           qty.Abs().String(),
			AvgEntryPrice: s.avgPrice[sym].String(),
			Side:          side,
		})
	}
	return out, nil
}

// CancelOrder removes a resting Limit order. It is a no-op for an order
// that has already filled or doesn't exist.
func (s *Simulator) CancelOrder(ctx context.Context, symbol, orderID, linkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if orderID != "" {
		delete(s.pending, orderID)
		return nil
	}
	for id, p := range s.pending {
		if p.req.LinkID == linkID {
			delete(s.pending, id)
			return nil
		}
	}
	return nil
}

// CancelAll drops every pending order, optionally scoped to one symbol.
func (s *Simulator) CancelAll(ctx context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.pending {
		if symbol == "" || p.req.Symbol == symbol {
			delete(s.pending, id)
		}
	}
	return nil
}

// SetTradingStop is a no-op in paper mode: SL/TP enforcement for paper runs
// goes through the SL/TP Engine's Virtual path (CheckBreach/
// EnforceVirtualBreach), not an exchange-attached trading-stop.
func (s *Simulator) SetTradingStop(ctx context.Context, symbol, sl, tp string, mode types.TPSLMode) error {
	s.logger.Debug("paper: ignoring SetTradingStop, virtual SL/TP governs paper fills", "symbol", symbol)
	return nil
}

// limitCrosses reports whether a bar's range makes a Limit order
// marketable: a Buy limit fills once price trades at or below it, a Sell
// limit once price trades at or above it.
func (s *Simulator) limitCrosses(req exchange.PlaceOrderRequest, frame types.FeatureFrame) bool {
	limit, err := decimal.NewFromString(req.Price)
	if err != nil {
		return false
	}
	if req.Side == types.Buy {
		return frame.Low.LessThanOrEqual(limit)
	}
	return frame.High.GreaterThanOrEqual(limit)
}

// limitFillPrice returns the better-of-limit-and-bar-VWAP fill price per
// §4.K: a Buy never pays more than its limit, a Sell never receives less.
func (s *Simulator) limitFillPrice(req exchange.PlaceOrderRequest, frame types.FeatureFrame) decimal.Decimal {
	limit, _ := decimal.NewFromString(req.Price)
	vwap := barVWAP(frame)
	if req.Side == types.Buy {
		return decimal.Min(limit, vwap)
	}
	return decimal.Max(limit, vwap)
}

// pushWindow appends v to hist, trimming from the front once it exceeds
// window length.
func pushWindow(hist []decimal.Decimal, v decimal.Decimal, window int) []decimal.Decimal {
	hist = append(hist, v)
	if len(hist) > window {
		hist = hist[len(hist)-window:]
	}
	return hist
}

// sma returns the mean of hist, or zero for an empty window (the caller
// treats a zero SMA denominator as "no adjustment").
func sma(hist []decimal.Decimal) decimal.Decimal {
	if len(hist) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range hist {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(hist))))
}

// updateAvgPriceLocked maintains the weighted-average entry price behind
// Positions(): a fill that grows the position (or opens from flat) folds
// into the average; a fill that only shrinks it leaves the average
// unchanged; a fill large enough to flip the sign re-opens the average at
// the fill price for the excess. Caller must hold s.mu.
func (s *Simulator) updateAvgPriceLocked(symbol string, delta, price decimal.Decimal) {
	oldQty := s.positions[symbol]
	newQty := oldQty.Add(delta)

	sameSign := oldQty.IsZero() || (oldQty.Sign() == delta.Sign())
	if sameSign {
		oldAbs := oldQty.Abs()
		addAbs := delta.Abs()
		s.avgPrice[symbol] = oldAbs.Mul(s.avgPrice[symbol]).Add(addAbs.Mul(price)).Div(oldAbs.Add(addAbs))
		return
	}
	if newQty.IsZero() {
		s.avgPrice[symbol] = decimal.Zero
		return
	}
	if newQty.Sign() != oldQty.Sign() {
		s.avgPrice[symbol] = price
	}
}

// barVWAP approximates a bar's volume-weighted price as the average of its
// OHLC corners, the standard approximation when only one bar's OHLCV is
// available.
func barVWAP(frame types.FeatureFrame) decimal.Decimal {
	sum := frame.Open.Add(frame.High).Add(frame.Low).Add(frame.Close)
	return sum.Div(decimal.NewFromInt(4))
}

// fillLocked books a fill: applies slippage (Market fills only — a resting
// Limit order has already committed to its price), deducts commission, and
// updates cash/position/fill-log state. Caller must hold s.mu.
func (s *Simulator) fillLocked(req exchange.PlaceOrderRequest, orderID string, price decimal.Decimal, frame types.FeatureFrame, taker bool) {
	qty, _ := decimal.NewFromString(req.Qty)
	notional := qty.Mul(price)

	if taker {
		atrSMA := sma(s.atrHist[req.Symbol])
		avgVolume := sma(s.volHist[req.Symbol])
		amount := s.slippage.Amount(notional, frame.ATR, atrSMA, frame.Volume, avgVolume)
		price = ApplyToPrice(req.Side, price, amount, qty)
		notional = qty.Mul(price)
	}

	feeRate := s.cfg.MakerCommission
	if taker {
		feeRate = s.cfg.TakerCommission
	}
	fee := notional.Mul(decimal.NewFromFloat(feeRate))

	delta := qty
	if req.Side == types.Sell {
		delta = qty.Neg()
	}
	if req.Side == types.Buy {
		s.cash = s.cash.Sub(notional).Sub(fee)
	} else {
		s.cash = s.cash.Add(notional).Sub(fee)
	}
	s.updateAvgPriceLocked(req.Symbol, delta, price)
	s.positions[req.Symbol] = s.positions[req.Symbol].Add(delta)

	s.seq++
	s.fills = append(s.fills, types.Fill{
		OrderID:   orderID,
		LinkID:    req.LinkID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Price:     price,
		Qty:       qty,
		Fee:       fee,
		Timestamp: frame.OpenTime,
		EventSeq:  s.seq,
	})
}
