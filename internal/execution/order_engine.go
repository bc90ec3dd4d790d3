// Package execution implements the Order Engine (§4.G, idempotency §4.7),
// the Position-State Manager (§4.H), and the SL/TP Engine (§4.I).
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"bybit-trading-core/internal/exchange"
	"bybit-trading-core/pkg/types"
)

// idempotencyStore is the subset of internal/store the Order Engine needs
// to short-circuit retried submissions on a matching link_id (§4.G).
type idempotencyStore interface {
	RecordOrder(order types.Order) error
	FindOrderByLinkID(linkID string) (*types.Order, error)
}

// orderClient is the subset of *exchange.Client the Order Engine submits
// through; kept as an interface so tests don't need a live venue.
type orderClient interface {
	PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (string, types.OrderStatus, error)
	CancelOrder(ctx context.Context, symbol, orderID, linkID string) error
	CancelAll(ctx context.Context, symbol string) error
	SetTradingStop(ctx context.Context, symbol string, sl, tp string, mode types.TPSLMode) error
}

// CreateOrderRequest is the caller-assembled intent for a new order; the
// Order Engine derives link_id itself so callers never hand-compute it.
type CreateOrderRequest struct {
	Strategy   string
	Symbol     string
	Side       types.Side
	Direction  types.Direction
	Qty        decimal.Decimal
	Price      decimal.Decimal // zero for Market
	OrderType  types.OrderType
	TIF        types.TimeInForce
	ReduceOnly bool
	Timestamp  time.Time
}

// Engine implements create_order/cancel/cancel_all/set_trading_stop/
// cancel_trading_stop with link_id idempotency in front of every
// submission (§4.G).
type Engine struct {
	client    orderClient
	store     idempotencyStore
	bucketSec int
	logger    *slog.Logger
}

// NewEngine builds an Order Engine. bucketSec is the §4.7 link_id time
// bucket (0 defaults to 60s).
func NewEngine(client orderClient, store idempotencyStore, bucketSec int, logger *slog.Logger) *Engine {
	return &Engine{client: client, store: store, bucketSec: bucketSec, logger: logger.With("component", "order_engine")}
}

// CreateOrder computes the link_id, short-circuits on a prior submission
// with the same id, and otherwise places the order and records it.
func (e *Engine) CreateOrder(ctx context.Context, req CreateOrderRequest) (types.Order, error) {
	linkID := GenerateLinkID(req.Strategy, req.Symbol, req.Timestamp.Unix(), req.Direction, e.bucketSec)

	if existing, err := e.store.FindOrderByLinkID(linkID); err == nil && existing != nil {
		e.logger.Info("order idempotency hit, short-circuiting", "link_id", linkID, "order_id", existing.OrderID)
		return *existing, nil
	}

	priceStr := ""
	if req.OrderType == types.OrderTypeLimit {
		priceStr = req.Price.String()
	}

	orderID, status, err := e.client.PlaceOrder(ctx, exchange.PlaceOrderRequest{
		Symbol:     req.Symbol,
		Side:       req.Side,
		Qty:        req.Qty.String(),
		Price:      priceStr,
		OrderType:  req.OrderType,
		TIF:        req.TIF,
		ReduceOnly: req.ReduceOnly,
		LinkID:     linkID,
	})
	if err != nil {
		return types.Order{}, fmt.Errorf("create order: %w", err)
	}

	order := types.Order{
		OrderID:    orderID,
		LinkID:     linkID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Qty:        req.Qty,
		Price:      req.Price,
		OrderType:  req.OrderType,
		TIF:        req.TIF,
		ReduceOnly: req.ReduceOnly,
		Status:     status,
		CreatedAt:  req.Timestamp,
		UpdatedAt:  req.Timestamp,
	}
	if err := e.store.RecordOrder(order); err != nil {
		e.logger.Error("failed to record order for idempotency", "link_id", linkID, "error", err)
	}
	e.logger.Info("order created", "link_id", linkID, "order_id", orderID, "symbol", req.Symbol, "side", req.Side, "qty", req.Qty.String())
	return order, nil
}

// Cancel cancels a single order.
func (e *Engine) Cancel(ctx context.Context, symbol, orderID, linkID string) error {
	return e.client.CancelOrder(ctx, symbol, orderID, linkID)
}

// CancelAll cancels every open order for a symbol.
func (e *Engine) CancelAll(ctx context.Context, symbol string) error {
	return e.client.CancelAll(ctx, symbol)
}

// SetTradingStop attaches or updates exchange-side SL/TP on a position.
func (e *Engine) SetTradingStop(ctx context.Context, symbol string, sl, tp decimal.Decimal) error {
	return e.client.SetTradingStop(ctx, symbol, decimalOrEmpty(sl), decimalOrEmpty(tp), types.TPSLFull)
}

// CancelTradingStop clears both sides of an exchange-attached SL/TP.
func (e *Engine) CancelTradingStop(ctx context.Context, symbol string) error {
	return e.client.SetTradingStop(ctx, symbol, "0", "0", types.TPSLFull)
}

func decimalOrEmpty(d decimal.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}
