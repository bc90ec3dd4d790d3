package execution

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bybit-trading-core/internal/exchange"
	"bybit-trading-core/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeOrderClient struct {
	placeCalls   int
	cancelled    []string
	cancelledAll []string
	tradingStop  []string
}

func (f *fakeOrderClient) PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (string, types.OrderStatus, error) {
	f.placeCalls++
	return "order-" + req.LinkID, types.OrderStatusNew, nil
}

func (f *fakeOrderClient) CancelOrder(ctx context.Context, symbol, orderID, linkID string) error {
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeOrderClient) CancelAll(ctx context.Context, symbol string) error {
	f.cancelledAll = append(f.cancelledAll, symbol)
	return nil
}

func (f *fakeOrderClient) SetTradingStop(ctx context.Context, symbol string, sl, tp string, mode types.TPSLMode) error {
	f.tradingStop = append(f.tradingStop, symbol+":"+sl+":"+tp)
	return nil
}

type fakeIdempotencyStore struct {
	orders map[string]types.Order
}

func newFakeIdempotencyStore() *fakeIdempotencyStore {
	return &fakeIdempotencyStore{orders: map[string]types.Order{}}
}

func (f *fakeIdempotencyStore) RecordOrder(order types.Order) error {
	f.orders[order.LinkID] = order
	return nil
}

func (f *fakeIdempotencyStore) FindOrderByLinkID(linkID string) (*types.Order, error) {
	if o, ok := f.orders[linkID]; ok {
		return &o, nil
	}
	return nil, nil
}

func TestCreateOrderPlacesAndRecords(t *testing.T) {
	t.Parallel()
	client := &fakeOrderClient{}
	store := newFakeIdempotencyStore()
	e := NewEngine(client, store, 60, testLogger())

	req := CreateOrderRequest{
		Strategy:  "trend_pullback",
		Symbol:    "BTCUSDT",
		Side:      types.Buy,
		Direction: types.DirectionLong,
		Qty:       decimal.NewFromFloat(0.1),
		OrderType: types.OrderTypeMarket,
		TIF:       types.TIFIOC,
		Timestamp: time.Unix(1738915200, 0),
	}
	order, err := e.CreateOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	if client.placeCalls != 1 {
		t.Errorf("placeCalls = %d, want 1", client.placeCalls)
	}
	if order.LinkID != "trend_pullback_BTCUSDT_28981920_L" {
		t.Errorf("LinkID = %q, unexpected", order.LinkID)
	}
}

func TestCreateOrderIsIdempotentWithinBucket(t *testing.T) {
	t.Parallel()
	client := &fakeOrderClient{}
	store := newFakeIdempotencyStore()
	e := NewEngine(client, store, 60, testLogger())

	req := CreateOrderRequest{
		Strategy:  "trend_pullback",
		Symbol:    "BTCUSDT",
		Side:      types.Buy,
		Direction: types.DirectionLong,
		Qty:       decimal.NewFromFloat(0.1),
		OrderType: types.OrderTypeMarket,
		TIF:       types.TIFIOC,
		Timestamp: time.Unix(1738915200, 0),
	}
	first, err := e.CreateOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("first CreateOrder() error = %v", err)
	}

	req.Timestamp = time.Unix(1738915230, 0) // same 60s bucket
	second, err := e.CreateOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("second CreateOrder() error = %v", err)
	}

	if client.placeCalls != 1 {
		t.Errorf("placeCalls = %d, want 1 (idempotent retry should short-circuit)", client.placeCalls)
	}
	if first.OrderID != second.OrderID {
		t.Errorf("expected identical order_id on retry, got %q vs %q", first.OrderID, second.OrderID)
	}
}

func TestCreateOrderNextBucketPlacesAgain(t *testing.T) {
	t.Parallel()
	client := &fakeOrderClient{}
	store := newFakeIdempotencyStore()
	e := NewEngine(client, store, 60, testLogger())

	req := CreateOrderRequest{
		Strategy:  "trend_pullback",
		Symbol:    "BTCUSDT",
		Side:      types.Buy,
		Direction: types.DirectionLong,
		Qty:       decimal.NewFromFloat(0.1),
		OrderType: types.OrderTypeMarket,
		TIF:       types.TIFIOC,
		Timestamp: time.Unix(1738915200, 0),
	}
	if _, err := e.CreateOrder(context.Background(), req); err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	req.Timestamp = time.Unix(1738915261, 0)
	if _, err := e.CreateOrder(context.Background(), req); err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	if client.placeCalls != 2 {
		t.Errorf("placeCalls = %d, want 2 (distinct bucket should resubmit)", client.placeCalls)
	}
}

func TestCancelAllDelegatesToClient(t *testing.T) {
	t.Parallel()
	client := &fakeOrderClient{}
	e := NewEngine(client, newFakeIdempotencyStore(), 60, testLogger())

	if err := e.CancelAll(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("CancelAll() error = %v", err)
	}
	if len(client.cancelledAll) != 1 || client.cancelledAll[0] != "BTCUSDT" {
		t.Errorf("cancelledAll = %v, want [BTCUSDT]", client.cancelledAll)
	}
}
