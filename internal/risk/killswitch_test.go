package risk

import (
	"context"
	"testing"

	"bybit-trading-core/internal/exchange"
	"bybit-trading-core/pkg/types"
)

type fakeKillSwitchStore struct {
	saved types.KillSwitchState
	saves int
}

func (f *fakeKillSwitchStore) SaveKillSwitch(state types.KillSwitchState) error {
	f.saved = state
	f.saves++
	return nil
}

func (f *fakeKillSwitchStore) LoadKillSwitch() (types.KillSwitchState, error) {
	return f.saved, nil
}

type fakeTradingClient struct {
	cancelAllCalled bool
	positions       []exchange.PositionSnapshot
	placedOrders    []exchange.PlaceOrderRequest
}

func (f *fakeTradingClient) CancelAll(ctx context.Context, symbol string) error {
	f.cancelAllCalled = true
	return nil
}

func (f *fakeTradingClient) Positions(ctx context.Context, symbol string) ([]exchange.PositionSnapshot, error) {
	return f.positions, nil
}

func (f *fakeTradingClient) PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (string, types.OrderStatus, error) {
	f.placedOrders = append(f.placedOrders, req)
	return "order-" + req.LinkID, types.OrderStatusNew, nil
}

func TestKillSwitchCanTradeDefaultsTrue(t *testing.T) {
	t.Parallel()
	ks := NewKillSwitch(&fakeKillSwitchStore{}, &fakeTradingClient{}, "BTCUSDT", testLogger())
	if !ks.CanTrade() {
		t.Error("expected CanTrade() to be true before activation")
	}
}

func TestKillSwitchActivatePersistsCancelsAndFlattens(t *testing.T) {
	t.Parallel()
	store := &fakeKillSwitchStore{}
	client := &fakeTradingClient{
		positions: []exchange.PositionSnapshot{
			{Symbol: "BTCUSDT", Qty: "1.5", Side: types.PositionLong},
		},
	}
	ks := NewKillSwitch(store, client, "BTCUSDT", testLogger())

	if err := ks.Activate(context.Background(), "test trigger"); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	if ks.CanTrade() {
		t.Error("expected CanTrade() false after activation")
	}
	if store.saves == 0 {
		t.Error("expected state to be persisted")
	}
	if !store.saved.TradingDisabled {
		t.Error("expected persisted state to have TradingDisabled=true")
	}
	if !client.cancelAllCalled {
		t.Error("expected CancelAll to be called")
	}
	if len(client.placedOrders) != 1 {
		t.Fatalf("expected 1 flattening order, got %d", len(client.placedOrders))
	}
	order := client.placedOrders[0]
	if order.Side != types.Sell {
		t.Errorf("expected Sell to close a Long position, got %s", order.Side)
	}
	if !order.ReduceOnly {
		t.Error("expected flattening order to be reduce-only")
	}
	if order.OrderType != types.OrderTypeMarket || order.TIF != types.TIFIOC {
		t.Errorf("expected market IOC order, got type=%s tif=%s", order.OrderType, order.TIF)
	}
}

func TestKillSwitchActivateClosesShortWithBuy(t *testing.T) {
	t.Parallel()
	client := &fakeTradingClient{
		positions: []exchange.PositionSnapshot{
			{Symbol: "BTCUSDT", Qty: "2", Side: types.PositionShort},
		},
	}
	ks := NewKillSwitch(&fakeKillSwitchStore{}, client, "BTCUSDT", testLogger())

	if err := ks.Activate(context.Background(), "test"); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if len(client.placedOrders) != 1 || client.placedOrders[0].Side != types.Buy {
		t.Errorf("expected Buy to close a Short position, got %+v", client.placedOrders)
	}
}

func TestKillSwitchActivateSkipsZeroPositions(t *testing.T) {
	t.Parallel()
	client := &fakeTradingClient{
		positions: []exchange.PositionSnapshot{
			{Symbol: "BTCUSDT", Qty: "0", Side: types.PositionNone},
		},
	}
	ks := NewKillSwitch(&fakeKillSwitchStore{}, client, "BTCUSDT", testLogger())

	if err := ks.Activate(context.Background(), "test"); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if len(client.placedOrders) != 0 {
		t.Errorf("expected no flattening orders for a zero-qty position, got %d", len(client.placedOrders))
	}
}

func TestKillSwitchReset(t *testing.T) {
	t.Parallel()
	store := &fakeKillSwitchStore{}
	client := &fakeTradingClient{}
	ks := NewKillSwitch(store, client, "BTCUSDT", testLogger())

	if err := ks.Activate(context.Background(), "test"); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if err := ks.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if !ks.CanTrade() {
		t.Error("expected CanTrade() true after reset")
	}
	if store.saved.TradingDisabled {
		t.Error("expected persisted state cleared after reset")
	}
}
