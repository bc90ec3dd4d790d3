package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bybit-trading-core/internal/exchange"
	"bybit-trading-core/pkg/types"
)

// killSwitchStore is the subset of the durable store the kill switch needs;
// kept as an interface so tests can supply a fake without pulling in sqlite.
type killSwitchStore interface {
	SaveKillSwitch(state types.KillSwitchState) error
	LoadKillSwitch() (types.KillSwitchState, error)
}

// tradingClient is the subset of *exchange.Client needed to halt trading.
type tradingClient interface {
	CancelAll(ctx context.Context, symbol string) error
	Positions(ctx context.Context, symbol string) ([]exchange.PositionSnapshot, error)
	PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (string, types.OrderStatus, error)
}

// KillSwitch is the process-wide trading halt. Activate must win over any
// concurrently-running signal→execute iteration: every mutating call in
// the pipeline checks CanTrade() before acting, and Activate itself does
// not wait for the pipeline to reach a safe point — it cancels and closes
// unconditionally (§4.J).
type KillSwitch struct {
	mu     sync.Mutex
	store  killSwitchStore
	client tradingClient
	symbol string
	logger *slog.Logger

	state types.KillSwitchState
}

// NewKillSwitch restores persisted state (if any) and wires the exchange
// client used to cancel orders and flatten positions on activation.
func NewKillSwitch(store killSwitchStore, client tradingClient, symbol string, logger *slog.Logger) *KillSwitch {
	ks := &KillSwitch{
		store:  store,
		client: client,
		symbol: symbol,
		logger: logger.With("component", "kill_switch"),
	}
	if state, err := store.LoadKillSwitch(); err == nil {
		ks.state = state
	}
	return ks
}

// CanTrade reports whether trading is currently permitted.
func (k *KillSwitch) CanTrade() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return !k.state.TradingDisabled
}

// Activate persists trading_disabled=true, cancels every open order, closes
// every remaining position with a market IOC reduce-only order, and logs a
// stop event — in that order, per §4.J. Symbols acted on come from live
// exchange state, never a hard-coded list.
func (k *KillSwitch) Activate(ctx context.Context, reason string) error {
	k.mu.Lock()
	k.state = types.KillSwitchState{TradingDisabled: true, Reason: reason, ActivatedAt: time.Now()}
	if err := k.store.SaveKillSwitch(k.state); err != nil {
		k.mu.Unlock()
		return fmt.Errorf("persist kill switch: %w", err)
	}
	k.mu.Unlock()

	k.logger.Error("KILL SWITCH ACTIVATED", "reason", reason)

	if err := k.client.CancelAll(ctx, k.symbol); err != nil {
		k.logger.Error("kill switch: cancel all failed", "error", err)
	}

	positions, err := k.client.Positions(ctx, k.symbol)
	if err != nil {
		k.logger.Error("kill switch: fetch positions failed", "error", err)
		return nil
	}

	for _, pos := range positions {
		if pos.Qty == "" || pos.Qty == "0" {
			continue
		}
		closingSide := types.Sell
		if pos.Side == types.PositionShort {
			closingSide = types.Buy
		}
		_, _, err := k.client.PlaceOrder(ctx, exchange.PlaceOrderRequest{
			Symbol:     pos.Symbol,
			Side:       closingSide,
			Qty:        pos.Qty,
			OrderType:  types.OrderTypeMarket,
			TIF:        types.TIFIOC,
			ReduceOnly: true,
			LinkID:     fmt.Sprintf("killswitch_%s_%d", pos.Symbol, time.Now().UnixNano()),
		})
		if err != nil {
			k.logger.Error("kill switch: failed to flatten position", "symbol", pos.Symbol, "error", err)
		}
	}

	k.logger.Error("KILL SWITCH: trading halted, all orders cancelled, positions flattened")
	return nil
}

// Reset clears the trading_disabled flag after manual confirmation.
func (k *KillSwitch) Reset() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.state = types.KillSwitchState{}
	return k.store.SaveKillSwitch(k.state)
}

// State returns a copy of the current kill-switch state.
func (k *KillSwitch) State() types.KillSwitchState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}
