package execution

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"bybit-trading-core/internal/config"
	"bybit-trading-core/pkg/types"
)

// sltpClient is the subset of the Order Engine / exchange client the
// SL/TP Engine needs to attach exchange-side stops or flatten a
// virtual-mode breach.
type sltpClient interface {
	SetTradingStop(ctx context.Context, symbol string, sl, tp decimal.Decimal) error
	CreateOrder(ctx context.Context, req CreateOrderRequest) (types.Order, error)
}

// SLTPEngine computes and enforces stop-loss/take-profit levels for open
// positions (§4.I).
type SLTPEngine struct {
	cfg    config.StopLossTPConfig
	client sltpClient
	logger *slog.Logger
}

// NewSLTPEngine builds an SL/TP engine from stop_loss_tp config.
func NewSLTPEngine(cfg config.StopLossTPConfig, client sltpClient, logger *slog.Logger) *SLTPEngine {
	return &SLTPEngine{cfg: cfg, client: client, logger: logger.With("component", "sltp")}
}

// Compute derives the SL/TP levels for a freshly opened position.
// sl_distance/tp_distance take the larger of an ATR multiple and a
// percent-of-entry fallback, then are floored at the configured minimum
// distances.
func (e *SLTPEngine) Compute(symbol string, side types.PositionSide, entryPrice, entryQty, atr decimal.Decimal, maxHoldBars int) types.SLTPLevels {
	slDistance := maxDecimal(
		atr.Mul(decimal.NewFromFloat(e.cfg.SLATRMultiplier)),
		entryPrice.Mul(decimal.NewFromFloat(e.cfg.SLPercentFallback)),
	)
	tpDistance := maxDecimal(
		atr.Mul(decimal.NewFromFloat(e.cfg.TPATRMultiplier)),
		entryPrice.Mul(decimal.NewFromFloat(e.cfg.TPPercentFallback)),
	)
	slDistance = maxDecimal(slDistance, decimal.NewFromFloat(e.cfg.MinSLDistance))
	tpDistance = maxDecimal(tpDistance, decimal.NewFromFloat(e.cfg.MinTPDistance))

	var sl, tp decimal.Decimal
	if side == types.PositionLong {
		sl = entryPrice.Sub(slDistance)
		tp = entryPrice.Add(tpDistance)
	} else {
		sl = entryPrice.Add(slDistance)
		tp = entryPrice.Sub(tpDistance)
	}

	mode := types.SLTPVirtual
	if e.cfg.UseExchangeSLTP {
		mode = types.SLTPExchangeAttached
	}

	return types.SLTPLevels{
		PositionSymbol: symbol,
		Side:           side,
		EntryPrice:     entryPrice,
		EntryQty:       entryQty,
		ATR:            atr,
		SLPrice:        sl,
		TPPrice:        tp,
		Mode:           mode,
		MaxHoldBars:    maxHoldBars,
	}
}

// CheckTimeStop reports whether a position has been held for max_hold_bars
// and must be force-closed regardless of price action (§4.D.3). A
// MaxHoldBars of zero means the strategy that opened the position doesn't
// declare a time stop.
func (e *SLTPEngine) CheckTimeStop(levels types.SLTPLevels) bool {
	return levels.MaxHoldBars > 0 && levels.HoldBars >= levels.MaxHoldBars
}

// Attach applies exchange-side trading-stop parameters when configured
// for ExchangeAttached mode. Virtual-mode levels are not sent to the
// venue; CheckBreach/EnforceVirtualBreach handle them locally.
func (e *SLTPEngine) Attach(ctx context.Context, levels types.SLTPLevels) error {
	if levels.Mode != types.SLTPExchangeAttached {
		return nil
	}
	return e.client.SetTradingStop(ctx, levels.PositionSymbol, levels.SLPrice, levels.TPPrice)
}

// CheckBreach reports whether the current price has crossed a Virtual
// level. Exchange-attached levels are enforced by the venue, not here.
func (e *SLTPEngine) CheckBreach(levels types.SLTPLevels, currentPrice decimal.Decimal) (breached bool, hitSL bool) {
	if levels.Mode != types.SLTPVirtual {
		return false, false
	}
	if levels.Side == types.PositionLong {
		if currentPrice.LessThanOrEqual(levels.SLPrice) {
			return true, true
		}
		if currentPrice.GreaterThanOrEqual(levels.TPPrice) {
			return true, false
		}
		return false, false
	}
	if currentPrice.GreaterThanOrEqual(levels.SLPrice) {
		return true, true
	}
	if currentPrice.LessThanOrEqual(levels.TPPrice) {
		return true, false
	}
	return false, false
}

// EnforceVirtualBreach issues the market reduce-only order that flattens
// a position whose Virtual SL/TP level has been breached.
func (e *SLTPEngine) EnforceVirtualBreach(ctx context.Context, levels types.SLTPLevels, req CreateOrderRequest) (types.Order, error) {
	req.ReduceOnly = true
	req.OrderType = types.OrderTypeMarket
	req.TIF = types.TIFIOC
	order, err := e.client.CreateOrder(ctx, req)
	if err != nil {
		return types.Order{}, fmt.Errorf("enforce virtual breach: %w", err)
	}
	return order, nil
}

// UpdateTrailing keeps SL trailing_multiplier*atr behind the current
// price: a long's SL is raised to price-trail, a short's lowered to
// price+trail, whenever that is tighter than the current SL. It does not
// wait for price to move beyond entry first, and it never moves SL
// adversely. Returns the (possibly unchanged) levels.
func (e *SLTPEngine) UpdateTrailing(levels types.SLTPLevels, currentPrice decimal.Decimal) types.SLTPLevels {
	if e.cfg.TrailingMultiplier <= 0 {
		return levels
	}
	trail := levels.ATR.Mul(decimal.NewFromFloat(e.cfg.TrailingMultiplier))

	if levels.Side == types.PositionLong {
		candidate := currentPrice.Sub(trail)
		if candidate.GreaterThan(levels.SLPrice) {
			levels.SLPrice = candidate
		}
		return levels
	}

	candidate := currentPrice.Add(trail)
	if candidate.LessThan(levels.SLPrice) {
		levels.SLPrice = candidate
	}
	return levels
}

func maxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}
