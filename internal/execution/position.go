package execution

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bybit-trading-core/internal/config"
	"bybit-trading-core/pkg/types"
)

// PositionManager is the authoritative, process-local view of exposure in
// one symbol (§4.H). One instance per symbol, single writer (the
// order-event dispatcher); readers see Snapshot() copies.
type PositionManager struct {
	mu  sync.RWMutex
	cfg config.RiskManagementConfig
	pos types.Position
}

// NewPositionManager starts a flat position for symbol.
func NewPositionManager(symbol string, cfg config.RiskManagementConfig) *PositionManager {
	return &PositionManager{
		cfg: cfg,
		pos: types.Position{Symbol: symbol, Side: types.PositionNone},
	}
}

// Snapshot returns a copy of the current position.
func (m *PositionManager) Snapshot() types.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pos
}

// OpenPosition opens a flat position with an initial fill. Equivalent to
// AddPartialFill on a Side=None position.
func (m *PositionManager) OpenPosition(side types.PositionSide, qty, price decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pos.Side != types.PositionNone && !m.pos.Qty.IsZero() {
		return fmt.Errorf("%w: open_position: %s already has an open %s position", types.ErrStateConflict, m.pos.Symbol, m.pos.Side)
	}
	m.pos.Side = side
	m.pos.Qty = qty
	m.pos.AvgEntryPrice = price
	m.pos.TotalQtyOpened = qty
	m.pos.TotalCost = qty.Mul(price)
	m.pos.OpenedAt = at
	m.pos.UpdatedAt = at
	return nil
}

// AddPartialFill applies a fill to the position. A same-side fill
// aggregates using the weighted-average formula
// `new_avg = (old_qty*old_avg + add_qty*add_price)/(old_qty+add_qty)`.
// An opposing-side fill reduces qty; when qty reaches zero the side
// flips to None. Flipping Long directly to Short within a single fill is
// forbidden (§4.H) — the caller must close first, then open anew on a
// separate intent; a reducing fill larger than the open qty is rejected
// whole with ErrStateConflict, leaving the position unchanged, rather than
// silently opening the other side.
func (m *PositionManager) AddPartialFill(fillSide types.Side, qty, price decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pos.Side == types.PositionNone || m.pos.Qty.IsZero() {
		side := types.PositionLong
		if fillSide == types.Sell {
			side = types.PositionShort
		}
		m.pos.Side = side
		m.pos.Qty = qty
		m.pos.AvgEntryPrice = price
		m.pos.TotalQtyOpened = qty
		m.pos.TotalCost = qty.Mul(price)
		m.pos.OpenedAt = at
		m.pos.UpdatedAt = at
		return nil
	}

	increasing := (m.pos.Side == types.PositionLong && fillSide == types.Buy) ||
		(m.pos.Side == types.PositionShort && fillSide == types.Sell)

	if increasing {
		oldQty, oldAvg := m.pos.Qty, m.pos.AvgEntryPrice
		newQty := oldQty.Add(qty)
		m.pos.AvgEntryPrice = oldQty.Mul(oldAvg).Add(qty.Mul(price)).Div(newQty)
		m.pos.Qty = newQty
		m.pos.TotalQtyOpened = m.pos.TotalQtyOpened.Add(qty)
		m.pos.TotalCost = m.pos.TotalCost.Add(qty.Mul(price))
		m.pos.UpdatedAt = at
		return nil
	}

	// Reducing fill.
	if qty.GreaterThan(m.pos.Qty) {
		return fmt.Errorf("%w: add_partial_fill: reducing fill qty %s exceeds open qty %s (forbidden same-event flip)", types.ErrStateConflict, qty, m.pos.Qty)
	}
	m.pos.Qty = m.pos.Qty.Sub(qty)
	m.pos.UpdatedAt = at
	if m.pos.Qty.IsZero() {
		m.pos.Side = types.PositionNone
		m.pos.AvgEntryPrice = decimal.Zero
	}
	return nil
}

// ClosePosition reduces the local open qty by q, up to the full open qty;
// it records the close locally and sends no order. Refuses q > current qty
// (§4.H).
func (m *PositionManager) ClosePosition(q decimal.Decimal, price decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q.GreaterThan(m.pos.Qty) {
		return fmt.Errorf("%w: close_position: requested qty %s exceeds open qty %s", types.ErrStateConflict, q, m.pos.Qty)
	}
	m.pos.Qty = m.pos.Qty.Sub(q)
	m.pos.UpdatedAt = at
	if m.pos.Qty.IsZero() {
		m.pos.Side = types.PositionNone
		m.pos.AvgEntryPrice = decimal.Zero
	}
	return nil
}

// Reconcile compares local state against the exchange's reported
// (qty, avg_price). Drift within tolerance (default 0.1% qty, 1% price)
// is ignored; anything larger overwrites local fields with exchange
// values and flags Discrepancy (§4.H).
func (m *PositionManager) Reconcile(exchangeQty, exchangeAvgPrice decimal.Decimal, at time.Time) types.Discrepancy {
	m.mu.Lock()
	defer m.mu.Unlock()

	qtyTolPct := m.cfg.ReconciliationQtyTolerancePct
	if qtyTolPct == 0 {
		qtyTolPct = 0.1
	}
	priceTolPct := m.cfg.ReconciliationPriceTolerancePct
	if priceTolPct == 0 {
		priceTolPct = 1.0
	}

	qtyDrift := pctDrift(m.pos.Qty, exchangeQty)
	priceDrift := pctDrift(m.pos.AvgEntryPrice, exchangeAvgPrice)

	m.pos.LastSyncAt = at

	if qtyDrift.GreaterThan(decimal.NewFromFloat(qtyTolPct)) || priceDrift.GreaterThan(decimal.NewFromFloat(priceTolPct)) {
		m.pos.Discrepancy = types.Discrepancy{
			Detected: true,
			Details: fmt.Sprintf("local qty=%s price=%s vs exchange qty=%s price=%s (drift qty=%s%% price=%s%%)",
				m.pos.Qty, m.pos.AvgEntryPrice, exchangeQty, exchangeAvgPrice, qtyDrift, priceDrift),
		}
		m.pos.Qty = exchangeQty
		m.pos.AvgEntryPrice = exchangeAvgPrice
		if exchangeQty.IsZero() {
			m.pos.Side = types.PositionNone
		}
		return m.pos.Discrepancy
	}

	m.pos.Discrepancy = types.Discrepancy{}
	return m.pos.Discrepancy
}

// pctDrift returns |a-b|/max(|a|,epsilon) * 100, so a zero local value
// against a nonzero exchange value reads as 100% drift rather than
// dividing by zero.
func pctDrift(local, exchange decimal.Decimal) decimal.Decimal {
	base := local.Abs()
	if base.IsZero() {
		if exchange.IsZero() {
			return decimal.Zero
		}
		return decimal.NewFromInt(100)
	}
	return local.Sub(exchange).Abs().Div(base).Mul(decimal.NewFromInt(100))
}
