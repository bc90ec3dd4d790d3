// Package risk sizes accepted signals into orders and enforces the
// portfolio-level limits that gate them (§4.F), plus the global
// kill-switch (§4.J) that can halt trading out-of-band from the normal
// signal→execute loop.
package risk

import (
	"log/slog"

	"github.com/shopspring/decimal"

	"bybit-trading-core/internal/config"
	"bybit-trading-core/pkg/types"
)

// violation is one failing portfolio-limit check, reported alongside every
// other check that failed on the same signal rather than short-circuiting
// on the first (§7 risk-denial contract).
type violation struct {
	Check   string `json:"check"`
	Current any    `json:"current"`
	Limit   any    `json:"limit"`
}

// SizedOrder is the Risk Engine's output for an accepted signal: a
// rounded, venue-ready quantity and price, plus the intermediate values
// used to reach them (returned on success for logging, per §4.F).
type SizedOrder struct {
	Qty              decimal.Decimal
	Price            decimal.Decimal
	Notional         decimal.Decimal
	RequiredLeverage decimal.Decimal
	RiskUSD          decimal.Decimal
}

// Manager sizes signals and enforces the hard limits in §4.F.
type Manager struct {
	cfg    config.RiskManagementConfig
	logger *slog.Logger
}

// NewManager builds a risk manager from risk_management config.
func NewManager(cfg config.RiskManagementConfig, logger *slog.Logger) *Manager {
	return &Manager{cfg: cfg, logger: logger.With("component", "risk")}
}

// Size produces a sized order from an accepted signal and the current
// account/exposure state, or a coded reject reason (§4.F).
func (m *Manager) Size(
	sig types.Signal,
	account types.AccountState,
	instrument types.Instrument,
	totalExposureUSD decimal.Decimal,
	openPositionsCount int,
) (*SizedOrder, *types.RejectReason) {
	if sig.EntryPrice.LessThanOrEqual(decimal.Zero) {
		return nil, reject("price_non_positive", map[string]any{"entry_price": sig.EntryPrice})
	}

	stopDistance := sig.EntryPrice.Sub(sig.StopLoss).Abs()
	if stopDistance.IsZero() {
		return nil, reject("qty_non_positive", map[string]any{"stop_distance": stopDistance})
	}

	stopDistancePct := stopDistance.Div(sig.EntryPrice).Mul(decimal.NewFromInt(100))
	minStopPct := decimal.NewFromFloat(m.cfg.MinStopDistancePercent)
	if stopDistancePct.LessThan(minStopPct) {
		return nil, reject("stop_distance_below_min", map[string]any{
			"stop_distance_pct": stopDistancePct,
			"min":               m.cfg.MinStopDistancePercent,
		})
	}

	riskUSD := account.Equity.Mul(decimal.NewFromFloat(m.cfg.PositionRiskPercent)).Div(decimal.NewFromInt(100))
	qty := riskUSD.Div(stopDistance)
	qty = instrument.RoundQty(qty)
	price := instrument.RoundPrice(sig.EntryPrice)

	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, reject("qty_non_positive", map[string]any{"qty": qty})
	}

	notional := qty.Mul(price)
	var requiredLeverage decimal.Decimal
	if account.Cash.GreaterThan(decimal.Zero) {
		requiredLeverage = notional.Div(account.Cash)
	}

	// Every portfolio-level limit below is checked independently of the
	// others, and every failure is collected, so a signal that blows
	// through several limits at once is reported as one denial naming
	// every violated check rather than whichever happened to be tested
	// first (§7/§8).
	var violations []violation

	maxDailyLoss := account.Equity.Mul(decimal.NewFromFloat(m.cfg.MaxDailyLossPercent)).Div(decimal.NewFromInt(100))
	if account.DailyLoss.GreaterThanOrEqual(maxDailyLoss) {
		violations = append(violations, violation{Check: "daily_loss", Current: account.DailyLoss, Limit: maxDailyLoss})
	}

	if openPositionsCount >= m.cfg.MaxTotalOpenPositions {
		violations = append(violations, violation{Check: "open_positions", Current: openPositionsCount, Limit: m.cfg.MaxTotalOpenPositions})
	}

	maxNotional := decimal.NewFromFloat(m.cfg.MaxNotional)
	if notional.GreaterThan(maxNotional) {
		violations = append(violations, violation{Check: "notional", Current: notional, Limit: maxNotional})
	}

	maxExposure := decimal.NewFromFloat(m.cfg.MaxOpenExposureUSD)
	exposureAfter := totalExposureUSD.Add(notional)
	if exposureAfter.GreaterThan(maxExposure) {
		violations = append(violations, violation{Check: "exposure", Current: exposureAfter, Limit: maxExposure})
	}

	maxLeverage := decimal.NewFromFloat(m.cfg.MaxLeverage)
	if requiredLeverage.GreaterThan(maxLeverage) {
		violations = append(violations, violation{Check: "leverage", Current: requiredLeverage, Limit: maxLeverage})
	}

	recommendedQty := riskUSD.Div(stopDistance)
	toleranceBand := m.cfg.SizeToleranceBand
	if toleranceBand == 0 {
		toleranceBand = 1.10
	}
	maxAllowedQty := recommendedQty.Mul(decimal.NewFromFloat(toleranceBand))
	if qty.GreaterThan(maxAllowedQty) {
		violations = append(violations, violation{Check: "qty_tolerance_band", Current: qty, Limit: maxAllowedQty})
	}

	if len(violations) > 0 {
		m.logger.Info("risk limit violation",
			"strategy", sig.StrategyID,
			"symbol", sig.Symbol,
			"violations", violations,
		)
		return nil, reject("risk_limit_violation", map[string]any{"violations": violations})
	}

	sized := &SizedOrder{
		Qty:              qty,
		Price:            price,
		Notional:         notional,
		RequiredLeverage: requiredLeverage,
		RiskUSD:          riskUSD,
	}
	m.logger.Info("signal sized",
		"strategy", sig.StrategyID,
		"symbol", sig.Symbol,
		"qty", qty.String(),
		"price", price.String(),
		"notional", notional.String(),
		"required_leverage", requiredLeverage.String(),
	)
	return sized, nil
}

func reject(code string, values map[string]any) *types.RejectReason {
	return &types.RejectReason{Code: code, Values: values}
}
