package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"bybit-trading-core/internal/config"
	"bybit-trading-core/pkg/types"
)

const (
	entryModeConfirmClose = "confirm_close"
	entryModeLimitAtEMA   = "limit_at_ema"
)

// TrendPullback requires ADX confirming trend strength, EMA alignment for
// direction, and a pullback depth (measured in ATRs from EMA20) inside a
// configured entry zone. An optional liquidation-wick filter imposes a
// cooldown after a candle showing signs of a stop-run (§4.D.1).
type TrendPullback struct {
	cfg config.StrategyCfg
}

// NewTrendPullback builds the strategy from its config block.
func NewTrendPullback(cfg config.StrategyCfg) *TrendPullback {
	return &TrendPullback{cfg: cfg}
}

func (s *TrendPullback) Name() string               { return "trend_pullback" }
func (s *TrendPullback) MinCandles() int             { return max(s.cfg.MinCandles, 51) }
func (s *TrendPullback) ConfidenceThreshold() float64 { return s.cfg.ConfidenceThreshold }

func (s *TrendPullback) GenerateSignal(frames []types.FeatureFrame, orderflow types.Orderbook) (*types.Signal, *types.RejectReason) {
	if len(frames) < s.MinCandles() {
		return nil, reject(RejectInsufficientHistory, map[string]any{"have": len(frames), "need": s.MinCandles()})
	}

	f := lastFrame(frames)
	adx, _ := f.ADX.Float64()
	if adx < s.cfg.MinADX {
		return nil, reject("adx_below_min", map[string]any{"adx": adx, "min_adx": s.cfg.MinADX})
	}

	ema20, _ := f.EMA20.Float64()
	ema50, _ := f.EMA50.Float64()
	closeV, _ := f.Close.Float64()
	atr, _ := f.ATR.Float64()
	if atr == 0 {
		return nil, reject("atr_unavailable", nil)
	}

	var direction types.Direction
	switch {
	case ema20 > ema50:
		direction = types.DirectionLong
	case ema20 < ema50:
		direction = types.DirectionShort
	default:
		return nil, reject("no_ema_alignment", map[string]any{"ema20": ema20, "ema50": ema50})
	}

	pullbackATRs := (closeV - ema20) / atr
	if direction == types.DirectionShort {
		pullbackATRs = -pullbackATRs
	}
	if pullbackATRs < s.cfg.EntryZoneATRLow || pullbackATRs > s.cfg.EntryZoneATRHigh {
		return nil, reject("pullback_outside_entry_zone", map[string]any{
			"pullback_atrs": pullbackATRs,
			"zone_low":      s.cfg.EntryZoneATRLow,
			"zone_high":     s.cfg.EntryZoneATRHigh,
		})
	}

	if s.cfg.LiquidationCooldown > 0 {
		if liquidationWickCooldown(frames, s.cfg.LiquidationCooldown, s.cfg.LiquidationWickRatio, s.cfg.LiquidationATRMult, s.cfg.LiquidationVolPctile) {
			return nil, reject("liquidation_wick_cooldown_active", map[string]any{"window_bars": s.cfg.LiquidationCooldown})
		}
	}

	entryPrice := f.Close
	if s.cfg.EntryMode == entryModeLimitAtEMA {
		entryPrice = f.EMA20
	}

	stopDistance := decimal.NewFromFloat(atr * s.cfg.SLATRMultiplier)
	var stopLoss decimal.Decimal
	if direction == types.DirectionLong {
		stopLoss = entryPrice.Sub(stopDistance)
	} else {
		stopLoss = entryPrice.Add(stopDistance)
	}

	confidence := confidenceFromADX(adx, s.cfg.MinADX)

	sig := &types.Signal{
		StrategyID: s.Name(),
		Symbol:     f.Symbol,
		Direction:  direction,
		Confidence: confidence,
		EntryPrice: entryPrice,
		StopLoss:   stopLoss,
		Reasons:    []string{"adx_confirmed", "ema_aligned", "pullback_in_zone"},
		Values: map[string]float64{
			"adx":           adx,
			"pullback_atrs": pullbackATRs,
			"atr":           atr,
		},
		Timestamp: time.Now(),
	}
	return sig, nil
}

func confidenceFromADX(adx, minADX float64) float64 {
	if adx <= minADX {
		return 0.5
	}
	span := 50.0 - minADX
	if span <= 0 {
		return 1.0
	}
	c := 0.5 + 0.5*(adx-minADX)/span
	if c > 1 {
		c = 1
	}
	return c
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
