package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"bybit-trading-core/internal/config"
	"bybit-trading-core/pkg/types"
)

// rangeBBWidthPercentile is the upper bound for "narrow" BB-width that, in
// combination with low ADX and a flat ATR slope, defines a ranging regime
// for this strategy's own entry gate.
const rangeBBWidthPercentile = 0.3

// MeanReversion only fires inside a ranging regime (low ADX, narrow BB,
// flat ATR slope). It fades extended moves back toward VWAP and carries an
// anti-knife guard that blocks entries right after an ADX or ATR spike
// (§4.D.3). The stop-loss/take-profit levels it proposes here are turned
// into resting levels by the SL/TP Engine; that engine also force-closes
// the position once max_hold_bars elapses, since no position may hang
// forever waiting for VWAP to come back.
type MeanReversion struct {
	cfg config.StrategyCfg
}

// NewMeanReversion builds the strategy from its config block.
func NewMeanReversion(cfg config.StrategyCfg) *MeanReversion {
	return &MeanReversion{cfg: cfg}
}

func (s *MeanReversion) Name() string               { return "mean_reversion" }
func (s *MeanReversion) MinCandles() int             { return max(s.cfg.MinCandles, 25) }
func (s *MeanReversion) ConfidenceThreshold() float64 { return s.cfg.ConfidenceThreshold }

func (s *MeanReversion) GenerateSignal(frames []types.FeatureFrame, orderflow types.Orderbook) (*types.Signal, *types.RejectReason) {
	if len(frames) < s.MinCandles() {
		return nil, reject(RejectInsufficientHistory, map[string]any{"have": len(frames), "need": s.MinCandles()})
	}

	n := len(frames)
	curr := frames[n-1]

	adx, _ := curr.ADX.Float64()
	atrSlope := atrSlope(frames)
	bbWidths := floatSeries(frames, func(f types.FeatureFrame) float64 { v, _ := f.BBWidth.Float64(); return v })
	bbPctile := percentileRank(bbWidths, n-1)

	if !(adx < s.cfg.MinADX && bbPctile <= rangeBBWidthPercentile && abs(atrSlope) < s.cfg.AntiKnifeATRSlopeSpike) {
		return nil, reject("not_ranging", map[string]any{"adx": adx, "bb_percentile": bbPctile, "atr_slope": atrSlope})
	}

	deltaADX := adx - frames[n-2].ADX.InexactFloat64()
	if abs(deltaADX) >= s.cfg.AntiKnifeADXSpike || abs(atrSlope) >= s.cfg.AntiKnifeATRSlopeSpike {
		return nil, reject("anti_knife_guard", map[string]any{"delta_adx": deltaADX, "atr_slope": atrSlope})
	}

	vwapDistance, _ := curr.VWAPDistance.Float64()
	rsi, _ := curr.RSI.Float64()

	var direction types.Direction
	switch {
	case vwapDistance <= -s.cfg.VWAPDistanceThreshold && rsi <= s.cfg.RSIOversold:
		direction = types.DirectionLong
	case vwapDistance >= s.cfg.VWAPDistanceThreshold && rsi >= s.cfg.RSIOverbought:
		direction = types.DirectionShort
	default:
		return nil, reject("no_extension", map[string]any{"vwap_distance": vwapDistance, "rsi": rsi})
	}

	entryPrice := curr.Close
	atr, _ := curr.ATR.Float64()
	stopDistance := decimal.NewFromFloat(atr * s.cfg.SLATRMultiplier)
	var stopLoss decimal.Decimal
	if direction == types.DirectionLong {
		stopLoss = entryPrice.Sub(stopDistance)
	} else {
		stopLoss = entryPrice.Add(stopDistance)
	}

	confidence := 0.5 + 0.5*clamp01(abs(vwapDistance)/(s.cfg.VWAPDistanceThreshold*2))

	sig := &types.Signal{
		StrategyID: s.Name(),
		Symbol:     curr.Symbol,
		Direction:  direction,
		Confidence: confidence,
		EntryPrice: entryPrice,
		StopLoss:   stopLoss,
		TakeProfit: curr.VWAP, // mandatory exit: return to VWAP
		Reasons:    []string{"ranging_regime", "vwap_extension", "rsi_extreme"},
		Values: map[string]float64{
			"adx":           adx,
			"vwap_distance": vwapDistance,
			"rsi":           rsi,
		},
		Timestamp: time.Now(),
	}
	return sig, nil
}

func atrSlope(frames []types.FeatureFrame) float64 {
	n := len(frames)
	if n < 2 {
		return 0
	}
	curr, _ := frames[n-1].ATRPercent.Float64()
	prev, _ := frames[n-2].ATRPercent.Float64()
	return curr - prev
}
