package meta

import "bybit-trading-core/pkg/types"

const (
	regimeRangeMaxADX      = 20.0
	regimeRangeMaxBBWidth  = 0.03
	regimeHighVolATRPct    = 6.0
	regimeTrendMinADX      = 25.0
)

// RegimeSwitcher classifies the current market regime from ADX, BB-width,
// and ATR percent of the most recent base-timeframe frame (§4.E.2). The
// ATR slope is not part of the classification.
type RegimeSwitcher struct{}

// NewRegimeSwitcher builds a stateless classifier.
func NewRegimeSwitcher() *RegimeSwitcher { return &RegimeSwitcher{} }

// Classify returns the regime label for the most recent frame in a series.
func (r *RegimeSwitcher) Classify(frames []types.FeatureFrame) types.Regime {
	if len(frames) == 0 {
		return types.RegimeRange
	}
	last := frames[len(frames)-1]
	adx, _ := last.ADX.Float64()
	bbWidth, _ := last.BBWidth.Float64()
	atrPct, _ := last.ATRPercent.Float64()

	if atrPct > regimeHighVolATRPct {
		return types.RegimeHighVol
	}
	if adx < regimeRangeMaxADX && bbWidth < regimeRangeMaxBBWidth {
		return types.RegimeRange
	}
	if adx >= regimeTrendMinADX {
		ema20, _ := last.EMA20.Float64()
		ema50, _ := last.EMA50.Float64()
		if ema20 >= ema50 {
			return types.RegimeTrendUp
		}
		return types.RegimeTrendDown
	}
	return types.RegimeRange
}
