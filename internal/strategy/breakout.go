package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"bybit-trading-core/internal/config"
	"bybit-trading-core/pkg/types"
)

const (
	entryModeInstant = "instant"
	entryModeRetest  = "retest"
)

// Breakout fires when a volatility squeeze (tight BB-width, low percentile
// rank) resolves into an expansion (rising ATR percentile) accompanied by an
// above-threshold volume z-score, with direction set by which Bollinger band
// the close pierced (§4.D.2).
type Breakout struct {
	cfg config.StrategyCfg
}

// NewBreakout builds the strategy from its config block.
func NewBreakout(cfg config.StrategyCfg) *Breakout {
	return &Breakout{cfg: cfg}
}

func (s *Breakout) Name() string               { return "breakout" }
func (s *Breakout) MinCandles() int             { return max(s.cfg.MinCandles, 25) }
func (s *Breakout) ConfidenceThreshold() float64 { return s.cfg.ConfidenceThreshold }

func (s *Breakout) GenerateSignal(frames []types.FeatureFrame, orderflow types.Orderbook) (*types.Signal, *types.RejectReason) {
	if len(frames) < s.MinCandles() {
		return nil, reject(RejectInsufficientHistory, map[string]any{"have": len(frames), "need": s.MinCandles()})
	}

	n := len(frames)
	prev := frames[n-2]
	curr := frames[n-1]

	bbWidths := floatSeries(frames, func(f types.FeatureFrame) float64 { v, _ := f.BBWidth.Float64(); return v })
	atrPercents := floatSeries(frames, func(f types.FeatureFrame) float64 { v, _ := f.ATRPercent.Float64(); return v })

	squeezePctile := percentileRank(bbWidths, n-2)
	if squeezePctile > s.cfg.BBWidthSqueezePctile {
		return nil, reject("no_squeeze", map[string]any{"squeeze_percentile": squeezePctile, "threshold": s.cfg.BBWidthSqueezePctile})
	}

	expansionPctile := percentileRank(atrPercents, n-1)
	if expansionPctile < s.cfg.VolExpansionPctile {
		return nil, reject("no_expansion", map[string]any{"expansion_percentile": expansionPctile, "threshold": s.cfg.VolExpansionPctile})
	}

	volZ, _ := curr.VolumeZScore.Float64()
	if volZ < s.cfg.VolumeZThreshold {
		return nil, reject("volume_below_threshold", map[string]any{"volume_z": volZ, "threshold": s.cfg.VolumeZThreshold})
	}

	var direction types.Direction
	switch {
	case curr.Close.GreaterThan(prev.BBUpper):
		direction = types.DirectionLong
	case curr.Close.LessThan(prev.BBLower):
		direction = types.DirectionShort
	default:
		return nil, reject("no_band_break", nil)
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

	confidence := 0.5 + 0.5*clamp01((volZ-s.cfg.VolumeZThreshold)/(s.cfg.VolumeZThreshold+1))

	sig := &types.Signal{
		StrategyID: s.Name(),
		Symbol:     curr.Symbol,
		Direction:  direction,
		Confidence: confidence,
		EntryPrice: entryPrice,
		StopLoss:   stopLoss,
		Reasons:    []string{"bb_squeeze", "volatility_expansion", "volume_confirmed"},
		Values: map[string]float64{
			"squeeze_percentile":   squeezePctile,
			"expansion_percentile": expansionPctile,
			"volume_z":             volZ,
		},
		Timestamp: time.Now(),
	}
	return sig, nil
}

func floatSeries(frames []types.FeatureFrame, pick func(types.FeatureFrame) float64) []float64 {
	out := make([]float64, len(frames))
	for i, f := range frames {
		out[i] = pick(f)
	}
	return out
}

// percentileRank returns the fraction of values in series that are <= the
// value at idx, i.e. where that value sits in the series' own distribution.
func percentileRank(series []float64, idx int) float64 {
	if len(series) == 0 || idx < 0 || idx >= len(series) {
		return 0
	}
	target := series[idx]
	count := 0
	for _, v := range series {
		if v <= target {
			count++
		}
	}
	return float64(count) / float64(len(series))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
