package strategy

import "bybit-trading-core/pkg/types"

// liquidationWickCooldown scans the most recent window bars (excluding the
// current bar) for a candle whose wick ratio, ATR move, and volume all
// exceed the configured thresholds, and reports whether one was found
// (cooldown active). This mirrors the windowed-eviction shape
// used elsewhere in this codebase for detecting bursts of adverse activity,
// adapted here to bar counts instead of wall-clock time since strategies
// only ever see closed-candle history.
func liquidationWickCooldown(frames []types.FeatureFrame, window int, wickRatioThreshold, atrMoveMultiplier, volPercentile float64) bool {
	n := len(frames)
	if n < 2 || window <= 0 {
		return false
	}

	start := n - 1 - window
	if start < 0 {
		start = 0
	}

	volThresholdIdx := volumePercentileIndex(frames, volPercentile)

	for i := n - 2; i >= start; i-- {
		f := frames[i]
		if isLiquidationWick(f, wickRatioThreshold, atrMoveMultiplier, volThresholdIdx) {
			return true
		}
	}
	return false
}

func isLiquidationWick(f types.FeatureFrame, wickRatioThreshold, atrMoveMultiplier float64, volThreshold float64) bool {
	open := f.Open.InexactFloat64()
	closeV := f.Close.InexactFloat64()
	high := f.High.InexactFloat64()
	low := f.Low.InexactFloat64()
	atr := f.ATR.InexactFloat64()
	volume := f.Volume.InexactFloat64()

	body := abs(closeV - open)
	wickSpan := high - low
	if body == 0 || atr == 0 {
		return false
	}

	wickRatio := wickSpan / body
	move := abs(high-low) / atr

	return wickRatio > wickRatioThreshold && move > atrMoveMultiplier && volume > volThreshold
}

// volumePercentileIndex returns the volume value at the given percentile
// (0-1) across the full frame history, used as a "high percentile" cutoff
// for the liquidation-wick filter.
func volumePercentileIndex(frames []types.FeatureFrame, percentile float64) float64 {
	if len(frames) == 0 {
		return 0
	}
	volumes := make([]float64, len(frames))
	for i, f := range frames {
		volumes[i] = f.Volume.InexactFloat64()
	}
	sortFloats(volumes)

	idx := int(percentile * float64(len(volumes)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(volumes) {
		idx = len(volumes) - 1
	}
	return volumes[idx]
}

func sortFloats(v []float64) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j-1] > v[j]; j-- {
			v[j-1], v[j] = v[j], v[j-1]
		}
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
