// Package feature computes technical indicators and regime labels from
// candle series. build_features is a pure function: same input candles
// always produce the same FeatureFrame output, with no hidden clock or
// I/O dependency, so strategies downstream can be tested deterministically.
package feature

import (
	"math"

	"github.com/shopspring/decimal"

	"bybit-trading-core/pkg/types"
)

const (
	emaFastPeriod  = 20
	emaSlowPeriod  = 50
	atrPeriod      = 14
	adxPeriod      = 14
	rsiPeriod      = 14
	bbPeriod       = 20
	bbStdDevs      = 2.0
	volZScorePeriod = 20

	volRegimeHiThreshold = 6.0 // atr_percent above this -> high vol regime
	volRegimeLoThreshold = 1.5 // atr_percent below this -> low vol regime

	anomalySpreadPct       = 0.02
	anomalyWickRatio       = 3.0
	anomalyDepthImbalance  = 0.9
)

// Build computes a FeatureFrame for every candle in the series. Deterministic
// given the same candles; no default fallbacks are substituted for indicators
// that cannot yet be computed — early candles in the warmup window carry
// zero-valued indicator fields until enough history accumulates, exactly as
// many bars as each indicator's period requires. The rolling VWAP is the
// exception: it averages whatever bars are available from the first candle on.
func Build(candles []types.Candle) []types.FeatureFrame {
	n := len(candles)
	frames := make([]types.FeatureFrame, n)
	if n == 0 {
		return frames
	}

	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	for i, c := range candles {
		closes[i] = c.Close.InexactFloat64()
		highs[i] = c.High.InexactFloat64()
		lows[i] = c.Low.InexactFloat64()
		volumes[i] = c.Volume.InexactFloat64()
	}

	ema20 := ema(closes, emaFastPeriod)
	ema50 := ema(closes, emaSlowPeriod)
	trueRanges := trueRange(highs, lows, closes)
	atr := wilderSmooth(trueRanges, atrPeriod)
	adx := adxSeries(highs, lows, closes, adxPeriod)
	rsi := rsiSeries(closes, rsiPeriod)
	bbUpper, bbLower := bollinger(closes, bbPeriod, bbStdDevs)
	vwap := rollingVWAP(closes, volumes, bbPeriod)
	volZ := zScore(volumes, volZScorePeriod)

	for i := range candles {
		f := types.FeatureFrame{Candle: candles[i]}
		f.EMA20 = decFromFloat(ema20[i])
		f.EMA50 = decFromFloat(ema50[i])
		f.ATR = decFromFloat(atr[i])
		if closes[i] != 0 {
			f.ATRPercent = decFromFloat(atr[i] / closes[i] * 100)
		}
		f.ADX = decFromFloat(adx[i])
		f.RSI = decFromFloat(rsi[i])
		f.BBUpper = decFromFloat(bbUpper[i])
		f.BBLower = decFromFloat(bbLower[i])
		if closes[i] != 0 {
			f.BBWidth = decFromFloat((bbUpper[i] - bbLower[i]) / closes[i])
		}
		f.VWAP = decFromFloat(vwap[i])
		if vwap[i] != 0 {
			f.VWAPDistance = decFromFloat((closes[i] - vwap[i]) / vwap[i])
		}
		f.VolumeZScore = decFromFloat(volZ[i])

		atrPct, _ := f.ATRPercent.Float64()
		switch {
		case atrPct > volRegimeHiThreshold:
			f.VolRegime = types.VolRegimeHigh
		case atrPct < volRegimeLoThreshold:
			f.VolRegime = types.VolRegimeLow
		default:
			f.VolRegime = types.VolRegimeNormal
		}

		f.HasAnomaly = detectAnomaly(candles[i], f)

		frames[i] = f
	}

	return frames
}

func detectAnomaly(c types.Candle, f types.FeatureFrame) bool {
	high := c.High.InexactFloat64()
	low := c.Low.InexactFloat64()
	open := c.Open.InexactFloat64()
	closeV := c.Close.InexactFloat64()

	body := math.Abs(closeV - open)
	wickSpan := high - low
	return body > 0 && wickSpan/body > anomalyWickRatio
}

// ApplyOrderflowAnomaly ORs the orderbook-derived anomaly conditions (wide
// spread, extreme depth imbalance) onto the most recent frame's has_anomaly
// flag. Build is a pure function of candles alone (§4.C); orderflow state
// lives on the orderbook snapshot, so this is a separate step the assembler
// applies after fetching the latest book.
func ApplyOrderflowAnomaly(frames []types.FeatureFrame, ob types.Orderbook) {
	if len(frames) == 0 {
		return
	}
	last := &frames[len(frames)-1]
	spreadPct, _ := ob.SpreadPct.Abs().Float64()
	depthImbalance, _ := ob.DepthImbalance.Abs().Float64()
	if spreadPct > anomalySpreadPct || depthImbalance > anomalyDepthImbalance {
		last.HasAnomaly = true
	}
}

func decFromFloat(v float64) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v)
}

// ema computes the exponential moving average with smoothing factor
// 2/(period+1), seeded by a simple average of the first `period` closes.
func ema(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if period <= 0 || len(values) == 0 {
		return out
	}
	alpha := 2.0 / float64(period+1)
	var sum float64
	for i, v := range values {
		if i < period {
			sum += v
			if i == period-1 {
				out[i] = sum / float64(period)
			}
			continue
		}
		out[i] = alpha*v + (1-alpha)*out[i-1]
	}
	return out
}

func trueRange(highs, lows, closes []float64) []float64 {
	out := make([]float64, len(highs))
	for i := range highs {
		if i == 0 {
			out[i] = highs[i] - lows[i]
			continue
		}
		hl := highs[i] - lows[i]
		hc := math.Abs(highs[i] - closes[i-1])
		lc := math.Abs(lows[i] - closes[i-1])
		out[i] = math.Max(hl, math.Max(hc, lc))
	}
	return out
}

// wilderSmooth applies Wilder's smoothing (used for ATR and ADX), seeded
// by the simple average of the first `period` values.
func wilderSmooth(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if period <= 0 || len(values) == 0 {
		return out
	}
	var sum float64
	for i, v := range values {
		if i < period {
			sum += v
			if i == period-1 {
				out[i] = sum / float64(period)
			}
			continue
		}
		out[i] = (out[i-1]*float64(period-1) + v) / float64(period)
	}
	return out
}

// adxSeries computes the Average Directional Index via Wilder-smoothed
// +DM/-DM and the resulting DX.
func adxSeries(highs, lows, closes []float64, period int) []float64 {
	n := len(highs)
	out := make([]float64, n)
	if n < 2 || period <= 0 {
		return out
	}

	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	tr := trueRange(highs, lows, closes)

	for i := 1; i < n; i++ {
		upMove := highs[i] - highs[i-1]
		downMove := lows[i-1] - lows[i]
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
	}

	smoothedTR := wilderSmooth(tr, period)
	smoothedPlusDM := wilderSmooth(plusDM, period)
	smoothedMinusDM := wilderSmooth(minusDM, period)

	dx := make([]float64, n)
	for i := 0; i < n; i++ {
		if smoothedTR[i] == 0 {
			continue
		}
		plusDI := 100 * smoothedPlusDM[i] / smoothedTR[i]
		minusDI := 100 * smoothedMinusDM[i] / smoothedTR[i]
		sum := plusDI + minusDI
		if sum == 0 {
			continue
		}
		dx[i] = 100 * math.Abs(plusDI-minusDI) / sum
	}

	return wilderSmooth(dx, period)
}

func rsiSeries(closes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	if period <= 0 || len(closes) == 0 {
		return out
	}
	var gain, loss float64
	for i := 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		if i <= period {
			if d > 0 {
				gain += d
			} else {
				loss -= d
			}
			if i == period {
				avgGain := gain / float64(period)
				avgLoss := loss / float64(period)
				out[i] = rsiFromAvg(avgGain, avgLoss)
			}
			continue
		}
		if d > 0 {
			gain = (gain*float64(period-1) + d) / float64(period)
			loss = (loss * float64(period-1)) / float64(period)
		} else {
			gain = (gain * float64(period-1)) / float64(period)
			loss = (loss*float64(period-1) - d) / float64(period)
		}
		out[i] = rsiFromAvg(gain, loss)
	}
	return out
}

func rsiFromAvg(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

func bollinger(closes []float64, period int, numStdDev float64) (upper, lower []float64) {
	n := len(closes)
	upper = make([]float64, n)
	lower = make([]float64, n)
	if period <= 1 {
		return
	}
	var sum, sumSq float64
	for i := 0; i < n; i++ {
		x := closes[i]
		sum += x
		sumSq += x * x
		if i >= period {
			y := closes[i-period]
			sum -= y
			sumSq -= y * y
		}
		if i >= period-1 {
			mean := sum / float64(period)
			variance := math.Max(sumSq/float64(period)-mean*mean, 0)
			std := math.Sqrt(variance)
			upper[i] = mean + numStdDev*std
			lower[i] = mean - numStdDev*std
		}
	}
	return
}

// rollingVWAP computes a volume-weighted average price over a rolling window.
func rollingVWAP(closes, volumes []float64, period int) []float64 {
	n := len(closes)
	out := make([]float64, n)
	if period <= 0 {
		return out
	}
	var pvSum, vSum float64
	for i := 0; i < n; i++ {
		pv := closes[i] * volumes[i]
		pvSum += pv
		vSum += volumes[i]
		if i >= period {
			j := i - period
			pvSum -= closes[j] * volumes[j]
			vSum -= volumes[j]
		}
		if vSum > 0 {
			out[i] = pvSum / vSum
		}
	}
	return out
}

func zScore(values []float64, period int) []float64 {
	n := len(values)
	out := make([]float64, n)
	if period <= 1 {
		return out
	}
	var sum, sumSq float64
	for i := 0; i < n; i++ {
		x := values[i]
		sum += x
		sumSq += x * x
		if i >= period {
			y := values[i-period]
			sum -= y
			sumSq -= y * y
		}
		if i >= period-1 {
			mean := sum / float64(period)
			variance := math.Max(sumSq/float64(period)-mean*mean, 1e-12)
			std := math.Sqrt(variance)
			out[i] = (x - mean) / std
		}
	}
	return out
}
