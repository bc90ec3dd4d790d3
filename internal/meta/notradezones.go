// Package meta implements the ordered gate between strategy signal
// generation and the Risk Engine: NoTradeZones, RegimeSwitcher, MTF
// confluence, and the conflict resolver (§4.E).
package meta

import (
	"fmt"
	"time"

	"bybit-trading-core/internal/config"
	"bybit-trading-core/pkg/types"
)

const (
	noTradeSpreadPct      = 0.02
	noTradeDepthImbalance = 0.9
	noTradeHighVolATRPct  = 10.0
)

// NoTradeZones rejects a signal when market microstructure is unsafe to
// trade, an hour-of-day exclusion is active, or the strategy's running
// error count has crossed the configured limit.
type NoTradeZones struct {
	cfg        config.MetaLayerConfig
	errorCount map[string]int // strategy -> consecutive error count
}

// NewNoTradeZones builds the gate from meta-layer config.
func NewNoTradeZones(cfg config.MetaLayerConfig) *NoTradeZones {
	return &NoTradeZones{cfg: cfg, errorCount: make(map[string]int)}
}

// RecordError increments the error counter for a strategy; fed by transient
// transport failures upstream (a failed kline/orderbook pull, §7) so
// repeated infrastructure failures eventually trip the max_error_count
// gate, same as they would if a strategy itself kept erroring.
func (z *NoTradeZones) RecordError(strategyID string) {
	z.errorCount[strategyID]++
}

// ResetErrors clears the error counter for a strategy after a clean tick.
func (z *NoTradeZones) ResetErrors(strategyID string) {
	z.errorCount[strategyID] = 0
}

// Check evaluates the signal's frame and orderflow against the no-trade
// conditions. Returns nil when the signal may proceed.
func (z *NoTradeZones) Check(sig *types.Signal, frame types.FeatureFrame, orderflow types.Orderbook, now time.Time) *types.RejectReason {
	if frame.HasAnomaly {
		return reject("has_anomaly", nil)
	}

	spreadPct, _ := orderflow.SpreadPct.Abs().Float64()
	if spreadPct > noTradeSpreadPct {
		return reject("spread_too_wide", map[string]any{"spread_pct": spreadPct})
	}

	depthImbalance, _ := orderflow.DepthImbalance.Abs().Float64()
	if depthImbalance >= noTradeDepthImbalance {
		return reject("depth_imbalance_extreme", map[string]any{"depth_imbalance": depthImbalance})
	}

	atrPct, _ := frame.ATRPercent.Float64()
	if frame.VolRegime == types.VolRegimeHigh && atrPct > noTradeHighVolATRPct {
		return reject("high_vol_regime_excessive_atr", map[string]any{"atr_percent": atrPct})
	}

	if isInNoTradeHour(z.cfg.NoTradeHours, now) {
		return reject("no_trade_hour", map[string]any{"hour": now.UTC().Hour()})
	}

	if z.cfg.MaxErrorCount > 0 && z.errorCount[sig.StrategyID] > z.cfg.MaxErrorCount {
		return reject("strategy_error_count_exceeded", map[string]any{
			"strategy":    sig.StrategyID,
			"error_count": z.errorCount[sig.StrategyID],
		})
	}

	return nil
}

// isInNoTradeHour checks whether now's UTC hour falls within any
// "HH-HH" interval in hours (each bound inclusive, wrapping past midnight
// if start > end).
func isInNoTradeHour(hours []string, now time.Time) bool {
	hour := now.UTC().Hour()
	for _, interval := range hours {
		start, end, ok := parseHourRange(interval)
		if !ok {
			continue
		}
		if start <= end {
			if hour >= start && hour <= end {
				return true
			}
		} else if hour >= start || hour <= end {
			return true
		}
	}
	return false
}

func parseHourRange(s string) (start, end int, ok bool) {
	var a, b int
	n, err := fmt.Sscanf(s, "%d-%d", &a, &b)
	if err != nil || n != 2 {
		return 0, 0, false
	}
	return a, b, true
}
