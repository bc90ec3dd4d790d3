package strategy

import "bybit-trading-core/internal/config"

// New builds the Strategy implementation named by id, or nil if id is not
// one of the built-in strategies. The engine looks this up for every entry
// in trading.active_strategies.
func New(id string, cfg config.StrategyCfg) Strategy {
	switch id {
	case "trend_pullback":
		return NewTrendPullback(cfg)
	case "breakout":
		return NewBreakout(cfg)
	case "mean_reversion":
		return NewMeanReversion(cfg)
	default:
		return nil
	}
}
