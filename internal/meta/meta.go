package meta

import (
	"log/slog"

	"bybit-trading-core/internal/config"
	"bybit-trading-core/pkg/types"
)

func reject(code string, values map[string]any) *types.RejectReason {
	return &types.RejectReason{Code: code, Values: values}
}

// Gate chains NoTradeZones, RegimeSwitcher, MTF confluence, and the
// conflict resolver into the single ordered check the engine calls once
// per tick, per §4.E.
type Gate struct {
	cfg            config.MetaLayerConfig
	noTradeZones   *NoTradeZones
	regimeSwitcher *RegimeSwitcher
	mtf            *MTFConfluence
	resolver       *ConflictResolver
	logger         *slog.Logger
}

// NewGate wires the four stages from meta-layer config and a strategy
// priority list (used by the conflict resolver as a tiebreak).
func NewGate(cfg config.MetaLayerConfig, strategyPriority []string, logger *slog.Logger) *Gate {
	return &Gate{
		cfg:            cfg,
		noTradeZones:   NewNoTradeZones(cfg),
		regimeSwitcher: NewRegimeSwitcher(),
		mtf:            NewMTFConfluence(cfg),
		resolver:       NewConflictResolver(strategyPriority),
		logger:         logger.With("component", "meta_gate"),
	}
}

// Evaluate runs every candidate signal from this tick through NoTradeZones,
// RegimeSwitcher compatibility, and MTF confluence, then resolves any
// remaining conflicts down to at most one accepted signal.
func (g *Gate) Evaluate(candidates []types.Signal, tick types.MarketTick, strategyRegimes map[string][]types.Regime) (*types.Signal, types.Regime) {
	frame := tick.BaseDF[len(tick.BaseDF)-1]
	regime := g.regimeSwitcher.Classify(tick.BaseDF)

	var survivors []types.Signal
	for _, sig := range candidates {
		sig := sig
		sig.Normalize()

		if rej := g.noTradeZones.Check(&sig, frame, tick.Orderflow, sig.Timestamp); rej != nil {
			g.logger.Info("signal rejected: no_trade_zones", "strategy", sig.StrategyID, "code", rej.Code, "values", rej.Values)
			continue
		}

		if regimes, ok := strategyRegimes[sig.StrategyID]; ok && len(regimes) > 0 && !regimeAllowed(regimes, regime) {
			g.logger.Info("signal rejected: regime_incompatible", "strategy", sig.StrategyID, "regime", regime)
			continue
		}

		if g.cfg.UseMTF {
			if rej := g.mtf.Check(tick); rej != nil {
				g.logger.Info("signal rejected: mtf_confluence", "strategy", sig.StrategyID, "code", rej.Code, "values", rej.Values)
				continue
			}
		}

		g.noTradeZones.ResetErrors(sig.StrategyID)
		survivors = append(survivors, sig)
	}

	if len(survivors) == 0 {
		return nil, regime
	}

	winner := g.resolver.Resolve(survivors)
	return winner, regime
}

// RecordTransientError feeds a genuine transient-transport failure (§7)
// into the no-trade-zones error count for strategyID, distinct from an
// ordinary no_trade_zones rejection, which reflects market conditions
// rather than a fault.
func (g *Gate) RecordTransientError(strategyID string) {
	g.noTradeZones.RecordError(strategyID)
}

func regimeAllowed(allowed []types.Regime, regime types.Regime) bool {
	for _, r := range allowed {
		if r == regime {
			return true
		}
	}
	return false
}
