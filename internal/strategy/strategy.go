// Package strategy implements the directional signal generators that sit
// in front of the meta-layer: TrendPullback, Breakout, and MeanReversion.
//
// Each strategy is a black box satisfying a shared capability contract
// (§4.D) so the engine can drive an arbitrary, configurable set of them
// identically. A strategy never talks to the exchange or touches shared
// state directly — it reads an immutable FeatureFrame slice and an
// orderbook snapshot, and returns at most one Signal per tick.
package strategy

import (
	"bybit-trading-core/pkg/types"
)

// Strategy is the capability set every signal generator implements.
type Strategy interface {
	// Name is the machine-readable strategy identifier used in Signal.StrategyID
	// and in reject-reason logs.
	Name() string

	// MinCandles is the shortest feature-frame history the strategy needs
	// before it will attempt to generate a signal.
	MinCandles() int

	// ConfidenceThreshold returns the strategy's configured
	// confidence_threshold. GenerateSignal does not clamp Signal.Confidence
	// to it, and no caller in this module reads it.
	ConfidenceThreshold() float64

	// GenerateSignal evaluates the latest bar of frames (oldest-first,
	// most recent last) against the current orderbook and returns either
	// a Signal or a RejectReason explaining why none was produced.
	GenerateSignal(frames []types.FeatureFrame, orderflow types.Orderbook) (*types.Signal, *types.RejectReason)
}

// RejectReason codes shared across strategies. Each strategy may also
// emit codes specific to its own logic.
const (
	RejectInsufficientHistory = "insufficient_history"
	RejectNoSetup             = "no_setup"
)

func reject(code string, values map[string]any) *types.RejectReason {
	return &types.RejectReason{Code: code, Values: values}
}

func lastFrame(frames []types.FeatureFrame) types.FeatureFrame {
	return frames[len(frames)-1]
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
