// Package paper implements the Paper Simulator (§4.K) and its Slippage
// Model (§4.L): a deterministic fill engine that stands in for
// internal/exchange.Client during paper-mode runs, producing a state and
// event stream shaped identically to the live path.
package paper

import (
	"github.com/shopspring/decimal"

	"bybit-trading-core/pkg/types"
)

// SlippagePreset names one of the four built-in slippage configurations.
type SlippagePreset string

const (
	SlippageNone      SlippagePreset = "none"
	SlippageMinimal   SlippagePreset = "minimal"
	SlippageRealistic SlippagePreset = "realistic"
	SlippageHigh      SlippagePreset = "high"
)

// presetParams holds the base bps and which multipliers a preset applies.
type presetParams struct {
	baseBps       float64
	useVolMult    bool
	useVolumeMult bool
}

var presets = map[SlippagePreset]presetParams{
	SlippageNone:      {baseBps: 0},
	SlippageMinimal:   {baseBps: 1},
	SlippageRealistic: {baseBps: 2, useVolMult: true, useVolumeMult: true},
	SlippageHigh:      {baseBps: 5, useVolMult: true, useVolumeMult: true},
}

// SlippageModel computes the dollar slippage amount charged against a fill,
// per §4.L:
//
//	slippage_amount = notional * (base_bps * vol_mult * volume_mult) / 10000
//	vol_mult        = max(1, 1 + (atr - atr_sma) / atr_sma)
//	volume_mult     = max(1, 1 + (avg_volume - volume) / avg_volume)
type SlippageModel struct {
	preset presetParams
}

// NewSlippageModel builds a model from a preset name. An unrecognized name
// falls back to "realistic", the safer default for a live-money system.
func NewSlippageModel(preset string) *SlippageModel {
	p, ok := presets[SlippagePreset(preset)]
	if !ok {
		p = presets[SlippageRealistic]
	}
	return &SlippageModel{preset: p}
}

// Amount returns the slippage dollar amount for a fill of the given
// notional, given the current bar's ATR/ATR-SMA and volume/average-volume.
// vol_mult and volume_mult are pinned to 1 (no adjustment) for presets that
// don't use them, and whenever the SMA/average denominator is zero.
func (m *SlippageModel) Amount(notional, atr, atrSMA, volume, avgVolume decimal.Decimal) decimal.Decimal {
	if m.preset.baseBps == 0 {
		return decimal.Zero
	}

	volMult := decimal.NewFromInt(1)
	if m.preset.useVolMult && !atrSMA.IsZero() {
		volMult = maxDec(decimal.NewFromInt(1), decimal.NewFromInt(1).Add(atr.Sub(atrSMA).Div(atrSMA)))
	}

	volumeMult := decimal.NewFromInt(1)
	if m.preset.useVolumeMult && !avgVolume.IsZero() {
		volumeMult = maxDec(decimal.NewFromInt(1), decimal.NewFromInt(1).Add(avgVolume.Sub(volume).Div(avgVolume)))
	}

	baseBps := decimal.NewFromFloat(m.preset.baseBps)
	bps := baseBps.Mul(volMult).Mul(volumeMult)
	return notional.Mul(bps).Div(decimal.NewFromInt(10000))
}

// ApplyToPrice shifts price against the trader by the per-unit slippage
// implied by amount over qty: up for a Buy (pays more), down for a Sell
// (receives less).
func ApplyToPrice(side types.Side, price, amount, qty decimal.Decimal) decimal.Decimal {
	if qty.IsZero() {
		return price
	}
	perUnit := amount.Div(qty)
	if side == types.Buy {
		return price.Add(perUnit)
	}
	return price.Sub(perUnit)
}

func maxDec(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}
