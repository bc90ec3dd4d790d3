// Package types defines the shared data structures used across all packages
// of the trading core — instrument metadata, candles, features, signals,
// orders, positions and account state. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "Buy"
	Sell Side = "Sell"
)

// Opposite returns the reducing side for this side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType enumerates the order types the Order Engine can submit.
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
)

// TimeInForce enumerates supported time-in-force values.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
)

// OrderStatus mirrors the exchange order lifecycle.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "New"
	OrderStatusPartiallyFilled OrderStatus = "PartiallyFilled"
	OrderStatusFilled          OrderStatus = "Filled"
	OrderStatusCancelled       OrderStatus = "Cancelled"
)

// Direction is the directional call a strategy or signal carries.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionExit  Direction = "exit"
)

// PositionSide is the side a Position currently holds.
type PositionSide string

const (
	PositionLong  PositionSide = "Long"
	PositionShort PositionSide = "Short"
	PositionNone  PositionSide = "None"
)

// Regime is the market regime classification produced by the meta-layer.
type Regime string

const (
	RegimeTrendUp   Regime = "trend_up"
	RegimeTrendDown Regime = "trend_down"
	RegimeRange     Regime = "range"
	RegimeHighVol   Regime = "high_vol"
)

// VolRegime classifies current volatility relative to its own history.
type VolRegime int

const (
	VolRegimeLow    VolRegime = -1
	VolRegimeNormal VolRegime = 0
	VolRegimeHigh   VolRegime = 1
)

// SLTPMode distinguishes exchange-attached trading-stop levels from
// locally-tracked virtual levels enforced by market reduce-only orders.
type SLTPMode string

const (
	SLTPExchangeAttached SLTPMode = "ExchangeAttached"
	SLTPVirtual          SLTPMode = "Virtual"
)

// TPSLMode mirrors Bybit's trading-stop application mode.
type TPSLMode string

const (
	TPSLFull    TPSLMode = "Full"
	TPSLPartial TPSLMode = "Partial"
)

// ————————————————————————————————————————————————————————————————————————
// Instrument metadata
// ————————————————————————————————————————————————————————————————————————

// Instrument carries the exchange-defined rounding and minimum-size rules
// for a symbol. Loaded once at startup and treated as immutable.
type Instrument struct {
	Symbol      string
	TickSize    decimal.Decimal
	QtyStep     decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// RoundPrice rounds a price to the nearest multiple of the instrument's tick
// size; a half step rounds away from zero.
func (i Instrument) RoundPrice(p decimal.Decimal) decimal.Decimal {
	return roundToStep(p, i.TickSize)
}

// RoundQty rounds a quantity to the nearest multiple of the instrument's qty
// step; a half step rounds away from zero.
func (i Instrument) RoundQty(q decimal.Decimal) decimal.Decimal {
	return roundToStep(q, i.QtyStep)
}

func roundToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	return v.DivRound(step, 0).Mul(step)
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Candle is one OHLCV bar for a (symbol, timeframe, open_time) key.
type Candle struct {
	Symbol    string
	Timeframe string
	OpenTime  time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// Orderbook is a point-in-time depth snapshot plus derived flow metrics.
type Orderbook struct {
	Symbol         string
	Bids           []PriceLevel
	Asks           []PriceLevel
	SpreadPct      decimal.Decimal
	DepthImbalance decimal.Decimal // (bidVol-askVol)/(bidVol+askVol), in [-1,1]
	Timestamp      time.Time
}

// PriceLevel is a single bid or ask level.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// FeatureFrame augments a Candle with derived indicator fields. Producer
// (internal/feature) owned; every downstream consumer treats it read-only.
type FeatureFrame struct {
	Candle

	EMA20        decimal.Decimal
	EMA50        decimal.Decimal
	ATR          decimal.Decimal
	ATRPercent   decimal.Decimal
	ADX          decimal.Decimal
	RSI          decimal.Decimal
	BBUpper      decimal.Decimal
	BBLower      decimal.Decimal
	BBWidth      decimal.Decimal
	VWAP         decimal.Decimal
	VWAPDistance decimal.Decimal
	VolumeZScore decimal.Decimal
	VolRegime    VolRegime
	HasAnomaly   bool
}

// MarketTick is the unit of work published by the Market-Data Assembler on
// every refresh tick.
type MarketTick struct {
	Symbol    string
	BaseDF    []FeatureFrame
	MTFCache  map[string][]FeatureFrame // timeframe -> feature rows
	Orderflow Orderbook
	Timestamp time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// Signal is the output of a strategy: a directional call with machine
// readable reason codes and the metric values that drove them.
type Signal struct {
	StrategyID string
	Symbol     string
	Direction  Direction
	Confidence float64 // [0,1]
	EntryPrice decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal // zero value = unset
	Reasons    []string
	Values     map[string]float64
	Timestamp  time.Time
}

// Normalize fills legacy signals that omit reasons/values, per §4.D.
func (s *Signal) Normalize() {
	if len(s.Reasons) == 0 {
		s.Reasons = []string{"legacy_signal"}
	}
	if s.Values == nil {
		s.Values = map[string]float64{}
	}
}

// RejectReason is the structured form every rejecting component returns.
type RejectReason struct {
	Code   string
	Values map[string]any
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// Order is the internal representation of a submitted or resting order.
type Order struct {
	OrderID    string
	LinkID     string // idempotency key, see internal/execution
	Symbol     string
	Side       Side
	Qty        decimal.Decimal
	Price      decimal.Decimal // zero for Market orders
	OrderType  OrderType
	TIF        TimeInForce
	ReduceOnly bool
	Status     OrderStatus
	FilledQty  decimal.Decimal
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Fill is a single execution applied against a resting or market order.
type Fill struct {
	OrderID   string
	LinkID    string
	Symbol    string
	Side      Side
	Price     decimal.Decimal
	Qty       decimal.Decimal
	Fee       decimal.Decimal
	Timestamp time.Time
	EventSeq  int64 // monotonically increasing exchange event sequence
}

// ————————————————————————————————————————————————————————————————————————
// Position & account state
// ————————————————————————————————————————————————————————————————————————

// Discrepancy records a reconciliation mismatch between local and exchange
// position state.
type Discrepancy struct {
	Detected bool
	Details  string
}

// Position is the authoritative, process-local view of exposure in one
// symbol. Exactly one Position exists per symbol per process.
type Position struct {
	Symbol         string
	Side           PositionSide
	Qty            decimal.Decimal
	AvgEntryPrice  decimal.Decimal
	TotalQtyOpened decimal.Decimal
	TotalCost      decimal.Decimal
	OpenedAt       time.Time
	UpdatedAt      time.Time
	LastSyncAt     time.Time
	Discrepancy    Discrepancy
}

// SLTPLevels tracks the stop-loss/take-profit state for one position.
type SLTPLevels struct {
	PositionSymbol string
	Side           PositionSide
	EntryPrice     decimal.Decimal
	EntryQty       decimal.Decimal
	ATR            decimal.Decimal
	SLPrice        decimal.Decimal
	TPPrice        decimal.Decimal
	SLOrderID      string
	TPOrderID      string
	Mode           SLTPMode
	HoldBars       int // bars elapsed since entry, advanced by the engine each tick
	MaxHoldBars    int // force-close threshold from the opening strategy's config; 0 disables it
}

// AccountState is updated on every fill and every reconciliation.
type AccountState struct {
	Equity        decimal.Decimal
	Cash          decimal.Decimal
	DailyLoss     decimal.Decimal
	OpenPositions map[string]decimal.Decimal // symbol -> qty
}

// KillSwitchState is the persisted global-halt flag.
type KillSwitchState struct {
	TradingDisabled bool
	Reason          string
	ActivatedAt     time.Time
}
