package meta

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bybit-trading-core/internal/config"
	"bybit-trading-core/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNoTradeZonesRejectsAnomaly(t *testing.T) {
	t.Parallel()
	z := NewNoTradeZones(config.MetaLayerConfig{})
	sig := &types.Signal{StrategyID: "s1"}
	frame := types.FeatureFrame{HasAnomaly: true}

	rej := z.Check(sig, frame, types.Orderbook{}, time.Now())
	if rej == nil || rej.Code != "has_anomaly" {
		t.Fatalf("expected has_anomaly, got %v", rej)
	}
}

func TestNoTradeZonesRejectsWideSpread(t *testing.T) {
	t.Parallel()
	z := NewNoTradeZones(config.MetaLayerConfig{})
	sig := &types.Signal{StrategyID: "s1"}
	ob := types.Orderbook{SpreadPct: dec("0.05")}

	rej := z.Check(sig, types.FeatureFrame{}, ob, time.Now())
	if rej == nil || rej.Code != "spread_too_wide" {
		t.Fatalf("expected spread_too_wide, got %v", rej)
	}
}

func TestNoTradeZonesRejectsNoTradeHour(t *testing.T) {
	t.Parallel()
	z := NewNoTradeZones(config.MetaLayerConfig{NoTradeHours: []string{"0-4"}})
	sig := &types.Signal{StrategyID: "s1"}
	now := time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC)

	rej := z.Check(sig, types.FeatureFrame{}, types.Orderbook{}, now)
	if rej == nil || rej.Code != "no_trade_hour" {
		t.Fatalf("expected no_trade_hour, got %v", rej)
	}
}

func TestNoTradeZonesErrorCountGate(t *testing.T) {
	t.Parallel()
	z := NewNoTradeZones(config.MetaLayerConfig{MaxErrorCount: 2})
	sig := &types.Signal{StrategyID: "s1"}
	z.RecordError("s1")
	z.RecordError("s1")
	z.RecordError("s1")

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rej := z.Check(sig, types.FeatureFrame{}, types.Orderbook{}, now)
	if rej == nil || rej.Code != "strategy_error_count_exceeded" {
		t.Fatalf("expected strategy_error_count_exceeded, got %v", rej)
	}
}

func TestRegimeSwitcherClassifiesHighVol(t *testing.T) {
	t.Parallel()
	r := NewRegimeSwitcher()
	frames := []types.FeatureFrame{{ATRPercent: dec("8")}}
	if got := r.Classify(frames); got != types.RegimeHighVol {
		t.Errorf("Classify() = %s, want high_vol", got)
	}
}

func TestRegimeSwitcherClassifiesRange(t *testing.T) {
	t.Parallel()
	r := NewRegimeSwitcher()
	frames := []types.FeatureFrame{{ADX: dec("10"), BBWidth: dec("0.01"), ATRPercent: dec("1")}}
	if got := r.Classify(frames); got != types.RegimeRange {
		t.Errorf("Classify() = %s, want range", got)
	}
}

func TestRegimeSwitcherClassifiesTrendUp(t *testing.T) {
	t.Parallel()
	r := NewRegimeSwitcher()
	frames := []types.FeatureFrame{{ADX: dec("30"), BBWidth: dec("0.1"), ATRPercent: dec("2"), EMA20: dec("110"), EMA50: dec("100")}}
	if got := r.Classify(frames); got != types.RegimeTrendUp {
		t.Errorf("Classify() = %s, want trend_up", got)
	}
}

func TestMTFConfluenceScoreAndCheck(t *testing.T) {
	t.Parallel()
	cfg := config.MetaLayerConfig{
		MTFTimeframes:     []string{"15", "60"},
		MTFWeights:        map[string]float64{"15": 0.3, "60": 0.7},
		MTFScoreThreshold: 0.5,
	}
	m := NewMTFConfluence(cfg)
	tick := types.MarketTick{
		MTFCache: map[string][]types.FeatureFrame{
			"15": {{Candle: types.Candle{Close: dec("110")}, EMA20: dec("100")}},
			"60": {{Candle: types.Candle{Close: dec("110")}, EMA20: dec("100")}},
		},
	}

	score := m.Score(tick)
	if score != 1.0 {
		t.Errorf("Score() = %v, want 1.0 (both TFs agree uptrend)", score)
	}
	if rej := m.Check(tick); rej != nil {
		t.Errorf("Check() = %v, want nil (score exceeds threshold)", rej)
	}
}

func TestMTFConfluenceRejectsLowScore(t *testing.T) {
	t.Parallel()
	cfg := config.MetaLayerConfig{
		MTFTimeframes:     []string{"15", "60"},
		MTFWeights:        map[string]float64{"15": 0.5, "60": 0.5},
		MTFScoreThreshold: 0.5,
	}
	m := NewMTFConfluence(cfg)
	tick := types.MarketTick{
		MTFCache: map[string][]types.FeatureFrame{
			"15": {{Candle: types.Candle{Close: dec("110")}, EMA20: dec("100")}}, // +1
			"60": {{Candle: types.Candle{Close: dec("90")}, EMA20: dec("100")}},  // -1
		},
	}

	rej := m.Check(tick)
	if rej == nil || rej.Code != "mtf_confluence_insufficient" {
		t.Fatalf("expected mtf_confluence_insufficient, got %v", rej)
	}
}

func TestConflictResolverPicksHigherConfidence(t *testing.T) {
	t.Parallel()
	r := NewConflictResolver([]string{"a", "b"})
	signals := []types.Signal{
		{StrategyID: "a", Direction: types.DirectionLong, Confidence: 0.6},
		{StrategyID: "b", Direction: types.DirectionShort, Confidence: 0.9},
	}
	winner := r.Resolve(signals)
	if winner.StrategyID != "b" {
		t.Errorf("Resolve() = %s, want b (higher confidence)", winner.StrategyID)
	}
}

func TestConflictResolverBreaksTiesByPriority(t *testing.T) {
	t.Parallel()
	r := NewConflictResolver([]string{"b", "a"})
	signals := []types.Signal{
		{StrategyID: "a", Direction: types.DirectionLong, Confidence: 0.7},
		{StrategyID: "b", Direction: types.DirectionShort, Confidence: 0.7},
	}
	winner := r.Resolve(signals)
	if winner.StrategyID != "b" {
		t.Errorf("Resolve() = %s, want b (higher priority)", winner.StrategyID)
	}
}

func TestGateEvaluateAcceptsCleanSignal(t *testing.T) {
	t.Parallel()
	cfg := config.MetaLayerConfig{}
	g := NewGate(cfg, []string{"trend_pullback"}, testLogger())

	tick := types.MarketTick{
		BaseDF: []types.FeatureFrame{
			{Candle: types.Candle{Close: dec("100")}, ADX: dec("30"), EMA20: dec("105"), EMA50: dec("100")},
		},
		Orderflow: types.Orderbook{SpreadPct: dec("0.001"), DepthImbalance: dec("0.1")},
	}
	candidates := []types.Signal{
		{StrategyID: "trend_pullback", Direction: types.DirectionLong, Confidence: 0.8, Timestamp: time.Now()},
	}

	winner, regime := g.Evaluate(candidates, tick, nil)
	if winner == nil {
		t.Fatal("expected a winning signal")
	}
	if regime != types.RegimeTrendUp {
		t.Errorf("regime = %s, want trend_up", regime)
	}
}
