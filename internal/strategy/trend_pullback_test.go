package strategy

import (
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

func baseFrame(i int) types.FeatureFrame {
	return types.FeatureFrame{
		Candle: types.Candle{
			Symbol:   "BTCUSDT",
			OpenTime: time.Now().Add(time.Duration(i) * time.Hour),
			Open:     dec("100"),
			High:     dec("101"),
			Low:      dec("99"),
			Close:    dec("100"),
			Volume:   dec("10"),
		},
	}
}

func trendPullbackConfig() config.StrategyCfg {
	return config.StrategyCfg{
		MinADX:              20,
		EntryZoneATRLow:     -2,
		EntryZoneATRHigh:    -0.2,
		EntryMode:           entryModeConfirmClose,
		SLATRMultiplier:     2,
		ConfidenceThreshold: 0.5,
		MinCandles:          5,
	}
}

func makeHistory(n int) []types.FeatureFrame {
	frames := make([]types.FeatureFrame, n)
	for i := range frames {
		frames[i] = baseFrame(i)
	}
	return frames
}

func TestTrendPullbackRejectsInsufficientHistory(t *testing.T) {
	t.Parallel()
	s := NewTrendPullback(trendPullbackConfig())
	sig, rej := s.GenerateSignal(makeHistory(3), types.Orderbook{})
	if sig != nil {
		t.Fatal("expected no signal")
	}
	if rej == nil || rej.Code != RejectInsufficientHistory {
		t.Fatalf("expected insufficient_history, got %v", rej)
	}
}

func TestTrendPullbackRejectsLowADX(t *testing.T) {
	t.Parallel()
	s := NewTrendPullback(trendPullbackConfig())
	frames := makeHistory(60)
	frames[len(frames)-1].ADX = dec("10")
	frames[len(frames)-1].EMA20 = dec("105")
	frames[len(frames)-1].EMA50 = dec("100")
	frames[len(frames)-1].ATR = dec("2")

	sig, rej := s.GenerateSignal(frames, types.Orderbook{})
	if sig != nil {
		t.Fatal("expected no signal with ADX below minimum")
	}
	if rej == nil || rej.Code != "adx_below_min" {
		t.Fatalf("expected adx_below_min, got %v", rej)
	}
}

func TestTrendPullbackGeneratesLongSignal(t *testing.T) {
	t.Parallel()
	s := NewTrendPullback(trendPullbackConfig())
	frames := makeHistory(60)
	last := &frames[len(frames)-1]
	last.ADX = dec("30")
	last.EMA20 = dec("100")
	last.EMA50 = dec("95")
	last.ATR = dec("2")
	last.Close = dec("99") // 0.5 ATR below EMA20 -> within [-2,-0.2] zone

	sig, rej := s.GenerateSignal(frames, types.Orderbook{})
	if rej != nil {
		t.Fatalf("expected a signal, got reject %v", rej)
	}
	if sig.Direction != types.DirectionLong {
		t.Errorf("Direction = %s, want long", sig.Direction)
	}
	if sig.StopLoss.GreaterThanOrEqual(sig.EntryPrice) {
		t.Errorf("long stop loss %s should be below entry %s", sig.StopLoss, sig.EntryPrice)
	}
}

func TestTrendPullbackRejectsOutsideEntryZone(t *testing.T) {
	t.Parallel()
	s := NewTrendPullback(trendPullbackConfig())
	frames := makeHistory(60)
	last := &frames[len(frames)-1]
	last.ADX = dec("30")
	last.EMA20 = dec("100")
	last.EMA50 = dec("95")
	last.ATR = dec("2")
	last.Close = dec("100") // at EMA, 0 ATRs pullback -> outside [-2,-0.2]

	sig, rej := s.GenerateSignal(frames, types.Orderbook{})
	if sig != nil {
		t.Fatal("expected no signal")
	}
	if rej == nil || rej.Code != "pullback_outside_entry_zone" {
		t.Fatalf("expected pullback_outside_entry_zone, got %v", rej)
	}
}
