package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bybit-trading-core/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func candleAt(t time.Time, closePrice string) types.Candle {
	return types.Candle{
		Symbol:    "BTCUSDT",
		Timeframe: "60",
		OpenTime:  t,
		Open:      dec(closePrice),
		High:      dec(closePrice),
		Low:       dec(closePrice),
		Close:     dec(closePrice),
		Volume:    dec("1"),
	}
}

func TestCandleStoreReplaceAndCandles(t *testing.T) {
	t.Parallel()
	s := NewCandleStore("BTCUSDT", 100)

	base := time.Now()
	candles := []types.Candle{
		candleAt(base, "100"),
		candleAt(base.Add(time.Hour), "101"),
	}
	s.Replace("60", candles)

	got := s.Candles("60")
	if len(got) != 2 {
		t.Fatalf("Candles() len = %d, want 2", len(got))
	}
	if s.Len("60") != 2 {
		t.Errorf("Len() = %d, want 2", s.Len("60"))
	}
}

func TestCandleStoreReplaceTruncatesToMaxLen(t *testing.T) {
	t.Parallel()
	s := NewCandleStore("BTCUSDT", 2)

	base := time.Now()
	s.Replace("60", []types.Candle{
		candleAt(base, "1"),
		candleAt(base.Add(time.Hour), "2"),
		candleAt(base.Add(2*time.Hour), "3"),
	})

	got := s.Candles("60")
	if len(got) != 2 {
		t.Fatalf("Candles() len = %d, want 2 (truncated)", len(got))
	}
	if !got[len(got)-1].Close.Equal(dec("3")) {
		t.Errorf("expected most recent candle retained, got close=%s", got[len(got)-1].Close)
	}
}

func TestCandleStoreAppendClosedEnforcesOrdering(t *testing.T) {
	t.Parallel()
	s := NewCandleStore("BTCUSDT", 100)

	base := time.Now()
	s.Replace("60", []types.Candle{candleAt(base, "100")})

	if ok := s.AppendClosed("60", candleAt(base.Add(time.Hour), "101")); !ok {
		t.Error("AppendClosed should accept a strictly later candle")
	}
	if ok := s.AppendClosed("60", candleAt(base, "102")); ok {
		t.Error("AppendClosed should reject a non-later open_time")
	}
	if s.Len("60") != 2 {
		t.Errorf("Len() = %d, want 2 after one rejected append", s.Len("60"))
	}
}

func TestOrderbookMirrorApplyAndStale(t *testing.T) {
	t.Parallel()
	m := NewOrderbookMirror()

	if !m.IsStale(time.Second) {
		t.Error("never-updated mirror should be stale")
	}

	m.Apply(types.Orderbook{Symbol: "BTCUSDT", SpreadPct: dec("0.001")})

	if m.IsStale(time.Second) {
		t.Error("just-applied mirror should not be stale")
	}
	if m.Latest().Symbol != "BTCUSDT" {
		t.Errorf("Latest().Symbol = %s, want BTCUSDT", m.Latest().Symbol)
	}

	time.Sleep(20 * time.Millisecond)
	if !m.IsStale(5 * time.Millisecond) {
		t.Error("mirror should be stale after maxAge elapses")
	}
}
