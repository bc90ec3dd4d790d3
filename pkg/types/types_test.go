package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestInstrumentRoundPrice(t *testing.T) {
	inst := Instrument{Symbol: "BTCUSDT", TickSize: dec("0.5"), QtyStep: dec("0.001")}

	got := inst.RoundPrice(dec("50000.37"))
	want := dec("50000.5")
	if !got.Equal(want) {
		t.Errorf("RoundPrice(50000.37) = %s, want %s", got, want)
	}
}

func TestInstrumentRoundQty(t *testing.T) {
	inst := Instrument{Symbol: "BTCUSDT", TickSize: dec("0.5"), QtyStep: dec("0.001")}

	got := inst.RoundQty(dec("0.12349"))
	want := dec("0.123")
	if !got.Equal(want) {
		t.Errorf("RoundQty(0.12349) = %s, want %s", got, want)
	}
}

func TestSideOpposite(t *testing.T) {
	if Buy.Opposite() != Sell {
		t.Errorf("Buy.Opposite() = %s, want Sell", Buy.Opposite())
	}
	if Sell.Opposite() != Buy {
		t.Errorf("Sell.Opposite() = %s, want Buy", Sell.Opposite())
	}
}

func TestSignalNormalize(t *testing.T) {
	s := &Signal{}
	s.Normalize()

	if len(s.Reasons) != 1 || s.Reasons[0] != "legacy_signal" {
		t.Errorf("Normalize() reasons = %v, want [legacy_signal]", s.Reasons)
	}
	if s.Values == nil {
		t.Error("Normalize() should initialize Values")
	}
}

func TestSignalNormalizePreservesExisting(t *testing.T) {
	s := &Signal{Reasons: []string{"trend_adx_ok"}, Values: map[string]float64{"adx": 28.5}}
	s.Normalize()

	if len(s.Reasons) != 1 || s.Reasons[0] != "trend_adx_ok" {
		t.Errorf("Normalize() overwrote existing reasons: %v", s.Reasons)
	}
	if s.Values["adx"] != 28.5 {
		t.Errorf("Normalize() overwrote existing values: %v", s.Values)
	}
}
