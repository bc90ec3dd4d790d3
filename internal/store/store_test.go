package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bybit-trading-core/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestKillSwitchDefaultsToEnabled(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	state, err := s.LoadKillSwitch()
	if err != nil {
		t.Fatalf("LoadKillSwitch: %v", err)
	}
	if state.TradingDisabled {
		t.Error("expected TradingDisabled=false with no prior save")
	}
}

func TestSaveAndLoadKillSwitch(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	want := types.KillSwitchState{TradingDisabled: true, Reason: "daily loss limit", ActivatedAt: time.Now().UTC().Truncate(time.Second)}
	if err := s.SaveKillSwitch(want); err != nil {
		t.Fatalf("SaveKillSwitch: %v", err)
	}

	got, err := s.LoadKillSwitch()
	if err != nil {
		t.Fatalf("LoadKillSwitch: %v", err)
	}
	if got.TradingDisabled != want.TradingDisabled || got.Reason != want.Reason {
		t.Errorf("LoadKillSwitch() = %+v, want %+v", got, want)
	}
}

func TestSaveKillSwitchOverwrites(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_ = s.SaveKillSwitch(types.KillSwitchState{TradingDisabled: true, Reason: "first"})
	_ = s.SaveKillSwitch(types.KillSwitchState{TradingDisabled: false, Reason: "reset"})

	got, err := s.LoadKillSwitch()
	if err != nil {
		t.Fatalf("LoadKillSwitch: %v", err)
	}
	if got.TradingDisabled || got.Reason != "reset" {
		t.Errorf("LoadKillSwitch() = %+v, want reset state", got)
	}
}

func TestSaveAndLoadPosition(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	pos := types.Position{
		Symbol:        "BTCUSDT",
		Side:          types.PositionLong,
		Qty:           decimal.NewFromFloat(1.5),
		AvgEntryPrice: decimal.NewFromFloat(50000),
	}
	if err := s.SavePosition(pos); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}

	loaded, err := s.LoadPosition("BTCUSDT")
	if err != nil {
		t.Fatalf("LoadPosition: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadPosition returned nil")
	}
	if !loaded.Qty.Equal(pos.Qty) || !loaded.AvgEntryPrice.Equal(pos.AvgEntryPrice) {
		t.Errorf("LoadPosition() = %+v, want %+v", loaded, pos)
	}
}

func TestLoadPositionMissing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	loaded, err := s.LoadPosition("NONEXISTENT")
	if err != nil {
		t.Fatalf("LoadPosition: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for missing position, got %+v", loaded)
	}
}

func TestRecordAndFindOrderByLinkID(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	order := types.Order{
		OrderID:   "ord-1",
		LinkID:    "trend_pullback_BTCUSDT_28981920_L",
		Symbol:    "BTCUSDT",
		Side:      types.Buy,
		Qty:       decimal.NewFromFloat(0.1),
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.RecordOrder(order); err != nil {
		t.Fatalf("RecordOrder: %v", err)
	}

	found, err := s.FindOrderByLinkID(order.LinkID)
	if err != nil {
		t.Fatalf("FindOrderByLinkID: %v", err)
	}
	if found == nil || found.OrderID != order.OrderID {
		t.Errorf("FindOrderByLinkID() = %+v, want order_id %s", found, order.OrderID)
	}
}

func TestFindOrderByLinkIDMissing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	found, err := s.FindOrderByLinkID("does_not_exist")
	if err != nil {
		t.Fatalf("FindOrderByLinkID: %v", err)
	}
	if found != nil {
		t.Errorf("expected nil for unknown link_id, got %+v", found)
	}
}

func TestAppendAndListFillsByLinkID(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	linkID := "breakout_BTCUSDT_28981921_S"
	fill1 := types.Fill{OrderID: "ord-2", LinkID: linkID, Symbol: "BTCUSDT", Qty: decimal.NewFromFloat(0.05), EventSeq: 1, Timestamp: time.Now().UTC()}
	fill2 := types.Fill{OrderID: "ord-2", LinkID: linkID, Symbol: "BTCUSDT", Qty: decimal.NewFromFloat(0.05), EventSeq: 2, Timestamp: time.Now().UTC()}

	if err := s.AppendFill(fill1); err != nil {
		t.Fatalf("AppendFill: %v", err)
	}
	if err := s.AppendFill(fill2); err != nil {
		t.Fatalf("AppendFill: %v", err)
	}

	fills, err := s.FillsByLinkID(linkID)
	if err != nil {
		t.Fatalf("FillsByLinkID: %v", err)
	}
	if len(fills) != 2 {
		t.Fatalf("FillsByLinkID() returned %d fills, want 2", len(fills))
	}
	if fills[0].EventSeq != 1 || fills[1].EventSeq != 2 {
		t.Errorf("fills not in insertion order: %+v", fills)
	}
}
