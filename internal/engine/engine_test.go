package engine

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bybit-trading-core/internal/audit"
	"bybit-trading-core/internal/config"
	"bybit-trading-core/internal/exchange"
	"bybit-trading-core/internal/execution"
	"bybit-trading-core/internal/metrics"
	"bybit-trading-core/pkg/types"
)

// execDatum is a readable shorthand for building exchange.ExecutionEvent
// test fixtures without repeating its anonymous Data element type.
type execDatum struct {
	symbol, side, price, qty, orderLinkID, execTime string
}

func exchangeExecutionEvent(data ...execDatum) exchange.ExecutionEvent {
	evt := exchange.ExecutionEvent{Topic: "execution"}
	for _, d := range data {
		evt.Data = append(evt.Data, struct {
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			ExecPrice   string `json:"execPrice"`
			ExecQty     string `json:"execQty"`
			ExecFee     string `json:"execFee"`
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			ExecTime    string `json:"execTime"`
			ExecID      string `json:"execId"`
		}{
			Symbol:      d.symbol,
			Side:        d.side,
			ExecPrice:   d.price,
			ExecQty:     d.qty,
			OrderLinkID: d.orderLinkID,
			ExecTime:    d.execTime,
		})
	}
	return evt
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestEngine builds an Engine without going through New, so tests never
// touch the network: New's Instruments() call and WS dial are orthogonal
// to the pure bookkeeping logic under test here.
func newTestEngine(symbol string) *Engine {
	return &Engine{
		cfg:                config.Config{Trading: config.TradingConfig{Symbol: symbol}},
		symbol:             symbol,
		logger:             testLogger(),
		posMgr:             execution.NewPositionManager(symbol, config.RiskManagementConfig{}),
		audit:              audit.New(testLogger()),
		metrics:            metrics.New(),
		cash:               decimal.NewFromInt(10000),
		lastExecTimeByLink: map[string]int64{},
	}
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func TestApplyFillOpensPositionWithoutRealizingPnL(t *testing.T) {
	t.Parallel()
	e := newTestEngine("BTCUSDT")

	e.applyFill(types.Fill{
		Symbol: "BTCUSDT", Side: types.Buy, Price: dec("50000"), Qty: dec("1"),
		Fee: dec("5"), Timestamp: time.Now(), EventSeq: 1,
	})

	pos := e.posMgr.Snapshot()
	if pos.Side != types.PositionLong || !pos.Qty.Equal(dec("1")) {
		t.Fatalf("position = %+v, want 1 long", pos)
	}
	// opening fill only pays the fee, no realized PnL
	if !e.cash.Equal(dec("9995")) {
		t.Errorf("cash = %s, want 9995", e.cash)
	}
}

func TestApplyFillRealizesPnLOnClose(t *testing.T) {
	t.Parallel()
	e := newTestEngine("BTCUSDT")
	now := time.Now()

	e.applyFill(types.Fill{
		Symbol: "BTCUSDT", Side: types.Buy, Price: dec("50000"), Qty: dec("1"),
		Fee: dec("0"), Timestamp: now, EventSeq: 1,
	})
	e.applyFill(types.Fill{
		Symbol: "BTCUSDT", Side: types.Sell, Price: dec("51000"), Qty: dec("1"),
		Fee: dec("0"), Timestamp: now.Add(time.Minute), EventSeq: 2,
	})

	pos := e.posMgr.Snapshot()
	if pos.Side != types.PositionNone {
		t.Errorf("position side = %v, want None after full close", pos.Side)
	}
	// realized pnl = (51000-50000)*1 = 1000, cash = 10000+1000
	if !e.cash.Equal(dec("11000")) {
		t.Errorf("cash = %s, want 11000", e.cash)
	}
}

func TestApplyFillAccumulatesDailyLossOnLosingClose(t *testing.T) {
	t.Parallel()
	e := newTestEngine("BTCUSDT")
	now := time.Now()

	e.applyFill(types.Fill{
		Symbol: "BTCUSDT", Side: types.Buy, Price: dec("50000"), Qty: dec("1"),
		Timestamp: now, EventSeq: 1,
	})
	e.applyFill(types.Fill{
		Symbol: "BTCUSDT", Side: types.Sell, Price: dec("49000"), Qty: dec("1"),
		Timestamp: now.Add(time.Minute), EventSeq: 2,
	})

	if !e.dailyLoss.Equal(dec("1000")) {
		t.Errorf("dailyLoss = %s, want 1000", e.dailyLoss)
	}
}

func TestAccountSnapshotIncludesUnrealizedPnL(t *testing.T) {
	t.Parallel()
	e := newTestEngine("BTCUSDT")
	e.applyFill(types.Fill{
		Symbol: "BTCUSDT", Side: types.Buy, Price: dec("50000"), Qty: dec("1"), Timestamp: time.Now(), EventSeq: 1,
	})

	snap := e.accountSnapshot(dec("50500"))
	if !snap.Equity.Equal(dec("10500")) {
		t.Errorf("equity = %s, want 10500 (cash + unrealized)", snap.Equity)
	}
	if !snap.OpenPositions["BTCUSDT"].Equal(dec("1")) {
		t.Errorf("open positions[BTCUSDT] = %s, want 1", snap.OpenPositions["BTCUSDT"])
	}
}

func TestDispatchExecutionEventAppliesInEventTimeOrder(t *testing.T) {
	t.Parallel()
	e := newTestEngine("BTCUSDT")

	// Out-of-order arrival: exchange emits the later event first.
	evt := exchangeExecutionEvent(
		execDatum{symbol: "BTCUSDT", side: "Buy", price: "50000", qty: "1", orderLinkID: "lnk", execTime: "2000"},
		execDatum{symbol: "BTCUSDT", side: "Buy", price: "50100", qty: "1", orderLinkID: "lnk", execTime: "1000"},
	)
	e.dispatchExecutionEvent(evt)

	pos := e.posMgr.Snapshot()
	if !pos.Qty.Equal(dec("2")) {
		t.Fatalf("qty = %s, want 2 (both events applied once sorted)", pos.Qty)
	}
	if last := e.lastExecTimeByLink["lnk"]; last != 2000 {
		t.Errorf("lastExecTimeByLink[lnk] = %d, want 2000 (the later event wins the watermark)", last)
	}
}

func TestDispatchExecutionEventDropsStaleReplay(t *testing.T) {
	t.Parallel()
	e := newTestEngine("BTCUSDT")
	e.dispatchExecutionEvent(exchangeExecutionEvent(
		execDatum{symbol: "BTCUSDT", side: "Buy", price: "50000", qty: "1", orderLinkID: "lnk", execTime: "2000"},
	))
	// A redelivered older event for the same link_id must not re-apply.
	e.dispatchExecutionEvent(exchangeExecutionEvent(
		execDatum{symbol: "BTCUSDT", side: "Buy", price: "50000", qty: "1", orderLinkID: "lnk", execTime: "1500"},
	))

	pos := e.posMgr.Snapshot()
	if !pos.Qty.Equal(dec("1")) {
		t.Errorf("qty = %s, want 1 (stale redelivery ignored)", pos.Qty)
	}
}

func TestRankedStrategyNamesOrdersByPriorityAscending(t *testing.T) {
	t.Parallel()
	cfg := config.Config{
		Trading: config.TradingConfig{ActiveStrategies: []string{"breakout", "trend_pullback", "mean_reversion"}},
		Strategies: map[string]config.StrategyCfg{
			"breakout":       {Priority: 3},
			"trend_pullback": {Priority: 1},
			"mean_reversion": {Priority: 2},
		},
	}
	got := rankedStrategyNames(cfg)
	want := []string{"trend_pullback", "mean_reversion", "breakout"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rankedStrategyNames = %v, want %v", got, want)
		}
	}
}

func TestSignedQtyNegatesShort(t *testing.T) {
	t.Parallel()
	long := types.Position{Side: types.PositionLong, Qty: dec("2")}
	short := types.Position{Side: types.PositionShort, Qty: dec("2")}
	if signedQty(long).Sign() != 1 {
		t.Error("long position should have positive signed qty")
	}
	if signedQty(short).Sign() != -1 {
		t.Error("short position should have negative signed qty")
	}
}
