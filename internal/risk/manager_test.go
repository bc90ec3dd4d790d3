package risk

import (
	"log/slog"
	"os"
	"testing"

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

func testRiskConfig() config.RiskManagementConfig {
	return config.RiskManagementConfig{
		PositionRiskPercent:    1,
		MaxLeverage:            20,
		MaxNotional:            1_000_000,
		MaxOpenExposureUSD:     1_000_000,
		MaxTotalOpenPositions:  5,
		MaxDailyLossPercent:    5,
		MinStopDistancePercent: 0.1,
		SizeToleranceBand:      1.10,
	}
}

func testInstrument() types.Instrument {
	return types.Instrument{
		Symbol:      "BTCUSDT",
		TickSize:    dec("0.1"),
		QtyStep:     dec("0.001"),
		MinQty:      dec("0.001"),
		MinNotional: dec("5"),
	}
}

func testAccount() types.AccountState {
	return types.AccountState{
		Equity: dec("100000"),
		Cash:   dec("100000"),
	}
}

func TestSizeAcceptsValidSignal(t *testing.T) {
	t.Parallel()
	m := NewManager(testRiskConfig(), testLogger())
	sig := types.Signal{
		EntryPrice: dec("50000"),
		StopLoss:   dec("49000"),
	}

	sized, rej := m.Size(sig, testAccount(), testInstrument(), decimal.Zero, 0)
	if rej != nil {
		t.Fatalf("expected success, got reject %v", rej)
	}
	if sized.Qty.LessThanOrEqual(decimal.Zero) {
		t.Error("expected positive qty")
	}
}

func TestSizeRejectsNonPositivePrice(t *testing.T) {
	t.Parallel()
	m := NewManager(testRiskConfig(), testLogger())
	sig := types.Signal{EntryPrice: decimal.Zero, StopLoss: dec("1")}

	_, rej := m.Size(sig, testAccount(), testInstrument(), decimal.Zero, 0)
	if rej == nil || rej.Code != "price_non_positive" {
		t.Fatalf("expected price_non_positive, got %v", rej)
	}
}

func TestSizeRejectsStopDistanceBelowMin(t *testing.T) {
	t.Parallel()
	m := NewManager(testRiskConfig(), testLogger())
	sig := types.Signal{EntryPrice: dec("50000"), StopLoss: dec("49999.99")}

	_, rej := m.Size(sig, testAccount(), testInstrument(), decimal.Zero, 0)
	if rej == nil || rej.Code != "stop_distance_below_min" {
		t.Fatalf("expected stop_distance_below_min, got %v", rej)
	}
}

// violationChecks extracts the check names from the []violation list in a
// risk_limit_violation reject reason's Values map, for assertions that need
// to inspect it.
func violationChecks(t *testing.T, rej *types.RejectReason) []string {
	t.Helper()
	if rej == nil || rej.Code != "risk_limit_violation" {
		t.Fatalf("expected risk_limit_violation, got %v", rej)
	}
	vs, ok := rej.Values["violations"].([]violation)
	if !ok {
		t.Fatalf("expected violations list in %v", rej.Values)
	}
	checks := make([]string, len(vs))
	for i, v := range vs {
		checks[i] = v.Check
	}
	return checks
}

func containsCheck(checks []string, want string) bool {
	for _, c := range checks {
		if c == want {
			return true
		}
	}
	return false
}

func TestSizeRejectsDailyLossLimit(t *testing.T) {
	t.Parallel()
	m := NewManager(testRiskConfig(), testLogger())
	sig := types.Signal{EntryPrice: dec("50000"), StopLoss: dec("49000")}
	account := testAccount()
	account.DailyLoss = dec("10000") // 10% of equity, exceeds 5% max

	_, rej := m.Size(sig, account, testInstrument(), decimal.Zero, 0)
	checks := violationChecks(t, rej)
	if !containsCheck(checks, "daily_loss") {
		t.Fatalf("expected daily_loss violation, got %v", checks)
	}
}

func TestSizeRejectsMaxOpenPositions(t *testing.T) {
	t.Parallel()
	m := NewManager(testRiskConfig(), testLogger())
	sig := types.Signal{EntryPrice: dec("50000"), StopLoss: dec("49000")}

	_, rej := m.Size(sig, testAccount(), testInstrument(), decimal.Zero, 5)
	checks := violationChecks(t, rej)
	if !containsCheck(checks, "open_positions") {
		t.Fatalf("expected open_positions violation, got %v", checks)
	}
}

func TestSizeRejectsNotionalExceedsMax(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()
	cfg.MaxNotional = 1
	m := NewManager(cfg, testLogger())
	sig := types.Signal{EntryPrice: dec("50000"), StopLoss: dec("49000")}

	_, rej := m.Size(sig, testAccount(), testInstrument(), decimal.Zero, 0)
	checks := violationChecks(t, rej)
	if !containsCheck(checks, "notional") {
		t.Fatalf("expected notional violation, got %v", checks)
	}
}

func TestSizeRejectsLeverageExceedsMax(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()
	cfg.MaxLeverage = 0.0001
	m := NewManager(cfg, testLogger())
	sig := types.Signal{EntryPrice: dec("50000"), StopLoss: dec("49000")}

	_, rej := m.Size(sig, testAccount(), testInstrument(), decimal.Zero, 0)
	checks := violationChecks(t, rej)
	if !containsCheck(checks, "leverage") {
		t.Fatalf("expected leverage violation, got %v", checks)
	}
}

func TestSizeReportsMultipleSimultaneousViolations(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()
	cfg.MaxNotional = 1
	cfg.MaxLeverage = 0.0001
	m := NewManager(cfg, testLogger())
	sig := types.Signal{EntryPrice: dec("50000"), StopLoss: dec("49000")}

	_, rej := m.Size(sig, testAccount(), testInstrument(), decimal.Zero, 0)
	checks := violationChecks(t, rej)
	if !containsCheck(checks, "notional") || !containsCheck(checks, "leverage") {
		t.Fatalf("expected both notional and leverage violations, got %v", checks)
	}
}

func TestSizeRoundsToInstrumentSteps(t *testing.T) {
	t.Parallel()
	m := NewManager(testRiskConfig(), testLogger())
	sig := types.Signal{EntryPrice: dec("50000.05"), StopLoss: dec("49000")}

	sized, rej := m.Size(sig, testAccount(), testInstrument(), decimal.Zero, 0)
	if rej != nil {
		t.Fatalf("unexpected reject %v", rej)
	}
	remainder := sized.Qty.Mod(testInstrument().QtyStep)
	if !remainder.IsZero() {
		t.Errorf("qty %s not aligned to qty_step %s", sized.Qty, testInstrument().QtyStep)
	}
}
