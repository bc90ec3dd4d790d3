// Package engine orchestrates the full signal-to-execution pipeline for one
// configured symbol (section 2, section 5): Market-Data Assembler, Feature
// Pipeline, Strategies, Meta-Layer, Risk Engine, Order Engine, with the
// Order Engine's fills mutating the Position-State Manager, the
// Position-State Manager reconciling against the venue, the SL/TP Engine
// attaching to open positions, and the kill switch preempting every send
// path.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"bybit-trading-core/internal/audit"
	"bybit-trading-core/internal/config"
	"bybit-trading-core/internal/exchange"
	"bybit-trading-core/internal/execution"
	"bybit-trading-core/internal/market"
	"bybit-trading-core/internal/meta"
	"bybit-trading-core/internal/metrics"
	"bybit-trading-core/internal/paper"
	"bybit-trading-core/internal/risk"
	"bybit-trading-core/internal/store"
	"bybit-trading-core/internal/strategy"
	"bybit-trading-core/pkg/types"
)

const (
	reconcileInterval = 30 * time.Second
	sltpCheckBudget   = 2 * time.Second
)

// orderClient is the subset of order-submission behavior the engine needs
// from either a live exchange client or the paper simulator.
type orderClient interface {
	PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (string, types.OrderStatus, error)
	CancelOrder(ctx context.Context, symbol, orderID, linkID string) error
	CancelAll(ctx context.Context, symbol string) error
	SetTradingStop(ctx context.Context, symbol string, sl, tp string, mode types.TPSLMode) error
}

// positionsClient is the subset needed to poll venue-reported positions for
// reconciliation; satisfied by both *exchange.Client and *paper.Simulator.
type positionsClient interface {
	Positions(ctx context.Context, symbol string) ([]exchange.PositionSnapshot, error)
}

// Engine wires every SPEC_FULL.md component for one symbol and supervises
// its concurrent tasks (section 5): market-data refresh, signal-to-execute
// pipeline, reconciliation, and (live mode only) the private WebSocket
// listener.
type Engine struct {
	cfg    config.Config
	symbol string
	logger *slog.Logger

	marketClient *exchange.Client
	auth         *exchange.Auth
	assembler    *market.Assembler

	strategies []strategy.Strategy
	gate       *meta.Gate

	riskMgr    *risk.Manager
	killSwitch *risk.KillSwitch

	orderClient orderClient
	posClient   positionsClient
	orderEngine *execution.Engine
	posMgr      *execution.PositionManager
	sltpEngine  *execution.SLTPEngine
	sim         *paper.Simulator
	privateFeed *exchange.WSFeed

	store   *store.Store
	audit   *audit.Logger
	metrics *metrics.Metrics

	accountMu sync.Mutex
	cash      decimal.Decimal
	dailyLoss decimal.Decimal
	dailyDay  time.Time

	sltpMu               sync.Mutex
	sltpLevels           *types.SLTPLevels
	pendingEntryStrategy string // strategy whose signal most recently opened/reopened the position, for max_hold_bars lookup

	entryMu      sync.Mutex
	pendingEntry *pendingEntryOrder

	execOrderMu        sync.Mutex
	lastExecTimeByLink map[string]int64

	instrument types.Instrument
}

// New builds an Engine from configuration. It opens the durable store,
// derives exchange auth, and wires every component per SPEC_FULL.md's
// domain-stack table, substituting the Paper Simulator for the live
// exchange client on the order path when trading.mode is "paper".
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	symbol := cfg.Trading.Symbol

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	auth := exchange.NewAuth(cfg.API.APIKey, cfg.API.APISecret, cfg.API.RecvWindow)
	marketClient := exchange.NewClient(cfg, auth, logger)

	instrument, err := marketClient.Instruments(context.Background(), symbol)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("fetch instrument metadata: %w", err)
	}

	assembler := market.NewAssembler(marketClient, symbol, cfg.MarketData, logger)

	strategies := make([]strategy.Strategy, 0, len(cfg.Trading.ActiveStrategies))
	for _, name := range cfg.Trading.ActiveStrategies {
		strategies = append(strategies, strategy.New(name, cfg.Strategies[name]))
	}

	gate := meta.NewGate(cfg.MetaLayer, rankedStrategyNames(cfg), logger)
	assembler.OnFailure(func(err error) {
		for _, name := range cfg.Trading.ActiveStrategies {
			gate.RecordTransientError(name)
		}
	})
	riskMgr := risk.NewManager(cfg.RiskMgmt, logger)

	var sim *paper.Simulator
	var oc orderClient
	var pc positionsClient
	var tc tradingClientForKillSwitch
	if cfg.Trading.Mode == "paper" {
		sim = paper.NewSimulator(cfg.PaperTrading, logger)
		oc, pc, tc = sim, sim, sim
	} else {
		oc, pc, tc = marketClient, marketClient, marketClient
	}

	killSwitch := risk.NewKillSwitch(st, tc, symbol, logger)

	cash := decimal.NewFromFloat(cfg.PaperTrading.InitialBalance)
	var dailyLoss decimal.Decimal
	var dailyDay time.Time
	if state, ok, loadErr := st.LoadAccountState(); loadErr != nil {
		logger.Error("load persisted account state failed, starting from configured initial balance", "error", loadErr)
	} else if ok {
		cash = state.Cash
		dailyLoss = state.DailyLoss
		dailyDay = time.Now().UTC().Truncate(24 * time.Hour)
	}

	orderEngine := execution.NewEngine(oc, st, cfg.Execution.LinkIDBucketSec, logger)
	posMgr := execution.NewPositionManager(symbol, cfg.RiskMgmt)
	sltpEngine := execution.NewSLTPEngine(cfg.StopLossTP, orderEngine, logger)

	var privateFeed *exchange.WSFeed
	if cfg.Trading.Mode != "paper" {
		privateFeed = exchange.NewPrivateFeed(cfg.API.WSPrivate, auth, logger)
	}

	e := &Engine{
		cfg:          cfg,
		symbol:       symbol,
		logger:       logger.With("component", "engine", "symbol", symbol),
		marketClient: marketClient,
		auth:         auth,
		assembler:    assembler,
		strategies:   strategies,
		gate:         gate,
		riskMgr:      riskMgr,
		killSwitch:   killSwitch,
		orderClient:  oc,
		posClient:    pc,
		orderEngine:  orderEngine,
		posMgr:       posMgr,
		sltpEngine:   sltpEngine,
		sim:          sim,
		privateFeed:  privateFeed,
		store:        st,
		audit:        audit.New(logger),
		metrics:      metrics.New(),
		cash:               cash,
		dailyLoss:          dailyLoss,
		dailyDay:           dailyDay,
		instrument:         instrument,
		lastExecTimeByLink: map[string]int64{},
	}
	return e, nil
}

// tradingClientForKillSwitch names the three-method surface risk.KillSwitch
// needs; both *exchange.Client and *paper.Simulator satisfy it.
type tradingClientForKillSwitch interface {
	CancelAll(ctx context.Context, symbol string) error
	Positions(ctx context.Context, symbol string) ([]exchange.PositionSnapshot, error)
	PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (string, types.OrderStatus, error)
}

// Metrics exposes the engine's Prometheus registry, e.g. for an HTTP
// handler registered by the caller.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// KillSwitch exposes the kill switch so the CLI's reset-killswitch command
// can reach it without starting the full pipeline.
func (e *Engine) KillSwitch() *risk.KillSwitch { return e.killSwitch }

// Run starts every concurrent task (section 5) and blocks until ctx is
// cancelled or a task returns a fatal error. One task runs the market-data
// refresh loop, one runs the signal-to-execute pipeline, one runs
// reconciliation, and (live mode only) one listens to the private
// WebSocket for order/position/execution events.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		e.assembler.Run(ctx)
		return ctx.Err()
	})

	g.Go(func() error {
		return e.runPipeline(ctx)
	})

	g.Go(func() error {
		return e.runReconciliation(ctx)
	})

	if e.privateFeed != nil {
		g.Go(func() error {
			return e.privateFeed.Run(ctx)
		})
		g.Go(func() error {
			return e.runPrivateDispatch(ctx)
		})
		g.Go(func() error {
			return e.subscribePrivateTopics(ctx)
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Stop cancels all open orders for the symbol as a safety net and closes
// the durable store. Callers cancel the context passed to Run to stop the
// concurrent tasks, then call Stop to flush state.
func (e *Engine) Stop(ctx context.Context) {
	cancelCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.orderEngine.CancelAll(cancelCtx, e.symbol); err != nil {
		e.logger.Error("stop: cancel-all failed", "error", err)
	}
	if e.privateFeed != nil {
		e.privateFeed.Close()
	}
	if err := e.store.Close(); err != nil {
		e.logger.Error("stop: close store failed", "error", err)
	}
}

// runPipeline is the signal-to-execute task: one iteration per market tick,
// processed strictly in tick order within this symbol (section 5 ordering
// guarantee).
func (e *Engine) runPipeline(ctx context.Context) error {
	ticks := e.assembler.Ticks()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-ticks:
			if !ok {
				return nil
			}
			e.processTick(ctx, tick)
		}
	}
}

func (e *Engine) processTick(ctx context.Context, tick types.MarketTick) {
	if len(tick.BaseDF) == 0 {
		return
	}
	frame := tick.BaseDF[len(tick.BaseDF)-1]

	if e.sim != nil {
		e.sim.OnBar(frame)
		e.drainSimFills()
	}

	e.manageSLTP(ctx, frame)
	e.expirePendingEntry(ctx)

	candidates := e.generateCandidates(tick)
	if len(candidates) == 0 {
		return
	}

	strategyRegimes := map[string][]types.Regime{} // none of the active strategies declare a regime allow-list in configuration
	winner, _ := e.gate.Evaluate(candidates, tick, strategyRegimes)

	for _, sig := range candidates {
		linkID := previewLinkID(sig, e.cfg.Execution.LinkIDBucketSec)
		if winner != nil && sig.StrategyID == winner.StrategyID && sig.Timestamp.Equal(winner.Timestamp) {
			e.audit.MetaApproved(linkID, sig.Symbol)
			e.metrics.IncSignal(sig.Symbol, sig.StrategyID, string(sig.Direction))
			continue
		}
		e.audit.MetaRejected(linkID, sig.Symbol, types.RejectReason{Code: "meta_gate_rejected"})
		e.metrics.IncRejection(sig.Symbol, "meta", "meta_gate_rejected")
	}

	if winner == nil {
		return
	}

	e.executeSignal(ctx, *winner, frame)
}

// generateCandidates runs every configured strategy against this tick and
// logs each produced signal as the chain's signal_generated event.
func (e *Engine) generateCandidates(tick types.MarketTick) []types.Signal {
	var candidates []types.Signal
	for _, s := range e.strategies {
		if len(tick.BaseDF) < s.MinCandles() {
			continue
		}
		sig, rej := s.GenerateSignal(tick.BaseDF, tick.Orderflow)
		if rej != nil {
			continue
		}
		if sig == nil {
			continue
		}
		sig.Normalize()
		sig.StrategyID = s.Name()
		sig.Symbol = e.symbol
		linkID := previewLinkID(*sig, e.cfg.Execution.LinkIDBucketSec)
		e.audit.SignalGenerated(linkID, sig.Symbol, sig.StrategyID, *sig)
		candidates = append(candidates, *sig)
	}
	return candidates
}

func (e *Engine) executeSignal(ctx context.Context, sig types.Signal, frame types.FeatureFrame) {
	linkID := previewLinkID(sig, e.cfg.Execution.LinkIDBucketSec)

	account := e.accountSnapshot(frame.Close)
	pos := e.posMgr.Snapshot()
	openCount := 0
	if pos.Side != types.PositionNone {
		openCount = 1
	}
	totalExposure := pos.Qty.Mul(pos.AvgEntryPrice)

	sized, rej := e.riskMgr.Size(sig, account, e.instrument, totalExposure, openCount)
	if rej != nil {
		e.logger.Debug("signal rejected", "link_id", linkID, "error", fmt.Errorf("%w: %w", types.ErrRiskDenied, *rej))
		e.audit.RiskRejected(linkID, sig.Symbol, *rej)
		e.metrics.IncRejection(sig.Symbol, "risk", rej.Code)
		return
	}
	e.audit.RiskApproved(linkID, sig.Symbol)

	wasFlat := pos.Side == types.PositionNone
	if wasFlat {
		e.sltpMu.Lock()
		e.pendingEntryStrategy = sig.StrategyID
		e.sltpMu.Unlock()
	}

	if !e.killSwitch.CanTrade() {
		e.audit.OrderFailed(linkID, sig.Symbol, fmt.Errorf("%w: %s", types.ErrKillSwitchActive, sig.Symbol))
		return
	}

	side := types.Buy
	if sig.Direction == types.DirectionShort {
		side = types.Sell
	}
	orderType := types.OrderTypeLimit
	if e.cfg.Execution.OrderType == "Market" {
		orderType = types.OrderTypeMarket
	}
	tif := types.TIFGTC
	if e.cfg.Execution.TimeInForce == "IOC" {
		tif = types.TIFIOC
	}

	order, err := e.orderEngine.CreateOrder(ctx, execution.CreateOrderRequest{
		Strategy:  sig.StrategyID,
		Symbol:    sig.Symbol,
		Side:      side,
		Direction: sig.Direction,
		Qty:       sized.Qty,
		Price:     sized.Price,
		OrderType: orderType,
		TIF:       tif,
		Timestamp: sig.Timestamp,
	})
	if err != nil {
		e.audit.OrderFailed(linkID, sig.Symbol, err)
		e.metrics.IncOrder(sig.Symbol, string(side), "Failed")
		return
	}
	e.audit.OrderSubmitted(linkID, sig.Symbol, order.OrderID)
	e.metrics.IncOrder(sig.Symbol, string(side), string(order.Status))

	if wasFlat && order.OrderType == types.OrderTypeLimit {
		if ttl := entryTTLBars(e.cfg.Strategies[sig.StrategyID]); ttl > 0 {
			e.entryMu.Lock()
			e.pendingEntry = &pendingEntryOrder{orderID: order.OrderID, linkID: order.LinkID, symbol: order.Symbol, ttlBars: ttl}
			e.entryMu.Unlock()
		}
	}
}

// pendingEntryOrder tracks a resting limit_at_ema/retest entry order so it
// can be expired after its configured TTL if never filled (§4.D.1, §4.D.2).
type pendingEntryOrder struct {
	orderID    string
	linkID     string
	symbol     string
	ttlBars    int
	barsWaited int
}

// entryTTLBars returns the configured TTL for the strategy's entry mode,
// or 0 if that mode carries no expiry.
func entryTTLBars(cfg config.StrategyCfg) int {
	switch cfg.EntryMode {
	case "limit_at_ema":
		return cfg.LimitTTLBars
	case "retest":
		return cfg.RetestTTLBars
	default:
		return 0
	}
}

// expirePendingEntry advances the TTL clock on any resting limit entry and
// cancels it once its configured TTL elapses without a fill.
func (e *Engine) expirePendingEntry(ctx context.Context) {
	e.entryMu.Lock()
	pending := e.pendingEntry
	if pending == nil {
		e.entryMu.Unlock()
		return
	}
	if e.posMgr.Snapshot().Side != types.PositionNone {
		e.pendingEntry = nil
		e.entryMu.Unlock()
		return
	}
	pending.barsWaited++
	expired := pending.barsWaited >= pending.ttlBars
	if expired {
		e.pendingEntry = nil
	}
	e.entryMu.Unlock()

	if !expired {
		return
	}
	cancelCtx, cancel := context.WithTimeout(ctx, sltpCheckBudget)
	defer cancel()
	if err := e.orderEngine.Cancel(cancelCtx, pending.symbol, pending.orderID, pending.linkID); err != nil {
		e.logger.Error("expire pending entry: cancel failed", "link_id", pending.linkID, "error", err)
		return
	}
	e.logger.Info("pending entry order expired", "link_id", pending.linkID, "ttl_bars", pending.ttlBars)
}

// drainSimFills applies every paper-mode fill produced since the last drain
// to the Position-State Manager, in EventSeq order, mirroring how the
// live-mode private WS dispatcher is the single writer that applies
// execution events.
func (e *Engine) drainSimFills() {
	fills := e.sim.Fills()
	e.execOrderMu.Lock()
	seen := e.lastExecTimeByLink["__paper_seq__"]
	e.execOrderMu.Unlock()

	for _, f := range fills {
		if f.EventSeq <= seen {
			continue
		}
		e.applyFill(f)
		seen = f.EventSeq
	}
	e.execOrderMu.Lock()
	e.lastExecTimeByLink["__paper_seq__"] = seen
	e.execOrderMu.Unlock()
}

// applyFill is the Position-State Manager's single write path (section 5):
// it folds a fill into the local position, realizes PnL on any reducing
// portion, and updates the account ledger and exposure gauge.
func (e *Engine) applyFill(fill types.Fill) {
	before := e.posMgr.Snapshot()

	var realized decimal.Decimal
	closingLong := before.Side == types.PositionLong && fill.Side == types.Sell
	closingShort := before.Side == types.PositionShort && fill.Side == types.Buy
	if closingLong || closingShort {
		closedQty := decimal.Min(fill.Qty, before.Qty)
		if closingLong {
			realized = fill.Price.Sub(before.AvgEntryPrice).Mul(closedQty)
		} else {
			realized = before.AvgEntryPrice.Sub(fill.Price).Mul(closedQty)
		}
	}

	if err := e.posMgr.AddPartialFill(fill.Side, fill.Qty, fill.Price, fill.Timestamp); err != nil {
		e.logger.Error("apply fill to position manager", "error", err, "link_id", fill.LinkID)
	}

	e.accountMu.Lock()
	e.rolloverDailyLossLocked(fill.Timestamp)
	e.cash = e.cash.Add(realized).Sub(fill.Fee)
	if realized.IsNegative() {
		e.dailyLoss = e.dailyLoss.Add(realized.Abs())
	}
	cash, dailyLoss := e.cash, e.dailyLoss
	e.accountMu.Unlock()

	after := e.posMgr.Snapshot()
	qty, _ := signedQty(after).Float64()
	e.metrics.SetOpenPositionQty(e.symbol, qty)

	persisted := types.AccountState{
		Cash:          cash,
		DailyLoss:     dailyLoss,
		OpenPositions: map[string]decimal.Decimal{e.symbol: after.Qty},
	}
	if e.store == nil {
		return
	}
	if err := e.store.SaveAccountState(persisted); err != nil {
		e.logger.Error("persist account state failed", "error", err, "link_id", fill.LinkID)
	}
}

func (e *Engine) rolloverDailyLossLocked(at time.Time) {
	day := at.UTC().Truncate(24 * time.Hour)
	if !e.dailyDay.Equal(day) {
		e.dailyDay = day
		e.dailyLoss = decimal.Zero
	}
}

// accountSnapshot builds the AccountState the Risk Engine sizes against:
// cash/dailyLoss are the realized ledger, equity adds unrealized PnL
// against the given mark price. Bybit's V5 REST surface used by this
// trading core (section 6) has no wallet-balance endpoint, so equity is
// tracked as a local realized-PnL ledger seeded from
// paper_trading.initial_balance rather than fetched from the venue.
func (e *Engine) accountSnapshot(markPrice decimal.Decimal) types.AccountState {
	e.accountMu.Lock()
	cash := e.cash
	dailyLoss := e.dailyLoss
	e.accountMu.Unlock()

	pos := e.posMgr.Snapshot()
	var unrealized decimal.Decimal
	switch pos.Side {
	case types.PositionLong:
		unrealized = markPrice.Sub(pos.AvgEntryPrice).Mul(pos.Qty)
	case types.PositionShort:
		unrealized = pos.AvgEntryPrice.Sub(markPrice).Mul(pos.Qty)
	}

	return types.AccountState{
		Equity:        cash.Add(unrealized),
		Cash:          cash,
		DailyLoss:     dailyLoss,
		OpenPositions: map[string]decimal.Decimal{e.symbol: signedQty(pos)},
	}
}

// manageSLTP computes/attaches SL/TP on a freshly opened position, advances
// trailing stops and the hold-bar count on an existing one, and enforces
// any breached Virtual level or expired max_hold_bars time stop with a
// reduce-only market order.
func (e *Engine) manageSLTP(ctx context.Context, frame types.FeatureFrame) {
	pos := e.posMgr.Snapshot()

	e.sltpMu.Lock()
	if pos.Side == types.PositionNone {
		e.sltpLevels = nil
		e.sltpMu.Unlock()
		return
	}
	if e.sltpLevels == nil || e.sltpLevels.Side != pos.Side {
		maxHoldBars := e.cfg.Strategies[e.pendingEntryStrategy].MaxHoldBars
		levels := e.sltpEngine.Compute(e.symbol, pos.Side, pos.AvgEntryPrice, pos.Qty, frame.ATR, maxHoldBars)
		attachCtx, cancel := context.WithTimeout(ctx, sltpCheckBudget)
		if err := e.sltpEngine.Attach(attachCtx, levels); err != nil {
			e.logger.Error("attach sl/tp failed", "error", err)
		}
		cancel()
		e.sltpLevels = &levels
	} else {
		updated := e.sltpEngine.UpdateTrailing(*e.sltpLevels, frame.Close)
		updated.HoldBars++
		e.sltpLevels = &updated
	}
	levels := *e.sltpLevels
	e.sltpMu.Unlock()

	breached, hitSL := e.sltpEngine.CheckBreach(levels, frame.Close)
	timeStop := !breached && e.sltpEngine.CheckTimeStop(levels)
	if !breached && !timeStop {
		return
	}

	side := types.Sell
	if pos.Side == types.PositionShort {
		side = types.Buy
	}
	_, err := e.sltpEngine.EnforceVirtualBreach(ctx, levels, execution.CreateOrderRequest{
		Strategy:  "sltp",
		Symbol:    e.symbol,
		Side:      side,
		Direction: types.DirectionExit,
		Qty:       pos.Qty,
		Timestamp: frame.OpenTime,
	})
	if err != nil {
		e.logger.Error("enforce virtual sl/tp breach failed", "error", err)
		return
	}

	exitReason := "take_profit"
	switch {
	case timeStop:
		exitReason = "time_stop"
	case hitSL:
		exitReason = "stop_loss"
	}
	e.logger.Info("position force-closed",
		"symbol", e.symbol,
		"exit_reason", exitReason,
		"bars_held", levels.HoldBars,
	)
}

// runReconciliation periodically compares the local position against the
// venue's reported state (section 5: every N seconds), correcting drift
// beyond the configured tolerance.
func (e *Engine) runReconciliation(ctx context.Context) error {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.reconcileOnce(ctx)
		}
	}
}

func (e *Engine) reconcileOnce(ctx context.Context) {
	snapshots, err := e.posClient.Positions(ctx, e.symbol)
	if err != nil {
		e.logger.Error("reconciliation: fetch positions failed", "error", err)
		return
	}
	var qty, avgPrice decimal.Decimal
	for _, snap := range snapshots {
		if snap.Symbol != e.symbol {
			continue
		}
		q, _ := decimal.NewFromString(snap.Qty)
		p, _ := decimal.NewFromString(snap.AvgEntryPrice)
		if snap.Side == types.PositionShort {
			q = q.Neg()
		}
		qty, avgPrice = q, p
	}
	discrepancy := e.posMgr.Reconcile(qty.Abs(), avgPrice, time.Now())
	if discrepancy.Detected {
		e.logger.Warn("reconciliation drift detected", "error", fmt.Errorf("%w: %s", types.ErrReconciliationMismatch, discrepancy.Details))
	}
	qtyFloat, _ := qty.Float64()
	e.metrics.SetOpenPositionQty(e.symbol, qtyFloat)
	if err := e.store.SavePosition(e.posMgr.Snapshot()); err != nil {
		e.logger.Error("reconciliation: persist position failed", "error", err)
	}
}

// subscribePrivateTopics re-sends the order/position/execution subscription
// every 5 seconds while the private feed is authenticated; the feed itself
// also re-subscribes its tracked topics after each reconnect.
func (e *Engine) subscribePrivateTopics(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if e.privateFeed.Authenticated() {
				_ = e.privateFeed.Subscribe([]string{"order", "position", "execution"})
			}
		}
	}
}

// runPrivateDispatch is the live-mode order-event dispatcher (section 5's
// single writer for the Position-State Manager): it applies execution
// events in event-time order per link_id, sorting each arriving batch by
// exchange timestamp and refusing to apply an event whose timestamp is not
// newer than the last one already applied for that link_id.
func (e *Engine) runPrivateDispatch(ctx context.Context) error {
	execCh := e.privateFeed.ExecutionEvents()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-execCh:
			if !ok {
				return nil
			}
			e.dispatchExecutionEvent(evt)
		}
	}
}

func (e *Engine) dispatchExecutionEvent(evt exchange.ExecutionEvent) {
	type parsed struct {
		fill    types.Fill
		execMs  int64
	}
	batch := make([]parsed, 0, len(evt.Data))
	for _, d := range evt.Data {
		execMs := parseMillis(d.ExecTime)
		side := types.Buy
		if d.Side == "Sell" {
			side = types.Sell
		}
		price, _ := decimal.NewFromString(d.ExecPrice)
		qty, _ := decimal.NewFromString(d.ExecQty)
		fee, _ := decimal.NewFromString(d.ExecFee)
		batch = append(batch, parsed{
			fill: types.Fill{
				OrderID:   d.OrderID,
				LinkID:    d.OrderLinkID,
				Symbol:    d.Symbol,
				Side:      side,
				Price:     price,
				Qty:       qty,
				Fee:       fee,
				Timestamp: time.UnixMilli(execMs),
				EventSeq:  execMs,
			},
			execMs: execMs,
		})
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].execMs < batch[j].execMs })

	for _, p := range batch {
		e.execOrderMu.Lock()
		last := e.lastExecTimeByLink[p.fill.LinkID]
		stale := p.execMs <= last
		if !stale {
			e.lastExecTimeByLink[p.fill.LinkID] = p.execMs
		}
		e.execOrderMu.Unlock()

		if stale {
			e.logger.Warn("dropping out-of-order execution event", "link_id", p.fill.LinkID, "exec_ms", p.execMs, "last_applied", last)
			continue
		}
		e.applyFill(p.fill)
	}
}

func parseMillis(s string) int64 {
	var ms int64
	_, err := fmt.Sscanf(s, "%d", &ms)
	if err != nil {
		return 0
	}
	return ms
}

// previewLinkID computes the idempotency key a downstream CreateOrder call
// will derive for this signal, so audit events can be tagged with the same
// link_id before the order is actually submitted.
func previewLinkID(sig types.Signal, bucketSec int) string {
	return execution.GenerateLinkID(sig.StrategyID, sig.Symbol, sig.Timestamp.Unix(), sig.Direction, bucketSec)
}

func signedQty(pos types.Position) decimal.Decimal {
	if pos.Side == types.PositionShort {
		return pos.Qty.Neg()
	}
	return pos.Qty
}

// rankedStrategyNames orders active strategies by their configured
// priority (lower value wins ties in the conflict resolver), falling back
// to configuration order for unset priorities.
func rankedStrategyNames(cfg config.Config) []string {
	names := append([]string(nil), cfg.Trading.ActiveStrategies...)
	sort.SliceStable(names, func(i, j int) bool {
		return cfg.Strategies[names[i]].Priority < cfg.Strategies[names[j]].Priority
	})
	return names
}
