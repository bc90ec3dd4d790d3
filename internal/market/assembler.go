package market

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bybit-trading-core/internal/config"
	"bybit-trading-core/internal/exchange"
	"bybit-trading-core/internal/feature"
	"bybit-trading-core/pkg/types"
)

// klineSource is the subset of *exchange.Client the assembler needs; kept
// as an interface so tests can supply a fake.
type klineSource interface {
	Kline(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error)
	Orderbook(ctx context.Context, symbol string, depth int) (*types.Orderbook, error)
}

// Assembler maintains per-symbol multi-timeframe candle buffers and
// orderbook snapshots, publishing a MarketTick on every refresh tick (§4.B).
type Assembler struct {
	client klineSource
	symbol string

	baseTF       string
	companionTFs []string
	klineLimit   int
	obDepth      int
	refreshEvery time.Duration

	store  *CandleStore
	book   *OrderbookMirror
	result chan types.MarketTick

	// onFailure, if set, is called with every pull failure that aborts a
	// tick, so the caller can feed it into the meta-layer's transient
	// error count (§7) instead of it being swallowed here as a log line.
	onFailure func(error)

	logger *slog.Logger
}

// OnFailure registers the callback invoked when a refresh fails to pull
// data from the exchange. Must be set before Run starts.
func (a *Assembler) OnFailure(fn func(error)) {
	a.onFailure = fn
}

// NewAssembler builds an Assembler for one symbol from market-data config.
// baseTF is market_data.kline_interval; every entry of mtf_timeframes
// becomes a companion TF feeding the MTF cache.
func NewAssembler(client klineSource, symbol string, cfg config.MarketDataConfig, logger *slog.Logger) *Assembler {
	baseTF := cfg.KlineInterval
	return &Assembler{
		client:       client,
		symbol:       symbol,
		baseTF:       baseTF,
		companionTFs: cfg.MTFTimeframes,
		klineLimit:   cfg.KlineLimit,
		obDepth:      cfg.OrderbookDepth,
		refreshEvery: time.Duration(cfg.DataRefreshIntervalS) * time.Second,
		store:        NewCandleStore(symbol, cfg.KlineLimit*2),
		book:         NewOrderbookMirror(),
		result:       make(chan types.MarketTick, 1),
		logger:       logger.With("component", "assembler", "symbol", symbol),
	}
}

// Ticks returns the channel downstream consumers read MarketTicks from.
func (a *Assembler) Ticks() <-chan types.MarketTick {
	return a.result
}

// Run starts the refresh loop. Blocks until ctx is cancelled.
func (a *Assembler) Run(ctx context.Context) {
	a.refresh(ctx)

	ticker := time.NewTicker(a.refreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.refresh(ctx)
		}
	}
}

// refresh pulls base and companion TF candles, an orderbook snapshot, builds
// features, and publishes a MarketTick. A per-TF fetch failure fails the
// whole tick (§4.B: "a missing indicator fails the tick") rather than
// publishing a partially-stale MTF cache.
func (a *Assembler) refresh(ctx context.Context) {
	if err := a.pullTimeframe(ctx, a.baseTF); err != nil {
		a.logger.Error("refresh: base timeframe pull failed", "tf", a.baseTF, "error", err)
		a.fail(err)
		return
	}

	mtfCache := make(map[string][]types.FeatureFrame, len(a.companionTFs))
	for _, tf := range a.companionTFs {
		if tf == a.baseTF {
			continue
		}
		if err := a.pullTimeframe(ctx, tf); err != nil {
			a.logger.Error("refresh: companion timeframe pull failed", "tf", tf, "error", err)
			a.fail(err)
			return
		}
		mtfCache[tf] = feature.Build(a.store.Candles(tf))
	}

	ob, err := a.client.Orderbook(ctx, a.symbol, a.obDepth)
	if err != nil {
		a.logger.Error("refresh: orderbook pull failed", "error", err)
		a.fail(err)
		return
	}
	a.book.Apply(*ob)

	baseFrames := feature.Build(a.store.Candles(a.baseTF))
	feature.ApplyOrderflowAnomaly(baseFrames, *ob)

	tick := types.MarketTick{
		Symbol:    a.symbol,
		BaseDF:    baseFrames,
		MTFCache:  mtfCache,
		Orderflow: *ob,
		Timestamp: time.Now(),
	}

	select {
	case a.result <- tick:
	default:
		select {
		case <-a.result:
		default:
		}
		a.result <- tick
	}
}

func (a *Assembler) fail(err error) {
	if a.onFailure != nil {
		a.onFailure(err)
	}
}

func (a *Assembler) pullTimeframe(ctx context.Context, tf string) error {
	candles, err := a.client.Kline(ctx, a.symbol, tf, a.klineLimit)
	if err != nil {
		return fmt.Errorf("kline %s: %w", tf, err)
	}
	a.store.Replace(tf, candles)
	return nil
}

// OrderbookSnapshot returns the most recently mirrored orderbook.
func (a *Assembler) OrderbookSnapshot() types.Orderbook {
	return a.book.Latest()
}

var _ klineSource = (*exchange.Client)(nil)
