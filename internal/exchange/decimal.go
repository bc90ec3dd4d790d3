package exchange

import (
	"time"

	"github.com/shopspring/decimal"

	"bybit-trading-core/pkg/types"
)

// mustDecimal parses a numeric string from the wire. Bybit's REST/WS
// payloads represent every price/qty as a string to preserve precision;
// a parse failure here means the venue sent malformed data and there is
// no safe fallback, so this panics rather than silently substituting zero.
func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic("exchange: malformed decimal from venue: " + s)
	}
	return d
}

// buildOrderbook converts raw [price, size] string pairs into an
// Orderbook with spread_pct and depth_imbalance computed per §4.B.
func buildOrderbook(symbol string, rawBids, rawAsks [][]string, tsMillis int64) *types.Orderbook {
	bids := toLevels(rawBids)
	asks := toLevels(rawAsks)

	ob := &types.Orderbook{Symbol: symbol, Bids: bids, Asks: asks}
	if tsMillis > 0 {
		ob.Timestamp = time.UnixMilli(tsMillis)
	}

	if len(bids) == 0 || len(asks) == 0 {
		return ob
	}

	bestBid := bids[0].Price
	bestAsk := asks[0].Price
	mid := bestBid.Add(bestAsk).Div(decimal.NewFromInt(2))
	if !mid.IsZero() {
		ob.SpreadPct = bestAsk.Sub(bestBid).Div(mid)
	}

	bidVol := sumSize(bids)
	askVol := sumSize(asks)
	total := bidVol.Add(askVol)
	if !total.IsZero() {
		ob.DepthImbalance = bidVol.Sub(askVol).Div(total)
	}
	return ob
}

func toLevels(raw [][]string) []types.PriceLevel {
	levels := make([]types.PriceLevel, 0, len(raw))
	for _, row := range raw {
		if len(row) < 2 {
			continue
		}
		levels = append(levels, types.PriceLevel{Price: mustDecimal(row[0]), Size: mustDecimal(row[1])})
	}
	return levels
}

func sumSize(levels []types.PriceLevel) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range levels {
		sum = sum.Add(l.Size)
	}
	return sum
}
