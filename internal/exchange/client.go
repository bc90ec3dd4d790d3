// Package exchange implements the Bybit V5 linear-category REST and
// WebSocket transport (§4.A, §6).
//
// The REST client (Client) talks to the Bybit V5 API:
//   - Kline:             GET  /v5/market/kline
//   - Orderbook:         GET  /v5/market/orderbook
//   - InstrumentsInfo:   GET  /v5/market/instruments-info
//   - PlaceOrder:        POST /v5/order/create
//   - CancelOrder:       POST /v5/order/cancel
//   - CancelAll:         POST /v5/order/cancel-all
//   - Positions:         GET  /v5/position/list
//   - SetTradingStop:    POST /v5/position/trading-stop
//   - SetLeverage:       POST /v5/position/set-leverage
//
// Every request, market-data reads included, is rate-limited via
// per-category TokenBuckets, retried with exponential backoff on transient
// failures, and signed with the X-BAPI-* HMAC headers (§6).
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"bybit-trading-core/internal/config"
	"bybit-trading-core/pkg/types"
)

// apiResponse is the common Bybit V5 response envelope.
type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// transientRetCodes are Bybit retCodes considered safe to retry (rate
// limit, system busy); invalid-parameter codes are never retried per §4.A.
var transientRetCodes = map[int]bool{
	10002: true, // recv_window expired — usually clock skew, worth one retry
	10006: true, // rate limit exceeded
	10016: true, // service unavailable
}

// authRetCodes are Bybit retCodes indicating a bad credential or signature
// rather than a transient condition — retrying without fixing the
// credential just burns the rate-limit budget (§7).
var authRetCodes = map[int]bool{
	10003: true, // invalid api_key
	10004: true, // error sign
	33004: true, // api key expired
}

// Client is the Bybit V5 linear REST API client. It wraps a resty HTTP
// client with rate limiting, retry, and HMAC signing.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry per §4.A's
// policy: exponential backoff, base 0.5s, factor 2, cap 10s, max 3 attempts.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.BaseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(2). // resty counts retries, not attempts: 1 try + 2 retries
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			if r.StatusCode() >= 500 {
				return true
			}
			var env apiResponse
			if jsonErr := json.Unmarshal(r.Body(), &env); jsonErr == nil {
				return transientRetCodes[env.RetCode]
			}
			return false
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		dryRun: cfg.Trading.Mode == "paper",
		logger: logger,
	}
}

func (c *Client) signedGet(ctx context.Context, path string, params map[string]string, out any) error {
	ts := time.Now().UnixMilli()
	query := SortedQuery(params)
	headers := c.auth.RESTHeaders(ts, query)

	req := c.http.R().SetContext(ctx).SetHeaders(headers)
	for k, v := range params {
		req.SetQueryParam(k, v)
	}

	var env apiResponse
	resp, err := req.SetResult(&env).Get(path)
	if err != nil {
		return fmt.Errorf("%w: GET %s: %w", types.ErrTransient, path, err)
	}
	return decodeEnvelope(resp, &env, out)
}

func (c *Client) signedPost(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	ts := time.Now().UnixMilli()
	headers := c.auth.RESTHeaders(ts, string(payload))

	var env apiResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(payload).
		SetResult(&env).
		Post(path)
	if err != nil {
		return fmt.Errorf("%w: POST %s: %w", types.ErrTransient, path, err)
	}
	return decodeEnvelope(resp, &env, out)
}

func decodeEnvelope(resp *resty.Response, env *apiResponse, out any) error {
	if resp.StatusCode() != http.StatusOK {
		if resp.StatusCode() >= 500 {
			return fmt.Errorf("%w: http status %d: %s", types.ErrTransient, resp.StatusCode(), resp.String())
		}
		return fmt.Errorf("http status %d: %s", resp.StatusCode(), resp.String())
	}
	if env.RetCode != 0 {
		apiErr := &APIError{Code: env.RetCode, Msg: env.RetMsg}
		switch {
		case authRetCodes[env.RetCode]:
			return fmt.Errorf("%w: %w", types.ErrAuth, apiErr)
		case transientRetCodes[env.RetCode]:
			return fmt.Errorf("%w: %w", types.ErrTransient, apiErr)
		default:
			return apiErr
		}
	}
	if out == nil {
		return nil
	}
	if len(env.Result) == 0 {
		return nil
	}
	return json.Unmarshal(env.Result, out)
}

// APIError wraps a non-zero Bybit retCode/retMsg.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit error %d: %s", e.Code, e.Msg)
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

type klineResult struct {
	Symbol   string     `json:"symbol"`
	Category string     `json:"category"`
	List     [][]string `json:"list"` // [startTime, open, high, low, close, volume, turnover], most-recent-first
}

// Kline fetches the most recent closed candles for a symbol/timeframe.
// Bybit returns most-recent-first; this returns them oldest-first per §4.A
// ("finite, most recent last").
func (c *Client) Kline(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}
	var res klineResult
	err := c.signedGet(ctx, "/v5/market/kline", map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("kline: %w", err)
	}

	candles := make([]types.Candle, 0, len(res.List))
	for _, row := range res.List {
		if len(row) < 6 {
			continue
		}
		ms, _ := strconv.ParseInt(row[0], 10, 64)
		candles = append(candles, types.Candle{
			Symbol:    symbol,
			Timeframe: interval,
			OpenTime:  time.UnixMilli(ms),
			Open:      mustDecimal(row[1]),
			High:      mustDecimal(row[2]),
			Low:       mustDecimal(row[3]),
			Close:     mustDecimal(row[4]),
			Volume:    mustDecimal(row[5]),
		})
	}
	// reverse to oldest-first
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

type orderbookResult struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Ts     int64      `json:"ts"`
}

// Orderbook fetches an L2 snapshot and computes spread_pct/depth_imbalance.
func (c *Client) Orderbook(ctx context.Context, symbol string, depth int) (*types.Orderbook, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}
	var res orderbookResult
	err := c.signedGet(ctx, "/v5/market/orderbook", map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"limit":    strconv.Itoa(depth),
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("orderbook: %w", err)
	}
	return buildOrderbook(symbol, res.Bids, res.Asks, res.Ts), nil
}

// ————————————————————————————————————————————————————————————————————————
// Instruments
// ————————————————————————————————————————————————————————————————————————

type instrumentsResult struct {
	List []instrumentInfo `json:"list"`
}

type instrumentInfo struct {
	Symbol     string `json:"symbol"`
	LotSizeFlt struct {
		QtyStep string `json:"qtyStep"`
		MinQty  string `json:"minOrderQty"`
	} `json:"lotSizeFilter"`
	PriceFlt struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
}

// defaultInstruments is the built-in fallback when the instruments-info
// request fails or the venue returns an empty instruments list (§4.A).
var defaultInstruments = map[string]types.Instrument{
	"BTCUSDT": {Symbol: "BTCUSDT", TickSize: mustDecimal("0.1"), QtyStep: mustDecimal("0.001"), MinQty: mustDecimal("0.001"), MinNotional: mustDecimal("5")},
	"ETHUSDT": {Symbol: "ETHUSDT", TickSize: mustDecimal("0.01"), QtyStep: mustDecimal("0.01"), MinQty: mustDecimal("0.01"), MinNotional: mustDecimal("5")},
}

// Instruments fetches symbol metadata, falling back to built-in defaults
// when the request fails or the venue returns nothing.
func (c *Client) Instruments(ctx context.Context, symbol string) (types.Instrument, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return types.Instrument{}, err
	}
	var res instrumentsResult
	err := c.signedGet(ctx, "/v5/market/instruments-info", map[string]string{
		"category": "linear",
		"symbol":   symbol,
	}, &res)
	if err != nil || len(res.List) == 0 {
		if fallback, ok := defaultInstruments[symbol]; ok {
			c.logger.Warn("instruments-info empty, using built-in default", "symbol", symbol)
			return fallback, nil
		}
		if err != nil {
			return types.Instrument{}, fmt.Errorf("instruments: %w", err)
		}
		return types.Instrument{}, fmt.Errorf("instruments: unknown symbol %s and no built-in default", symbol)
	}
	info := res.List[0]
	return types.Instrument{
		Symbol:      info.Symbol,
		TickSize:    mustDecimal(info.PriceFlt.TickSize),
		QtyStep:     mustDecimal(info.LotSizeFlt.QtyStep),
		MinQty:      mustDecimal(info.LotSizeFlt.MinQty),
		MinNotional: mustDecimal("5"),
	}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// PlaceOrderRequest is the caller-assembled request for order/create.
// LinkID is the idempotency key the caller computed (§4.7) — Bybit rejects
// a duplicate orderLinkId with a specific retCode rather than silently
// deduplicating, so callers must check locally first (§4.G).
type PlaceOrderRequest struct {
	Symbol     string
	Side       types.Side
	Qty        string
	Price      string // empty for Market orders
	OrderType  types.OrderType
	TIF        types.TimeInForce
	ReduceOnly bool
	LinkID     string
}

type placeOrderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// PlaceOrder submits an order with caller-assigned link_id (§4.G).
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (orderID string, status types.OrderStatus, err error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order", "symbol", req.Symbol, "side", req.Side, "qty", req.Qty, "link_id", req.LinkID)
		return "dry-run-" + req.LinkID, types.OrderStatusNew, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return "", "", err
	}

	body := map[string]any{
		"category":    "linear",
		"symbol":      req.Symbol,
		"side":        string(req.Side),
		"orderType":   string(req.OrderType),
		"qty":         req.Qty,
		"timeInForce": string(req.TIF),
		"reduceOnly":  req.ReduceOnly,
		"orderLinkId": req.LinkID,
	}
	if req.Price != "" {
		body["price"] = req.Price
	}

	var res placeOrderResult
	if err := c.signedPost(ctx, "/v5/order/create", body, &res); err != nil {
		return "", "", fmt.Errorf("place order: %w", err)
	}
	return res.OrderID, types.OrderStatusNew, nil
}

// CancelOrder cancels a single order by order ID or link ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID, linkID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "symbol", symbol, "order_id", orderID)
		return nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}
	body := map[string]any{"category": "linear", "symbol": symbol}
	if orderID != "" {
		body["orderId"] = orderID
	} else {
		body["orderLinkId"] = linkID
	}
	return c.signedPost(ctx, "/v5/order/cancel", body, nil)
}

// CancelAll cancels every open order, optionally scoped to one symbol. An
// empty symbol cancels across every symbol the account has open orders on.
func (c *Client) CancelAll(ctx context.Context, symbol string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all orders", "symbol", symbol)
		return nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}
	body := map[string]any{"category": "linear"}
	if symbol != "" {
		body["symbol"] = symbol
	} else {
		body["settleCoin"] = "USDT"
	}
	c.logger.Warn("cancelling all open orders", "symbol", symbol)
	return c.signedPost(ctx, "/v5/order/cancel-all", body, nil)
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

type positionListResult struct {
	List []struct {
		Symbol     string `json:"symbol"`
		Side       string `json:"side"` // "Buy"/"Sell"/""
		Size       string `json:"size"`
		AvgPrice   string `json:"avgPrice"`
		MarkPrice  string `json:"markPrice"`
	} `json:"list"`
}

// PositionSnapshot is the venue's reported (qty, avg_entry_price) for one symbol.
type PositionSnapshot struct {
	Symbol        string
	Qty           string
	AvgEntryPrice string
	Side          types.PositionSide
}

// Positions fetches the venue's current positions, optionally scoped to
// one symbol.
func (c *Client) Positions(ctx context.Context, symbol string) ([]PositionSnapshot, error) {
	if err := c.rl.Private.Wait(ctx); err != nil {
		return nil, err
	}
	params := map[string]string{"category": "linear"}
	if symbol != "" {
		params["symbol"] = symbol
	} else {
		params["settleCoin"] = "USDT"
	}
	var res positionListResult
	if err := c.signedGet(ctx, "/v5/position/list", params, &res); err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	out := make([]PositionSnapshot, 0, len(res.List))
	for _, p := range res.List {
		side := types.PositionNone
		switch p.Side {
		case "Buy":
			side = types.PositionLong
		case "Sell":
			side = types.PositionShort
		}
		out = append(out, PositionSnapshot{Symbol: p.Symbol, Qty: p.Size, AvgEntryPrice: p.AvgPrice, Side: side})
	}
	return out, nil
}

// SetTradingStop attaches/updates/clears exchange-side SL/TP on a position
// (§4.I). Passing "0" for sl or tp clears that side.
func (c *Client) SetTradingStop(ctx context.Context, symbol string, sl, tp string, mode types.TPSLMode) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would set trading stop", "symbol", symbol, "sl", sl, "tp", tp)
		return nil
	}
	if err := c.rl.Private.Wait(ctx); err != nil {
		return err
	}
	body := map[string]any{
		"category":  "linear",
		"symbol":    symbol,
		"tpslMode":  string(mode),
		"positionIdx": 0,
	}
	if sl != "" {
		body["stopLoss"] = sl
	}
	if tp != "" {
		body["takeProfit"] = tp
	}
	return c.signedPost(ctx, "/v5/position/trading-stop", body, nil)
}

// SetLeverage sets buy/sell leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	if c.dryRun {
		return nil
	}
	if err := c.rl.Private.Wait(ctx); err != nil {
		return err
	}
	lev := strconv.FormatFloat(leverage, 'f', -1, 64)
	body := map[string]any{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}
	return c.signedPost(ctx, "/v5/position/set-leverage", body, nil)
}
