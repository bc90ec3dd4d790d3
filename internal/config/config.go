// Package config defines all configuration for the trading core.
// Config is loaded from a JSON file (default: configs/config.json) with
// sensitive fields overridable via BOT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"bybit-trading-core/pkg/types"
)

// Config is the top-level configuration. Maps directly to the JSON file
// structure defined in §6 of the specification, plus the ambient logging
// and store sections every runnable binary needs.
type Config struct {
	Trading       TradingConfig          `mapstructure:"trading"`
	MarketData    MarketDataConfig       `mapstructure:"market_data"`
	RiskMgmt      RiskManagementConfig   `mapstructure:"risk_management"`
	StopLossTP    StopLossTPConfig       `mapstructure:"stop_loss_tp"`
	MetaLayer     MetaLayerConfig        `mapstructure:"meta_layer"`
	Strategies    map[string]StrategyCfg `mapstructure:"strategies"`
	Execution     ExecutionConfig        `mapstructure:"execution"`
	PaperTrading  PaperTradingConfig     `mapstructure:"paper_trading"`
	Logging       LoggingConfig          `mapstructure:"logging"`
	Store         StoreConfig            `mapstructure:"store"`
	API           APIConfig              `mapstructure:"api"`
}

// TradingConfig picks the venue, mode and active pipeline.
type TradingConfig struct {
	Symbol           string   `mapstructure:"symbol"`
	Mode             string   `mapstructure:"mode"` // "paper" or "live"
	Testnet          bool     `mapstructure:"testnet"`
	ActiveStrategies []string `mapstructure:"active_strategies"`
}

// MarketDataConfig tunes the Market-Data Assembler (§4.B).
type MarketDataConfig struct {
	KlineInterval        string   `mapstructure:"kline_interval"` // e.g. "60" — string code, never numeric
	KlineLimit           int      `mapstructure:"kline_limit"`
	OrderbookDepth       int      `mapstructure:"orderbook_depth"`
	DataRefreshIntervalS int      `mapstructure:"data_refresh_interval_s"`
	MTFTimeframes        []string `mapstructure:"mtf_timeframes"`
}

// RiskManagementConfig unifies the sizing/limit gates (§4.F) and the
// reconciliation drift tolerance (§4.H), previously split across two
// structures in the original source — unified per DESIGN.md's Open
// Question #1 resolution.
type RiskManagementConfig struct {
	PositionRiskPercent          float64 `mapstructure:"position_risk_percent"`
	MaxLeverage                  float64 `mapstructure:"max_leverage"`
	MaxNotional                  float64 `mapstructure:"max_notional"`
	MaxOpenExposureUSD           float64 `mapstructure:"max_open_exposure_usd"`
	MaxTotalOpenPositions        int     `mapstructure:"max_total_open_positions"`
	MaxDailyLossPercent          float64 `mapstructure:"max_daily_loss_percent"`
	MinStopDistancePercent       float64 `mapstructure:"min_stop_distance_percent"`
	SizeToleranceBand            float64 `mapstructure:"size_tolerance_band"` // default 1.10
	ReconciliationQtyTolerancePct   float64 `mapstructure:"reconciliation_qty_tolerance_pct"`
	ReconciliationPriceTolerancePct float64 `mapstructure:"reconciliation_price_tolerance_pct"`
}

// StopLossTPConfig tunes the SL/TP Engine (§4.I).
type StopLossTPConfig struct {
	SLATRMultiplier     float64 `mapstructure:"sl_atr_multiplier"`
	TPATRMultiplier     float64 `mapstructure:"tp_atr_multiplier"`
	SLPercentFallback   float64 `mapstructure:"sl_percent_fallback"`
	TPPercentFallback   float64 `mapstructure:"tp_percent_fallback"`
	MinSLDistance       float64 `mapstructure:"min_sl_distance"`
	MinTPDistance       float64 `mapstructure:"min_tp_distance"`
	TrailingMultiplier  float64 `mapstructure:"trailing_multiplier"`
	UseExchangeSLTP     bool    `mapstructure:"use_exchange_sl_tp"`
}

// MetaLayerConfig tunes NoTradeZones/RegimeSwitcher/MTF confluence (§4.E).
type MetaLayerConfig struct {
	UseMTF            bool               `mapstructure:"use_mtf"`
	MTFTimeframes     []string           `mapstructure:"mtf_timeframes"`
	MTFScoreThreshold float64            `mapstructure:"mtf_score_threshold"`
	MTFWeights        map[string]float64 `mapstructure:"mtf_weights"` // Open Question #3
	NoTradeHours      []string           `mapstructure:"no_trade_hours"`
	MaxErrorCount     int                `mapstructure:"max_error_count"`
}

// StrategyCfg is the per-strategy block under `strategies.<Name>` (§4.D).
// Fields are a superset; each strategy reads only what it needs.
type StrategyCfg struct {
	Enabled               bool    `mapstructure:"enabled"`
	MinADX                float64 `mapstructure:"min_adx"`
	EntryZoneATRLow       float64 `mapstructure:"entry_zone_atr_low"`
	EntryZoneATRHigh      float64 `mapstructure:"entry_zone_atr_high"`
	EntryMode             string  `mapstructure:"entry_mode"` // confirm_close | limit_at_ema | instant | retest
	LimitTTLBars          int     `mapstructure:"limit_ttl_bars"`
	LiquidationWickRatio  float64 `mapstructure:"liquidation_wick_ratio"`
	LiquidationATRMult    float64 `mapstructure:"liquidation_atr_mult"`
	LiquidationVolPctile  float64 `mapstructure:"liquidation_volume_percentile"`
	LiquidationCooldown   int     `mapstructure:"liquidation_cooldown_bars"`
	BBWidthSqueezePctile  float64 `mapstructure:"bb_width_squeeze_percentile"`
	VolExpansionPctile    float64 `mapstructure:"vol_expansion_percentile"`
	VolumeZThreshold      float64 `mapstructure:"volume_z_threshold"`
	RetestTTLBars         int     `mapstructure:"retest_ttl_bars"`
	VWAPDistanceThreshold float64 `mapstructure:"vwap_distance_threshold"`
	RSIOversold           float64 `mapstructure:"rsi_oversold"`
	RSIOverbought         float64 `mapstructure:"rsi_overbought"`
	AntiKnifeADXSpike     float64 `mapstructure:"anti_knife_adx_spike"`
	AntiKnifeATRSlopeSpike float64 `mapstructure:"anti_knife_atr_slope_spike"`
	MaxHoldBars           int     `mapstructure:"max_hold_bars"`
	SLATRMultiplier       float64 `mapstructure:"sl_atr_multiplier"`
	ConfidenceThreshold   float64 `mapstructure:"confidence_threshold"`
	MinCandles            int     `mapstructure:"min_candles"`
	Priority              int     `mapstructure:"priority"`
}

// ExecutionConfig tunes the Order Engine (§4.G).
type ExecutionConfig struct {
	OrderType          string `mapstructure:"order_type"`
	TimeInForce        string `mapstructure:"time_in_force"`
	UseBreakeven       bool   `mapstructure:"use_breakeven"`
	UsePartialExit     bool   `mapstructure:"use_partial_exit"`
	PartialExitPercent float64 `mapstructure:"partial_exit_percent"`
	LinkIDBucketSec    int    `mapstructure:"link_id_bucket_sec"`
}

// PaperTradingConfig tunes the Paper Simulator (§4.K).
type PaperTradingConfig struct {
	InitialBalance  float64 `mapstructure:"initial_balance"`
	MakerCommission float64 `mapstructure:"maker_commission"`
	TakerCommission float64 `mapstructure:"taker_commission"`
	SlippagePreset  string  `mapstructure:"slippage_preset"` // none|minimal|realistic|high
}

// LoggingConfig is the ambient logging setup (log/slog).
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig sets where durable KV / trade-log state is persisted.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// APIConfig holds Bybit endpoints and credentials. Secrets are meant to be
// supplied via environment, never committed to the JSON config file.
type APIConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	WSPublic   string `mapstructure:"ws_public_url"`
	WSPrivate  string `mapstructure:"ws_private_url"`
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	RecvWindow int    `mapstructure:"recv_window_ms"`
}

// hotReloadableKeys enumerates the dotted mapstructure paths that may
// change without a process restart, per §6.
var hotReloadableKeys = map[string]bool{
	"trading.symbol":                 true,
	"market_data.data_refresh_interval_s": true,
	"meta_layer.use_mtf":             true,
	"trading.active_strategies":      true,
}

// Load reads config from a JSON file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config (unknown key?): %w", err)
	}

	if key := os.Getenv("BOT_API_KEY"); key != "" {
		cfg.API.APIKey = key
	}
	if secret := os.Getenv("BOT_API_SECRET"); secret != "" {
		cfg.API.APISecret = secret
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Trading.Symbol == "" {
		return fmt.Errorf("%w: trading.symbol is required", types.ErrValidation)
	}
	if c.Trading.Mode != "paper" && c.Trading.Mode != "live" {
		return fmt.Errorf("%w: trading.mode must be 'paper' or 'live'", types.ErrValidation)
	}
	if c.Trading.Mode == "live" {
		if c.API.APIKey == "" || c.API.APISecret == "" {
			return fmt.Errorf("%w: api.api_key/api_secret (or BOT_API_KEY/BOT_API_SECRET) are required in live mode", types.ErrValidation)
		}
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("%w: api.base_url is required", types.ErrValidation)
	}
	if c.MarketData.KlineInterval == "" {
		return fmt.Errorf("%w: market_data.kline_interval is required", types.ErrValidation)
	}
	if c.RiskMgmt.PositionRiskPercent <= 0 {
		return fmt.Errorf("%w: risk_management.position_risk_percent must be > 0", types.ErrValidation)
	}
	if c.RiskMgmt.MaxTotalOpenPositions <= 0 {
		return fmt.Errorf("%w: risk_management.max_total_open_positions must be > 0", types.ErrValidation)
	}
	if c.RiskMgmt.SizeToleranceBand == 0 {
		c.RiskMgmt.SizeToleranceBand = 1.10
	}
	if c.RiskMgmt.ReconciliationQtyTolerancePct == 0 {
		c.RiskMgmt.ReconciliationQtyTolerancePct = 0.1
	}
	if c.RiskMgmt.ReconciliationPriceTolerancePct == 0 {
		c.RiskMgmt.ReconciliationPriceTolerancePct = 1.0
	}
	if c.Execution.LinkIDBucketSec == 0 {
		c.Execution.LinkIDBucketSec = 60
	}
	return nil
}

// RequiresRestart reports whether moving from c to other touches any
// restart-required section (risk_management, stop_loss_tp, execution),
// per §6's hot-reload boundary.
func (c *Config) RequiresRestart(other *Config) bool {
	if c.RiskMgmt != other.RiskMgmt {
		return true
	}
	if c.StopLossTP != other.StopLossTP {
		return true
	}
	if c.Execution != other.Execution {
		return true
	}
	return false
}

// HotReloadableFields returns the dotted mapstructure paths that may be
// applied without a restart.
func HotReloadableFields() []string {
	fields := make([]string, 0, len(hotReloadableKeys))
	for k := range hotReloadableKeys {
		fields = append(fields, k)
	}
	return fields
}
