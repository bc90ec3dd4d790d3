package meta

import (
	"bybit-trading-core/internal/config"
	"bybit-trading-core/pkg/types"
)

// MTFConfluence scores trend agreement across configured timeframes
// (§4.E.3). Weights come from meta_layer.mtf_weights; a timeframe with no
// configured weight counts 1/len(mtf_timeframes).
type MTFConfluence struct {
	cfg config.MetaLayerConfig
}

// NewMTFConfluence builds the confluence checker from meta-layer config.
func NewMTFConfluence(cfg config.MetaLayerConfig) *MTFConfluence {
	return &MTFConfluence{cfg: cfg}
}

// Check returns a reject reason if |score| < mtf_score_threshold, or nil
// if confluence is satisfied. Whether Check runs at all is decided by Gate
// from meta_layer.use_mtf.
func (m *MTFConfluence) Check(tick types.MarketTick) *types.RejectReason {
	score := m.Score(tick)
	if absFloat(score) < m.cfg.MTFScoreThreshold {
		return reject("mtf_confluence_insufficient", map[string]any{
			"score":     score,
			"threshold": m.cfg.MTFScoreThreshold,
		})
	}
	return nil
}

// Score computes Σ weight(tf)·sign(close−ema_20) over every configured
// timeframe present in the tick's MTF cache.
func (m *MTFConfluence) Score(tick types.MarketTick) float64 {
	var score float64
	for _, tf := range m.cfg.MTFTimeframes {
		frames, ok := tick.MTFCache[tf]
		if !ok || len(frames) == 0 {
			continue
		}
		last := frames[len(frames)-1]
		closeV, _ := last.Close.Float64()
		ema20, _ := last.EMA20.Float64()
		weight := m.cfg.MTFWeights[tf]
		if weight == 0 {
			weight = 1.0 / float64(len(m.cfg.MTFTimeframes))
		}
		score += weight * signFloat(closeV-ema20)
	}
	return score
}

func signFloat(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
