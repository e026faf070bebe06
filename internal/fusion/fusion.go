// Package fusion combines the regime posterior, model forecast, and
// sentiment signal into a single directional trade score.
package fusion

import (
	"github.com/atlas-desktop/decision-engine/internal/regime"
	"github.com/atlas-desktop/decision-engine/pkg/types"
)

// Config holds the fusion weights and gates.
type Config struct {
	RegimeWeight    float64 `json:"regimeWeight" mapstructure:"regime_weight" validate:"gte=0"`
	ForecastWeight  float64 `json:"forecastWeight" mapstructure:"forecast_weight" validate:"gte=0"`
	SentimentWeight float64 `json:"sentimentWeight" mapstructure:"sentiment_weight" validate:"gte=0"`

	// Deadband is the zero-centered band treated as flat. A score on the
	// boundary is flat.
	Deadband float64 `json:"deadband" mapstructure:"deadband" validate:"gte=0"`

	// MinConfidence gates trading on the forecast confidence.
	MinConfidence float64 `json:"minConfidence" mapstructure:"min_confidence" validate:"gte=0,lte=1"`

	// AllowStaleSentiment relaxes the staleness gate. By default stale
	// sentiment blocks trading unless SentimentWeight is zero.
	AllowStaleSentiment bool `json:"allowStaleSentiment" mapstructure:"allow_stale_sentiment"`
}

// DefaultConfig returns the production weighting.
func DefaultConfig() Config {
	return Config{
		RegimeWeight:        0.3,
		ForecastWeight:      0.5,
		SentimentWeight:     0.2,
		Deadband:            0.0005,
		MinConfidence:       0.55,
		AllowStaleSentiment: false,
	}
}

// RegimeBias maps each regime to its directional lean.
func RegimeBias(r regime.Regime) float64 {
	switch r {
	case regime.TrendingUp:
		return 1
	case regime.TrendingDown:
		return -1
	default:
		return 0
	}
}

// Fuser scores symbols. Pure; safe for concurrent use.
type Fuser struct {
	cfg Config
}

// NewFuser creates a fuser.
func NewFuser(cfg Config) *Fuser {
	return &Fuser{cfg: cfg}
}

// Fuse combines the three inputs for one symbol at one timestamp. A failed
// confidence gate always forces the direction flat; the raw score is still
// reported for observability.
func (f *Fuser) Fuse(st regime.State, forecast types.Forecast, sent types.SentimentSignal) types.FusedSignal {
	score := f.cfg.RegimeWeight*RegimeBias(st.MostLikely) +
		f.cfg.ForecastWeight*forecast.ExpectedReturn*forecast.Confidence +
		f.cfg.SentimentWeight*sent.Score

	passes := forecast.Confidence >= f.cfg.MinConfidence
	if sent.IsStale && f.cfg.SentimentWeight != 0 && !f.cfg.AllowStaleSentiment {
		passes = false
	}

	direction := types.DirectionFlat
	if passes {
		switch {
		case score > f.cfg.Deadband:
			direction = types.DirectionLong
		case score < -f.cfg.Deadband:
			direction = types.DirectionShort
		}
	}

	return types.FusedSignal{
		Symbol:     st.Symbol,
		Timestamp:  forecast.Timestamp,
		Score:      score,
		Direction:  direction,
		PassesGate: passes,
	}
}
