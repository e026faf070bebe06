// Package sentiment reduces raw sentiment observations into one bounded
// signal per symbol. Missing or stale data degrades to neutral, never to
// a failed cycle.
package sentiment

import (
	"context"
	"math"
	"time"

	"github.com/atlas-desktop/decision-engine/pkg/types"
	"go.uber.org/zap"
)

// Observation is one raw sentiment reading in [-1, 1].
type Observation struct {
	Symbol     string    `json:"symbol"`
	Score      float64   `json:"score"`
	ObservedAt time.Time `json:"observedAt"`
	Source     string    `json:"source"`
}

// Source supplies recent observations for a symbol. Implementations may
// fail; callers degrade to an empty set.
type Source interface {
	Recent(ctx context.Context, symbol string, window time.Duration) ([]Observation, error)
}

// Config configures the reduction.
type Config struct {
	// HalfLife controls the exponential decay: an observation this old
	// weighs half as much as a fresh one.
	HalfLife time.Duration `json:"halfLife" mapstructure:"half_life" validate:"gt=0"`

	// Staleness drops observations older than this and marks the signal
	// stale when nothing survives.
	Staleness time.Duration `json:"staleness" mapstructure:"staleness" validate:"gt=0"`
}

// DefaultConfig returns the standard decay windows.
func DefaultConfig() Config {
	return Config{
		HalfLife:  4 * time.Hour,
		Staleness: 12 * time.Hour,
	}
}

// Aggregator reduces observation sets. Stateless and safe for concurrent
// use.
type Aggregator struct {
	logger *zap.Logger
	cfg    Config
}

// NewAggregator creates an aggregator.
func NewAggregator(logger *zap.Logger, cfg Config) *Aggregator {
	return &Aggregator{
		logger: logger.Named("sentiment"),
		cfg:    cfg,
	}
}

// Reduce computes the time-decayed weighted mean of the observations as
// of the given cycle time. Zero usable observations yield a neutral,
// stale signal. Never fails.
func (a *Aggregator) Reduce(symbol string, observations []Observation, asOf time.Time) types.SentimentSignal {
	var weightedSum, totalWeight float64

	for _, obs := range observations {
		age := asOf.Sub(obs.ObservedAt)
		if age < 0 {
			age = 0
		}
		if age > a.cfg.Staleness {
			continue
		}
		weight := math.Exp2(-age.Seconds() / a.cfg.HalfLife.Seconds())
		weightedSum += clamp(obs.Score) * weight
		totalWeight += weight
	}

	if totalWeight == 0 {
		return types.SentimentSignal{Symbol: symbol, Timestamp: asOf, Score: 0, IsStale: true}
	}

	return types.SentimentSignal{
		Symbol:    symbol,
		Timestamp: asOf,
		Score:     clamp(weightedSum / totalWeight),
		IsStale:   false,
	}
}

func clamp(score float64) float64 {
	if score > 1 {
		return 1
	}
	if score < -1 {
		return -1
	}
	return score
}

// EmptySource never has observations. Backtests use it so sentiment stays
// deterministic (neutral and stale) unless recorded observations are
// replayed.
type EmptySource struct{}

// Recent implements Source.
func (EmptySource) Recent(context.Context, string, time.Duration) ([]Observation, error) {
	return nil, nil
}

// MultiSource fans a query across providers, dropping any that fail.
type MultiSource struct {
	logger  *zap.Logger
	sources []Source
}

// NewMultiSource combines providers into one source.
func NewMultiSource(logger *zap.Logger, sources ...Source) *MultiSource {
	return &MultiSource{
		logger:  logger.Named("sentiment-sources"),
		sources: sources,
	}
}

// Recent implements Source. Provider failures are logged and skipped so a
// dead feed only thins the observation set.
func (m *MultiSource) Recent(ctx context.Context, symbol string, window time.Duration) ([]Observation, error) {
	var all []Observation
	for _, src := range m.sources {
		observations, err := src.Recent(ctx, symbol, window)
		if err != nil {
			m.logger.Warn("Sentiment source failed",
				zap.String("symbol", symbol),
				zap.Error(err))
			continue
		}
		all = append(all, observations...)
	}
	return all, nil
}
