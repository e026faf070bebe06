// Package model wraps the externally trained forecasting model behind a
// scoring interface. The engine never sees the model internals, only a
// point forecast and a confidence.
package model

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/regime"
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"go.uber.org/zap"
)

var (
	// ErrSchemaMismatch means the loaded artifact does not accept the
	// engine's feature schema. Fatal at startup.
	ErrSchemaMismatch = errors.New("model schema mismatch")

	// ErrModelTimeout means scoring exceeded the latency budget. The
	// cycle degrades to a neutral forecast.
	ErrModelTimeout = errors.New("model timeout")

	// ErrModelError means the wrapped model failed to score. The cycle
	// degrades to a neutral forecast.
	ErrModelError = errors.New("model error")
)

// Scorer produces a forecast from a feature vector plus the current
// most-likely regime as a categorical input.
type Scorer interface {
	Score(ctx context.Context, fv types.FeatureVector, r regime.Regime) (types.Forecast, error)
	Close() error
}

// NeutralForecast is the degradation target: zero expected return, zero
// confidence, so the fusion gate rejects it.
func NeutralForecast(symbol string, ts time.Time) types.Forecast {
	return types.Forecast{Symbol: symbol, Timestamp: ts, ExpectedReturn: 0, Confidence: 0}
}

// NeutralScorer always returns the neutral forecast. Used when no model
// artifact is configured.
type NeutralScorer struct{}

// Score implements Scorer.
func (NeutralScorer) Score(_ context.Context, fv types.FeatureVector, _ regime.Regime) (types.Forecast, error) {
	return NeutralForecast(fv.Symbol, fv.Timestamp), nil
}

// Close implements Scorer.
func (NeutralScorer) Close() error { return nil }

// GuardConfig bounds scoring latency.
type GuardConfig struct {
	Timeout time.Duration `json:"timeout" mapstructure:"timeout" validate:"gt=0"`
}

// DefaultGuardConfig returns the standard scoring budget.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{Timeout: 2 * time.Second}
}

// Guard wraps any scorer with the latency budget and the degrade-to-neutral
// policy: a timeout or scoring failure yields the neutral forecast together
// with the classified error, never a dead cycle.
type Guard struct {
	logger *zap.Logger
	inner  Scorer
	cfg    GuardConfig
}

// NewGuard wraps a scorer.
func NewGuard(logger *zap.Logger, inner Scorer, cfg GuardConfig) *Guard {
	return &Guard{
		logger: logger.Named("model"),
		inner:  inner,
		cfg:    cfg,
	}
}

type scoreResult struct {
	forecast types.Forecast
	err      error
}

// Score implements Scorer. The wrapped scorer runs in its own goroutine so
// a hung model cannot stall the pair pipeline past the budget.
func (g *Guard) Score(ctx context.Context, fv types.FeatureVector, r regime.Regime) (types.Forecast, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	done := make(chan scoreResult, 1)
	go func() {
		forecast, err := g.inner.Score(ctx, fv, r)
		done <- scoreResult{forecast, err}
	}()

	select {
	case <-ctx.Done():
		return NeutralForecast(fv.Symbol, fv.Timestamp),
			fmt.Errorf("%w: %s after %s", ErrModelTimeout, fv.Symbol, g.cfg.Timeout)
	case res := <-done:
		if res.err != nil {
			return NeutralForecast(fv.Symbol, fv.Timestamp),
				fmt.Errorf("%w: %s: %v", ErrModelError, fv.Symbol, res.err)
		}
		return clampForecast(res.forecast), nil
	}
}

// Close implements Scorer.
func (g *Guard) Close() error { return g.inner.Close() }

// clampForecast keeps confidence inside [0,1] whatever the artifact emits.
func clampForecast(f types.Forecast) types.Forecast {
	if f.Confidence < 0 {
		f.Confidence = 0
	}
	if f.Confidence > 1 {
		f.Confidence = 1
	}
	return f
}

// RegimeIndex encodes the regime as the categorical model input. The
// encoding is part of the model schema and must match training.
func RegimeIndex(r regime.Regime) float32 {
	for i, known := range regime.All() {
		if known == r {
			return float32(i)
		}
	}
	return -1
}
