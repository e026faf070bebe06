// Package model_test provides tests for the model wrapper.
package model_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/model"
	"github.com/atlas-desktop/decision-engine/internal/regime"
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"go.uber.org/zap"
)

// stubScorer returns a fixed forecast after an optional delay.
type stubScorer struct {
	forecast types.Forecast
	err      error
	delay    time.Duration
}

func (s stubScorer) Score(ctx context.Context, fv types.FeatureVector, _ regime.Regime) (types.Forecast, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return types.Forecast{}, ctx.Err()
		}
	}
	return s.forecast, s.err
}

func (s stubScorer) Close() error { return nil }

func testFeature() types.FeatureVector {
	return types.FeatureVector{Symbol: "BTCUSDT", Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestNeutralScorer(t *testing.T) {
	forecast, err := model.NeutralScorer{}.Score(context.Background(), testFeature(), regime.Ranging)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if forecast.ExpectedReturn != 0 || forecast.Confidence != 0 {
		t.Errorf("Neutral forecast not neutral: %+v", forecast)
	}
	if forecast.Symbol != "BTCUSDT" {
		t.Errorf("Symbol lost: %s", forecast.Symbol)
	}
}

func TestGuardPassesThrough(t *testing.T) {
	inner := stubScorer{forecast: types.Forecast{
		Symbol: "BTCUSDT", ExpectedReturn: 0.004, Confidence: 0.7,
	}}
	guard := model.NewGuard(zap.NewNop(), inner, model.DefaultGuardConfig())

	forecast, err := guard.Score(context.Background(), testFeature(), regime.TrendingUp)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if forecast.ExpectedReturn != 0.004 || forecast.Confidence != 0.7 {
		t.Errorf("Forecast altered: %+v", forecast)
	}
}

func TestGuardTimeout(t *testing.T) {
	inner := stubScorer{
		forecast: types.Forecast{ExpectedReturn: 0.01, Confidence: 0.9},
		delay:    200 * time.Millisecond,
	}
	guard := model.NewGuard(zap.NewNop(), inner, model.GuardConfig{Timeout: 20 * time.Millisecond})

	forecast, err := guard.Score(context.Background(), testFeature(), regime.TrendingUp)
	if !errors.Is(err, model.ErrModelTimeout) {
		t.Fatalf("Expected ErrModelTimeout, got %v", err)
	}
	if forecast.ExpectedReturn != 0 || forecast.Confidence != 0 {
		t.Errorf("Timeout must degrade to neutral, got %+v", forecast)
	}
}

func TestGuardModelError(t *testing.T) {
	inner := stubScorer{err: errors.New("boom")}
	guard := model.NewGuard(zap.NewNop(), inner, model.DefaultGuardConfig())

	forecast, err := guard.Score(context.Background(), testFeature(), regime.Ranging)
	if !errors.Is(err, model.ErrModelError) {
		t.Fatalf("Expected ErrModelError, got %v", err)
	}
	if forecast.ExpectedReturn != 0 || forecast.Confidence != 0 {
		t.Errorf("Error must degrade to neutral, got %+v", forecast)
	}
}

func TestGuardClampsConfidence(t *testing.T) {
	inner := stubScorer{forecast: types.Forecast{ExpectedReturn: 0.002, Confidence: 1.7}}
	guard := model.NewGuard(zap.NewNop(), inner, model.DefaultGuardConfig())

	forecast, err := guard.Score(context.Background(), testFeature(), regime.Ranging)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if forecast.Confidence != 1 {
		t.Errorf("Confidence should clamp to 1, got %f", forecast.Confidence)
	}
}

func TestRegimeIndexDistinct(t *testing.T) {
	seen := make(map[float32]regime.Regime)
	for _, r := range regime.All() {
		idx := model.RegimeIndex(r)
		if idx < 0 {
			t.Errorf("Regime %s has no index", r)
		}
		if prev, dup := seen[idx]; dup {
			t.Errorf("Regimes %s and %s share index %f", prev, r, idx)
		}
		seen[idx] = r
	}
}
