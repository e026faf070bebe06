// Package sentiment_test provides tests for sentiment reduction.
package sentiment_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/sentiment"
	"go.uber.org/zap"
)

var asOf = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestReduceEmptyIsStaleNeutral(t *testing.T) {
	agg := sentiment.NewAggregator(zap.NewNop(), sentiment.DefaultConfig())

	signal := agg.Reduce("ETHUSDT", nil, asOf)
	if !signal.IsStale {
		t.Error("Expected stale signal for zero observations")
	}
	if signal.Score != 0 {
		t.Errorf("Expected neutral score, got %f", signal.Score)
	}
	if signal.Symbol != "ETHUSDT" {
		t.Errorf("Symbol lost: %s", signal.Symbol)
	}
}

func TestReduceAllStaleIsNeutral(t *testing.T) {
	cfg := sentiment.DefaultConfig()
	agg := sentiment.NewAggregator(zap.NewNop(), cfg)

	observations := []sentiment.Observation{
		{Symbol: "BTCUSDT", Score: 0.9, ObservedAt: asOf.Add(-cfg.Staleness - time.Hour)},
		{Symbol: "BTCUSDT", Score: -0.4, ObservedAt: asOf.Add(-2 * cfg.Staleness)},
	}

	signal := agg.Reduce("BTCUSDT", observations, asOf)
	if !signal.IsStale {
		t.Error("Expected stale signal when everything is beyond the threshold")
	}
	if signal.Score != 0 {
		t.Errorf("Expected neutral score, got %f", signal.Score)
	}
}

func TestReduceDecayWeighting(t *testing.T) {
	cfg := sentiment.Config{HalfLife: time.Hour, Staleness: 10 * time.Hour}
	agg := sentiment.NewAggregator(zap.NewNop(), cfg)

	observations := []sentiment.Observation{
		{Symbol: "BTCUSDT", Score: 1, ObservedAt: asOf},                 // weight 1
		{Symbol: "BTCUSDT", Score: -1, ObservedAt: asOf.Add(-time.Hour)}, // weight 0.5
	}

	signal := agg.Reduce("BTCUSDT", observations, asOf)
	if signal.IsStale {
		t.Fatal("Signal should not be stale")
	}

	want := (1.0 - 0.5) / 1.5
	if math.Abs(signal.Score-want) > 1e-9 {
		t.Errorf("Decay weighting wrong: got %f, want %f", signal.Score, want)
	}
}

func TestReduceClampsScores(t *testing.T) {
	agg := sentiment.NewAggregator(zap.NewNop(), sentiment.DefaultConfig())

	observations := []sentiment.Observation{
		{Symbol: "BTCUSDT", Score: 5, ObservedAt: asOf},
	}

	signal := agg.Reduce("BTCUSDT", observations, asOf)
	if signal.Score != 1 {
		t.Errorf("Out-of-range input must clamp to 1, got %f", signal.Score)
	}
}

func TestReduceFutureObservation(t *testing.T) {
	agg := sentiment.NewAggregator(zap.NewNop(), sentiment.DefaultConfig())

	// Clock skew can put an observation slightly in the future; it counts
	// at full weight rather than being dropped.
	observations := []sentiment.Observation{
		{Symbol: "BTCUSDT", Score: 0.5, ObservedAt: asOf.Add(time.Minute)},
	}

	signal := agg.Reduce("BTCUSDT", observations, asOf)
	if signal.IsStale {
		t.Error("Future-dated observation should still count")
	}
	if math.Abs(signal.Score-0.5) > 1e-9 {
		t.Errorf("Expected 0.5, got %f", signal.Score)
	}
}

type stubSource struct {
	observations []sentiment.Observation
	err          error
}

func (s stubSource) Recent(context.Context, string, time.Duration) ([]sentiment.Observation, error) {
	return s.observations, s.err
}

func TestMultiSourceDegrades(t *testing.T) {
	good := stubSource{observations: []sentiment.Observation{
		{Symbol: "BTCUSDT", Score: 0.3, ObservedAt: asOf},
	}}
	bad := stubSource{err: errors.New("feed down")}

	multi := sentiment.NewMultiSource(zap.NewNop(), bad, good)
	observations, err := multi.Recent(context.Background(), "BTCUSDT", time.Hour)
	if err != nil {
		t.Fatalf("MultiSource must not fail when one provider fails: %v", err)
	}
	if len(observations) != 1 || observations[0].Score != 0.3 {
		t.Errorf("Expected the healthy provider's observation, got %v", observations)
	}
}

func TestEmptySource(t *testing.T) {
	observations, err := sentiment.EmptySource{}.Recent(context.Background(), "BTCUSDT", time.Hour)
	if err != nil || observations != nil {
		t.Errorf("EmptySource should return nothing: %v, %v", observations, err)
	}
}
