// Package regime_test provides tests for the regime filter.
package regime_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/regime"
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func upFeature(ret float64) types.FeatureVector {
	return types.FeatureVector{
		Symbol:     "BTCUSDT",
		LastReturn: ret,
		ATR:        450, // 0.9% of price
		Close:      decimal.NewFromInt(50000),
	}
}

func newEstimator(t *testing.T) *regime.Estimator {
	t.Helper()
	est, err := regime.NewEstimator(zap.NewNop(), regime.DefaultConfig(), regime.DefaultGaussianEmissions())
	if err != nil {
		t.Fatalf("NewEstimator failed: %v", err)
	}
	return est
}

func assertNormalized(t *testing.T, st regime.State) {
	t.Helper()
	sum := 0.0
	for _, p := range st.Posterior {
		if p < 0 || p > 1 {
			t.Errorf("Posterior entry out of range: %f", p)
		}
		sum += p
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Errorf("Posterior sums to %f, want 1 within 1e-6", sum)
	}
}

func TestPosteriorNormalizedEveryStep(t *testing.T) {
	est := newEstimator(t)
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	returns := []float64{0.005, -0.003, 0.0001, 0.012, -0.008, 0.002, 0}
	for i, ret := range returns {
		st, err := est.Observe("BTCUSDT", upFeature(ret), ts.Add(time.Duration(i)*time.Hour))
		if err != nil {
			t.Fatalf("Observe failed at step %d: %v", i, err)
		}
		assertNormalized(t, st)
	}
}

func TestUptrendConverges(t *testing.T) {
	est := newEstimator(t)
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	var st regime.State
	var err error
	for i := 0; i < 20; i++ {
		st, err = est.Observe("BTCUSDT", upFeature(0.005), ts.Add(time.Duration(i)*time.Hour))
		if err != nil {
			t.Fatalf("Observe failed at step %d: %v", i, err)
		}
	}

	if st.MostLikely != regime.TrendingUp {
		t.Errorf("Expected trending_up, got %s (posterior %v)", st.MostLikely, st.Posterior)
	}
	if st.Posterior[regime.TrendingUp] <= 0.8 {
		t.Errorf("Expected trending_up probability above 0.8, got %f", st.Posterior[regime.TrendingUp])
	}
}

func TestDowntrendConverges(t *testing.T) {
	est := newEstimator(t)
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	var st regime.State
	var err error
	for i := 0; i < 20; i++ {
		st, err = est.Observe("ETHUSDT", upFeature(-0.005), ts.Add(time.Duration(i)*time.Hour))
		if err != nil {
			t.Fatalf("Observe failed at step %d: %v", i, err)
		}
	}

	if st.MostLikely != regime.TrendingDown {
		t.Errorf("Expected trending_down, got %s (posterior %v)", st.MostLikely, st.Posterior)
	}
}

// zeroEmissions forces every likelihood to zero so the filter degenerates.
type zeroEmissions struct{}

func (zeroEmissions) Likelihood(regime.Regime, types.FeatureVector) float64 { return 0 }

func TestDegenerateStepCarriesForward(t *testing.T) {
	est, err := regime.NewEstimator(zap.NewNop(), regime.DefaultConfig(), zeroEmissions{})
	if err != nil {
		t.Fatalf("NewEstimator failed: %v", err)
	}

	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	st, err := est.Observe("BTCUSDT", upFeature(0.005), ts)
	if !errors.Is(err, regime.ErrDegenerateFilter) {
		t.Fatalf("Expected ErrDegenerateFilter, got %v", err)
	}

	// The carried-forward posterior is still the uniform prior.
	assertNormalized(t, st)
	for r, p := range st.Posterior {
		if math.Abs(p-0.25) > 1e-9 {
			t.Errorf("Expected uniform posterior after degenerate first step, got %s=%f", r, p)
		}
	}
}

func TestResetDropsState(t *testing.T) {
	est := newEstimator(t)
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	if _, err := est.Observe("BTCUSDT", upFeature(0.005), ts); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	if _, ok := est.State("BTCUSDT"); !ok {
		t.Fatal("State missing after observation")
	}

	est.Reset("BTCUSDT")
	if _, ok := est.State("BTCUSDT"); ok {
		t.Error("State should be gone after reset")
	}

	// Next observation restarts from the uniform prior.
	st, err := est.Observe("BTCUSDT", upFeature(0.005), ts.Add(time.Hour))
	if err != nil {
		t.Fatalf("Observe after reset failed: %v", err)
	}
	assertNormalized(t, st)
	if st.MostLikely != regime.TrendingUp {
		t.Errorf("Expected trending_up after strong up observation, got %s", st.MostLikely)
	}
}

func TestSymbolsAreIndependent(t *testing.T) {
	est := newEstimator(t)
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 15; i++ {
		if _, err := est.Observe("BTCUSDT", upFeature(0.005), ts.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("Observe failed: %v", err)
		}
		if _, err := est.Observe("ETHUSDT", upFeature(-0.005), ts.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("Observe failed: %v", err)
		}
	}

	btc, _ := est.State("BTCUSDT")
	eth, _ := est.State("ETHUSDT")
	if btc.MostLikely != regime.TrendingUp {
		t.Errorf("BTCUSDT should be trending_up, got %s", btc.MostLikely)
	}
	if eth.MostLikely != regime.TrendingDown {
		t.Errorf("ETHUSDT should be trending_down, got %s", eth.MostLikely)
	}
}

func TestMalformedTransitionRejected(t *testing.T) {
	cfg := regime.DefaultConfig()
	cfg.Transition[0][0] = 0.5 // row no longer sums to 1

	if _, err := regime.NewEstimator(zap.NewNop(), cfg, regime.DefaultGaussianEmissions()); err == nil {
		t.Fatal("Expected error for malformed transition matrix")
	}
}
