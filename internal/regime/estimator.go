// Package regime estimates the latent market regime per symbol with a
// discrete-state hidden Markov filter. The transition matrix is static
// configuration; the emission model is pluggable.
package regime

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/atlas-desktop/decision-engine/pkg/types"
	"go.uber.org/zap"
)

// Regime is one latent market-behavior state.
type Regime string

const (
	TrendingUp   Regime = "trending_up"
	TrendingDown Regime = "trending_down"
	Ranging      Regime = "ranging"
	HighVol      Regime = "high_volatility"
)

// All returns the regimes in their fixed filtering order. The transition
// matrix and posterior vectors are indexed in this order.
func All() []Regime {
	return []Regime{TrendingUp, TrendingDown, Ranging, HighVol}
}

// ErrDegenerateFilter marks a filtering step whose likelihoods collapsed
// below epsilon. The previous posterior is carried forward unchanged.
var ErrDegenerateFilter = errors.New("degenerate filter step")

// State is the posterior over regimes for one symbol after the latest
// filtering step.
type State struct {
	Symbol     string             `json:"symbol"`
	Timestamp  time.Time          `json:"timestamp"`
	Posterior  map[Regime]float64 `json:"posterior"`
	MostLikely Regime             `json:"mostLikely"`
}

// EmissionModel scores how likely a feature vector is under each regime.
type EmissionModel interface {
	Likelihood(r Regime, fv types.FeatureVector) float64
}

// Config configures the estimator.
type Config struct {
	// Transition is the row-stochastic regime transition matrix, indexed
	// by All() order. Rows must sum to 1 within 1e-6.
	Transition [][]float64 `json:"transition" mapstructure:"transition"`

	// Epsilon is the renormalization floor below which a step is treated
	// as degenerate.
	Epsilon float64 `json:"epsilon" mapstructure:"epsilon" validate:"gt=0"`
}

// DefaultConfig returns a sticky transition matrix: regimes persist with
// 0.85 probability and spread the rest evenly.
func DefaultConfig() Config {
	n := len(All())
	transition := make([][]float64, n)
	for i := range transition {
		transition[i] = make([]float64, n)
		for j := range transition[i] {
			if i == j {
				transition[i][j] = 0.85
			} else {
				transition[i][j] = 0.15 / float64(n-1)
			}
		}
	}
	return Config{
		Transition: transition,
		Epsilon:    1e-12,
	}
}

// Estimator runs one forward-filtering recursion per symbol. The per-symbol
// posterior persists across calls until Reset.
type Estimator struct {
	logger    *zap.Logger
	cfg       Config
	emissions EmissionModel

	mu     sync.RWMutex
	states map[string]*symbolState
}

type symbolState struct {
	posterior []float64
	timestamp time.Time
}

// NewEstimator creates an estimator. The transition matrix is validated
// once here; a malformed matrix is a startup failure.
func NewEstimator(logger *zap.Logger, cfg Config, emissions EmissionModel) (*Estimator, error) {
	n := len(All())
	if len(cfg.Transition) != n {
		return nil, fmt.Errorf("transition matrix has %d rows, want %d", len(cfg.Transition), n)
	}
	for i, row := range cfg.Transition {
		if len(row) != n {
			return nil, fmt.Errorf("transition row %d has %d entries, want %d", i, len(row), n)
		}
		sum := 0.0
		for _, p := range row {
			if p < 0 {
				return nil, fmt.Errorf("transition row %d has negative probability", i)
			}
			sum += p
		}
		if math.Abs(sum-1) > 1e-6 {
			return nil, fmt.Errorf("transition row %d sums to %f, want 1", i, sum)
		}
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = 1e-12
	}

	return &Estimator{
		logger:    logger.Named("regime"),
		cfg:       cfg,
		emissions: emissions,
		states:    make(map[string]*symbolState),
	}, nil
}

// Observe runs one forward-filtering step for the symbol: prior times
// transition, weighted by emission likelihoods, renormalized. Before the
// first observation the prior is uniform. A degenerate step returns the
// carried-forward posterior together with ErrDegenerateFilter; the caller
// may use the state and should log the error.
func (e *Estimator) Observe(symbol string, fv types.FeatureVector, ts time.Time) (State, error) {
	regimes := All()
	n := len(regimes)

	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[symbol]
	if !ok {
		st = &symbolState{posterior: uniform(n)}
		e.states[symbol] = st
	}

	// Predict: prior_j = sum_i posterior_i * T[i][j]
	prior := make([]float64, n)
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			prior[j] += st.posterior[i] * e.cfg.Transition[i][j]
		}
	}

	// Update: weight by emission likelihoods and renormalize.
	updated := make([]float64, n)
	norm := 0.0
	for j, r := range regimes {
		like := e.emissions.Likelihood(r, fv)
		if like < 0 || math.IsNaN(like) || math.IsInf(like, 0) {
			like = 0
		}
		updated[j] = prior[j] * like
		norm += updated[j]
	}

	if norm < e.cfg.Epsilon {
		st.timestamp = ts
		return e.snapshot(symbol, st), fmt.Errorf("%w: symbol %s at %s",
			ErrDegenerateFilter, symbol, ts.Format(time.RFC3339))
	}

	for j := range updated {
		updated[j] /= norm
	}
	st.posterior = updated
	st.timestamp = ts

	return e.snapshot(symbol, st), nil
}

// State returns the current posterior for a symbol, if any observation
// has been made since the last reset.
func (e *Estimator) State(symbol string) (State, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st, ok := e.states[symbol]
	if !ok {
		return State{}, false
	}
	return e.snapshot(symbol, st), true
}

// Reset drops the filtering state for one symbol. The next observation
// starts from the uniform prior. Called on engine restart and when a data
// gap is detected for the symbol.
func (e *Estimator) Reset(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.states[symbol]; ok {
		delete(e.states, symbol)
		e.logger.Info("Regime state reset", zap.String("symbol", symbol))
	}
}

// ResetAll drops all filtering state.
func (e *Estimator) ResetAll() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.states = make(map[string]*symbolState)
}

// snapshot copies the internal vector into a State. Caller holds the lock.
func (e *Estimator) snapshot(symbol string, st *symbolState) State {
	regimes := All()
	posterior := make(map[Regime]float64, len(regimes))

	best := 0
	for i, r := range regimes {
		posterior[r] = st.posterior[i]
		if st.posterior[i] > st.posterior[best] {
			best = i
		}
	}

	return State{
		Symbol:     symbol,
		Timestamp:  st.timestamp,
		Posterior:  posterior,
		MostLikely: regimes[best],
	}
}

func uniform(n int) []float64 {
	p := make([]float64, n)
	for i := range p {
		p[i] = 1 / float64(n)
	}
	return p
}
