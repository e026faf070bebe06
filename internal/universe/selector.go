// Package universe selects the set of trading pairs evaluated each cycle.
package universe

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-desktop/decision-engine/pkg/types"
)

// StatsSource provides 24h rolling statistics for all exchange symbols.
type StatsSource interface {
	Stats(ctx context.Context) ([]types.SymbolStats, error)
}

// Config holds universe selection parameters.
type Config struct {
	// StaticPairs bypass ranking and are never dropped.
	StaticPairs []string `json:"staticPairs" mapstructure:"static_pairs"`

	// QuoteAsset restricts the dynamic universe to one quote currency.
	QuoteAsset string `json:"quoteAsset" mapstructure:"quote_asset"`

	// UniverseSize is how many symbols survive the liquidity rank.
	UniverseSize int `json:"universeSize" mapstructure:"universe_size" validate:"gt=0"`

	// SelectK is how many of those are picked by suitability score.
	SelectK int `json:"selectK" mapstructure:"select_k" validate:"gt=0"`

	// TargetMovePct is the 24h absolute price change considered ideal.
	// Suitability decays linearly to zero at TargetMovePct +/- MoveWidthPct.
	TargetMovePct float64 `json:"targetMovePct" mapstructure:"target_move_pct" validate:"gt=0"`
	MoveWidthPct  float64 `json:"moveWidthPct" mapstructure:"move_width_pct" validate:"gt=0"`
}

// DefaultConfig returns production selection parameters.
func DefaultConfig() Config {
	return Config{
		StaticPairs:   []string{"BTCUSDT", "ETHUSDT"},
		QuoteAsset:    "USDT",
		UniverseSize:  20,
		SelectK:       3,
		TargetMovePct: 5,
		MoveWidthPct:  10,
	}
}

// PairStats tracks realized rewards for one symbol.
type PairStats struct {
	Picks  int     `json:"picks"`
	Reward float64 `json:"reward"`
}

// Selector ranks the exchange universe by liquidity, scores the survivors by
// volatility suitability plus an exploration bonus over realized rewards, and
// unions the winners with the static always-on set.
type Selector struct {
	cfg    Config
	source StatsSource
	logger *zap.Logger

	mu     sync.Mutex
	total  int
	stats  map[string]*PairStats
	last   []string
}

// NewSelector creates a selector.
func NewSelector(cfg Config, source StatsSource, logger *zap.Logger) *Selector {
	return &Selector{
		cfg:    cfg,
		source: source,
		logger: logger,
		stats:  make(map[string]*PairStats),
	}
}

// RecordReward feeds one cycle's realized P&L for a symbol back into the
// exploration statistics.
func (s *Selector) RecordReward(symbol string, reward float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[symbol]
	if !ok {
		st = &PairStats{}
		s.stats[symbol] = st
	}
	st.Picks++
	st.Reward += reward
	s.total++
}

// Select computes the evaluation set for the next cycle. Static pairs come
// first in configured order, then dynamic picks in score order; the result is
// deterministic for identical inputs and reward history.
func (s *Selector) Select(ctx context.Context) ([]string, error) {
	all, err := s.source.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching symbol stats: %w", err)
	}

	candidates := make([]types.SymbolStats, 0, len(all))
	for _, st := range all {
		if strings.HasSuffix(st.Symbol, s.cfg.QuoteAsset) {
			candidates = append(candidates, st)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].QuoteVolume.Equal(candidates[j].QuoteVolume) {
			return candidates[i].QuoteVolume.GreaterThan(candidates[j].QuoteVolume)
		}
		return candidates[i].Symbol < candidates[j].Symbol
	})
	if len(candidates) > s.cfg.UniverseSize {
		candidates = candidates[:s.cfg.UniverseSize]
	}

	s.mu.Lock()
	type scored struct {
		stats types.SymbolStats
		score float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, st := range candidates {
		ranked = append(ranked, scored{stats: st, score: s.scoreLocked(st)})
	}
	s.mu.Unlock()

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if !ranked[i].stats.QuoteVolume.Equal(ranked[j].stats.QuoteVolume) {
			return ranked[i].stats.QuoteVolume.GreaterThan(ranked[j].stats.QuoteVolume)
		}
		return ranked[i].stats.Symbol < ranked[j].stats.Symbol
	})

	selected := make([]string, 0, len(s.cfg.StaticPairs)+s.cfg.SelectK)
	seen := make(map[string]bool, len(s.cfg.StaticPairs)+s.cfg.SelectK)
	for _, p := range s.cfg.StaticPairs {
		if !seen[p] {
			selected = append(selected, p)
			seen[p] = true
		}
	}
	picked := 0
	for _, r := range ranked {
		if picked >= s.cfg.SelectK {
			break
		}
		if seen[r.stats.Symbol] {
			continue
		}
		selected = append(selected, r.stats.Symbol)
		seen[r.stats.Symbol] = true
		picked++
	}

	s.mu.Lock()
	s.last = append([]string(nil), selected...)
	s.mu.Unlock()

	s.logger.Debug("universe selected",
		zap.Strings("pairs", selected),
		zap.Int("candidates", len(candidates)))
	return selected, nil
}

// scoreLocked combines volatility suitability with the exploration bonus.
// Symbols never picked before score infinite so each gets tried at least once.
func (s *Selector) scoreLocked(st types.SymbolStats) float64 {
	ps, ok := s.stats[st.Symbol]
	if !ok || ps.Picks == 0 {
		return math.Inf(1)
	}
	mean := ps.Reward / float64(ps.Picks)
	bonus := math.Sqrt(2 * math.Log(float64(s.total)) / float64(ps.Picks))
	return s.suitability(st) + mean + bonus
}

// suitability peaks at TargetMovePct of absolute 24h change and decays
// linearly to zero MoveWidthPct away on either side.
func (s *Selector) suitability(st types.SymbolStats) float64 {
	dist := math.Abs(math.Abs(st.PriceChangePct) - s.cfg.TargetMovePct)
	v := 1 - dist/s.cfg.MoveWidthPct
	if v < 0 {
		return 0
	}
	return v
}

// Last returns the most recent selection, or nil before the first Select.
func (s *Selector) Last() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	return append([]string(nil), s.last...)
}

// RewardSnapshot exposes the per-symbol reward statistics for observability.
func (s *Selector) RewardSnapshot() map[string]PairStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]PairStats, len(s.stats))
	for sym, st := range s.stats {
		out[sym] = *st
	}
	return out
}
