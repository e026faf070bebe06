package universe

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/decision-engine/pkg/types"
)

type stubStats struct {
	stats []types.SymbolStats
	err   error
}

func (s *stubStats) Stats(_ context.Context) ([]types.SymbolStats, error) {
	return s.stats, s.err
}

func stat(symbol string, quoteVolume int64, changePct float64) types.SymbolStats {
	return types.SymbolStats{
		Symbol:         symbol,
		QuoteVolume:    decimal.NewFromInt(quoteVolume),
		PriceChangePct: changePct,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.UniverseSize = 5
	cfg.SelectK = 2
	return cfg
}

func TestSelectStaticPairsComeFirst(t *testing.T) {
	src := &stubStats{stats: []types.SymbolStats{
		stat("SOLUSDT", 900, 4),
		stat("DOGEUSDT", 800, 6),
	}}
	sel := NewSelector(testConfig(), src, zap.NewNop())

	got, err := sel.Select(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) < 2 || got[0] != "BTCUSDT" || got[1] != "ETHUSDT" {
		t.Fatalf("static pairs must lead the selection, got %v", got)
	}
}

func TestSelectStaticSurvivesMissingStats(t *testing.T) {
	// Static pairs bypass ranking entirely, even with an empty exchange list.
	src := &stubStats{}
	sel := NewSelector(testConfig(), src, zap.NewNop())

	got, err := sel.Select(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != "BTCUSDT" || got[1] != "ETHUSDT" {
		t.Fatalf("expected static-only selection, got %v", got)
	}
}

func TestSelectFiltersQuoteAsset(t *testing.T) {
	src := &stubStats{stats: []types.SymbolStats{
		stat("SOLUSDT", 900, 5),
		stat("SOLBTC", 5000, 5),
		stat("ETHBUSD", 5000, 5),
	}}
	sel := NewSelector(testConfig(), src, zap.NewNop())

	got, err := sel.Select(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, sym := range got {
		if sym == "SOLBTC" || sym == "ETHBUSD" {
			t.Fatalf("non-USDT pair selected: %v", got)
		}
	}
}

func TestSelectLiquidityCutBeforeScoring(t *testing.T) {
	cfg := testConfig()
	cfg.UniverseSize = 2
	cfg.SelectK = 2
	// THINUSDT has the ideal move but misses the liquidity cut.
	src := &stubStats{stats: []types.SymbolStats{
		stat("SOLUSDT", 900, 20),
		stat("DOGEUSDT", 800, 25),
		stat("THINUSDT", 10, 5),
	}}
	sel := NewSelector(cfg, src, zap.NewNop())

	got, err := sel.Select(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, sym := range got {
		if sym == "THINUSDT" {
			t.Fatalf("illiquid pair must not survive the cut: %v", got)
		}
	}
}

func TestSelectUnseenPairsExploredFirst(t *testing.T) {
	cfg := testConfig()
	cfg.SelectK = 1
	src := &stubStats{stats: []types.SymbolStats{
		stat("SOLUSDT", 900, 5),
		stat("DOGEUSDT", 800, 5),
		stat("AVAXUSDT", 700, 5),
	}}
	sel := NewSelector(cfg, src, zap.NewNop())
	sel.RecordReward("SOLUSDT", 1.0)
	sel.RecordReward("DOGEUSDT", 2.5)

	got, err := sel.Select(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// AVAXUSDT has never been picked, so it outranks any rewarded pair.
	if got[len(got)-1] != "AVAXUSDT" {
		t.Fatalf("expected unseen AVAXUSDT to be explored, got %v", got)
	}
}

func TestSelectRewardTiltsSelection(t *testing.T) {
	cfg := testConfig()
	cfg.SelectK = 1
	src := &stubStats{stats: []types.SymbolStats{
		stat("SOLUSDT", 900, 5),
		stat("DOGEUSDT", 800, 5),
	}}
	sel := NewSelector(cfg, src, zap.NewNop())
	sel.RecordReward("SOLUSDT", -1.0)
	sel.RecordReward("DOGEUSDT", 3.0)

	got, err := sel.Select(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got[len(got)-1] != "DOGEUSDT" {
		t.Fatalf("expected the rewarded pair to win, got %v", got)
	}
}

func TestSelectDeduplicatesStaticOverlap(t *testing.T) {
	cfg := testConfig()
	cfg.SelectK = 2
	src := &stubStats{stats: []types.SymbolStats{
		stat("BTCUSDT", 9000, 5),
		stat("SOLUSDT", 900, 5),
	}}
	sel := NewSelector(cfg, src, zap.NewNop())

	got, err := sel.Select(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	count := 0
	for _, sym := range got {
		if sym == "BTCUSDT" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("static overlap must appear exactly once, got %v", got)
	}
}

func TestSelectDeterministic(t *testing.T) {
	src := &stubStats{stats: []types.SymbolStats{
		stat("SOLUSDT", 900, 5),
		stat("DOGEUSDT", 900, 5),
		stat("AVAXUSDT", 700, 3),
		stat("LINKUSDT", 600, 8),
	}}
	a := NewSelector(testConfig(), src, zap.NewNop())
	b := NewSelector(testConfig(), src, zap.NewNop())

	first, err := a.Select(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := b.Select(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("selection lengths differ: %v vs %v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("selection order differs: %v vs %v", first, second)
		}
	}
}

func TestSelectSourceFailure(t *testing.T) {
	src := &stubStats{err: errors.New("exchange down")}
	sel := NewSelector(testConfig(), src, zap.NewNop())

	if _, err := sel.Select(context.Background()); err == nil {
		t.Fatal("expected error from failing stats source")
	}
	if sel.Last() != nil {
		t.Fatal("failed selection must not overwrite the last good one")
	}
}

func TestSuitabilityPeaksAtTarget(t *testing.T) {
	sel := NewSelector(DefaultConfig(), &stubStats{}, zap.NewNop())

	atTarget := sel.suitability(stat("A", 1, 5))
	if atTarget != 1 {
		t.Fatalf("expected suitability 1 at target move, got %v", atTarget)
	}
	mirrored := sel.suitability(stat("A", 1, -5))
	if mirrored != 1 {
		t.Fatalf("suitability must use absolute change, got %v", mirrored)
	}
	far := sel.suitability(stat("A", 1, 40))
	if far != 0 {
		t.Fatalf("expected suitability 0 far from target, got %v", far)
	}
	if sel.suitability(stat("A", 1, 10)) >= atTarget {
		t.Fatal("suitability must decay away from target")
	}
}

func TestRewardSnapshot(t *testing.T) {
	sel := NewSelector(DefaultConfig(), &stubStats{}, zap.NewNop())
	sel.RecordReward("SOLUSDT", 1.5)
	sel.RecordReward("SOLUSDT", -0.5)

	snap := sel.RewardSnapshot()
	st, ok := snap["SOLUSDT"]
	if !ok {
		t.Fatal("expected snapshot entry")
	}
	if st.Picks != 2 || st.Reward != 1.0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}
