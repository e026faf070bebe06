package backtest_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/decision-engine/internal/backtest"
	"github.com/atlas-desktop/decision-engine/internal/engine"
	"github.com/atlas-desktop/decision-engine/internal/events"
	"github.com/atlas-desktop/decision-engine/internal/execution"
	"github.com/atlas-desktop/decision-engine/internal/features"
	"github.com/atlas-desktop/decision-engine/internal/fusion"
	"github.com/atlas-desktop/decision-engine/internal/ledger"
	"github.com/atlas-desktop/decision-engine/internal/model"
	"github.com/atlas-desktop/decision-engine/internal/regime"
	"github.com/atlas-desktop/decision-engine/internal/risk"
	"github.com/atlas-desktop/decision-engine/internal/sentiment"
	"github.com/atlas-desktop/decision-engine/internal/universe"
	"github.com/atlas-desktop/decision-engine/internal/workers"
	"github.com/atlas-desktop/decision-engine/pkg/types"
)

var rangeStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func hourlyBars(symbol string, n int) []types.Bar {
	bars := make([]types.Bar, n)
	for i := 0; i < n; i++ {
		price := 3000.0 + 15*math.Sin(float64(i)/6) + float64(i)
		bars[i] = types.Bar{
			Symbol:   symbol,
			OpenTime: rangeStart.Add(time.Duration(i) * time.Hour),
			Open:     decimal.NewFromFloat(price - 1),
			High:     decimal.NewFromFloat(price + 8),
			Low:      decimal.NewFromFloat(price - 8),
			Close:    decimal.NewFromFloat(price),
			Volume:   decimal.NewFromFloat(500 + float64(i%11)),
		}
	}
	return bars
}

type steadyScorer struct{}

func (steadyScorer) Score(_ context.Context, fv types.FeatureVector, _ regime.Regime) (types.Forecast, error) {
	return types.Forecast{
		Symbol:         fv.Symbol,
		Timestamp:      fv.Timestamp,
		ExpectedReturn: 0.008,
		Confidence:     0.8,
	}, nil
}

func (steadyScorer) Close() error { return nil }

// newRun wires a fresh engine and driver over the given bars. Every piece
// of state is new per call so runs are independent.
func newRun(t *testing.T, cfg backtest.Config, bars map[string][]types.Bar) (*backtest.Driver, *ledger.Memory) {
	t.Helper()
	logger := zap.NewNop()

	estimator, err := regime.NewEstimator(logger, regime.DefaultConfig(), regime.DefaultGaussianEmissions())
	if err != nil {
		t.Fatalf("building estimator: %v", err)
	}

	fuseCfg := fusion.DefaultConfig()
	fuseCfg.SentimentWeight = 0

	riskMgr := risk.NewManager(risk.DefaultConfig(), logger)
	mem := ledger.NewMemory()

	engCfg := engine.DefaultConfig()
	engCfg.Interval = cfg.Interval
	engCfg.Lookback = cfg.Lookback

	var scorer model.Scorer = steadyScorer{}
	eng := engine.New(engCfg, engine.Deps{
		Universe:  universe.Static(cfg.Symbols),
		Bars:      backtest.NewReplaySourceFromBars(bars),
		Features:  features.NewBuilder(features.DefaultConfig()),
		Estimator: estimator,
		Scorer:    scorer,
		SentSrc:   sentiment.EmptySource{},
		SentAgg:   sentiment.NewAggregator(logger, sentiment.DefaultConfig()),
		Fuser:     fusion.NewFuser(fuseCfg),
		Risk:      riskMgr,
		Gateway:   execution.NewPaperGateway(execution.DefaultPaperConfig(), logger),
		Recorder:  mem,
		Bus:       events.NewBus(logger),
		Pool:      workers.NewPool(workers.DefaultConfig(), logger),
	}, engine.NewMetrics(prometheus.NewRegistry()), logger)

	return backtest.NewDriver(cfg, eng, mem, riskMgr, logger), mem
}

func testConfig(symbols []string, cycles int) backtest.Config {
	lookback := features.DefaultConfig().Lookback
	return backtest.Config{
		Symbols:  symbols,
		Interval: types.Interval1h,
		Lookback: lookback,
		From:     rangeStart,
		To:       rangeStart.Add(time.Duration(lookback-1+cycles-1) * time.Hour),
	}
}

func TestDriverRunsEveryCycle(t *testing.T) {
	const cycles = 6
	cfg := testConfig([]string{"ETHUSDT"}, cycles)
	bars := map[string][]types.Bar{
		"ETHUSDT": hourlyBars("ETHUSDT", cfg.Lookback+cycles-1),
	}

	driver, mem := newRun(t, cfg, bars)
	result, err := driver.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Summary.Cycles != cycles {
		t.Fatalf("cycles = %d, want %d", result.Summary.Cycles, cycles)
	}
	if len(result.EquityCurve) != cycles {
		t.Fatalf("equity points = %d, want %d", len(result.EquityCurve), cycles)
	}
	if result.Summary.Intents != mem.Len() {
		t.Fatalf("summary intents %d != ledger entries %d", result.Summary.Intents, mem.Len())
	}
	if result.Summary.FinalEquity.IsZero() {
		t.Fatal("final equity missing")
	}
}

func TestDriverRejectsShortRange(t *testing.T) {
	cfg := testConfig([]string{"ETHUSDT"}, 1)
	cfg.To = cfg.From.Add(time.Hour)

	driver, _ := newRun(t, cfg, map[string][]types.Bar{})
	if _, err := driver.Run(context.Background()); err == nil {
		t.Fatal("expected an error for a range shorter than the lookback")
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	const cycles = 8
	symbols := []string{"BTCUSDT", "ETHUSDT"}
	cfg := testConfig(symbols, cycles)
	bars := map[string][]types.Bar{}
	for _, s := range symbols {
		bars[s] = hourlyBars(s, cfg.Lookback+cycles-1)
	}

	run := func() *backtest.Result {
		driver, _ := newRun(t, cfg, bars)
		result, err := driver.Run(context.Background())
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return result
	}

	first := run()
	second := run()

	if len(first.Entries) != len(second.Entries) {
		t.Fatalf("entry counts differ: %d vs %d", len(first.Entries), len(second.Entries))
	}
	for i := range first.Entries {
		a, b := first.Entries[i], second.Entries[i]
		if a.Symbol != b.Symbol || !a.CycleTime.Equal(b.CycleTime) {
			t.Fatalf("entry %d identity differs: %s@%s vs %s@%s",
				i, a.Symbol, a.CycleTime, b.Symbol, b.CycleTime)
		}
		if a.Intent.ClientID != b.Intent.ClientID {
			t.Fatalf("entry %d client IDs differ: %s vs %s", i, a.Intent.ClientID, b.Intent.ClientID)
		}
		if len(a.Fills) != len(b.Fills) {
			t.Fatalf("entry %d fill counts differ", i)
		}
		for j := range a.Fills {
			if !a.Fills[j].Price.Equal(b.Fills[j].Price) || !a.Fills[j].Quantity.Equal(b.Fills[j].Quantity) {
				t.Fatalf("entry %d fill %d differs between runs", i, j)
			}
		}
	}
	if !first.Summary.FinalEquity.Equal(second.Summary.FinalEquity) {
		t.Fatalf("final equity differs: %s vs %s",
			first.Summary.FinalEquity, second.Summary.FinalEquity)
	}
	if first.Summary.Sharpe != second.Summary.Sharpe {
		t.Fatalf("sharpe differs: %v vs %v", first.Summary.Sharpe, second.Summary.Sharpe)
	}
}

func TestReplaySourceWindowing(t *testing.T) {
	bars := hourlyBars("BTCUSDT", 10)
	source := backtest.NewReplaySourceFromBars(map[string][]types.Bar{"BTCUSDT": bars})

	start := bars[2].OpenTime
	end := bars[7].OpenTime
	got, err := source.Bars(context.Background(), "BTCUSDT", types.Interval1h, start, end)
	if err != nil {
		t.Fatalf("Bars: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("window returned %d bars, want 5", len(got))
	}
	if !got[0].OpenTime.Equal(start) {
		t.Fatalf("window starts at %s, want %s", got[0].OpenTime, start)
	}
	if !got[len(got)-1].OpenTime.Before(end) {
		t.Fatal("window end must be exclusive")
	}

	if got, _ := source.Bars(context.Background(), "UNKNOWN", types.Interval1h, start, end); len(got) != 0 {
		t.Fatalf("unknown symbol returned %d bars", len(got))
	}
}

func TestSummarizeMath(t *testing.T) {
	initial := decimal.NewFromInt(10000)
	entries := []ledger.Entry{
		{Symbol: "A", Fills: []types.Fill{{}}, RealizedPnL: decimal.NewFromInt(30)},
		{Symbol: "B", Fills: []types.Fill{{}, {}}, RealizedPnL: decimal.NewFromInt(-10)},
		{Symbol: "C", Fills: []types.Fill{{}}, RealizedPnL: decimal.Zero},
	}
	curve := []backtest.EquityPoint{
		{Time: rangeStart, Equity: decimal.NewFromInt(10030)},
		{Time: rangeStart.Add(time.Hour), Equity: decimal.NewFromInt(10020)},
		{Time: rangeStart.Add(2 * time.Hour), Equity: decimal.NewFromInt(10020)},
	}

	s := backtest.Summarize(entries, curve, initial)

	if s.Intents != 3 || s.Fills != 4 {
		t.Fatalf("intents=%d fills=%d, want 3/4", s.Intents, s.Fills)
	}
	if s.ClosedTrades != 2 {
		t.Fatalf("closed trades = %d, want 2", s.ClosedTrades)
	}
	if s.WinRate != 0.5 {
		t.Fatalf("win rate = %v, want 0.5", s.WinRate)
	}
	if s.Expectancy != 10 {
		t.Fatalf("expectancy = %v, want 10", s.Expectancy)
	}
	if !s.NetProfit.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("net profit = %s, want 20", s.NetProfit)
	}

	// Peak 10030, trough 10020.
	wantDD := 10.0 / 10030.0
	if math.Abs(s.MaxDrawdown-wantDD) > 1e-12 {
		t.Fatalf("max drawdown = %v, want %v", s.MaxDrawdown, wantDD)
	}
}

func TestSummarizeEmptyRun(t *testing.T) {
	initial := decimal.NewFromInt(5000)
	s := backtest.Summarize(nil, nil, initial)
	if s.Intents != 0 || s.ClosedTrades != 0 || s.WinRate != 0 {
		t.Fatalf("empty run produced activity: %+v", s)
	}
	if !s.FinalEquity.Equal(initial) || !s.NetProfit.IsZero() {
		t.Fatalf("empty run moved equity: %+v", s)
	}
}
