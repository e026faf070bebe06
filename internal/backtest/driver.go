// Package backtest replays historical bars through the same engine cycle
// the live loop runs, with the paper gateway, and summarizes the resulting
// trade ledger. Replaying the same bars twice yields identical ledgers.
package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/decision-engine/internal/data"
	"github.com/atlas-desktop/decision-engine/internal/engine"
	"github.com/atlas-desktop/decision-engine/internal/ledger"
	"github.com/atlas-desktop/decision-engine/internal/risk"
	"github.com/atlas-desktop/decision-engine/pkg/types"
)

// Config bounds one backtest run.
type Config struct {
	Symbols  []string       `json:"symbols" mapstructure:"symbols" validate:"omitempty,min=1"`
	Interval types.Interval `json:"interval" mapstructure:"interval"`
	Lookback int            `json:"lookback" mapstructure:"lookback" validate:"min=20"`
	From     time.Time      `json:"from" mapstructure:"from"`
	To       time.Time      `json:"to" mapstructure:"to"`
}

// Result is the full decision trail of one run plus its summary.
type Result struct {
	Entries     []ledger.Entry `json:"entries"`
	EquityCurve []EquityPoint  `json:"equityCurve"`
	Summary     Summary        `json:"summary"`
}

// Driver steps the engine through the historical range cycle by cycle.
type Driver struct {
	logger   *zap.Logger
	cfg      Config
	engine   *engine.Engine
	recorder *ledger.Memory
	riskMgr  *risk.Manager
}

// NewDriver creates a driver around an engine already wired with the paper
// gateway and the memory recorder passed here.
func NewDriver(cfg Config, eng *engine.Engine, recorder *ledger.Memory, riskMgr *risk.Manager, logger *zap.Logger) *Driver {
	return &Driver{
		logger:   logger.Named("backtest"),
		cfg:      cfg,
		engine:   eng,
		recorder: recorder,
		riskMgr:  riskMgr,
	}
}

// Run replays the range. The first cycle fires once a full lookback window
// is available; each subsequent cycle advances one interval.
func (d *Driver) Run(ctx context.Context) (*Result, error) {
	step := d.cfg.Interval.Duration()
	first := d.cfg.From.Add(time.Duration(d.cfg.Lookback-1) * step)
	if first.After(d.cfg.To) {
		return nil, fmt.Errorf("range %s..%s holds fewer than %d bars",
			d.cfg.From.Format(time.RFC3339), d.cfg.To.Format(time.RFC3339), d.cfg.Lookback)
	}

	initialEquity := d.riskMgr.Equity()
	var curve []EquityPoint
	cycles := 0

	for asOf := first; !asOf.After(d.cfg.To); asOf = asOf.Add(step) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := d.engine.RunCycle(ctx, asOf); err != nil {
			return nil, fmt.Errorf("cycle at %s: %w", asOf.Format(time.RFC3339), err)
		}
		cycles++
		curve = append(curve, EquityPoint{Time: asOf, Equity: d.riskMgr.Equity()})
	}

	entries := d.recorder.Entries()
	summary := Summarize(entries, curve, initialEquity)
	summary.Cycles = cycles

	d.logger.Info("Backtest complete",
		zap.Int("cycles", cycles),
		zap.Int("entries", len(entries)),
		zap.String("finalEquity", summary.FinalEquity.String()))

	return &Result{Entries: entries, EquityCurve: curve, Summary: summary}, nil
}

// ReplaySource serves preloaded bars from memory so replay never touches
// storage or network mid-run.
type ReplaySource struct {
	bars map[string][]types.Bar
}

// NewReplaySource loads the full range for every symbol up front.
func NewReplaySource(ctx context.Context, source data.BarSource, cfg Config) (*ReplaySource, error) {
	step := cfg.Interval.Duration()
	loaded := make(map[string][]types.Bar, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		bars, err := source.Bars(ctx, symbol, cfg.Interval, cfg.From, cfg.To.Add(step))
		if err != nil {
			return nil, fmt.Errorf("preloading %s: %w", symbol, err)
		}
		sort.Slice(bars, func(i, j int) bool { return bars[i].OpenTime.Before(bars[j].OpenTime) })
		loaded[symbol] = bars
	}
	return &ReplaySource{bars: loaded}, nil
}

// NewReplaySourceFromBars builds a replay source directly from bar slices,
// keyed by symbol. Bars must be time-ordered.
func NewReplaySourceFromBars(bars map[string][]types.Bar) *ReplaySource {
	copied := make(map[string][]types.Bar, len(bars))
	for symbol, bs := range bars {
		copied[symbol] = append([]types.Bar(nil), bs...)
	}
	return &ReplaySource{bars: copied}
}

// Bars implements data.BarSource over the preloaded history.
func (r *ReplaySource) Bars(_ context.Context, symbol string, _ types.Interval, start, end time.Time) ([]types.Bar, error) {
	all := r.bars[symbol]
	out := make([]types.Bar, 0, len(all))
	for _, b := range all {
		if b.OpenTime.Before(start) || !b.OpenTime.Before(end) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}
