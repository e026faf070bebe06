// Package engine drives the evaluation cycle: select the universe, run
// per-pair pipelines concurrently, then decide, submit, and credit fills
// in deterministic universe order. The same cycle path serves the live
// loop and backtest replay.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/decision-engine/internal/data"
	"github.com/atlas-desktop/decision-engine/internal/events"
	"github.com/atlas-desktop/decision-engine/internal/execution"
	"github.com/atlas-desktop/decision-engine/internal/features"
	"github.com/atlas-desktop/decision-engine/internal/fusion"
	"github.com/atlas-desktop/decision-engine/internal/ledger"
	"github.com/atlas-desktop/decision-engine/internal/model"
	"github.com/atlas-desktop/decision-engine/internal/regime"
	"github.com/atlas-desktop/decision-engine/internal/risk"
	"github.com/atlas-desktop/decision-engine/internal/sentiment"
	"github.com/atlas-desktop/decision-engine/internal/workers"
	"github.com/atlas-desktop/decision-engine/pkg/types"
)

// ErrCycleInProgress reports a tick that arrived while the previous cycle
// was still draining. The tick is skipped; cycles never overlap.
var ErrCycleInProgress = errors.New("previous cycle still running")

// Skip reasons, used consistently in logs, events, and metrics labels.
const (
	SkipBarsUnavailable  = "bars_unavailable"
	SkipInsufficientData = "insufficient_data"
	SkipDeadline         = "deadline"
	SkipRiskError        = "risk_error"
	SkipGatewayRejected  = "gateway_rejected"
	SkipGatewayAmbiguous = "gateway_ambiguous"
)

// Config holds cycle-level settings.
type Config struct {
	// Interval is the bar interval the engine evaluates on.
	Interval types.Interval `json:"interval" mapstructure:"interval"`

	// Lookback is how many trailing bars each pipeline fetches.
	Lookback int `json:"lookback" mapstructure:"lookback" validate:"min=20"`

	// CycleTimeout is the per-cycle deadline. Pairs whose pipeline has
	// not finished by then are abandoned until the next cycle.
	CycleTimeout time.Duration `json:"cycleTimeout" mapstructure:"cycle_timeout" validate:"gt=0"`

	// SentimentWindow bounds how far back sentiment observations reach.
	SentimentWindow time.Duration `json:"sentimentWindow" mapstructure:"sentiment_window" validate:"gt=0"`
}

// DefaultConfig returns the production cycle settings.
func DefaultConfig() Config {
	return Config{
		Interval:        types.Interval1h,
		Lookback:        50,
		CycleTimeout:    2 * time.Minute,
		SentimentWindow: 24 * time.Hour,
	}
}

// UniverseSource picks the pairs evaluated each cycle and learns from
// realized cycle P&L.
type UniverseSource interface {
	Select(ctx context.Context) ([]string, error)
	RecordReward(symbol string, reward float64)
}

// Engine wires the pipeline stages together. One engine serves either the
// live loop or a backtest run, never both at once.
type Engine struct {
	logger  *zap.Logger
	cfg     Config
	metrics *Metrics

	universe  UniverseSource
	bars      data.BarSource
	features  *features.Builder
	estimator *regime.Estimator
	scorer    model.Scorer
	sentSrc   sentiment.Source
	sentAgg   *sentiment.Aggregator
	fuser     *fusion.Fuser
	risk      *risk.Manager
	gateway   execution.Gateway
	recorder  ledger.Recorder
	bus       *events.Bus
	pool      *workers.Pool

	cycleGate chan struct{}
}

// Deps collects the engine's collaborators.
type Deps struct {
	Universe  UniverseSource
	Bars      data.BarSource
	Features  *features.Builder
	Estimator *regime.Estimator
	Scorer    model.Scorer
	SentSrc   sentiment.Source
	SentAgg   *sentiment.Aggregator
	Fuser     *fusion.Fuser
	Risk      *risk.Manager
	Gateway   execution.Gateway
	Recorder  ledger.Recorder
	Bus       *events.Bus
	Pool      *workers.Pool
}

// New creates an engine.
func New(cfg Config, deps Deps, metrics *Metrics, logger *zap.Logger) *Engine {
	gate := make(chan struct{}, 1)
	gate <- struct{}{}
	return &Engine{
		logger:    logger.Named("engine"),
		cfg:       cfg,
		metrics:   metrics,
		universe:  deps.Universe,
		bars:      deps.Bars,
		features:  deps.Features,
		estimator: deps.Estimator,
		scorer:    deps.Scorer,
		sentSrc:   deps.SentSrc,
		sentAgg:   deps.SentAgg,
		fuser:     deps.Fuser,
		risk:      deps.Risk,
		gateway:   deps.Gateway,
		recorder:  deps.Recorder,
		bus:       deps.Bus,
		pool:      deps.Pool,
		cycleGate: gate,
	}
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	CycleTime time.Time      `json:"cycleTime"`
	Pairs     []string       `json:"pairs"`
	Evaluated int            `json:"evaluated"`
	Submitted int            `json:"submitted"`
	Skips     map[string]int `json:"skips"`
}

// pairResult is the output of one pair's pipeline phase.
type pairResult struct {
	symbol   string
	done     bool
	skip     string
	fv       types.FeatureVector
	fused    types.FusedSignal
	forecast types.Forecast
	state    regime.State
}

// RunCycle evaluates every universe pair once as of the given cycle time.
// The pipeline phase runs concurrently on the pool; the decision phase
// walks pairs in universe order so replays are bit-identical regardless of
// pipeline completion order.
func (e *Engine) RunCycle(ctx context.Context, asOf time.Time) (CycleReport, error) {
	select {
	case <-e.cycleGate:
	default:
		e.logger.Warn("Cycle tick skipped", zap.Time("asOf", asOf))
		return CycleReport{}, ErrCycleInProgress
	}
	defer func() { e.cycleGate <- struct{}{} }()

	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CycleTimeout)
	defer cancel()

	pairs, err := e.universe.Select(ctx)
	if err != nil {
		return CycleReport{}, fmt.Errorf("selecting universe: %w", err)
	}

	e.metrics.CyclesTotal.Inc()
	e.bus.Publish(events.Event{Kind: events.KindCycleStart, CycleTime: asOf, Payload: pairs})

	report := CycleReport{CycleTime: asOf, Pairs: pairs, Skips: make(map[string]int)}

	results := make([]*pairResult, len(pairs))
	tasks := make([]workers.Task, len(pairs))
	for i, symbol := range pairs {
		results[i] = &pairResult{symbol: symbol}
		res := results[i]
		tasks[i] = func(taskCtx context.Context) error {
			return e.runPipeline(taskCtx, asOf, res)
		}
	}
	e.pool.Run(ctx, tasks)

	for _, res := range results {
		if !res.done {
			if res.skip == "" {
				res.skip = SkipDeadline
			}
			e.skip(report.Skips, asOf, res.symbol, res.skip)
			continue
		}
		report.Evaluated++
		e.metrics.PairsEvaluated.Inc()

		if e.decide(ctx, asOf, res, &report) {
			report.Submitted++
		}
	}

	e.metrics.CycleDuration.Observe(time.Since(started).Seconds())
	e.bus.Publish(events.Event{Kind: events.KindCycleEnd, CycleTime: asOf, Payload: report})
	return report, nil
}

// runPipeline executes the per-pair stages: bars, features, regime,
// forecast, sentiment, fusion. Failures before fusion mark the pair
// skipped; degraded stages fall back per their own policies and the
// pipeline keeps going.
func (e *Engine) runPipeline(ctx context.Context, asOf time.Time, res *pairResult) error {
	symbol := res.symbol
	step := e.cfg.Interval.Duration()
	start := asOf.Add(-time.Duration(e.cfg.Lookback-1) * step)
	end := asOf.Add(step)

	bars, err := e.bars.Bars(ctx, symbol, e.cfg.Interval, start, end)
	if err != nil {
		res.skip = SkipBarsUnavailable
		e.logger.Error("Bar fetch failed",
			zap.String("symbol", symbol),
			zap.Time("cycle", asOf),
			zap.Error(err))
		return err
	}

	fv, err := e.features.Build(bars)
	if err != nil {
		res.skip = SkipInsufficientData
		if errors.Is(err, features.ErrDataGap) {
			// The filtering recursion assumes contiguous observations.
			e.estimator.Reset(symbol)
		}
		e.logger.Warn("Pair skipped",
			zap.String("symbol", symbol),
			zap.Time("cycle", asOf),
			zap.Error(err))
		return err
	}
	res.fv = fv

	state, err := e.estimator.Observe(symbol, fv, asOf)
	if err != nil {
		// Degenerate steps carry the previous posterior forward.
		e.logger.Warn("Regime filter degraded",
			zap.String("symbol", symbol),
			zap.Time("cycle", asOf),
			zap.Error(err))
	}
	res.state = state

	forecast, err := e.scorer.Score(ctx, fv, state.MostLikely)
	if err != nil {
		e.logger.Warn("Forecast degraded to neutral",
			zap.String("symbol", symbol),
			zap.Time("cycle", asOf),
			zap.Error(err))
	}
	res.forecast = forecast

	observations, err := e.sentSrc.Recent(ctx, symbol, e.cfg.SentimentWindow)
	if err != nil {
		e.logger.Warn("Sentiment fetch degraded to empty",
			zap.String("symbol", symbol),
			zap.Error(err))
		observations = nil
	}
	sent := e.sentAgg.Reduce(symbol, observations, asOf)

	res.fused = e.fuser.Fuse(state, forecast, sent)
	res.done = true
	return nil
}

// decide sizes, submits, and credits one evaluated pair. It reports whether
// an intent was submitted. The risk manager's lock is never held across the
// gateway call: headroom is reserved at Evaluate and settled at Apply or
// Release.
func (e *Engine) decide(ctx context.Context, asOf time.Time, res *pairResult, report *CycleReport) bool {
	intent, err := e.risk.Evaluate(res.fused, res.fv)
	if err != nil {
		e.skip(report.Skips, asOf, res.symbol, SkipRiskError)
		e.logger.Error("Risk evaluation failed",
			zap.String("symbol", res.symbol),
			zap.Time("cycle", asOf),
			zap.Error(err))
		return false
	}
	if intent == nil {
		return false
	}

	// No order submission past the cycle deadline.
	if ctx.Err() != nil {
		e.risk.Release(intent.ClientID)
		e.skip(report.Skips, asOf, res.symbol, SkipDeadline)
		return false
	}

	result, err := e.submit(ctx, *intent)
	if err != nil {
		e.risk.Release(intent.ClientID)
		reason := SkipGatewayRejected
		if errors.Is(err, execution.ErrGatewayAmbiguous) {
			reason = SkipGatewayAmbiguous
		}
		e.skip(report.Skips, asOf, res.symbol, reason)
		e.logger.Error("Order not executed",
			zap.String("symbol", res.symbol),
			zap.Time("cycle", asOf),
			zap.String("clientId", intent.ClientID),
			zap.Error(err))
		return false
	}
	e.metrics.IntentsSubmitted.Inc()

	realized := decimal.Zero
	credited := make([]types.Fill, 0, len(result.Fills))
	for _, fill := range result.Fills {
		applied, err := e.risk.Apply(fill)
		if err != nil {
			// Fail loud and skip crediting; never silently clamp.
			e.logger.Error("Fill rejected by risk manager",
				zap.String("symbol", fill.Symbol),
				zap.Time("cycle", asOf),
				zap.String("orderId", fill.OrderID),
				zap.Error(err))
			continue
		}
		credited = append(credited, fill)
		realized = realized.Add(applied.RealizedPnL)
		e.metrics.FillsApplied.Inc()
		e.bus.Publish(events.Event{Kind: events.KindFill, Symbol: fill.Symbol, CycleTime: asOf, Payload: fill})
		e.bus.Publish(events.Event{Kind: events.KindPosition, Symbol: fill.Symbol, CycleTime: asOf, Payload: applied})
	}
	// Whatever headroom the fills did not consume is back up for grabs.
	e.risk.Release(intent.ClientID)

	entry := ledger.Entry{
		CycleTime:   asOf,
		Symbol:      res.symbol,
		Intent:      *intent,
		Fills:       credited,
		RealizedPnL: realized,
		EquityAfter: e.risk.Equity(),
	}
	if err := e.recorder.Record(entry); err != nil {
		e.logger.Error("Ledger record failed",
			zap.String("symbol", res.symbol),
			zap.Time("cycle", asOf),
			zap.Error(err))
	}
	e.universe.RecordReward(res.symbol, realized.InexactFloat64())
	e.bus.Publish(events.Event{Kind: events.KindDecision, Symbol: res.symbol, CycleTime: asOf, Payload: entry})
	return true
}

// submit places the order, resolving an ambiguous outcome through the
// idempotency key: query the venue first, then at most one safe re-submit.
// A blind second submission never happens.
func (e *Engine) submit(ctx context.Context, intent types.OrderIntent) (execution.SubmitResult, error) {
	result, err := e.gateway.Submit(ctx, intent)
	if err == nil || !errors.Is(err, execution.ErrGatewayAmbiguous) {
		return result, err
	}

	if found, ok, lookupErr := e.gateway.Lookup(ctx, intent.Symbol, intent.ClientID); lookupErr == nil && ok {
		return found, nil
	}
	e.logger.Warn("Ambiguous submission not found at venue, re-submitting once",
		zap.String("symbol", intent.Symbol),
		zap.String("clientId", intent.ClientID))
	return e.gateway.Submit(ctx, intent)
}

func (e *Engine) skip(skips map[string]int, asOf time.Time, symbol, reason string) {
	skips[reason]++
	e.metrics.SkipsTotal.WithLabelValues(reason).Inc()
	e.bus.Publish(events.Event{Kind: events.KindSkip, Symbol: symbol, CycleTime: asOf, Payload: reason})
}

// Run evaluates one cycle at every interval close until the context ends.
// The cycle time is the open time of the latest closed bar.
func (e *Engine) Run(ctx context.Context) error {
	step := e.cfg.Interval.Duration()
	e.logger.Info("Engine loop started",
		zap.String("interval", string(e.cfg.Interval)),
		zap.Duration("cycleTimeout", e.cfg.CycleTimeout))

	for {
		now := time.Now().UTC()
		next := now.Truncate(step).Add(step)
		timer := time.NewTimer(time.Until(next) + 5*time.Second)

		select {
		case <-ctx.Done():
			timer.Stop()
			e.logger.Info("Engine loop stopped")
			return ctx.Err()
		case <-timer.C:
		}

		asOf := next.Add(-step)
		report, err := e.RunCycle(ctx, asOf)
		switch {
		case errors.Is(err, ErrCycleInProgress):
			// Skip the tick; the running cycle finishes first.
		case err != nil:
			e.logger.Error("Cycle failed", zap.Time("asOf", asOf), zap.Error(err))
		default:
			e.logger.Info("Cycle complete",
				zap.Time("asOf", asOf),
				zap.Int("pairs", len(report.Pairs)),
				zap.Int("evaluated", report.Evaluated),
				zap.Int("submitted", report.Submitted))
		}
	}
}
