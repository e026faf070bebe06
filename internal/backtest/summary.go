package backtest

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/decision-engine/internal/ledger"
)

// EquityPoint is the equity after one cycle.
type EquityPoint struct {
	Time   time.Time       `json:"time"`
	Equity decimal.Decimal `json:"equity"`
}

// Summary aggregates one run's performance.
type Summary struct {
	Cycles       int             `json:"cycles"`
	Intents      int             `json:"intents"`
	Fills        int             `json:"fills"`
	ClosedTrades int             `json:"closedTrades"`
	WinRate      float64         `json:"winRate"`
	Expectancy   float64         `json:"expectancy"`
	Sharpe       float64         `json:"sharpe"`
	MaxDrawdown  float64         `json:"maxDrawdown"`
	NetProfit    decimal.Decimal `json:"netProfit"`
	FinalEquity  decimal.Decimal `json:"finalEquity"`
}

// Summarize reduces a ledger and equity curve to the run summary. A closed
// trade is an entry with nonzero realized P&L; expectancy is the mean
// realized P&L per closed trade; Sharpe is the per-cycle equity-return
// ratio scaled by sqrt of the cycle count.
func Summarize(entries []ledger.Entry, curve []EquityPoint, initialEquity decimal.Decimal) Summary {
	s := Summary{
		NetProfit:   decimal.Zero,
		FinalEquity: initialEquity,
	}
	if len(curve) > 0 {
		s.FinalEquity = curve[len(curve)-1].Equity
	}
	s.NetProfit = s.FinalEquity.Sub(initialEquity)

	wins := 0
	totalRealized := 0.0
	for _, entry := range entries {
		s.Intents++
		s.Fills += len(entry.Fills)
		if entry.RealizedPnL.IsZero() {
			continue
		}
		s.ClosedTrades++
		realized := entry.RealizedPnL.InexactFloat64()
		totalRealized += realized
		if realized > 0 {
			wins++
		}
	}
	if s.ClosedTrades > 0 {
		s.WinRate = float64(wins) / float64(s.ClosedTrades)
		s.Expectancy = totalRealized / float64(s.ClosedTrades)
	}

	s.Sharpe = sharpe(cycleReturns(curve, initialEquity))
	s.MaxDrawdown = maxDrawdown(curve, initialEquity)
	return s
}

func cycleReturns(curve []EquityPoint, initial decimal.Decimal) []float64 {
	if len(curve) == 0 {
		return nil
	}
	returns := make([]float64, 0, len(curve))
	prev := initial.InexactFloat64()
	for _, p := range curve {
		eq := p.Equity.InexactFloat64()
		if prev != 0 {
			returns = append(returns, eq/prev-1)
		}
		prev = eq
	}
	return returns
}

func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	m := 0.0
	for _, r := range returns {
		m += r
	}
	m /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - m
		variance += d * d
	}
	variance /= float64(len(returns) - 1)
	if variance == 0 {
		return 0
	}
	return m / math.Sqrt(variance) * math.Sqrt(float64(len(returns)))
}

func maxDrawdown(curve []EquityPoint, initial decimal.Decimal) float64 {
	peak := initial.InexactFloat64()
	worst := 0.0
	for _, p := range curve {
		eq := p.Equity.InexactFloat64()
		if eq > peak {
			peak = eq
		}
		if peak > 0 {
			dd := (peak - eq) / peak
			if dd > worst {
				worst = dd
			}
		}
	}
	return worst
}
