// Package features turns trailing bar windows into fixed-shape feature
// vectors for the regime and forecast models.
package features

import (
	"errors"
	"fmt"
	"math"

	"github.com/atlas-desktop/decision-engine/pkg/types"
)

// ErrInsufficientData marks a window that is too short or has gaps.
// The pair is skipped for the cycle; the engine keeps going.
var ErrInsufficientData = errors.New("insufficient data")

// ErrDataGap marks the gap subcase of ErrInsufficientData. The regime
// filter state for the symbol must be reset when this is seen.
var ErrDataGap = fmt.Errorf("%w: window not contiguous", ErrInsufficientData)

// Config configures the feature builder.
type Config struct {
	Lookback     int            `json:"lookback" mapstructure:"lookback" validate:"min=20"`
	Interval     types.Interval `json:"interval" mapstructure:"interval"`
	ATRPeriod    int            `json:"atrPeriod" mapstructure:"atr_period" validate:"min=2"`
	RSIPeriod    int            `json:"rsiPeriod" mapstructure:"rsi_period" validate:"min=2"`
	StochKPeriod int            `json:"stochKPeriod" mapstructure:"stoch_k_period" validate:"min=2"`
	StochDPeriod int            `json:"stochDPeriod" mapstructure:"stoch_d_period" validate:"min=1"`
	VolumeWindow int            `json:"volumeWindow" mapstructure:"volume_window" validate:"min=2"`
}

// DefaultConfig returns the standard indicator periods.
func DefaultConfig() Config {
	return Config{
		Lookback:     50,
		Interval:     types.Interval1h,
		ATRPeriod:    14,
		RSIPeriod:    14,
		StochKPeriod: 14,
		StochDPeriod: 3,
		VolumeWindow: 20,
	}
}

// Builder computes feature vectors. Stateless and safe for concurrent use.
type Builder struct {
	cfg Config
}

// NewBuilder creates a feature builder.
func NewBuilder(cfg Config) *Builder {
	return &Builder{cfg: cfg}
}

// Build derives the feature vector from the trailing window. The window
// must hold at least Lookback bars, time-ordered, with no gap exceeding
// one interval.
func (b *Builder) Build(bars []types.Bar) (types.FeatureVector, error) {
	if len(bars) < b.cfg.Lookback {
		return types.FeatureVector{}, fmt.Errorf("%w: have %d bars, need %d",
			ErrInsufficientData, len(bars), b.cfg.Lookback)
	}

	window := bars[len(bars)-b.cfg.Lookback:]
	if err := validateContiguity(window, b.cfg.Interval); err != nil {
		return types.FeatureVector{}, err
	}

	closes := make([]float64, len(window))
	highs := make([]float64, len(window))
	lows := make([]float64, len(window))
	volumes := make([]float64, len(window))
	for i, bar := range window {
		closes[i] = bar.Close.InexactFloat64()
		highs[i] = bar.High.InexactFloat64()
		lows[i] = bar.Low.InexactFloat64()
		volumes[i] = bar.Volume.InexactFloat64()
	}

	returns := simpleReturns(closes)
	last := window[len(window)-1]

	fv := types.FeatureVector{
		Symbol:      last.Symbol,
		Timestamp:   last.OpenTime,
		LastReturn:  returns[len(returns)-1],
		MeanReturn:  mean(returns),
		Volatility:  stddev(returns),
		VolumeRatio: volumeRatio(volumes, b.cfg.VolumeWindow),
		ATR:         atr(highs, lows, closes, b.cfg.ATRPeriod),
		RSI:         rsi(closes, b.cfg.RSIPeriod),
		Close:       last.Close,
	}
	fv.StochK, fv.StochD = stochastic(highs, lows, closes, b.cfg.StochKPeriod, b.cfg.StochDPeriod)

	return fv, nil
}

// validateContiguity rejects out-of-order bars and gaps wider than one
// interval. A missing bar shows up as a two-interval step.
func validateContiguity(bars []types.Bar, interval types.Interval) error {
	step := interval.Duration()
	for i := 1; i < len(bars); i++ {
		gap := bars[i].OpenTime.Sub(bars[i-1].OpenTime)
		if gap <= 0 {
			return fmt.Errorf("%w: bars out of order at %s",
				ErrDataGap, bars[i].OpenTime.Format("2006-01-02T15:04"))
		}
		if gap > step {
			return fmt.Errorf("%w: gap of %s before %s exceeds interval %s",
				ErrDataGap, gap, bars[i].OpenTime.Format("2006-01-02T15:04"), step)
		}
	}
	return nil
}

func simpleReturns(closes []float64) []float64 {
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			returns = append(returns, 0)
			continue
		}
		returns = append(returns, closes[i]/closes[i-1]-1)
	}
	return returns
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stddev is the sample standard deviation.
func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	sum := 0.0
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}

func volumeRatio(volumes []float64, window int) float64 {
	if len(volumes) == 0 {
		return 1
	}
	if window > len(volumes) {
		window = len(volumes)
	}
	avg := mean(volumes[len(volumes)-window:])
	if avg == 0 {
		return 1
	}
	return volumes[len(volumes)-1] / avg
}

// atr computes Wilder's average true range over the given period.
func atr(highs, lows, closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 0
	}

	trs := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		hl := highs[i] - lows[i]
		hc := math.Abs(highs[i] - closes[i-1])
		lc := math.Abs(lows[i] - closes[i-1])
		trs = append(trs, math.Max(hl, math.Max(hc, lc)))
	}

	// Seed with the simple average, then Wilder smoothing.
	value := mean(trs[:period])
	for i := period; i < len(trs); i++ {
		value = (value*float64(period-1) + trs[i]) / float64(period)
	}
	return value
}

// rsi computes Wilder's relative strength index over the given period.
func rsi(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 50
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// stochastic computes %K over kPeriod and %D as an SMA of %K over dPeriod.
func stochastic(highs, lows, closes []float64, kPeriod, dPeriod int) (k, d float64) {
	if len(closes) < kPeriod+dPeriod-1 {
		return 50, 50
	}

	kValues := make([]float64, 0, dPeriod)
	for offset := dPeriod - 1; offset >= 0; offset-- {
		end := len(closes) - offset
		start := end - kPeriod
		hh, ll := highs[start], lows[start]
		for i := start + 1; i < end; i++ {
			hh = math.Max(hh, highs[i])
			ll = math.Min(ll, lows[i])
		}
		if hh == ll {
			kValues = append(kValues, 50)
			continue
		}
		kValues = append(kValues, (closes[end-1]-ll)/(hh-ll)*100)
	}

	return kValues[len(kValues)-1], mean(kValues)
}
