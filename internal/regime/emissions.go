package regime

import (
	"math"

	"github.com/atlas-desktop/decision-engine/pkg/types"
)

// GaussianParams holds the per-regime emission distribution over the two
// observed dimensions: last bar return and ATR relative to price.
type GaussianParams struct {
	RetMean    float64 `json:"retMean" mapstructure:"ret_mean"`
	RetStd     float64 `json:"retStd" mapstructure:"ret_std" validate:"gt=0"`
	RelATRMean float64 `json:"relAtrMean" mapstructure:"rel_atr_mean"`
	RelATRStd  float64 `json:"relAtrStd" mapstructure:"rel_atr_std" validate:"gt=0"`
}

// GaussianEmissions scores feature vectors with independent Gaussians per
// regime. It is the default emission model; anything implementing
// EmissionModel can replace it.
type GaussianEmissions struct {
	params map[Regime]GaussianParams
}

// DefaultGaussianEmissions returns hand-set distributions: trends lean on
// signed returns, ranging is tight around zero, high volatility has wide
// tails and elevated relative ATR.
func DefaultGaussianEmissions() *GaussianEmissions {
	return NewGaussianEmissions(map[Regime]GaussianParams{
		TrendingUp:   {RetMean: 0.004, RetStd: 0.004, RelATRMean: 0.010, RelATRStd: 0.008},
		TrendingDown: {RetMean: -0.004, RetStd: 0.004, RelATRMean: 0.010, RelATRStd: 0.008},
		Ranging:      {RetMean: 0, RetStd: 0.002, RelATRMean: 0.006, RelATRStd: 0.004},
		HighVol:      {RetMean: 0, RetStd: 0.015, RelATRMean: 0.030, RelATRStd: 0.015},
	})
}

// NewGaussianEmissions creates an emission model from explicit parameters.
// Regimes missing from the map score zero likelihood.
func NewGaussianEmissions(params map[Regime]GaussianParams) *GaussianEmissions {
	return &GaussianEmissions{params: params}
}

// Likelihood returns the joint density of the observed dimensions under
// the regime's Gaussians.
func (g *GaussianEmissions) Likelihood(r Regime, fv types.FeatureVector) float64 {
	p, ok := g.params[r]
	if !ok {
		return 0
	}

	relATR := fv.ATR
	if close := fv.Close.InexactFloat64(); close > 0 {
		relATR = fv.ATR / close
	}

	return gaussianPDF(fv.LastReturn, p.RetMean, p.RetStd) *
		gaussianPDF(relATR, p.RelATRMean, p.RelATRStd)
}

func gaussianPDF(x, mean, std float64) float64 {
	if std <= 0 {
		return 0
	}
	z := (x - mean) / std
	return math.Exp(-0.5*z*z) / (std * math.Sqrt(2*math.Pi))
}
