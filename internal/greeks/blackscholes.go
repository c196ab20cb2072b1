// Package greeks implements the Greeks Enricher (§4.3): it prices implied
// volatility and the four first-order option Greeks for option ticks,
// caches the result, and runs the computation on a token-pinned worker
// pool so the hot path never blocks on CPU-bound root-finding.
package greeks

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

var standardNormal = distuv.Normal{Mu: 0, Sigma: 1}

// OptionType distinguishes call and put pricing/greeks formulas.
type OptionType int

const (
	Call OptionType = iota
	Put
)

// Inputs bundles the Black-Scholes parameters for one valuation.
type Inputs struct {
	Spot      float64
	Strike    float64
	RateFree  float64 // annualized, continuously-compounded
	TimeYears float64 // time to expiry in years
	Vol       float64 // annualized volatility
	Type      OptionType
}

// Result holds implied volatility and the four first-order Greeks.
type Result struct {
	IV    float64
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
}

func d1d2(in Inputs) (d1, d2 float64) {
	sqrtT := math.Sqrt(in.TimeYears)
	d1 = (math.Log(in.Spot/in.Strike) + (in.RateFree+0.5*in.Vol*in.Vol)*in.TimeYears) / (in.Vol * sqrtT)
	d2 = d1 - in.Vol*sqrtT
	return d1, d2
}

// Price returns the theoretical Black-Scholes price for in.Vol.
func Price(in Inputs) float64 {
	if in.TimeYears <= 0 || in.Vol <= 0 {
		return 0
	}
	d1, d2 := d1d2(in)
	discount := math.Exp(-in.RateFree * in.TimeYears)
	switch in.Type {
	case Put:
		return in.Strike*discount*standardNormal.CDF(-d2) - in.Spot*standardNormal.CDF(-d1)
	default:
		return in.Spot*standardNormal.CDF(d1) - in.Strike*discount*standardNormal.CDF(d2)
	}
}

// computeGreeks computes delta, gamma, theta and vega for in.Vol. IV is left
// zero; callers that already solved for implied volatility set it
// themselves on the returned Result.
func computeGreeks(in Inputs) Result {
	d1, d2 := d1d2(in)
	sqrtT := math.Sqrt(in.TimeYears)
	discount := math.Exp(-in.RateFree * in.TimeYears)
	pdf := standardNormal.Prob(d1)

	gamma := pdf / (in.Spot * in.Vol * sqrtT)
	vega := in.Spot * pdf * sqrtT

	var delta, theta float64
	switch in.Type {
	case Put:
		delta = standardNormal.CDF(d1) - 1
		theta = -(in.Spot*pdf*in.Vol)/(2*sqrtT) + in.RateFree*in.Strike*discount*standardNormal.CDF(-d2)
	default:
		delta = standardNormal.CDF(d1)
		theta = -(in.Spot*pdf*in.Vol)/(2*sqrtT) - in.RateFree*in.Strike*discount*standardNormal.CDF(d2)
	}

	return Result{Delta: delta, Gamma: gamma, Theta: theta, Vega: vega}
}
