package greeks

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSolveIVRecoversKnownVolatility(t *testing.T) {
	in := Inputs{Spot: 100, Strike: 100, RateFree: 0.065, TimeYears: 0.5, Type: Call}
	in.Vol = 0.35
	marketPrice := Price(in)

	iv, ok := solveIV(in, marketPrice)
	require.True(t, ok)
	require.InDelta(t, 0.35, iv, 1e-3)
}

func TestSolveIVFailsBelowIntrinsicValue(t *testing.T) {
	in := Inputs{Spot: 100, Strike: 50, RateFree: 0.065, TimeYears: 0.5, Type: Call}
	// A quote far below the cheapest price any bracketed volatility can
	// produce (intrinsic value dominates) should not converge.
	_, ok := solveIV(in, 0.0001)
	require.False(t, ok)
}

func TestSolveIVPutRecoversVolatility(t *testing.T) {
	in := Inputs{Spot: 100, Strike: 110, RateFree: 0.065, TimeYears: 0.25, Type: Put}
	in.Vol = 0.5
	marketPrice := Price(in)

	iv, ok := solveIV(in, marketPrice)
	require.True(t, ok)
	require.InDelta(t, 0.5, iv, 1e-3)
}
