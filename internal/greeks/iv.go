package greeks

const (
	ivLowerBound = 0.01
	ivUpperBound = 5.0
	ivTolerance  = 1e-4
	ivMaxIter    = 60
)

// solveIV bisects for the volatility at which Price(in) matches
// marketPrice, per §4.3's root-search policy. Returns ok=false if the
// search does not converge within ivMaxIter iterations; callers must then
// emit the tick with null Greeks fields rather than a guessed value.
func solveIV(in Inputs, marketPrice float64) (iv float64, ok bool) {
	lo, hi := ivLowerBound, ivUpperBound

	priceAt := func(vol float64) float64 {
		in.Vol = vol
		return Price(in)
	}

	loVal := priceAt(lo) - marketPrice
	hiVal := priceAt(hi) - marketPrice
	if loVal > 0 || hiVal < 0 {
		// Market price falls outside what any volatility in the bracket
		// can produce (e.g. a quote below intrinsic value).
		return 0, false
	}

	mid := lo
	for i := 0; i < ivMaxIter; i++ {
		mid = (lo + hi) / 2
		diff := priceAt(mid) - marketPrice
		if diff > -ivTolerance && diff < ivTolerance {
			return mid, true
		}
		if diff > 0 {
			hi = mid
		} else {
			lo = mid
		}
	}
	return 0, false
}
