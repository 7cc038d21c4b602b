package indicators

// EMA calculates the exponential moving average over the last period values.
// With insufficient history it falls back to the most recent price so callers
// never have to special-case a warm-up window.
func EMA(values []float64, period int) float64 {
	if len(values) == 0 {
		return 0
	}
	if period <= 0 || len(values) < period {
		return values[len(values)-1]
	}

	window := values[len(values)-period:]
	// Seed with SMA of the window, then smooth forward.
	seed := 0.0
	for _, v := range window {
		seed += v
	}
	ema := seed / float64(period)

	k := 2.0 / (float64(period) + 1)
	for _, v := range window {
		ema = v*k + ema*(1-k)
	}
	return ema
}
