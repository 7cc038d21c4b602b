package indicators

// RSI computes a basic Relative Strength Index with smoothing disabled for simplicity.
// With insufficient history it returns the neutral value 50.
func RSI(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return 50
	}

	gain := 0.0
	loss := 0.0
	for i := len(values) - period; i < len(values); i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}

	if loss == 0 {
		return 100
	}
	rs := gain / loss
	return 100 - (100 / (1 + rs))
}

// PercentChange returns the percent move of the latest value against the value
// lookback positions earlier. Zero when history is short or the base is zero.
func PercentChange(values []float64, lookback int) float64 {
	if lookback <= 0 || len(values) < lookback+1 {
		return 0
	}
	base := values[len(values)-1-lookback]
	if base == 0 {
		return 0
	}
	return (values[len(values)-1] - base) / base * 100
}
