package indicator

// RSI calculates the Relative Strength Index with Wilder smoothing and returns
// the latest value. ok is false when fewer than period+1 prices are given.
func RSI(prices []float64, period int) (value float64, ok bool) {
	if period <= 0 || len(prices) < period+1 {
		return 0, false
	}

	var gain, loss float64
	for i := 1; i <= period; i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)

	for i := period + 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		g, l := 0.0, 0.0
		if change > 0 {
			g = change
		} else {
			l = -change
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50, true
		}
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// Momentum returns the percent change between the last price and the price
// period bars earlier.
func Momentum(prices []float64, period int) (float64, bool) {
	if period <= 0 || len(prices) < period+1 {
		return 0, false
	}
	base := prices[len(prices)-1-period]
	if base == 0 {
		return 0, false
	}
	return (prices[len(prices)-1] - base) / base * 100, true
}
