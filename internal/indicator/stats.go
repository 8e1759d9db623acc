package indicator

import "math"

// Mean returns the arithmetic mean, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// MeanRange returns the mean of (high-low)/close across bars with a positive close.
func MeanRange(high, low, close []float64) float64 {
	n := min(len(high), len(low), len(close))
	var sum float64
	var count int
	for i := 0; i < n; i++ {
		if close[i] <= 0 {
			continue
		}
		sum += (high[i] - low[i]) / close[i]
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// Correlation returns the Pearson correlation of two equally long series.
// Degenerate input (length < 2 or zero variance) yields 0.
func Correlation(x, y []float64) float64 {
	n := min(len(x), len(y))
	if n < 2 {
		return 0
	}
	mx, my := Mean(x[:n]), Mean(y[:n])
	var cov, vx, vy float64
	for i := 0; i < n; i++ {
		dx, dy := x[i]-mx, y[i]-my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return 0
	}
	return cov / math.Sqrt(vx*vy)
}

// PercentChanges converts a price series into bar-over-bar percent changes.
func PercentChanges(prices []float64) []float64 {
	if len(prices) < 2 {
		return []float64{}
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (prices[i]-prices[i-1])/prices[i-1]*100)
	}
	return out
}
