// Package signals computes technical indicators over a price path and
// derives a filtered entry confidence for each tick.
package signals

import "math"

// Indicator functions take the full price path and the current tick t and
// only read prices[0..t]. The bool result is false until the window is
// filled.

// SMA is the simple moving average of prices[t-w+1..t].
func SMA(prices []float64, t, w int) (float64, bool) {
	if w <= 0 || t+1 < w || t >= len(prices) {
		return 0, false
	}
	sum := 0.0
	for i := t - w + 1; i <= t; i++ {
		sum += prices[i]
	}
	return sum / float64(w), true
}

// StdDev is the sample standard deviation of prices[t-w+1..t].
func StdDev(prices []float64, t, w int) (float64, bool) {
	mean, ok := SMA(prices, t, w)
	if !ok || w < 2 {
		return 0, false
	}
	ss := 0.0
	for i := t - w + 1; i <= t; i++ {
		d := prices[i] - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(w-1)), true
}

// RSI is the simple-average relative strength index over the last w price
// changes. A window with no losses reads 100, a flat window reads 50.
func RSI(prices []float64, t, w int) (float64, bool) {
	if w <= 0 || t < w || t >= len(prices) {
		return 0, false
	}
	var gain, loss float64
	for i := t - w + 1; i <= t; i++ {
		d := prices[i] - prices[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	switch {
	case gain == 0 && loss == 0:
		return 50, true
	case loss == 0:
		return 100, true
	}
	rs := gain / loss
	return 100 - 100/(1+rs), true
}

// Volatility is the sample standard deviation of the last w log returns.
func Volatility(prices []float64, t, w int) (float64, bool) {
	if w < 2 || t < w || t >= len(prices) {
		return 0, false
	}
	var sum, sumsq float64
	for i := t - w + 1; i <= t; i++ {
		r := math.Log(prices[i] / prices[i-1])
		sum += r
		sumsq += r * r
	}
	n := float64(w)
	v := (sumsq - sum*sum/n) / (n - 1)
	if v < 0 {
		v = 0
	}
	return math.Sqrt(v), true
}

// ATR is the average absolute close-to-close move over the last w ticks.
// Only closes exist in the series, so the true range reduces to |dP|.
func ATR(prices []float64, t, w int) (float64, bool) {
	if w <= 0 || t < w || t >= len(prices) {
		return 0, false
	}
	sum := 0.0
	for i := t - w + 1; i <= t; i++ {
		sum += math.Abs(prices[i] - prices[i-1])
	}
	return sum / float64(w), true
}

// Momentum is the w-tick simple return ending at t.
func Momentum(prices []float64, t, w int) (float64, bool) {
	if w <= 0 || t < w || t >= len(prices) || prices[t-w] == 0 {
		return 0, false
	}
	return prices[t]/prices[t-w] - 1, true
}

// ZScore is (p_t - mean) / stddev over prices[t-w+1..t]. A flat window is
// not ready.
func ZScore(prices []float64, t, w int) (float64, bool) {
	mean, ok := SMA(prices, t, w)
	if !ok {
		return 0, false
	}
	sd, ok := StdDev(prices, t, w)
	if !ok || sd == 0 {
		return 0, false
	}
	return (prices[t] - mean) / sd, true
}
