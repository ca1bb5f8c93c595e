package marketctx

import (
	"math"

	"github.com/shopspring/decimal"
)

// PercentReturns computes r_t = (P_t - P_{t-1}) / P_{t-1} * 100 over prices
// ordered oldest first. Non-positive prices contribute a zero return.
func PercentReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		prev := prices[i-1]
		cur := prices[i]
		if prev <= 0 || cur <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (cur-prev)/prev*100)
	}
	return out
}

// StdDev is the sample standard deviation of xs. It returns 0 for fewer
// than two values.
func StdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	sum := 0.0
	sum2 := 0.0
	for _, x := range xs {
		sum += x
		sum2 += x * x
	}
	n := float64(len(xs))
	mean := sum / n
	variance := (sum2 - n*mean*mean) / (n - 1)
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// HistoryVolatility derives a 1h volatility in percent from a newest-first
// price history. ok is false when fewer than minPrices are usable.
func HistoryVolatility(newestFirst []decimal.Decimal, minPrices int) (decimal.Decimal, bool) {
	if len(newestFirst) < minPrices {
		return decimal.Zero, false
	}
	prices := make([]float64, len(newestFirst))
	for i, p := range newestFirst {
		prices[len(newestFirst)-1-i] = p.InexactFloat64()
	}
	sigma := StdDev(PercentReturns(prices))
	return decimal.NewFromFloat(sigma).Round(4), true
}
