package indicator

// EMA calculates the Exponential Moving Average series of closes.
//
// k = 2/(period+1). The seed at index period-1 is the simple average of the first
// period closes; earlier indices are undefined. Each later value is
// close*k + prev*(1-k). If len(closes) < period every value is undefined.
func EMA(closes []float64, period int) []Value {
	out := make([]Value, len(closes))
	if period <= 0 || len(closes) < period {
		return out
	}

	multiplier := 2.0 / float64(period+1)

	// Accumulate for initial SMA seed
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += closes[i]
	}
	current := sum / float64(period)
	out[period-1] = Of(current)

	for i := period; i < len(closes); i++ {
		current = closes[i]*multiplier + current*(1-multiplier)
		out[i] = Of(current)
	}
	return out
}
