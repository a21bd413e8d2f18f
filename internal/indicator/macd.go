package indicator

// MACD returns the line, signal and histogram series for closes.
//
// line = EMA(fast) - EMA(slow), undefined where either is undefined.
// signal = EMA(signalPeriod) of the line starting at its first defined index,
// left-padded with undefined so all three series keep len(closes).
// histogram = line - signal.
func MACD(closes []float64, fast, slow, signalPeriod int) (line, signal, hist []Value) {
	n := len(closes)
	fastEMA := EMA(closes, fast)
	slowEMA := EMA(closes, slow)

	line = make([]Value, n)
	first := -1
	for i := 0; i < n; i++ {
		line[i] = Sub(fastEMA[i], slowEMA[i])
		if first == -1 && line[i].Valid {
			first = i
		}
	}

	signal = make([]Value, n)
	if first >= 0 {
		tail := make([]float64, 0, n-first)
		for i := first; i < n; i++ {
			// Both EMAs stay defined once seeded, so the tail is contiguous.
			tail = append(tail, line[i].V)
		}
		for i, v := range EMA(tail, signalPeriod) {
			signal[first+i] = v
		}
	}

	hist = make([]Value, n)
	for i := 0; i < n; i++ {
		hist[i] = Sub(line[i], signal[i])
	}
	return line, signal, hist
}
