package metrics

// EMA returns the exponential moving average alpha*current + (1-alpha)*previous.
func EMA(current, previous, alpha float64) float64 {
	return alpha*current + (1-alpha)*previous
}
