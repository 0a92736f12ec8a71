package activation

// updateMinActDist adjusts currentMinActDist by the piecewise schedule
// of spec.md §4.4 step 1, comparing the optimizer's live point count
// against the configured target density, and returns the clamped
// result.
func updateMinActDist(current float64, nPoints int, desired float64) float64 {
	ratio := float64(nPoints) / desired

	switch {
	case ratio < 0.66:
		current -= 0.8
	case ratio < 0.8:
		current -= 0.5
	case ratio < 0.9:
		current -= 0.2
	case ratio < 1.0:
		current -= 0.1
	case ratio > 1.5:
		current += 0.8
	case ratio > 1.3:
		current += 0.5
	case ratio > 1.15:
		current += 0.2
	case ratio > 1.0:
		current += 0.1
	}

	if current < 0 {
		current = 0
	}
	if current > 4 {
		current = 4
	}
	return current
}
