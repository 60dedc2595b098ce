package hdl64

// pointInRange reports whether a corrected range lies inside the
// configured window, inclusive at both ends.
func pointInRange(rangeM, minRange, maxRange float64) bool {
	return rangeM >= minRange && rangeM <= maxRange
}
