package mixer

import "math"

// ToInt16 clamps s to [-1, 1] and scales it by math.MaxInt16, rounding
// toward negative infinity. NaN maps to 0.
func ToInt16(s float32) int16 {
	if s != s {
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return int16(math.Floor(float64(s) * math.MaxInt16))
}
