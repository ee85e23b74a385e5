package domain

import "math"

// Round2 rounds v to two decimal places, half away from zero. Transfers apply
// it independently to each resulting balance, so sender and recipient can each
// drift by up to half a cent relative to exact arithmetic.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
