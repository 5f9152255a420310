// Package strikes generates candidate strike ladders around the at-the-money
// level for an index price.
package strikes

import "math"

// StepsEachSide is how many strike steps the ladder extends on either side
// of the at-the-money strike.
const StepsEachSide = 10

// Interval returns the exchange strike spacing for a given index level.
// The boundary levels belong to the wider-spaced band.
func Interval(price float64) float64 {
	switch {
	case price < 4000:
		return 5
	case price <= 5000:
		return 10
	default:
		return 25
	}
}

// ATM rounds the price to the nearest valid strike for its interval band.
func ATM(price float64) float64 {
	step := Interval(price)
	return math.Round(price/step) * step
}

// Candidates returns the strike ladder from ATM-10 steps to ATM+10 steps
// inclusive, in ascending order. Pure function of the input price.
func Candidates(price float64) []float64 {
	step := Interval(price)
	atm := ATM(price)

	out := make([]float64, 0, 2*StepsEachSide+1)
	for i := -StepsEachSide; i <= StepsEachSide; i++ {
		strike := atm + float64(i)*step
		if strike <= 0 {
			continue
		}
		out = append(out, strike)
	}
	return out
}
