package accuracy

import "math"

// RunningStat holds a running mean and variance using Welford's online
// algorithm, so the daily aggregate never needs the individual checks.
type RunningStat struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	M2    float64 `json:"m2"`
}

// Update adds one observation.
// Reference: https://en.wikipedia.org/wiki/Algorithms_for_calculating_variance#Welford's_online_algorithm
func (s *RunningStat) Update(v float64) {
	s.Count++
	delta := v - s.Mean
	s.Mean += delta / float64(s.Count)
	s.M2 += delta * (v - s.Mean)
}

// StdDev returns the population standard deviation, 0 with fewer than 2 observations
func (s RunningStat) StdDev() float64 {
	if s.Count < 2 {
		return 0
	}
	return math.Sqrt(s.M2 / float64(s.Count))
}
