package nn

import "math"

// Multiplier returns the learning-rate multiplier for the given epoch.
// The base learning rate comes from the skeleton; schedules only scale it.
func (s *ScheduleConfig) Multiplier(epoch int) float32 {
	switch s.Kind {
	case ScheduleStep:
		stepSize := s.StepSize
		if stepSize <= 0 {
			stepSize = 10
		}
		factor := s.DecayFactor
		if factor <= 0 {
			factor = 0.5
		}
		return float32(math.Pow(float64(factor), float64(epoch/stepSize)))

	case ScheduleExponential:
		factor := s.DecayFactor
		if factor <= 0 {
			factor = 0.95
		}
		return float32(math.Pow(float64(factor), float64(epoch)))

	case ScheduleCosine:
		total := s.TotalEpochs
		if total <= 0 {
			total = 100
		}
		minMul := s.MinMul
		if epoch >= total {
			return minMul
		}
		progress := float64(epoch) / float64(total)
		cos := (1 + math.Cos(math.Pi*progress)) / 2
		return minMul + (1-minMul)*float32(cos)

	default:
		return 1
	}
}
