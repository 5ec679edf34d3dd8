package audio

import (
	"fmt"
	"math"
)

// EnergyFunc maps a run of samples to a non-negative amplitude proxy
type EnergyFunc func(samples []float32) float64

// RMS calculates the root mean square of samples
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// MeanAbs calculates the mean absolute amplitude of samples
func MeanAbs(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		sum += math.Abs(float64(s))
	}
	return sum / float64(len(samples))
}

// EnergyFuncByName resolves "rms" or "mean_abs"
func EnergyFuncByName(name string) (EnergyFunc, error) {
	switch name {
	case "rms", "":
		return RMS, nil
	case "mean_abs":
		return MeanAbs, nil
	default:
		return nil, fmt.Errorf("unknown energy metric '%s'", name)
	}
}
