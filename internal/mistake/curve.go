package mistake

import (
	"fmt"
	"math"
	"strings"
)

// Curve maps an exposure count to the chance that the item is still unknown.
//
// Implementations must return 1-base at exposure 0, never increase with
// exposure, and return 0 once exposure reaches requirement.
type Curve interface {
	Name() string
	Unknown(exposure, requirement int, base float64) float64
}

// Linear interpolates from 1-base down to 0 over requirement exposures.
type Linear struct{}

func (Linear) Name() string { return "linear" }

func (Linear) Unknown(exposure, requirement int, base float64) float64 {
	if requirement <= 0 || exposure >= requirement {
		return 0
	}
	return (1 - float64(exposure)/float64(requirement)) * (1 - base)
}

// Step keeps the full 1-base chance until the requirement is met.
type Step struct{}

func (Step) Name() string { return "step" }

func (Step) Unknown(exposure, requirement int, base float64) float64 {
	if exposure >= requirement {
		return 0
	}
	return 1 - base
}

// Exponential halves the chance with every exposure.
type Exponential struct{}

func (Exponential) Name() string { return "exponential" }

func (Exponential) Unknown(exposure, requirement int, base float64) float64 {
	if exposure >= requirement {
		return 0
	}
	return (1 - base) * math.Pow(2, -float64(exposure))
}

// CurveByName resolves a configured curve name. Empty selects Linear.
func CurveByName(name string) (Curve, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "linear":
		return Linear{}, nil
	case "step":
		return Step{}, nil
	case "exponential", "exp":
		return Exponential{}, nil
	default:
		return nil, fmt.Errorf("unknown memorize curve %q", name)
	}
}
