package train

import "math"

// Schedule computes the learning rate for a step: a linear warmup phase
// followed by the selected decay. LR is a pure function of the step so
// resumed runs recompute the exact same curve.
type Schedule struct {
	Type        string // none|cosine|linear|step|polynomial|constant_with_warmup
	BaseLR      float64
	MinLR       float64
	WarmupSteps int
	DecaySteps  int
	StepSize    int
	StepGamma   float64
	PolyPower   float64
}

func (s Schedule) LR(step int) float64 {
	if step < s.WarmupSteps {
		return s.BaseLR * float64(step+1) / float64(s.WarmupSteps+1)
	}

	switch s.Type {
	case "none", "constant_with_warmup", "":
		return s.BaseLR

	case "cosine":
		if step > s.DecaySteps {
			return s.MinLR
		}
		ratio := float64(step-s.WarmupSteps) / float64(s.DecaySteps-s.WarmupSteps)
		coeff := 0.5 * (1.0 + math.Cos(math.Pi*ratio))
		return s.MinLR + coeff*(s.BaseLR-s.MinLR)

	case "linear":
		if step > s.DecaySteps {
			return s.MinLR
		}
		ratio := float64(step-s.WarmupSteps) / float64(s.DecaySteps-s.WarmupSteps)
		return s.BaseLR + (s.MinLR-s.BaseLR)*ratio

	case "step":
		effective := step - s.WarmupSteps
		if effective < 0 {
			effective = 0
		}
		decays := effective / s.StepSize
		lr := s.BaseLR * math.Pow(s.StepGamma, float64(decays))
		return math.Max(lr, s.MinLR)

	case "polynomial":
		if step > s.DecaySteps {
			return s.MinLR
		}
		progress := float64(step-s.WarmupSteps) / float64(s.DecaySteps-s.WarmupSteps)
		poly := math.Pow(1-progress, s.PolyPower)
		return (s.BaseLR-s.MinLR)*poly + s.MinLR

	default:
		// Unknown types are rejected by config.Validate before a Schedule
		// is ever built.
		return s.BaseLR
	}
}
