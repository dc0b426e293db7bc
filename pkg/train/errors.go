package train

import "fmt"

// NumericalInstabilityError reports a NaN or Inf loss. The run stops
// immediately; the last written checkpoint stays on disk.
type NumericalInstabilityError struct {
	Step int
	Loss float64
}

func (e *NumericalInstabilityError) Error() string {
	return fmt.Sprintf("non-finite loss %v at step %d", e.Loss, e.Step)
}

// CancellationError reports a cooperative stop. Step is the last completed
// optimization step, which is also what the final checkpoint holds.
type CancellationError struct {
	Step int
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("training cancelled after step %d", e.Step)
}
