package train

import "fmt"

// Set names passed to hooks
const (
	SetTrain = "train"
	SetDev   = "dev"
)

// Hook observes a training loop. Hooks run synchronously in registration
// order; an error from any hook aborts training.
type Hook interface {
	AtIterationEnd(epoch int, loss float64, setName string) error
	AtEpochEnd(epoch int) error
}

// IterationEnd calls AtIterationEnd on every hook in order
func IterationEnd(hooks []Hook, epoch int, loss float64, setName string) error {
	for i, h := range hooks {
		if err := h.AtIterationEnd(epoch, loss, setName); err != nil {
			return fmt.Errorf("hook %d at iteration end of epoch %d: %w", i, epoch, err)
		}
	}
	return nil
}

// EpochEnd calls AtEpochEnd on every hook in order
func EpochEnd(hooks []Hook, epoch int) error {
	for i, h := range hooks {
		if err := h.AtEpochEnd(epoch); err != nil {
			return fmt.Errorf("hook %d at end of epoch %d: %w", i, epoch, err)
		}
	}
	return nil
}
