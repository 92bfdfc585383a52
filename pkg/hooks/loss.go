// Package hooks holds training hooks that observe the reader's training
// loop: loss logging, Prometheus metrics and dev-set evaluation.
package hooks

import (
	"go.uber.org/zap"
)

// LossHook logs the running mean loss every Every iterations and the mean
// loss of every epoch
type LossHook struct {
	Every int

	// History holds the mean training loss of each finished epoch
	History []float64

	logger    *zap.Logger
	iteration int
	epochSum  float64
	epochN    int
	windowSum float64
	windowN   int
}

// NewLossHook creates a loss hook. every <= 0 logs only at epoch ends.
func NewLossHook(logger *zap.Logger, every int) *LossHook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LossHook{Every: every, logger: logger}
}

func (h *LossHook) AtIterationEnd(epoch int, loss float64, setName string) error {
	h.iteration++
	h.epochSum += loss
	h.epochN++
	h.windowSum += loss
	h.windowN++

	if h.Every > 0 && h.iteration%h.Every == 0 {
		h.logger.Info("Iteration",
			zap.String("set", setName),
			zap.Int("epoch", epoch),
			zap.Int("iteration", h.iteration),
			zap.Float64("loss", h.windowSum/float64(h.windowN)))
		h.windowSum, h.windowN = 0, 0
	}
	return nil
}

func (h *LossHook) AtEpochEnd(epoch int) error {
	mean := 0.0
	if h.epochN > 0 {
		mean = h.epochSum / float64(h.epochN)
	}
	h.History = append(h.History, mean)
	h.logger.Info("Epoch finished",
		zap.Int("epoch", epoch),
		zap.Int("iterations", h.epochN),
		zap.Float64("mean_loss", mean))
	h.epochSum, h.epochN = 0, 0
	return nil
}
