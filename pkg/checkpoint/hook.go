package checkpoint

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/cnclabs/kbreader/pkg/reader"
	"github.com/cnclabs/kbreader/pkg/train"
)

// Hook saves the model parameters every Every epochs. The run metadata is
// written with the first checkpoint, once the vocabulary is final.
type Hook struct {
	Every int

	// Candidates is stored with the run metadata so predictions can
	// reuse the training candidate set
	Candidates []string

	// Saved lists the checkpointed epochs
	Saved []int

	store    *Store
	runID    string
	shared   *reader.SharedResources
	model    reader.ModelModule
	logger   *zap.Logger
	metaDone bool
}

// NewHook creates a checkpoint hook for one run
func NewHook(store *Store, runID string, shared *reader.SharedResources, model reader.ModelModule, every int, logger *zap.Logger) *Hook {
	if logger == nil {
		logger = zap.NewNop()
	}
	if every <= 0 {
		every = 1
	}
	return &Hook{
		Every:  every,
		store:  store,
		runID:  runID,
		shared: shared,
		model:  model,
		logger: logger,
	}
}

func (h *Hook) AtIterationEnd(epoch int, loss float64, setName string) error {
	return nil
}

func (h *Hook) AtEpochEnd(epoch int) error {
	if epoch%h.Every != 0 {
		return nil
	}
	if !h.metaDone {
		meta := Meta{
			RunID:      h.runID,
			Tokens:     h.shared.Vocab.Tokens(),
			Candidates: h.Candidates,
			ReprDim:    h.shared.Config.ReprDim,
			InitScale:  h.shared.Config.InitScale,
		}
		if err := h.store.SaveMeta(meta); err != nil {
			return fmt.Errorf("save run meta: %w", err)
		}
		h.metaDone = true
	}
	if err := h.store.SaveParameters(h.runID, epoch, h.model.Parameters()); err != nil {
		return fmt.Errorf("save epoch %d: %w", epoch, err)
	}
	h.Saved = append(h.Saved, epoch)
	h.logger.Info("Checkpoint saved",
		zap.String("run_id", h.runID),
		zap.Int("epoch", epoch))
	return nil
}

var _ train.Hook = (*Hook)(nil)
