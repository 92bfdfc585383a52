package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cnclabs/kbreader/internal/models/modelf"
	"github.com/cnclabs/kbreader/pkg/checkpoint"
	"github.com/cnclabs/kbreader/pkg/dataset"
	"github.com/cnclabs/kbreader/pkg/hooks"
	"github.com/cnclabs/kbreader/pkg/reader"
	"github.com/cnclabs/kbreader/pkg/vocab"
)

type predictOptions struct {
	checkpoint string
	runID      string
	epoch      int
	input      string
	top        int
	batchSize  int
}

func newPredictCmd(root *rootOptions) *cobra.Command {
	opts := &predictOptions{}
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Rank candidate relations for entity pairs with a checkpointed reader",
		Long: `predict restores a reader from a checkpoint directory and prints, for
every question, the best candidate and its score.

Input is either a pairs file ("head tail" per line, candidates are the
training relations) or a jtr JSON file. For jtr input with answers the
hits@1 and MRR of the ranking are printed as well.`,
		Example: `  kbreader predict --checkpoint ./ckpt --input pairs.txt
  kbreader predict --checkpoint ./ckpt --input test.json --top 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := root.load()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runPredict(cmd.OutOrStdout(), opts, logger)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.checkpoint, "checkpoint", "", "Checkpoint directory written by train")
	f.StringVar(&opts.runID, "run", "", "Run ID (default: latest run)")
	f.IntVar(&opts.epoch, "epoch", 0, "Epoch to restore (default: latest checkpointed epoch)")
	f.StringVar(&opts.input, "input", "", "Questions: pairs file or jtr JSON")
	f.IntVar(&opts.top, "top", 1, "Number of ranked answers to print per question")
	f.IntVar(&opts.batchSize, "batch_size", 256, "Questions scored per batch")
	_ = cmd.MarkFlagRequired("checkpoint")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

// restoreReader rebuilds a frozen vocabulary and the model of one
// checkpointed epoch
func restoreReader(store *checkpoint.Store, runID string, epoch int, logger *zap.Logger) (*reader.Reader, checkpoint.Meta, error) {
	var err error
	if runID == "" {
		if runID, err = store.LatestRun(); err != nil {
			return nil, checkpoint.Meta{}, err
		}
	}
	meta, err := store.LoadMeta(runID)
	if err != nil {
		return nil, meta, err
	}
	if epoch == 0 {
		if epoch, err = store.LatestEpoch(runID); err != nil {
			return nil, meta, err
		}
	}
	params, err := store.LoadParameters(runID, epoch)
	if err != nil {
		return nil, meta, err
	}

	v := vocab.FromTokens(meta.Tokens)
	v.Freeze()
	shared := &reader.SharedResources{
		Vocab:  v,
		Config: reader.ModelConfig{ReprDim: meta.ReprDim, InitScale: meta.InitScale},
	}
	model := modelf.New(nil, logger)
	if err := model.Setup(shared); err != nil {
		return nil, meta, err
	}
	if err := model.Restore(params); err != nil {
		return nil, meta, err
	}
	logger.Info("Reader restored",
		zap.String("run_id", runID),
		zap.Int("epoch", epoch),
		zap.Int("vocab", v.Len()))
	return reader.New(shared, model, false, reader.WithLogger(logger)), meta, nil
}

func runPredict(out io.Writer, opts *predictOptions, logger *zap.Logger) error {
	if opts.top <= 0 {
		return fmt.Errorf("top must be positive, got %d", opts.top)
	}
	if opts.batchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", opts.batchSize)
	}
	if _, err := os.Stat(opts.checkpoint); err != nil {
		return fmt.Errorf("checkpoint directory: %w", err)
	}
	store, err := checkpoint.Open(checkpoint.Config{Path: opts.checkpoint, Logger: logger})
	if err != nil {
		return err
	}
	defer store.Close()

	r, meta, err := restoreReader(store, opts.runID, opts.epoch, logger)
	if err != nil {
		return err
	}

	var (
		settings []reader.QASetting
		gold     []reader.Example
	)
	if isJTR(opts.input) {
		if gold, err = dataset.LoadJTR(opts.input); err != nil {
			return err
		}
		for _, ex := range gold {
			settings = append(settings, ex.Setting)
		}
	} else if settings, err = dataset.LoadPairs(opts.input, meta.Candidates); err != nil {
		return err
	}

	var ranked [][]reader.Answer
	for start := 0; start < len(settings); start += opts.batchSize {
		end := start + opts.batchSize
		if end > len(settings) {
			end = len(settings)
		}
		part, err := r.Rank(settings[start:end])
		if err != nil {
			return err
		}
		ranked = append(ranked, part...)
	}

	for i, s := range settings {
		for k, a := range ranked[i] {
			if k == opts.top {
				break
			}
			fmt.Fprintf(out, "%s\t%s\t%.6f\n", s.Question, a.Text, a.Score)
		}
	}

	if hasAnswers(gold) {
		res, err := hooks.Evaluate(ranked, gold)
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Evaluation:")
		fmt.Fprintf(out, "\texamples:\t%d\n", res.Examples)
		fmt.Fprintf(out, "\thits@1:\t\t%.4f\n", res.HitsAt1)
		fmt.Fprintf(out, "\tMRR:\t\t%.4f\n", res.MRR)
	}
	return nil
}

func hasAnswers(examples []reader.Example) bool {
	for _, ex := range examples {
		if len(ex.Answers) > 0 {
			return true
		}
	}
	return false
}
