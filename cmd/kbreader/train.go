package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cnclabs/kbreader/internal/config"
	"github.com/cnclabs/kbreader/internal/models/modelf"
	"github.com/cnclabs/kbreader/pkg/checkpoint"
	"github.com/cnclabs/kbreader/pkg/dataset"
	"github.com/cnclabs/kbreader/pkg/embeddings"
	"github.com/cnclabs/kbreader/pkg/hooks"
	"github.com/cnclabs/kbreader/pkg/reader"
	"github.com/cnclabs/kbreader/pkg/train"
)

type trainOptions struct {
	trainPath string
	devPath   string
	savePath  string

	epochs       int
	batchSize    int
	dimensions   int
	optimizer    string
	learningRate float64
	l2           float64
	clipNorm     float64
	seed         int64
	checkpoint   string
	metricsAddr  string
}

func newTrainCmd(root *rootOptions) *cobra.Command {
	opts := &trainOptions{}
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a reader on knowledge base triples",
		Example: `  kbreader train --train kb.txt --save embeddings.txt
  kbreader train --config kbreader.yaml --train kb.txt --dev dev.txt --checkpoint ./ckpt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if err := opts.apply(cmd, &cfg); err != nil {
				return err
			}
			return runTrain(cmd.Context(), cfg, opts, logger)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.trainPath, "train", "", "Training data: triples file (.txt, .gz) or jtr JSON (.json)")
	f.StringVar(&opts.devPath, "dev", "", "Optional dev set evaluated after every epoch")
	f.StringVar(&opts.savePath, "save", "", "Save the learned embeddings to this file")
	f.IntVar(&opts.epochs, "epochs", 0, "Number of training epochs")
	f.IntVar(&opts.batchSize, "batch_size", 0, "Batch size for training")
	f.IntVar(&opts.dimensions, "dimensions", 0, "Dimension of embeddings")
	f.StringVar(&opts.optimizer, "optimizer", "", "Optimizer: sgd, adagrad or adam")
	f.Float64Var(&opts.learningRate, "alpha", 0, "Learning rate")
	f.Float64Var(&opts.l2, "l2", 0, "L2 regularization coefficient")
	f.Float64Var(&opts.clipNorm, "clip_norm", 0, "Clip gradients to this norm")
	f.Int64Var(&opts.seed, "seed", 0, "Random seed (0 seeds from the clock)")
	f.StringVar(&opts.checkpoint, "checkpoint", "", "Checkpoint directory")
	f.StringVar(&opts.metricsAddr, "metrics", "", "Serve Prometheus metrics on this address while training")
	_ = cmd.MarkFlagRequired("train")
	return cmd
}

// apply overrides config values with the flags given on the command line
func (o *trainOptions) apply(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("epochs") {
		cfg.Training.MaxEpochs = o.epochs
	}
	if f.Changed("batch_size") {
		cfg.Training.BatchSize = o.batchSize
	}
	if f.Changed("dimensions") {
		cfg.Model.ReprDim = o.dimensions
	}
	if f.Changed("optimizer") {
		cfg.Training.Optimizer = o.optimizer
	}
	if f.Changed("alpha") {
		cfg.Training.LearningRate = o.learningRate
	}
	if f.Changed("l2") {
		cfg.Training.L2 = o.l2
	}
	if f.Changed("clip_norm") {
		cfg.Training.ClipNorm = o.clipNorm
		cfg.Training.ClipValue = nil
	}
	if f.Changed("seed") {
		cfg.Training.Seed = o.seed
	}
	if f.Changed("checkpoint") {
		cfg.Checkpoint.Dir = o.checkpoint
	}
	if f.Changed("metrics") {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = o.metricsAddr
	}
	return cfg.Validate()
}

// loadExamples reads jtr JSON or triples depending on the extension
func loadExamples(path string, candidates []string) ([]reader.Example, []string, error) {
	if isJTR(path) {
		examples, err := dataset.LoadJTR(path)
		if err != nil {
			return nil, nil, err
		}
		return examples, candidateUnion(examples), nil
	}
	triples, err := dataset.LoadTriples(path)
	if err != nil {
		return nil, nil, err
	}
	if candidates == nil {
		candidates = dataset.Relations(triples)
	}
	return dataset.Examples(triples, candidates), candidates, nil
}

func isJTR(path string) bool {
	return strings.HasSuffix(path, ".json") || strings.HasSuffix(path, ".json.gz")
}

func candidateUnion(examples []reader.Example) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, ex := range examples {
		for _, c := range ex.Setting.Candidates {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				out = append(out, c)
			}
		}
	}
	return out
}

func newRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

func runTrain(ctx context.Context, cfg config.Config, opts *trainOptions, logger *zap.Logger) error {
	runID := checkpoint.NewRunID()
	logger = logger.With(zap.String("run_id", runID))

	banner("kbreader - Model F relation reader")
	startTime := time.Now()

	examples, candidates, err := loadExamples(opts.trainPath, nil)
	if err != nil {
		return err
	}
	var dev []reader.Example
	if opts.devPath != "" {
		if dev, _, err = loadExamples(opts.devPath, candidates); err != nil {
			return err
		}
	}

	shared := reader.NewSharedResources(cfg.Shared())
	if cfg.Embeddings.Path != "" {
		fmt.Println("Loading pre-trained embeddings from:", cfg.Embeddings.Path)
		pre, err := embeddings.Load(cfg.Embeddings.Path, cfg.Embeddings.Format)
		if err != nil {
			return err
		}
		rows, dim := pre.Shape()
		fmt.Printf("\t%d vectors of dimension %d\n", rows, dim)
		shared.Embeddings = pre
	}
	loadTime := time.Since(startTime)
	fmt.Printf("Data loaded in %.2f seconds\n", loadTime.Seconds())
	fmt.Println()

	rng := newRand(cfg.Training.Seed)
	model := modelf.New(rand.New(rand.NewSource(rng.Int63())), logger)
	r := reader.New(shared, model, true, reader.WithLogger(logger), reader.WithRand(rng))

	opt, err := train.NewOptimizer(cfg.Training.Optimizer, cfg.Training.LearningRate)
	if err != nil {
		return err
	}
	clip, err := cfg.Clipper()
	if err != nil {
		return err
	}

	fmt.Println("Model Setting:")
	fmt.Printf("\tdimension:\t\t%d\n", cfg.Model.ReprDim)
	fmt.Printf("\tinit scale:\t\t%.4f\n", cfg.Model.InitScale)
	fmt.Printf("\tcandidates:\t\t%d\n", len(candidates))
	fmt.Println()
	fmt.Println("Model F Principle:")
	fmt.Println("\tscore(q, r) = mean(E[q]) · σ(E[r])")
	fmt.Println("\tloss = Σ_c softplus(score(q, c) - score(q, answer))")
	fmt.Println()
	fmt.Println("Learning Parameters:")
	fmt.Printf("\toptimizer:\t\t%s\n", opt.Name())
	fmt.Printf("\tlearning rate:\t\t%.6f\n", cfg.Training.LearningRate)
	fmt.Printf("\tepochs:\t\t\t%d\n", cfg.Training.MaxEpochs)
	fmt.Printf("\tbatch size:\t\t%d\n", cfg.Training.BatchSize)
	fmt.Printf("\tl2:\t\t\t%g\n", cfg.Training.L2)
	if clip != nil {
		fmt.Printf("\tclip:\t\t\t%v\n", clip)
	}
	fmt.Printf("\trun id:\t\t\t%s\n", runID)
	fmt.Println()

	trainHooks := []train.Hook{hooks.NewLossHook(logger, cfg.Training.LogEvery)}

	var metrics *hooks.MetricsHook
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = hooks.NewMetricsHook(reg)
		trainHooks = append(trainHooks, metrics)
		stop := serveMetrics(cfg.Metrics.Addr, reg, logger)
		defer stop(ctx)
	}
	if len(dev) > 0 {
		eval := hooks.NewEvalHook(r, dev, 1, logger)
		eval.Metrics = metrics
		trainHooks = append(trainHooks, eval)
	}
	if cfg.Checkpoint.Dir != "" {
		store, err := checkpoint.Open(checkpoint.Config{Path: cfg.Checkpoint.Dir, SyncWrites: true, Logger: logger})
		if err != nil {
			return err
		}
		defer store.Close()
		ckpt := checkpoint.NewHook(store, runID, shared, model, cfg.Checkpoint.Every, logger)
		ckpt.Candidates = candidates
		trainHooks = append(trainHooks, ckpt)
	}

	trainStartTime := time.Now()
	err = r.Train(opt, examples, reader.TrainOptions{
		MaxEpochs: cfg.Training.MaxEpochs,
		Hooks:     trainHooks,
		L2:        cfg.Training.L2,
		Clip:      clip,
	})
	if err != nil {
		return fmt.Errorf("training failed: %w", err)
	}
	trainTime := time.Since(trainStartTime)

	if opts.savePath != "" {
		fmt.Println()
		if err := saveEmbeddings(opts.savePath, model.Embeddings()); err != nil {
			return err
		}
	}
	if n := r.Input.Fallbacks(); n > 0 {
		logger.Info("Negative sampling fell back to unconditional draws", zap.Int("count", n))
	}

	totalTime := time.Since(startTime)
	fmt.Println()
	banner("Timing Summary")
	fmt.Printf("Loading time:     %.2f seconds\n", loadTime.Seconds())
	fmt.Printf("Training time:    %.2f seconds\n", trainTime.Seconds())
	fmt.Printf("Total time:       %.2f seconds\n", totalTime.Seconds())
	fmt.Println()
	fmt.Println("✓ Training complete!")
	return nil
}

func saveEmbeddings(path string, emb *embeddings.Embeddings) error {
	fmt.Println("Save Embeddings:")
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", path, err)
	}
	if err := emb.Save(file); err != nil {
		file.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return err
	}
	fmt.Printf("\tSave to <%s>\n", path)
	return nil
}

// serveMetrics exposes reg on addr until the returned stop function runs
func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) func(context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("Serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return func(ctx context.Context) {
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("Metrics server shutdown", zap.Error(err))
		}
	}
}
