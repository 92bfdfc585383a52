package reader

import (
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/cnclabs/kbreader/pkg/train"
)

// DefaultMaxEpochs is used when TrainOptions leaves MaxEpochs at zero
const DefaultMaxEpochs = 10

// ModelModule scores batches and computes the training loss with its
// gradients. Setup runs once the vocabulary is frozen and creates the
// parameters; Parameters returns them in a fixed order that
// LossAndGradients' gradients align with. A nil gradient marks a
// parameter the loss does not touch.
type ModelModule interface {
	Setup(shared *SharedResources) error
	Parameters() []*train.Parameter
	Scores(b *Batch) (*mat.Dense, error)
	LossAndGradients(b *Batch) (float64, []*mat.Dense, error)
}

// Reader composes an input module, a model module and an output module
// around shared resources
type Reader struct {
	Shared *SharedResources
	Input  *InputModule
	Model  ModelModule
	Output *OutputModule

	isTrain bool
	logger  *zap.Logger
	rng     *rand.Rand
}

// Option configures a Reader
type Option func(*Reader)

// WithLogger sets the reader's logger
func WithLogger(logger *zap.Logger) Option {
	return func(r *Reader) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRand sets the random source for negative sampling and batch order
func WithRand(rng *rand.Rand) Option {
	return func(r *Reader) {
		if rng != nil {
			r.rng = rng
		}
	}
}

// New creates a reader. Only readers created with isTrain set can Train.
func New(shared *SharedResources, model ModelModule, isTrain bool, opts ...Option) *Reader {
	r := &Reader{
		Shared:  shared,
		Model:   model,
		Output:  &OutputModule{},
		isTrain: isTrain,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.rng == nil {
		r.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	r.Input = NewInputModule(shared, r.rng, r.logger)
	return r
}

// TrainOptions controls one Train call
type TrainOptions struct {
	MaxEpochs int
	Hooks     []train.Hook
	// L2 is the coefficient of the penalty L2 * sum of squared parameter
	// norms added to the loss; 0 disables it
	L2 float64
	// Clip, when set, switches to the explicit gradient path: gradients
	// are computed, clipped and then applied
	Clip train.Clipper
}

// SetupFromData builds the vocabulary from data and sets up the model
func (r *Reader) SetupFromData(data []Example) error {
	shared, err := r.Input.SetupFromData(data)
	if err != nil {
		return fmt.Errorf("setup input: %w", err)
	}
	if err := r.Model.Setup(shared); err != nil {
		return fmt.Errorf("setup model: %w", err)
	}
	return nil
}

type stepFunc func(b *Batch) (float64, error)

// Train runs the training loop: setup from data, then MaxEpochs passes
// over shuffled batches, one optimizer step per batch. Hooks see every
// batch loss and every epoch end; a hook error stops training.
func (r *Reader) Train(opt train.Optimizer, data []Example, o TrainOptions) error {
	if !r.isTrain {
		return ErrNotTrainable
	}
	if o.MaxEpochs < 0 {
		return fmt.Errorf("max epochs must not be negative, got %d", o.MaxEpochs)
	}
	if o.MaxEpochs == 0 {
		o.MaxEpochs = DefaultMaxEpochs
	}

	r.logger.Info("Setting up data and model...")
	if err := r.SetupFromData(data); err != nil {
		return err
	}
	params := r.Model.Parameters()
	opt.Setup(train.Trainable(params))
	step := r.step(opt, params, o)

	r.logger.Info("Start training...",
		zap.String("optimizer", opt.Name()),
		zap.Int("epochs", o.MaxEpochs),
		zap.Int("examples", len(data)),
		zap.Float64("l2", o.L2),
		zap.Bool("clip", o.Clip != nil))

	for epoch := 1; epoch <= o.MaxEpochs; epoch++ {
		batches, err := r.Input.BatchGenerator(data, false)
		if err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
		for batches.Next() {
			loss, err := step(batches.Batch())
			if err != nil {
				return fmt.Errorf("epoch %d: %w", epoch, err)
			}
			if err := train.IterationEnd(o.Hooks, epoch, loss, train.SetTrain); err != nil {
				return err
			}
		}
		if err := train.EpochEnd(o.Hooks, epoch); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) step(opt train.Optimizer, params []*train.Parameter, o TrainOptions) stepFunc {
	objective := func(b *Batch) (float64, []*mat.Dense, error) {
		loss, grads, err := r.Model.LossAndGradients(b)
		if err != nil {
			return 0, nil, err
		}
		if o.L2 != 0 {
			loss += train.L2Loss(params, o.L2)
			grads = train.AddL2Gradients(params, grads, o.L2)
		}
		return loss, grads, nil
	}

	if o.Clip != nil {
		return func(b *Batch) (float64, error) {
			loss, grads, err := objective(b)
			if err != nil {
				return 0, err
			}
			gvs := train.ClipGradients(o.Clip, train.Pair(params, grads))
			return loss, train.ApplyGradients(opt, gvs)
		}
	}
	return func(b *Batch) (float64, error) {
		loss, grads, err := objective(b)
		if err != nil {
			return 0, err
		}
		return loss, train.Minimize(opt, params, grads)
	}
}

func (r *Reader) scores(settings []QASetting) (*mat.Dense, error) {
	b, err := r.Input.Call(settings)
	if err != nil {
		return nil, err
	}
	return r.Model.Scores(b)
}

// Predict returns the best answer for every setting
func (r *Reader) Predict(settings []QASetting) ([]Answer, error) {
	if len(settings) == 0 {
		return nil, nil
	}
	scores, err := r.scores(settings)
	if err != nil {
		return nil, err
	}
	return r.Output.Decode(settings, scores)
}

// Rank returns every setting's candidates ordered by score
func (r *Reader) Rank(settings []QASetting) ([][]Answer, error) {
	if len(settings) == 0 {
		return nil, nil
	}
	scores, err := r.scores(settings)
	if err != nil {
		return nil, err
	}
	return r.Output.Rank(settings, scores)
}
