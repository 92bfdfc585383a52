package train

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrNotSetUp is returned when an optimizer updates a parameter it has no
// state for
var ErrNotSetUp = errors.New("optimizer state not initialized for parameter")

// Optimizer updates parameters from their gradients.
// Setup must run after the model parameters are initialized; it creates
// the optimizer's own state (accumulators, moments) sized after them.
type Optimizer interface {
	Name() string
	Setup(params []*Parameter)
	Update(p *Parameter, grad *mat.Dense) error
}

// NewOptimizer creates an optimizer by name: sgd, adagrad or adam
func NewOptimizer(name string, learningRate float64) (Optimizer, error) {
	if learningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", learningRate)
	}
	switch strings.ToLower(name) {
	case "sgd":
		return NewSGD(learningRate), nil
	case "adagrad":
		return NewAdaGrad(learningRate), nil
	case "adam":
		return NewAdam(learningRate), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q (expected sgd, adagrad or adam)", name)
	}
}

// ApplyGradients applies an explicit gradient list. Pairs without a
// gradient or with a frozen parameter are skipped.
func ApplyGradients(opt Optimizer, gvs []GradVar) error {
	for _, gv := range gvs {
		if gv.Grad == nil || !gv.Param.Trainable {
			continue
		}
		if err := opt.Update(gv.Param, gv.Grad); err != nil {
			return err
		}
	}
	return nil
}

// Minimize is the fused step: grads, aligned with params, go straight to
// the optimizer without an intermediate gradient list.
func Minimize(opt Optimizer, params []*Parameter, grads []*mat.Dense) error {
	for i, p := range params {
		if i >= len(grads) || grads[i] == nil || !p.Trainable {
			continue
		}
		if err := opt.Update(p, grads[i]); err != nil {
			return err
		}
	}
	return nil
}

func checkShape(p *Parameter, grad *mat.Dense) error {
	pr, pc := p.Value.Dims()
	gr, gc := grad.Dims()
	if pr != gr || pc != gc {
		return fmt.Errorf("gradient shape %dx%d does not match parameter %s %dx%d", gr, gc, p.Name, pr, pc)
	}
	return nil
}

// SGD is plain stochastic gradient descent
type SGD struct {
	LearningRate float64
}

// NewSGD creates an SGD optimizer
func NewSGD(learningRate float64) *SGD {
	return &SGD{LearningRate: learningRate}
}

func (o *SGD) Name() string { return "sgd" }

// Setup is a no-op: SGD keeps no state
func (o *SGD) Setup([]*Parameter) {}

func (o *SGD) Update(p *Parameter, grad *mat.Dense) error {
	if err := checkShape(p, grad); err != nil {
		return err
	}
	floats.AddScaled(raw(p.Value), -o.LearningRate, raw(grad))
	return nil
}

// AdaGrad scales each coordinate by its accumulated squared gradient
type AdaGrad struct {
	LearningRate float64
	InitialAccum float64
	Epsilon      float64
	accumulators map[*Parameter][]float64
}

// NewAdaGrad creates an AdaGrad optimizer with a 0.1 initial accumulator
func NewAdaGrad(learningRate float64) *AdaGrad {
	return &AdaGrad{
		LearningRate: learningRate,
		InitialAccum: 0.1,
		Epsilon:      1e-8,
	}
}

func (o *AdaGrad) Name() string { return "adagrad" }

func (o *AdaGrad) Setup(params []*Parameter) {
	o.accumulators = make(map[*Parameter][]float64, len(params))
	for _, p := range params {
		acc := make([]float64, len(raw(p.Value)))
		for i := range acc {
			acc[i] = o.InitialAccum
		}
		o.accumulators[p] = acc
	}
}

func (o *AdaGrad) Update(p *Parameter, grad *mat.Dense) error {
	acc, ok := o.accumulators[p]
	if !ok {
		return fmt.Errorf("%w %s", ErrNotSetUp, p.Name)
	}
	if err := checkShape(p, grad); err != nil {
		return err
	}

	w, g := raw(p.Value), raw(grad)
	for i := range w {
		if g[i] == 0 {
			continue
		}
		acc[i] += g[i] * g[i]
		w[i] -= o.LearningRate * g[i] / (math.Sqrt(acc[i]) + o.Epsilon)
	}
	return nil
}

// Adam keeps bias-corrected first and second moment estimates
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	moments map[*Parameter]*adamSlot
}

type adamSlot struct {
	m, v []float64
	step int
}

// NewAdam creates an Adam optimizer with the usual defaults
func NewAdam(learningRate float64) *Adam {
	return &Adam{
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

func (o *Adam) Name() string { return "adam" }

func (o *Adam) Setup(params []*Parameter) {
	o.moments = make(map[*Parameter]*adamSlot, len(params))
	for _, p := range params {
		n := len(raw(p.Value))
		o.moments[p] = &adamSlot{m: make([]float64, n), v: make([]float64, n)}
	}
}

func (o *Adam) Update(p *Parameter, grad *mat.Dense) error {
	slot, ok := o.moments[p]
	if !ok {
		return fmt.Errorf("%w %s", ErrNotSetUp, p.Name)
	}
	if err := checkShape(p, grad); err != nil {
		return err
	}

	slot.step++
	bc1 := 1 - math.Pow(o.Beta1, float64(slot.step))
	bc2 := 1 - math.Pow(o.Beta2, float64(slot.step))

	w, g := raw(p.Value), raw(grad)
	for i := range w {
		slot.m[i] = o.Beta1*slot.m[i] + (1-o.Beta1)*g[i]
		slot.v[i] = o.Beta2*slot.v[i] + (1-o.Beta2)*g[i]*g[i]
		mHat := slot.m[i] / bc1
		vHat := slot.v[i] / bc2
		w[i] -= o.LearningRate * mHat / (math.Sqrt(vHat) + o.Epsilon)
	}
	return nil
}
