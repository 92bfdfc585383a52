// Package train holds the model-independent parts of a training step:
// parameters, optimizers, gradient clipping, L2 regularization and hooks.
package train

import (
	"gonum.org/v1/gonum/mat"
)

// Parameter is a named dense weight matrix owned by a model
type Parameter struct {
	Name      string
	Value     *mat.Dense
	Trainable bool
}

// NewParameter creates a trainable zero-valued parameter
func NewParameter(name string, rows, cols int) *Parameter {
	return &Parameter{
		Name:      name,
		Value:     mat.NewDense(rows, cols, nil),
		Trainable: true,
	}
}

// GradVar pairs a gradient with its parameter. A nil Grad marks a
// parameter the loss does not depend on.
type GradVar struct {
	Grad  *mat.Dense
	Param *Parameter
}

// Pair zips parameters with gradients of the same order
func Pair(params []*Parameter, grads []*mat.Dense) []GradVar {
	out := make([]GradVar, len(params))
	for i, p := range params {
		out[i].Param = p
		if i < len(grads) {
			out[i].Grad = grads[i]
		}
	}
	return out
}

// Trainable filters params down to the trainable ones
func Trainable(params []*Parameter) []*Parameter {
	out := make([]*Parameter, 0, len(params))
	for _, p := range params {
		if p.Trainable {
			out = append(out, p)
		}
	}
	return out
}

// raw returns the backing slice of a dense matrix built by mat.NewDense
func raw(m *mat.Dense) []float64 {
	return m.RawMatrix().Data
}
