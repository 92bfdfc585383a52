package train

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// L2Loss returns coeff times the summed squared norm of every trainable
// parameter
func L2Loss(params []*Parameter, coeff float64) float64 {
	if coeff == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range Trainable(params) {
		n := mat.Norm(p.Value, 2)
		sum += n * n
	}
	return coeff * sum
}

// AddL2Gradients adds 2*coeff*p to each trainable parameter's gradient.
// The penalty connects every trainable parameter to the loss, so a nil
// gradient becomes the penalty gradient alone. grads is aligned with
// params; a new slice is returned and the inputs are left untouched.
func AddL2Gradients(params []*Parameter, grads []*mat.Dense, coeff float64) []*mat.Dense {
	out := make([]*mat.Dense, len(params))
	for i, p := range params {
		var g *mat.Dense
		if i < len(grads) {
			g = grads[i]
		}
		if coeff == 0 || !p.Trainable {
			out[i] = g
			continue
		}

		sum := mat.DenseCopyOf(p.Value)
		sum.Scale(2*coeff, sum)
		if g != nil {
			floats.Add(raw(sum), raw(g))
		}
		out[i] = sum
	}
	return out
}
