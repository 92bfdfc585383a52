package train

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Clipper bounds a single gradient; it must not modify its input
type Clipper interface {
	Clip(grad *mat.Dense) *mat.Dense
}

// ClipByValue clamps every element into [Min, Max]
type ClipByValue struct {
	Min, Max float64
}

func (c ClipByValue) Clip(grad *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 {
		if v < c.Min {
			return c.Min
		}
		if v > c.Max {
			return c.Max
		}
		return v
	}, grad)
	return &out
}

func (c ClipByValue) String() string {
	return fmt.Sprintf("clip_by_value[%g, %g]", c.Min, c.Max)
}

// ClipByNorm rescales a gradient whose Frobenius norm exceeds Norm
type ClipByNorm struct {
	Norm float64
}

func (c ClipByNorm) Clip(grad *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.CloneFrom(grad)

	norm := mat.Norm(grad, 2)
	if norm > c.Norm && norm > 0 {
		out.Scale(c.Norm/norm, &out)
	}
	return &out
}

func (c ClipByNorm) String() string {
	return fmt.Sprintf("clip_by_norm[%g]", c.Norm)
}

// ClipGradients clips every defined gradient. Pairs whose gradient is nil
// are dropped rather than zeroed.
func ClipGradients(c Clipper, gvs []GradVar) []GradVar {
	out := make([]GradVar, 0, len(gvs))
	for _, gv := range gvs {
		if gv.Grad == nil {
			continue
		}
		out = append(out, GradVar{Grad: c.Clip(gv.Grad), Param: gv.Param})
	}
	return out
}
