package modelf

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/cnclabs/kbreader/pkg/embeddings"
	"github.com/cnclabs/kbreader/pkg/reader"
	"github.com/cnclabs/kbreader/pkg/train"
	"github.com/cnclabs/kbreader/pkg/vocab"
)

// ParamEmbeddings is the name of the shared token embedding table
const ParamEmbeddings = "embeddings"

// DefaultInitScale bounds the uniform initialization when the config
// leaves it unset
const DefaultInitScale = 0.1

// ModelF is a factorization model over (question, relation) pairs.
// Every token (question string or relation) owns one row of a shared
// embedding table E. A question vector u is the mean of its token rows, a
// candidate c scores u·σ(E[c]), and training pushes the answer's score
// above every candidate with sum softplus(score(c) - score(answer)).
type ModelF struct {
	shared *reader.SharedResources
	dim    int
	scale  float64

	// Embeddings
	table *train.Parameter // |V| x dim

	rng    *rand.Rand
	logger *zap.Logger
}

// New creates an unset model. A nil rng is seeded from the clock and a nil
// logger discards everything.
func New(rng *rand.Rand, logger *zap.Logger) *ModelF {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelF{rng: rng, logger: logger}
}

// Setup allocates the embedding table over the frozen vocabulary. Rows of
// tokens found in the shared pre-trained embeddings start from those
// vectors, all others from U(-scale, scale). The unknown token row is
// always random.
func (m *ModelF) Setup(shared *reader.SharedResources) error {
	if shared == nil || shared.Vocab == nil {
		return fmt.Errorf("modelf: no vocabulary")
	}
	dim := shared.Config.ReprDim
	if dim <= 0 {
		return fmt.Errorf("modelf: repr_dim must be positive, got %d", dim)
	}
	scale := shared.Config.InitScale
	if scale <= 0 {
		scale = DefaultInitScale
	}

	m.shared = shared
	m.dim = dim
	m.scale = scale

	rows := shared.Vocab.Len()
	m.table = train.NewParameter(ParamEmbeddings, rows, dim)
	for i := 0; i < rows; i++ {
		row := m.table.Value.RawRowView(i)
		for d := range row {
			row[d] = (m.rng.Float64()*2 - 1) * scale
		}
	}

	if pre := shared.Embeddings; pre != nil {
		if pre.Dim() != dim {
			m.logger.Warn("Pre-trained embeddings ignored, dimension differs",
				zap.Int("pretrained_dim", pre.Dim()),
				zap.Int("repr_dim", dim))
		} else {
			copied := 0
			for i, tok := range shared.Vocab.Tokens() {
				if i == vocab.UnknownIndex {
					continue
				}
				if vec, ok := pre.Get(tok); ok {
					copy(m.table.Value.RawRowView(i), vec)
					copied++
				}
			}
			m.logger.Info("Pre-trained embeddings applied",
				zap.Int("rows", copied),
				zap.Int("vocab", rows))
		}
	}
	return nil
}

// Parameters returns the embedding table
func (m *ModelF) Parameters() []*train.Parameter {
	if m.table == nil {
		return nil
	}
	return []*train.Parameter{m.table}
}

// Restore overwrites parameters by name. Shapes have to match the set-up
// model.
func (m *ModelF) Restore(values map[string]*mat.Dense) error {
	for _, p := range m.Parameters() {
		v, ok := values[p.Name]
		if !ok {
			return fmt.Errorf("modelf: missing parameter %s", p.Name)
		}
		pr, pc := p.Value.Dims()
		vr, vc := v.Dims()
		if pr != vr || pc != vc {
			return fmt.Errorf("modelf: parameter %s is %dx%d, restored value is %dx%d", p.Name, pr, pc, vr, vc)
		}
		p.Value.Copy(v)
	}
	return nil
}

// Embeddings exposes the table as vocabulary-keyed embeddings
func (m *ModelF) Embeddings() *embeddings.Embeddings {
	return embeddings.New(m.shared.Vocab, m.table.Value)
}

func (m *ModelF) ready() error {
	if m.table == nil {
		return fmt.Errorf("modelf: model not set up")
	}
	return nil
}

func (m *ModelF) checkIndex(idx int) error {
	if idx < 0 || idx >= m.shared.Vocab.Len() {
		return fmt.Errorf("modelf: token index %d out of range [0, %d)", idx, m.shared.Vocab.Len())
	}
	return nil
}

// question returns the mean of the question's token rows
func (m *ModelF) question(q []int) ([]float64, error) {
	if len(q) == 0 {
		return nil, fmt.Errorf("modelf: empty question")
	}
	u := make([]float64, m.dim)
	for _, tok := range q {
		if err := m.checkIndex(tok); err != nil {
			return nil, err
		}
		floats.Add(u, m.table.Value.RawRowView(tok))
	}
	floats.Scale(1/float64(len(q)), u)
	return u, nil
}

// activation returns σ(E[c])
func (m *ModelF) activation(c int) ([]float64, error) {
	if err := m.checkIndex(c); err != nil {
		return nil, err
	}
	a := make([]float64, m.dim)
	for d, x := range m.table.Value.RawRowView(c) {
		a[d] = sigmoid(x)
	}
	return a, nil
}

// Scores returns a batch.Size() x batch.MaxCandidates() matrix of
// candidate scores. Cells past a row's candidates hold -Inf.
func (m *ModelF) Scores(b *reader.Batch) (*mat.Dense, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	width := b.MaxCandidates()
	if b.Size() == 0 || width == 0 {
		return nil, fmt.Errorf("modelf: empty batch")
	}
	scores := mat.NewDense(b.Size(), width, nil)
	for i, q := range b.Questions {
		u, err := m.question(q)
		if err != nil {
			return nil, err
		}
		row := scores.RawRowView(i)
		for j := range row {
			row[j] = math.Inf(-1)
		}
		for j, c := range b.Candidates[i] {
			a, err := m.activation(c)
			if err != nil {
				return nil, err
			}
			row[j] = floats.Dot(u, a)
		}
	}
	return scores, nil
}

// LossAndGradients returns sum over rows and candidates of
// softplus(score(c) - score(target)) and its gradient with respect to the
// embedding table
func (m *ModelF) LossAndGradients(b *reader.Batch) (float64, []*mat.Dense, error) {
	if err := m.ready(); err != nil {
		return 0, nil, err
	}
	rows, _ := m.table.Value.Dims()
	grad := mat.NewDense(rows, m.dim, nil)

	var loss float64
	du := make([]float64, m.dim)
	for i, q := range b.Questions {
		t := b.Targets[i]
		if t < 0 {
			return 0, nil, fmt.Errorf("modelf: batch row %d has no target", i)
		}
		u, err := m.question(q)
		if err != nil {
			return 0, nil, err
		}
		at, err := m.activation(t)
		if err != nil {
			return 0, nil, err
		}
		answer := floats.Dot(u, at)

		for d := range du {
			du[d] = 0
		}
		var total float64
		for _, c := range b.Candidates[i] {
			ac, err := m.activation(c)
			if err != nil {
				return 0, nil, err
			}
			x := floats.Dot(u, ac) - answer
			loss += softplus(x)

			g := sigmoid(x)
			total += g
			floats.AddScaled(du, g, ac)
			addActivationGrad(grad.RawRowView(c), g, u, ac)
		}
		floats.AddScaled(du, -total, at)
		addActivationGrad(grad.RawRowView(t), -total, u, at)

		scale := 1 / float64(len(q))
		for _, tok := range q {
			floats.AddScaled(grad.RawRowView(tok), scale, du)
		}
	}
	return loss, []*mat.Dense{grad}, nil
}

// addActivationGrad adds g * u ⊙ a(1-a) to dst, the gradient of g*u·σ(e)
// with respect to e where a = σ(e)
func addActivationGrad(dst []float64, g float64, u, a []float64) {
	for d := range dst {
		dst[d] += g * u[d] * a[d] * (1 - a[d])
	}
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// softplus computes log(1 + e^x) without overflow
func softplus(x float64) float64 {
	return math.Max(x, 0) + math.Log1p(math.Exp(-math.Abs(x)))
}
