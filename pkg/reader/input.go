package reader

import (
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/cnclabs/kbreader/pkg/sampler"
)

// InputModule encodes QA settings into index batches. In training mode
// every example is paired with one sampled negative candidate.
type InputModule struct {
	shared *SharedResources
	rng    *rand.Rand
	logger *zap.Logger
	setUp  bool

	// fallbacks counts negatives the sampler drew after its retry budget
	// ran out; such a draw may be a true answer
	fallbacks int
}

// NewInputModule creates an input module over shared resources. A nil rng
// is seeded from the clock and a nil logger discards everything.
func NewInputModule(shared *SharedResources, rng *rand.Rand, logger *zap.Logger) *InputModule {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InputModule{shared: shared, rng: rng, logger: logger}
}

// SetupFromData grows the vocabulary over the training data and freezes
// it. Training batches are only available afterwards.
func (m *InputModule) SetupFromData(data []Example) (*SharedResources, error) {
	if _, err := m.Preprocess(data, false); err != nil {
		return nil, err
	}
	m.shared.Vocab.Freeze()
	m.setUp = true
	m.logger.Info("Vocabulary built",
		zap.Int("tokens", m.shared.Vocab.Len()),
		zap.Int("examples", len(data)))
	return m.shared, nil
}

// SetUp reports whether SetupFromData has run
func (m *InputModule) SetUp() bool {
	return m.setUp
}

// Fallbacks returns how many unconditional negative draws preprocessing
// has made so far
func (m *InputModule) Fallbacks() int {
	return m.fallbacks
}

// Preprocess maps questions, candidates and answers to vocabulary indices.
// The question string is one atomic token. Outside test time every example
// must carry exactly one answer, and its candidate list is replaced by
// [answer, negative].
func (m *InputModule) Preprocess(data []Example, testTime bool) (*Corpus, error) {
	if !testTime {
		for i, ex := range data {
			if len(ex.Answers) != 1 {
				return nil, fmt.Errorf("example %d has %d answers: %w", i, len(ex.Answers), ErrAnswerCount)
			}
		}
	}

	v := m.shared.Vocab
	corpus := &Corpus{
		Questions:  make([][]int, len(data)),
		Candidates: make([][]int, len(data)),
		Answers:    make([]AnswerSet, len(data)),
	}
	for i, ex := range data {
		corpus.Questions[i] = []int{v.Get(ex.Setting.Question)}
	}
	for i, ex := range data {
		cands := make([]int, len(ex.Setting.Candidates))
		for j, c := range ex.Setting.Candidates {
			cands[j] = v.Get(c)
		}
		corpus.Candidates[i] = cands
	}
	for i, ex := range data {
		switch len(ex.Answers) {
		case 1:
			corpus.Answers[i] = SingleAnswer(v.Get(ex.Answers[0].Text))
		default:
			ids := make([]int, len(ex.Answers))
			for j, a := range ex.Answers {
				ids[j] = v.Get(a.Text)
			}
			corpus.Answers[i] = AnswerList(ids...)
		}
	}

	if testTime || corpus.Len() == 0 {
		return corpus, nil
	}

	exclusions := make(sampler.Exclusions)
	for i, q := range corpus.Questions {
		for _, a := range corpus.Answers[i] {
			exclusions.Add(q[0], a)
		}
	}
	sl, err := sampler.NewShuffleList(candidatePool(corpus.Candidates), exclusions, m.rng)
	if err != nil {
		return nil, fmt.Errorf("build negative sampler: %w", err)
	}
	sampled, err := PosNegSample(corpus, sl)
	if err != nil {
		return nil, err
	}
	if n := sl.Fallbacks(); n > 0 {
		m.fallbacks += n
		m.logger.Debug("Negative sampler fell back to unconditional draws",
			zap.Int("fallbacks", n),
			zap.Int("reshuffles", sl.Reshuffles()))
	}
	return sampled, nil
}

// candidatePool is the de-duplicated union of all candidate lists, in
// first-seen order
func candidatePool(candidates [][]int) []int {
	seen := make(map[int]struct{})
	var pool []int
	for _, cands := range candidates {
		for _, c := range cands {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			pool = append(pool, c)
		}
	}
	return pool
}

// PosNegSample replaces each example's candidates by its answers followed
// by one negative drawn from src. Questions and answers are shared with
// the input corpus.
func PosNegSample(corpus *Corpus, src sampler.Source) (*Corpus, error) {
	if len(corpus.Candidates) != len(corpus.Answers) {
		return nil, fmt.Errorf("%d candidate lists, %d answer sets: %w",
			len(corpus.Candidates), len(corpus.Answers), ErrLengthMismatch)
	}
	if len(corpus.Questions) != len(corpus.Answers) {
		return nil, fmt.Errorf("%d questions, %d answer sets: %w",
			len(corpus.Questions), len(corpus.Answers), ErrLengthMismatch)
	}

	out := &Corpus{
		Questions:  corpus.Questions,
		Candidates: make([][]int, len(corpus.Answers)),
		Answers:    corpus.Answers,
	}
	for i, answers := range corpus.Answers {
		q := corpus.Questions[i][0]
		cands := make([]int, 0, len(answers)+1)
		cands = append(cands, answers...)
		cands = append(cands, sampler.SampleNegative(src, q, answers))
		out.Candidates[i] = cands
	}
	return out, nil
}

// BatchGenerator preprocesses data and cuts it into batches of the shared
// batch size. Training batches (isEval false) come in a shuffled order
// and need SetupFromData first.
func (m *InputModule) BatchGenerator(data []Example, isEval bool) (*Batches, error) {
	if !isEval && !m.setUp {
		return nil, ErrNotSetUp
	}
	size := m.shared.Config.BatchSize
	if size <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", size)
	}
	corpus, err := m.Preprocess(data, isEval)
	if err != nil {
		return nil, err
	}
	return newBatches(corpus, size, !isEval, m.rng), nil
}

// Call encodes settings with no known answers into one batch
func (m *InputModule) Call(settings []QASetting) (*Batch, error) {
	data := make([]Example, len(settings))
	for i, s := range settings {
		data[i] = Example{Setting: s}
	}
	corpus, err := m.Preprocess(data, true)
	if err != nil {
		return nil, err
	}
	order := make([]int, corpus.Len())
	for i := range order {
		order[i] = i
	}
	return corpus.batch(order), nil
}
