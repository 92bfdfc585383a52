package reader

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/cnclabs/kbreader/pkg/train"
)

func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

func example(q string, cands []string, answers ...string) Example {
	ex := Example{Setting: QASetting{Question: q, Candidates: cands}}
	for _, a := range answers {
		ex.Answers = append(ex.Answers, Answer{Text: a})
	}
	return ex
}

func toyData() []Example {
	cands := []string{"born_in", "works_for", "capital_of", "spouse_of"}
	return []Example{
		example("alice|paris", cands, "born_in"),
		example("bob|acme", cands, "works_for"),
		example("paris|france", cands, "capital_of"),
		example("alice|bob", cands, "spouse_of"),
		example("carol|acme", cands, "works_for"),
	}
}

func newInput(cfg ModelConfig, seed int64) *InputModule {
	return NewInputModule(NewSharedResources(cfg), newRand(seed), nil)
}

func TestPreprocess_RejectsAnswerCountInTraining(t *testing.T) {
	in := newInput(ModelConfig{BatchSize: 2}, 1)
	data := []Example{example("q", []string{"a", "b"}, "a", "b")}

	_, err := in.Preprocess(data, false)
	assert.ErrorIs(t, err, ErrAnswerCount)

	_, err = in.Preprocess([]Example{example("q", []string{"a"})}, false)
	assert.ErrorIs(t, err, ErrAnswerCount)

	corpus, err := in.Preprocess(data, true)
	require.NoError(t, err)
	assert.Len(t, corpus.Answers[0], 2)
}

func TestPreprocess_TrainingPairsAnswerWithNegative(t *testing.T) {
	in := newInput(ModelConfig{BatchSize: 2}, 3)
	data := toyData()

	corpus, err := in.Preprocess(data, false)
	require.NoError(t, err)
	require.Equal(t, len(data), corpus.Len())

	v := in.shared.Vocab
	for i, cands := range corpus.Candidates {
		require.Len(t, cands, len(corpus.Answers[i])+1)
		assert.Equal(t, v.Get(data[i].Answers[0].Text), cands[0])
		assert.NotEqual(t, cands[0], cands[1], "example %d", i)
		assert.Contains(t, []string{"born_in", "works_for", "capital_of", "spouse_of"}, v.Token(cands[1]))
	}
	for i, q := range corpus.Questions {
		assert.Equal(t, []int{v.Get(data[i].Setting.Question)}, q)
	}
}

func TestPreprocess_TestTimeIsIdempotent(t *testing.T) {
	in := newInput(ModelConfig{BatchSize: 2}, 1)
	data := toyData()
	_, err := in.SetupFromData(data)
	require.NoError(t, err)

	first, err := in.Preprocess(data, true)
	require.NoError(t, err)
	second, err := in.Preprocess(data, true)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first.Candidates[0], 4, "candidates kept as given")
}

func TestSetupFromData_FreezesVocab(t *testing.T) {
	in := newInput(ModelConfig{BatchSize: 2}, 1)
	_, err := in.SetupFromData(toyData())
	require.NoError(t, err)
	assert.True(t, in.SetUp())

	size := in.shared.Vocab.Len()
	corpus, err := in.Preprocess([]Example{example("unseen|question", []string{"born_in", "new_rel"})}, true)
	require.NoError(t, err)
	assert.Equal(t, size, in.shared.Vocab.Len())
	assert.Equal(t, []int{0}, corpus.Questions[0])
	assert.Equal(t, 0, corpus.Candidates[0][1])
}

type constSource int

func (s constSource) Next(int) int { return int(s) }

func TestPosNegSample_SingleCandidate(t *testing.T) {
	corpus := &Corpus{
		Questions:  [][]int{{1}},
		Candidates: [][]int{{10}},
		Answers:    []AnswerSet{SingleAnswer(10)},
	}

	out, err := PosNegSample(corpus, constSource(10))
	require.NoError(t, err)
	assert.Equal(t, [][]int{{10, 10}}, out.Candidates)
	assert.Equal(t, corpus.Answers, out.Answers)
	assert.Equal(t, [][]int{{10}}, corpus.Candidates, "input corpus untouched")
}

func TestPosNegSample_LengthMismatch(t *testing.T) {
	corpus := &Corpus{
		Questions:  [][]int{{1}, {2}},
		Candidates: [][]int{{10}},
		Answers:    []AnswerSet{SingleAnswer(10), SingleAnswer(11)},
	}
	_, err := PosNegSample(corpus, constSource(3))
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestBatchGenerator_CoversEveryExampleOnce(t *testing.T) {
	in := newInput(ModelConfig{BatchSize: 2}, 5)
	data := toyData()
	_, err := in.SetupFromData(data)
	require.NoError(t, err)

	batches, err := in.BatchGenerator(data, false)
	require.NoError(t, err)
	assert.Equal(t, 3, batches.Len())

	var sizes []int
	seen := map[int]int{}
	for batches.Next() {
		b := batches.Batch()
		sizes = append(sizes, b.Size())
		for i, q := range b.Questions {
			seen[q[0]]++
			assert.Equal(t, b.Answers[i].First(), b.Targets[i])
			assert.Equal(t, 2, len(b.Candidates[i]))
		}
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Len(t, seen, len(data))
	for q, n := range seen {
		assert.Equal(t, 1, n, "question %d", q)
	}
	assert.Nil(t, batches.Batch())

	batches.Reset()
	assert.True(t, batches.Next())
}

func TestBatchGenerator_Errors(t *testing.T) {
	in := newInput(ModelConfig{BatchSize: 2}, 1)
	_, err := in.BatchGenerator(toyData(), false)
	assert.ErrorIs(t, err, ErrNotSetUp)

	in = newInput(ModelConfig{BatchSize: 0}, 1)
	_, err = in.BatchGenerator(toyData(), true)
	assert.Error(t, err)
}

func TestBatchGenerator_EvalKeepsOrder(t *testing.T) {
	in := newInput(ModelConfig{BatchSize: 10}, 1)
	data := toyData()
	_, err := in.SetupFromData(data)
	require.NoError(t, err)

	batches, err := in.BatchGenerator(data, true)
	require.NoError(t, err)
	require.True(t, batches.Next())
	b := batches.Batch()
	for i, ex := range data {
		assert.Equal(t, in.shared.Vocab.Get(ex.Setting.Question), b.Questions[i][0])
	}
	assert.Equal(t, 4, b.MaxCandidates())
	assert.False(t, batches.Next())
}

func TestCall_NoAnswers(t *testing.T) {
	in := newInput(ModelConfig{BatchSize: 2}, 1)
	b, err := in.Call([]QASetting{{Question: "q", Candidates: []string{"a", "b", "c"}}})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Size())
	assert.Equal(t, []int{-1}, b.Targets)
	assert.Len(t, b.Candidates[0], 3)
}

func TestDecode_ArgmaxRoundTrip(t *testing.T) {
	inputs := []QASetting{
		{Question: "q1", Candidates: []string{"a", "b", "c"}},
		{Question: "q2", Candidates: []string{"x", "y"}},
	}
	scores := mat.NewDense(2, 3, []float64{
		0.1, 0.9, 0.3,
		2, -1, 100, // padding column ignored
	})

	out := &OutputModule{}
	answers, err := out.Decode(inputs, scores)
	require.NoError(t, err)
	assert.Equal(t, []Answer{{Text: "b", Score: 0.9}, {Text: "x", Score: 2}}, answers)
}

func TestDecode_TieGoesToFirst(t *testing.T) {
	inputs := []QASetting{{Question: "q", Candidates: []string{"a", "b", "c"}}}
	scores := mat.NewDense(1, 3, []float64{1, 5, 5})

	answers, err := (&OutputModule{}).Decode(inputs, scores)
	require.NoError(t, err)
	assert.Equal(t, "b", answers[0].Text)
}

func TestDecode_Errors(t *testing.T) {
	out := &OutputModule{}
	_, err := out.Decode([]QASetting{{Question: "q"}}, mat.NewDense(1, 1, nil))
	assert.ErrorIs(t, err, ErrNoCandidates)

	_, err = out.Decode([]QASetting{{Candidates: []string{"a"}}, {Candidates: []string{"a"}}}, mat.NewDense(1, 1, nil))
	assert.Error(t, err)

	_, err = out.Decode([]QASetting{{Candidates: []string{"a", "b"}}}, mat.NewDense(1, 1, nil))
	assert.Error(t, err)
}

func TestRank_StableDescending(t *testing.T) {
	inputs := []QASetting{{Question: "q", Candidates: []string{"a", "b", "c", "d"}}}
	scores := mat.NewDense(1, 4, []float64{1, 3, 1, 2})

	ranked, err := (&OutputModule{}).Rank(inputs, scores)
	require.NoError(t, err)
	var texts []string
	for _, a := range ranked[0] {
		texts = append(texts, a.Text)
	}
	assert.Equal(t, []string{"b", "d", "a", "c"}, texts)
}

// fakeModel has a single 1x1 weight, reports the batch size as loss and
// a constant gradient. Candidate j of a row scores j, so the last
// candidate always wins.
type fakeModel struct {
	w      *train.Parameter
	grad   float64
	loss   float64
	setups int
	err    error
}

func (m *fakeModel) Setup(shared *SharedResources) error {
	m.setups++
	m.w = train.NewParameter("w", 1, 1)
	m.w.Value.Set(0, 0, 1)
	return nil
}

func (m *fakeModel) Parameters() []*train.Parameter {
	return []*train.Parameter{m.w}
}

func (m *fakeModel) Scores(b *Batch) (*mat.Dense, error) {
	s := mat.NewDense(b.Size(), b.MaxCandidates(), nil)
	for i, cands := range b.Candidates {
		for j := range cands {
			s.Set(i, j, float64(j))
		}
	}
	return s, nil
}

func (m *fakeModel) LossAndGradients(b *Batch) (float64, []*mat.Dense, error) {
	if m.err != nil {
		return 0, nil, m.err
	}
	return m.loss, []*mat.Dense{mat.NewDense(1, 1, []float64{m.grad})}, nil
}

type recordingHook struct {
	calls  *[]string
	losses *[]float64
}

func (h recordingHook) AtIterationEnd(epoch int, loss float64, setName string) error {
	*h.calls = append(*h.calls, "iter")
	*h.losses = append(*h.losses, loss)
	return nil
}

func (h recordingHook) AtEpochEnd(epoch int) error {
	*h.calls = append(*h.calls, "epoch")
	return nil
}

func newReader(model ModelModule, isTrain bool, batchSize int) *Reader {
	shared := NewSharedResources(ModelConfig{BatchSize: batchSize, ReprDim: 2})
	return New(shared, model, isTrain, WithRand(newRand(9)))
}

func TestTrain_NotTrainable(t *testing.T) {
	model := &fakeModel{}
	r := newReader(model, false, 2)
	err := r.Train(train.NewSGD(0.1), toyData(), TrainOptions{MaxEpochs: 1})
	assert.ErrorIs(t, err, ErrNotTrainable)
	assert.Zero(t, model.setups)
}

func TestTrain_HookOrder(t *testing.T) {
	model := &fakeModel{}
	r := newReader(model, true, 2)
	data := toyData()[:4]

	var calls []string
	var losses []float64
	err := r.Train(train.NewSGD(0.1), data, TrainOptions{
		MaxEpochs: 2,
		Hooks:     []train.Hook{recordingHook{calls: &calls, losses: &losses}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, model.setups)
	assert.Equal(t, []string{"iter", "iter", "epoch", "iter", "iter", "epoch"}, calls)
	assert.True(t, r.Shared.Vocab.Frozen())
}

func TestTrain_FusedAndClippedPaths(t *testing.T) {
	fused := &fakeModel{grad: 5}
	r := newReader(fused, true, 5)
	require.NoError(t, r.Train(train.NewSGD(1), toyData(), TrainOptions{MaxEpochs: 1}))
	assert.InDelta(t, 1-5, fused.w.Value.At(0, 0), 1e-12)

	clipped := &fakeModel{grad: 5}
	r = newReader(clipped, true, 5)
	require.NoError(t, r.Train(train.NewSGD(1), toyData(), TrainOptions{
		MaxEpochs: 1,
		Clip:      train.ClipByValue{Min: -1, Max: 1},
	}))
	assert.InDelta(t, 1-1, clipped.w.Value.At(0, 0), 1e-12)
}

func TestTrain_L2AddsToLoss(t *testing.T) {
	model := &fakeModel{loss: 0.25}
	r := newReader(model, true, 5)

	var calls []string
	var losses []float64
	require.NoError(t, r.Train(train.NewSGD(0.1), toyData(), TrainOptions{
		MaxEpochs: 1,
		L2:        0.5,
		Hooks:     []train.Hook{recordingHook{calls: &calls, losses: &losses}},
	}))
	require.Len(t, losses, 1)
	// w = 1 before the step
	assert.InDelta(t, 0.75, losses[0], 1e-12)
	// gradient 2 * 0.5 * 1
	assert.InDelta(t, 0.9, model.w.Value.At(0, 0), 1e-12)
}

func TestTrain_ModelErrorStops(t *testing.T) {
	boom := errors.New("boom")
	r := newReader(&fakeModel{err: boom}, true, 2)
	err := r.Train(train.NewSGD(0.1), toyData(), TrainOptions{MaxEpochs: 3})
	assert.ErrorIs(t, err, boom)

	err = r.Train(train.NewSGD(0.1), toyData(), TrainOptions{MaxEpochs: -1})
	assert.Error(t, err)
}

func TestPredictAndRank(t *testing.T) {
	r := newReader(&fakeModel{}, false, 2)
	settings := []QASetting{
		{Question: "q1", Candidates: []string{"a", "b", "c"}},
		{Question: "q2", Candidates: []string{"x"}},
	}

	answers, err := r.Predict(settings)
	require.NoError(t, err)
	assert.Equal(t, []Answer{{Text: "c", Score: 2}, {Text: "x", Score: 0}}, answers)

	ranked, err := r.Rank(settings)
	require.NoError(t, err)
	assert.Equal(t, "c", ranked[0][0].Text)
	assert.Len(t, ranked[0], 3)

	answers, err = r.Predict(nil)
	require.NoError(t, err)
	assert.Empty(t, answers)
}
