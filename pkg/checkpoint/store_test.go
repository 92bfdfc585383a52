package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/cnclabs/kbreader/pkg/reader"
	"github.com/cnclabs/kbreader/pkg/train"
	"github.com/cnclabs/kbreader/pkg/vocab"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestOpen_Persistent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Path: dir})
	require.NoError(t, err)
	require.NoError(t, s.SaveMeta(Meta{RunID: "r1", ReprDim: 2}))
	require.NoError(t, s.Close())

	s, err = Open(Config{Path: dir})
	require.NoError(t, err)
	defer s.Close()
	run, err := s.LatestRun()
	require.NoError(t, err)
	assert.Equal(t, "r1", run)
}

func TestMeta_RoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, err := s.LatestRun()
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Error(t, s.SaveMeta(Meta{}))

	run := NewRunID()
	require.NoError(t, s.SaveMeta(Meta{RunID: run, Tokens: []string{"<UNK>", "a"}, ReprDim: 4, InitScale: 0.1}))

	latest, err := s.LatestRun()
	require.NoError(t, err)
	assert.Equal(t, run, latest)

	meta, err := s.LoadMeta(run)
	require.NoError(t, err)
	assert.Equal(t, []string{"<UNK>", "a"}, meta.Tokens)
	assert.Equal(t, 4, meta.ReprDim)
	assert.False(t, meta.CreatedAt.IsZero())

	_, err = s.LoadMeta("other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParameters_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	run := NewRunID()

	a := &train.Parameter{Name: "a", Value: mat.NewDense(2, 2, []float64{1, 2, 3, 4}), Trainable: true}
	b := &train.Parameter{Name: "b", Value: mat.NewDense(1, 3, []float64{-1, 0, 1}), Trainable: true}

	_, err := s.LatestEpoch(run)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveParameters(run, 2, []*train.Parameter{a, b}))
	a.Value.Set(0, 0, 10)
	require.NoError(t, s.SaveParameters(run, 10, []*train.Parameter{a, b}))

	epochs, err := s.Epochs(run)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 10}, epochs)

	latest, err := s.LatestEpoch(run)
	require.NoError(t, err)
	assert.Equal(t, 10, latest)

	params, err := s.LoadParameters(run, 2)
	require.NoError(t, err)
	require.Len(t, params, 2)
	assert.Equal(t, []float64{1, 2, 3, 4}, params["a"].RawMatrix().Data)
	assert.Equal(t, []float64{-1, 0, 1}, params["b"].RawMatrix().Data)

	params, err = s.LoadParameters(run, 10)
	require.NoError(t, err)
	assert.Equal(t, 10.0, params["a"].At(0, 0))

	_, err = s.LoadParameters(run, 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

type paramModel struct {
	params []*train.Parameter
}

func (m *paramModel) Setup(*reader.SharedResources) error      { return nil }
func (m *paramModel) Parameters() []*train.Parameter           { return m.params }
func (m *paramModel) Scores(*reader.Batch) (*mat.Dense, error) { return nil, nil }
func (m *paramModel) LossAndGradients(*reader.Batch) (float64, []*mat.Dense, error) {
	return 0, nil, nil
}

func TestHook_SavesEveryN(t *testing.T) {
	s := openTestStore(t)
	run := NewRunID()

	shared := &reader.SharedResources{
		Vocab:  vocab.FromTokens([]string{"q", "r"}),
		Config: reader.ModelConfig{ReprDim: 3},
	}
	model := &paramModel{params: []*train.Parameter{train.NewParameter("w", 3, 3)}}
	h := NewHook(s, run, shared, model, 2, nil)
	h.Candidates = []string{"r"}

	for epoch := 1; epoch <= 5; epoch++ {
		require.NoError(t, h.AtIterationEnd(epoch, 1, train.SetTrain))
		require.NoError(t, h.AtEpochEnd(epoch))
	}
	assert.Equal(t, []int{2, 4}, h.Saved)

	meta, err := s.LoadMeta(run)
	require.NoError(t, err)
	assert.Equal(t, []string{vocab.UnknownToken, "q", "r"}, meta.Tokens)
	assert.Equal(t, []string{"r"}, meta.Candidates)
	assert.Equal(t, 3, meta.ReprDim)

	latest, err := s.LatestEpoch(run)
	require.NoError(t, err)
	assert.Equal(t, 4, latest)
}
