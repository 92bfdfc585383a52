// Package reader turns question/answer/candidate data into index batches,
// trains a scoring model over them and decodes model scores into answers.
package reader

import (
	"github.com/cnclabs/kbreader/pkg/embeddings"
	"github.com/cnclabs/kbreader/pkg/vocab"
)

// QASetting is one question together with the atomic candidates it is
// answered from
type QASetting struct {
	Question   string   `json:"question"`
	Candidates []string `json:"candidates"`
}

// Answer is a candidate chosen for a question and its score
type Answer struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Example is a QASetting with its known answers
type Example struct {
	Setting QASetting
	Answers []Answer
}

// AnswerSet is the list form every example's answers are normalized to
// at ingestion time
type AnswerSet []int

// SingleAnswer wraps one answer index
func SingleAnswer(idx int) AnswerSet {
	return AnswerSet{idx}
}

// AnswerList copies several answer indices
func AnswerList(idx ...int) AnswerSet {
	return append(AnswerSet(nil), idx...)
}

// First returns the first answer, or -1 for an empty set
func (a AnswerSet) First() int {
	if len(a) == 0 {
		return -1
	}
	return a[0]
}

// Corpus holds the index-encoded form of a dataset. The three slices are
// aligned per example.
type Corpus struct {
	Questions  [][]int
	Candidates [][]int
	Answers    []AnswerSet
}

// Len returns the number of examples
func (c *Corpus) Len() int {
	return len(c.Questions)
}

// ModelConfig holds the shared hyperparameters every module reads
type ModelConfig struct {
	BatchSize int     `yaml:"batch_size"`
	ReprDim   int     `yaml:"repr_dim"`
	InitScale float64 `yaml:"init_scale"`
}

// SharedResources is what the input, model and output modules share:
// the vocabulary, the configuration and optional pre-trained vectors.
type SharedResources struct {
	Vocab      *vocab.Vocab
	Config     ModelConfig
	Embeddings *embeddings.Embeddings
}

// NewSharedResources creates resources around a fresh vocabulary
func NewSharedResources(cfg ModelConfig) *SharedResources {
	return &SharedResources{
		Vocab:  vocab.New(),
		Config: cfg,
	}
}
