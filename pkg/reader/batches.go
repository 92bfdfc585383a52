package reader

import "math/rand"

// Batch is a slice of a corpus. Candidate rows are ragged; Targets holds
// the first answer of every row, -1 when a row has none.
type Batch struct {
	Questions  [][]int
	Candidates [][]int
	Answers    []AnswerSet
	Targets    []int
}

// Size returns the number of rows
func (b *Batch) Size() int {
	return len(b.Questions)
}

// MaxCandidates returns the length of the longest candidate row
func (b *Batch) MaxCandidates() int {
	n := 0
	for _, c := range b.Candidates {
		if len(c) > n {
			n = len(c)
		}
	}
	return n
}

func (c *Corpus) batch(rows []int) *Batch {
	b := &Batch{
		Questions:  make([][]int, len(rows)),
		Candidates: make([][]int, len(rows)),
		Answers:    make([]AnswerSet, len(rows)),
		Targets:    make([]int, len(rows)),
	}
	for i, r := range rows {
		b.Questions[i] = c.Questions[r]
		b.Candidates[i] = c.Candidates[r]
		b.Answers[i] = c.Answers[r]
		b.Targets[i] = c.Answers[r].First()
	}
	return b
}

// Batches iterates over a corpus one batch at a time. One pass visits
// every example exactly once; the last batch may be short.
//
//	for batches.Next() {
//		b := batches.Batch()
//		...
//	}
type Batches struct {
	corpus *Corpus
	order  []int
	size   int
	pos    int
	cur    *Batch
}

func newBatches(corpus *Corpus, size int, shuffle bool, rng *rand.Rand) *Batches {
	order := make([]int, corpus.Len())
	for i := range order {
		order[i] = i
	}
	if shuffle {
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}
	return &Batches{corpus: corpus, order: order, size: size}
}

// Next advances to the next batch and reports whether there was one
func (bs *Batches) Next() bool {
	if bs.pos >= len(bs.order) {
		bs.cur = nil
		return false
	}
	end := bs.pos + bs.size
	if end > len(bs.order) {
		end = len(bs.order)
	}
	bs.cur = bs.corpus.batch(bs.order[bs.pos:end])
	bs.pos = end
	return true
}

// Batch returns the current batch
func (bs *Batches) Batch() *Batch {
	return bs.cur
}

// Reset rewinds to the first batch, keeping the order
func (bs *Batches) Reset() {
	bs.pos = 0
	bs.cur = nil
}

// Len returns the number of batches in one pass
func (bs *Batches) Len() int {
	return (len(bs.order) + bs.size - 1) / bs.size
}

// Corpus returns the preprocessed corpus the batches are cut from
func (bs *Batches) Corpus() *Corpus {
	return bs.corpus
}
