// Package sampler draws negative candidates for questions from a shared,
// shuffled pool of candidate indices.
package sampler

import (
	"errors"
	"math/rand"
	"time"
)

// MaxTrials bounds the draws spent looking for a candidate outside a
// question's answer set
const MaxTrials = 50

// ErrEmptyPool is returned when a sampler is built over no candidates
var ErrEmptyPool = errors.New("negative sampling pool is empty")

// Source supplies one negative candidate per request for question key q
type Source interface {
	Next(q int) int
}

// Exclusions maps a question key to the set of answers known to be correct
type Exclusions map[int]map[int]struct{}

// Add records answer a as correct for question q
func (e Exclusions) Add(q, a int) {
	set, ok := e[q]
	if !ok {
		set = make(map[int]struct{})
		e[q] = set
	}
	set[a] = struct{}{}
}

// Contains reports whether a is a known answer of q
func (e Exclusions) Contains(q, a int) bool {
	_, ok := e[q][a]
	return ok
}

// ShuffleList approximates sampling without replacement: it walks a
// shuffled copy of the pool and reshuffles once the walk is exhausted.
// A ShuffleList is not safe for concurrent use.
type ShuffleList struct {
	drawList   []int
	cursor     int
	answers    Exclusions
	rng        *rand.Rand
	reshuffles int
	fallbacks  int
}

// NewShuffleList creates a sampler over a copy of pool. A nil rng is
// seeded from the clock.
func NewShuffleList(pool []int, answers Exclusions, rng *rand.Rand) (*ShuffleList, error) {
	if len(pool) == 0 {
		return nil, ErrEmptyPool
	}
	if answers == nil {
		answers = Exclusions{}
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	sl := &ShuffleList{
		drawList: append([]int(nil), pool...),
		answers:  answers,
		rng:      rng,
	}
	sl.shuffle()
	return sl, nil
}

// Next returns a candidate for question q, skipping q's known answers for
// up to MaxTrials draws. When the retry budget runs out the last draw is
// returned as is. When the pool is exhausted mid-search the pool is
// reshuffled and the next draw is returned without checking q's answers.
func (sl *ShuffleList) Next(q int) int {
	if samp, ok := sl.draw(q); ok {
		return samp
	}

	sl.shuffle()
	sl.reshuffles++
	sl.fallbacks++
	samp, _ := sl.pop()
	return samp
}

// draw is the bounded-retry phase; ok is false when the walk ran out
func (sl *ShuffleList) draw(q int) (int, bool) {
	var samp int
	for trial := 0; trial < MaxTrials; trial++ {
		s, ok := sl.pop()
		if !ok {
			return 0, false
		}
		samp = s
		if !sl.answers.Contains(q, samp) {
			return samp, true
		}
	}
	sl.fallbacks++
	return samp, true
}

func (sl *ShuffleList) pop() (int, bool) {
	if sl.cursor >= len(sl.drawList) {
		return 0, false
	}
	samp := sl.drawList[sl.cursor]
	sl.cursor++
	return samp, true
}

// shuffle permutes the pool in place (Fisher-Yates) and rewinds the cursor
func (sl *ShuffleList) shuffle() {
	n := len(sl.drawList)
	for i := n - 1; i > 0; i-- {
		j := sl.rng.Intn(i + 1)
		sl.drawList[i], sl.drawList[j] = sl.drawList[j], sl.drawList[i]
	}
	sl.cursor = 0
}

// Len returns the pool size
func (sl *ShuffleList) Len() int { return len(sl.drawList) }

// Reshuffles returns how many times the pool was exhausted and reshuffled
func (sl *ShuffleList) Reshuffles() int { return sl.reshuffles }

// Fallbacks returns how many draws were returned without passing the
// answer-set check
func (sl *ShuffleList) Fallbacks() int { return sl.fallbacks }

// SampleNegative asks src for a negative of question q that is not in
// answers, retrying up to MaxTrials times. The last draw is accepted even
// when every retry hit an answer.
func SampleNegative(src Source, q int, answers []int) int {
	var samp int
	for trial := 0; trial < MaxTrials; trial++ {
		samp = src.Next(q)
		if !containsInt(answers, samp) {
			return samp
		}
	}
	return samp
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
