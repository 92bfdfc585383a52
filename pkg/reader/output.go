package reader

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// OutputModule turns a score matrix back into answers. Row i of the
// scores belongs to input i; only the first len(Candidates) columns of a
// row are read, the rest is padding.
type OutputModule struct{}

// Decode picks the highest scoring candidate of every row. Ties go to the
// lowest candidate position.
func (o *OutputModule) Decode(inputs []QASetting, scores *mat.Dense) ([]Answer, error) {
	if err := checkScores(inputs, scores); err != nil {
		return nil, err
	}
	answers := make([]Answer, len(inputs))
	for i, in := range inputs {
		if len(in.Candidates) == 0 {
			return nil, fmt.Errorf("input %d: %w", i, ErrNoCandidates)
		}
		best := 0
		for j := 1; j < len(in.Candidates); j++ {
			if scores.At(i, j) > scores.At(i, best) {
				best = j
			}
		}
		answers[i] = Answer{Text: in.Candidates[best], Score: scores.At(i, best)}
	}
	return answers, nil
}

// Rank orders every row's candidates by descending score, keeping the
// candidate order among equal scores. The first entry of each row is what
// Decode returns.
func (o *OutputModule) Rank(inputs []QASetting, scores *mat.Dense) ([][]Answer, error) {
	if err := checkScores(inputs, scores); err != nil {
		return nil, err
	}
	ranked := make([][]Answer, len(inputs))
	for i, in := range inputs {
		row := make([]Answer, len(in.Candidates))
		for j, c := range in.Candidates {
			row[j] = Answer{Text: c, Score: scores.At(i, j)}
		}
		sort.SliceStable(row, func(a, b int) bool {
			return row[a].Score > row[b].Score
		})
		ranked[i] = row
	}
	return ranked, nil
}

func checkScores(inputs []QASetting, scores *mat.Dense) error {
	if len(inputs) == 0 {
		return nil
	}
	if scores == nil {
		return fmt.Errorf("no scores for %d inputs", len(inputs))
	}
	rows, cols := scores.Dims()
	if rows < len(inputs) {
		return fmt.Errorf("%d score rows for %d inputs", rows, len(inputs))
	}
	for i, in := range inputs {
		if len(in.Candidates) > cols {
			return fmt.Errorf("input %d has %d candidates but scores have %d columns", i, len(in.Candidates), cols)
		}
	}
	return nil
}
