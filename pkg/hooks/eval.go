package hooks

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/cnclabs/kbreader/pkg/reader"
)

// Ranker ranks every setting's candidates, best first
type Ranker interface {
	Rank(settings []reader.QASetting) ([][]reader.Answer, error)
}

// EvalResult holds ranking quality on a labelled set
type EvalResult struct {
	Epoch    int
	Examples int
	HitsAt1  float64
	MRR      float64
}

// Evaluate scores rankings against the examples' answers. A question's
// reciprocal rank is that of its best ranked correct answer, 0 if none is
// ranked.
func Evaluate(ranked [][]reader.Answer, gold []reader.Example) (EvalResult, error) {
	if len(ranked) != len(gold) {
		return EvalResult{}, fmt.Errorf("%d rankings for %d examples", len(ranked), len(gold))
	}
	res := EvalResult{Examples: len(gold)}
	if len(gold) == 0 {
		return res, nil
	}
	for i, ex := range gold {
		want := make(map[string]struct{}, len(ex.Answers))
		for _, a := range ex.Answers {
			want[a.Text] = struct{}{}
		}
		for pos, a := range ranked[i] {
			if _, ok := want[a.Text]; !ok {
				continue
			}
			if pos == 0 {
				res.HitsAt1++
			}
			res.MRR += 1 / float64(pos+1)
			break
		}
	}
	res.HitsAt1 /= float64(len(gold))
	res.MRR /= float64(len(gold))
	return res, nil
}

// EvalHook ranks a dev set every Every epochs and logs hits@1 and MRR
type EvalHook struct {
	Every   int
	Metrics *MetricsHook // optional

	// Results holds one entry per evaluated epoch
	Results []EvalResult

	ranker   Ranker
	dev      []reader.Example
	settings []reader.QASetting
	logger   *zap.Logger
}

// NewEvalHook creates an eval hook over dev. every <= 0 evaluates after
// every epoch.
func NewEvalHook(ranker Ranker, dev []reader.Example, every int, logger *zap.Logger) *EvalHook {
	if logger == nil {
		logger = zap.NewNop()
	}
	if every <= 0 {
		every = 1
	}
	settings := make([]reader.QASetting, len(dev))
	for i, ex := range dev {
		settings[i] = ex.Setting
	}
	return &EvalHook{Every: every, ranker: ranker, dev: dev, settings: settings, logger: logger}
}

func (h *EvalHook) AtIterationEnd(epoch int, loss float64, setName string) error {
	return nil
}

func (h *EvalHook) AtEpochEnd(epoch int) error {
	if epoch%h.Every != 0 || len(h.dev) == 0 {
		return nil
	}
	ranked, err := h.ranker.Rank(h.settings)
	if err != nil {
		return fmt.Errorf("rank dev set: %w", err)
	}
	res, err := Evaluate(ranked, h.dev)
	if err != nil {
		return err
	}
	res.Epoch = epoch
	h.Results = append(h.Results, res)
	if h.Metrics != nil {
		h.Metrics.ObserveEval(res)
	}
	h.logger.Info("Dev evaluation",
		zap.Int("epoch", epoch),
		zap.Int("examples", res.Examples),
		zap.Float64("hits_at_1", res.HitsAt1),
		zap.Float64("mrr", res.MRR))
	return nil
}
