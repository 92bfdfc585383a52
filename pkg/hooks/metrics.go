package hooks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "kbreader"
	trainSubsystem   = "train"
	evalSubsystem    = "eval"
)

// MetricsHook exports training progress as Prometheus metrics.
//
// Metrics:
//   - kbreader_train_loss{set}: last batch loss
//   - kbreader_train_iterations_total{set}: batches seen
//   - kbreader_train_epochs_total: finished epochs
//   - kbreader_eval_score{metric}: last dev-set hits@1 and MRR
type MetricsHook struct {
	Loss       *prometheus.GaugeVec
	Iterations *prometheus.CounterVec
	Epochs     prometheus.Counter
	Eval       *prometheus.GaugeVec
}

// NewMetricsHook creates the metrics and registers them with reg.
// Registering twice on one registry panics.
func NewMetricsHook(reg prometheus.Registerer) *MetricsHook {
	factory := promauto.With(reg)
	return &MetricsHook{
		Loss: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: trainSubsystem,
				Name:      "loss",
				Help:      "Loss of the last batch by data set",
			},
			[]string{"set"},
		),
		Iterations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: trainSubsystem,
				Name:      "iterations_total",
				Help:      "Number of batches processed by data set",
			},
			[]string{"set"},
		),
		Epochs: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: trainSubsystem,
				Name:      "epochs_total",
				Help:      "Number of finished training epochs",
			},
		),
		Eval: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: evalSubsystem,
				Name:      "score",
				Help:      "Last dev-set evaluation score by metric",
			},
			[]string{"metric"},
		),
	}
}

func (h *MetricsHook) AtIterationEnd(epoch int, loss float64, setName string) error {
	h.Loss.WithLabelValues(setName).Set(loss)
	h.Iterations.WithLabelValues(setName).Inc()
	return nil
}

func (h *MetricsHook) AtEpochEnd(epoch int) error {
	h.Epochs.Inc()
	return nil
}

// ObserveEval records an evaluation result
func (h *MetricsHook) ObserveEval(r EvalResult) {
	h.Eval.WithLabelValues("hits_at_1").Set(r.HitsAt1)
	h.Eval.WithLabelValues("mrr").Set(r.MRR)
}
