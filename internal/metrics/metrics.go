package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	ResultOK       = "ok"
	ResultNotFound = "not_found"
	ResultError    = "error"
)

// Recorder counts ledger operations by outcome.
type Recorder struct {
	operations *prometheus.CounterVec
	tokens     prometheus.Counter
}

// NewRecorder registers the ledger collectors on reg. A nil reg skips registration.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usage_ledger_operations_total",
				Help: "Total number of usage ledger operations by outcome",
			},
			[]string{"operation", "result"},
		),
		tokens: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "usage_ledger_tokens_recorded_total",
				Help: "Total number of tokens added to user usage counters",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(r.operations, r.tokens)
	}
	return r
}

// Observe records one operation outcome. Safe on a nil Recorder.
func (r *Recorder) Observe(operation, result string) {
	if r == nil {
		return
	}
	r.operations.WithLabelValues(operation, result).Inc()
}

// ObserveErr maps err to ResultOK or ResultError.
func (r *Recorder) ObserveErr(operation string, err error) {
	if err != nil {
		r.Observe(operation, ResultError)
		return
	}
	r.Observe(operation, ResultOK)
}

// AddTokens counts tokens applied by successful increments.
func (r *Recorder) AddTokens(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.tokens.Add(float64(n))
}

// OperationsCounter returns the counter for one operation and result pair.
func (r *Recorder) OperationsCounter(operation, result string) prometheus.Counter {
	return r.operations.WithLabelValues(operation, result)
}

// TokensCounter returns the recorded tokens counter.
func (r *Recorder) TokensCounter() prometheus.Counter {
	return r.tokens
}
