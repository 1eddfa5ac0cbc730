package cmdq

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	enqueued      prometheus.Counter
	superseded    prometheus.Counter
	fusedCommands prometheus.Counter
	rollbacks     prometheus.Counter
	calls         *prometheus.CounterVec
}

func newMetrics() *metrics {
	return &metrics{
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prometheus.BuildFQName("governor", "cmdq", "commands_enqueued_total"),
			Help: "Number of write intents enqueued",
		}),
		superseded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prometheus.BuildFQName("governor", "cmdq", "commands_superseded_total"),
			Help: "Number of pending commands replaced by a newer enqueue for the same key",
		}),
		fusedCommands: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prometheus.BuildFQName("governor", "cmdq", "commands_fused_total"),
			Help: "Number of commands merged into bulk calls",
		}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prometheus.BuildFQName("governor", "cmdq", "rollbacks_total"),
			Help: "Number of commands rolled back after a failed call",
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prometheus.BuildFQName("governor", "cmdq", "calls_total"),
			Help: "Number of write calls by outcome",
		}, []string{"outcome"}),
	}
}

var _ prometheus.Collector = &Queue{}

// Describe implements the prometheus.Collector interface.
func (q *Queue) Describe(ch chan<- *prometheus.Desc) {
	q.metrics.enqueued.Describe(ch)
	q.metrics.superseded.Describe(ch)
	q.metrics.fusedCommands.Describe(ch)
	q.metrics.rollbacks.Describe(ch)
	q.metrics.calls.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (q *Queue) Collect(ch chan<- prometheus.Metric) {
	q.metrics.enqueued.Collect(ch)
	q.metrics.superseded.Collect(ch)
	q.metrics.fusedCommands.Collect(ch)
	q.metrics.rollbacks.Collect(ch)
	q.metrics.calls.Collect(ch)
}
