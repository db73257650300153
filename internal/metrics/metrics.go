// Package metrics exposes the orchestrator's queue and store activity to prometheus.
package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"expqueue/pkg/model"
)

const (
	promNamespace = "expq"
	promSubsystem = "orchestrator"
)

var (
	queueLength = prom.NewGauge(prom.GaugeOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystem,
		Name:      "queue_length",
		Help:      "pending and paused experiments waiting to run",
	})
	running = prom.NewGauge(prom.GaugeOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystem,
		Name:      "running",
		Help:      "1 while an experiment is running",
	})
	transitions = prom.NewCounterVec(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystem,
		Name:      "transitions_total",
		Help:      "experiment state transitions by target state",
	}, []string{"state"})
	iterations = prom.NewCounter(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystem,
		Name:      "iterations_recorded_total",
		Help:      "model runs persisted",
	})
	commitHistogram = prom.NewHistogram(prom.HistogramOpts{
		Namespace: promNamespace,
		Subsystem: "store",
		Name:      "commit_seconds",
		Help:      "duration of store commits",
		Buckets:   prom.DefBuckets,
	})
	commitErrors = prom.NewCounter(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: "store",
		Name:      "commit_errors_total",
		Help:      "store commits that failed",
	})
)

func init() {
	prom.MustRegister(queueLength, running, transitions, iterations, commitHistogram, commitErrors)
}

// QueueChanged 记录队列长度与运行状态
func QueueChanged(q *model.QueueState) {
	queueLength.Set(float64(len(q.Order)))
	if q.Running != nil {
		running.Set(1)
	} else {
		running.Set(0)
	}
}

func Transition(state model.RunState) {
	transitions.WithLabelValues(string(state)).Inc()
}

func IterationRecorded() {
	iterations.Inc()
}

// TimeCommit returns a func to call with the commit result.
func TimeCommit() func(error) {
	start := time.Now()
	return func(err error) {
		commitHistogram.Observe(time.Since(start).Seconds())
		if err != nil {
			commitErrors.Inc()
		}
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}
