// Package metrics exposes queue and workflow activity as Prometheus collectors.
package metrics

import (
	"errors"
	"fmt"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/qsched/qsched/internal/event"
)

// DefaultNamespace prefixes every metric name when none is configured.
const DefaultNamespace = "qsched"

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	RunTimeBuckets []float64
}

// Exporter records task transitions, queue depth, task run times and
// subscriber failures.
type Exporter struct {
	transitionsTotal     *prom.CounterVec
	queueDepth           *prom.GaugeVec
	taskRunSeconds       *prom.HistogramVec
	subscriberFailures   prom.Counter
	optimizationsTotal   prom.Counter
	parallelizationRatio prom.Gauge
}

// NewExporter creates and registers the collectors on reg. A nil reg uses
// the default registerer. Registering twice on the same registry reuses
// the collectors already there.
func NewExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*Exporter, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.RunTimeBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	transitions := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_transitions_total",
		Help:      "Task status transitions by task type and new status.",
	}, []string{"type", "status"})
	depth := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Number of tasks per status.",
	}, []string{"status"})
	runTime := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_run_seconds",
		Help:      "Time from task start to completion or failure.",
		Buckets:   buckets,
	}, []string{"type"})
	failures := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "subscriber_failures_total",
		Help:      "Task subscriber callbacks that panicked or returned an error.",
	})
	optimizations := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_optimizations_total",
		Help:      "Completed workflow optimization runs.",
	})
	ratio := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "workflow_parallelization_factor",
		Help:      "Parallelization factor of the most recent optimization.",
	})

	var err error
	if transitions, err = registerCollector(reg, transitions); err != nil {
		return nil, err
	}
	if depth, err = registerCollector(reg, depth); err != nil {
		return nil, err
	}
	if runTime, err = registerCollector(reg, runTime); err != nil {
		return nil, err
	}
	if failures, err = registerCollector(reg, failures); err != nil {
		return nil, err
	}
	if optimizations, err = registerCollector(reg, optimizations); err != nil {
		return nil, err
	}
	if ratio, err = registerCollector(reg, ratio); err != nil {
		return nil, err
	}

	return &Exporter{
		transitionsTotal:     transitions,
		queueDepth:           depth,
		taskRunSeconds:       runTime,
		subscriberFailures:   failures,
		optimizationsTotal:   optimizations,
		parallelizationRatio: ratio,
	}, nil
}

// Attach records metrics for every relevant event published on bus. The
// returned function detaches the exporter.
func (m *Exporter) Attach(bus *event.Bus) func() {
	id := bus.SubscribeAll(m.handle)
	return func() { bus.Unsubscribe(id) }
}

func (m *Exporter) handle(e event.Event) {
	switch ev := e.(type) {
	case event.TaskTransitionEvent:
		m.RecordTransition(ev.TaskType, ev.Status)
		if ev.EventType() == event.TypeTaskCompleted || ev.EventType() == event.TypeTaskFailed {
			m.taskRunSeconds.WithLabelValues(normalizeLabel(ev.TaskType, "unknown")).Observe(ev.RunTime.Seconds())
		}
	case event.QueueDepthChangedEvent:
		m.RecordQueueDepth(ev.Queued, ev.Processing, ev.Completed, ev.Failed)
	case event.WorkflowOptimizedEvent:
		m.optimizationsTotal.Inc()
		m.parallelizationRatio.Set(ev.ParallelizationFactor)
	}
}

// RecordTransition counts a task moving into status.
func (m *Exporter) RecordTransition(taskType, status string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(normalizeLabel(taskType, "unknown"), normalizeLabel(status, "unknown")).Inc()
}

// RecordQueueDepth sets the per-status task gauges.
func (m *Exporter) RecordQueueDepth(queued, processing, completed, failed int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues("queued").Set(float64(queued))
	m.queueDepth.WithLabelValues("processing").Set(float64(processing))
	m.queueDepth.WithLabelValues("completed").Set(float64(completed))
	m.queueDepth.WithLabelValues("failed").Set(float64(failed))
}

// RecordSubscriberFailure counts a failed subscriber callback. Its
// signature matches subscription.FailureHook.
func (m *Exporter) RecordSubscriberFailure(taskID string, err error) {
	if m == nil {
		return
	}
	m.subscriberFailures.Inc()
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
