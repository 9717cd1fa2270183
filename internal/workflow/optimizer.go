package workflow

import (
	"github.com/qsched/qsched/internal/event"
	"github.com/qsched/qsched/internal/logging"
)

// Optimizer reorders a task list by dependencies and priority, applies the
// quantum speedup to a copy, and reports the resulting time estimates.
type Optimizer struct {
	speedup        SpeedupConfig
	strict         bool
	estimateMissed bool
	logger         *logging.Logger
	bus            *event.Bus
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithSpeedupConfig sets the speedup parameters.
func WithSpeedupConfig(cfg SpeedupConfig) Option {
	return func(o *Optimizer) { o.speedup = cfg }
}

// WithStrictDependencies makes dependency ids that name no task an error.
func WithStrictDependencies(strict bool) Option {
	return func(o *Optimizer) { o.strict = strict }
}

// WithEstimates fills missing durations with EstimateDuration before
// anything is measured.
func WithEstimates(enabled bool) Option {
	return func(o *Optimizer) { o.estimateMissed = enabled }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(o *Optimizer) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithBus publishes a WorkflowOptimizedEvent after each successful run.
func WithBus(bus *event.Bus) Option {
	return func(o *Optimizer) { o.bus = bus }
}

// NewOptimizer creates an Optimizer with the default speedup configuration.
func NewOptimizer(opts ...Option) *Optimizer {
	o := &Optimizer{
		speedup: DefaultSpeedupConfig(),
		logger:  logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Optimize computes an execution plan for tasks. The input slice and the
// tasks in it are never modified.
func (o *Optimizer) Optimize(tasks []Task) (*Result, error) {
	working := CloneTasks(tasks)
	if o.estimateMissed {
		if filled := FillEstimates(working); len(filled) > 0 {
			o.logger.Debug("estimated missing durations", "tasks", filled)
		}
	}

	originalTime := SequentialTime(working)

	ordered, err := OrderTasks(working, o.strict)
	if err != nil {
		o.logger.Warn("workflow ordering failed", "error", err)
		return nil, err
	}

	var quantumBefore float64
	for _, t := range ordered {
		if t.Quantum {
			quantumBefore += t.DurationMs()
		}
	}

	skipped := ApplyQuantumSpeedup(ordered, o.speedup)
	if len(skipped) > 0 {
		o.logger.Warn("quantum speedup not applied", "tasks", skipped)
	}

	var quantumAfter float64
	quantumCount := 0
	for _, t := range ordered {
		if t.Quantum {
			quantumAfter += t.DurationMs()
			quantumCount++
		}
	}

	optimizedTime, err := ParallelTime(ordered)
	if err != nil {
		return nil, err
	}

	result := &Result{
		OriginalExecutionTime:  originalTime,
		OptimizedExecutionTime: optimizedTime,
		TimeReduction:          originalTime - optimizedTime,
		ParallelizationFactor:  1,
		QuantumSpeedup:         1,
		OptimizedTasks:         ordered,
		SpeedupSkipped:         skipped,
	}
	if originalTime != 0 {
		result.TimeReductionPercentage = (originalTime - optimizedTime) / originalTime * 100
	}
	if optimizedTime != 0 {
		result.ParallelizationFactor = originalTime / optimizedTime
	}
	if quantumCount > 0 && quantumAfter != 0 {
		result.QuantumSpeedup = quantumBefore / quantumAfter
	}

	o.logger.Info("workflow optimized",
		"tasks", len(ordered),
		"original_ms", originalTime,
		"optimized_ms", optimizedTime,
		"parallelization_factor", result.ParallelizationFactor,
	)
	if o.bus != nil {
		o.bus.Publish(event.NewWorkflowOptimizedEvent(len(ordered), originalTime, optimizedTime, result.ParallelizationFactor))
	}
	return result, nil
}
