package workflow

// Status is the planning-time state of a workflow task.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Task is a planning-time unit of work. The optimizer only ever changes
// Duration (and only on a copy); everything else is carried through as-is.
type Task struct {
	ID          string   `json:"id" yaml:"id" validate:"required"`
	Name        string   `json:"name" yaml:"name"`
	Status      Status   `json:"status,omitempty" yaml:"status,omitempty" validate:"omitempty,oneof=idle running completed failed"`
	Progress    int      `json:"progress" yaml:"progress" validate:"min=0,max=100"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty" validate:"dive,required"`
	// Duration is the estimated run time in milliseconds. Nil counts as 0.
	Duration *float64 `json:"duration,omitempty" yaml:"duration,omitempty" validate:"omitempty,gte=0"`
	// Quantum marks the task as eligible for the speedup transform.
	Quantum bool `json:"quantum,omitempty" yaml:"quantum,omitempty"`
	// Priority orders ready tasks, higher first. Nil counts as 0.
	Priority *int `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// DurationMs returns the task duration, treating an unset value as 0.
func (t Task) DurationMs() float64 {
	if t.Duration == nil {
		return 0
	}
	return *t.Duration
}

// PriorityValue returns the task priority, treating an unset value as 0.
func (t Task) PriorityValue() int {
	if t.Priority == nil {
		return 0
	}
	return *t.Priority
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	c := t
	if t.DependsOn != nil {
		c.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Duration != nil {
		d := *t.Duration
		c.Duration = &d
	}
	if t.Priority != nil {
		p := *t.Priority
		c.Priority = &p
	}
	return c
}

// CloneTasks deep-copies a task list.
func CloneTasks(tasks []Task) []Task {
	if tasks == nil {
		return nil
	}
	out := make([]Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}

// Result is the outcome of one optimization run.
type Result struct {
	OriginalExecutionTime   float64 `json:"original_execution_time"`
	OptimizedExecutionTime  float64 `json:"optimized_execution_time"`
	TimeReduction           float64 `json:"time_reduction"`
	TimeReductionPercentage float64 `json:"time_reduction_percentage"`
	ParallelizationFactor   float64 `json:"parallelization_factor"`
	QuantumSpeedup          float64 `json:"quantum_speedup"`
	OptimizedTasks          []Task  `json:"optimized_tasks"`
	// SpeedupSkipped lists quantum tasks whose speedup factor was not
	// positive, so their duration was left untouched.
	SpeedupSkipped []string `json:"speedup_skipped,omitempty"`
}

// Float returns a pointer to v, for building tasks in code.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v, for building tasks in code.
func Int(v int) *int { return &v }
