package workflow

// Speedup defaults.
const (
	DefaultBaseSpeedup      = 1.5
	DefaultQuantumThreshold = 128
	DefaultAvailableQubits  = 64
)

// SpeedupConfig parameterizes the quantum speedup transform.
type SpeedupConfig struct {
	BaseSpeedup      float64
	QuantumThreshold float64
	AvailableQubits  float64
}

// DefaultSpeedupConfig returns the stock 1.5 / 128 / 64 configuration.
func DefaultSpeedupConfig() SpeedupConfig {
	return SpeedupConfig{
		BaseSpeedup:      DefaultBaseSpeedup,
		QuantumThreshold: DefaultQuantumThreshold,
		AvailableQubits:  DefaultAvailableQubits,
	}
}

// Factor returns base × priority/5 × qubits/threshold for t. The result
// can be below 1, in which case applying it lengthens the task. An unset
// priority or a non-positive threshold yields 0.
func (c SpeedupConfig) Factor(t Task) float64 {
	if c.QuantumThreshold <= 0 || t.Priority == nil {
		return 0
	}
	complexity := float64(*t.Priority) / 5
	qubitFactor := c.AvailableQubits / c.QuantumThreshold
	return c.BaseSpeedup * complexity * qubitFactor
}

// ApplyQuantumSpeedup divides the duration of every quantum task by its
// speedup factor, in place. Tasks whose factor is not positive keep their
// duration and are returned so callers can report them.
func ApplyQuantumSpeedup(tasks []Task, cfg SpeedupConfig) []string {
	var skipped []string
	for i := range tasks {
		t := &tasks[i]
		if !t.Quantum {
			continue
		}
		factor := cfg.Factor(*t)
		if factor <= 0 {
			skipped = append(skipped, t.ID)
			continue
		}
		if t.Duration != nil {
			t.Duration = Float(*t.Duration / factor)
		}
	}
	return skipped
}

// Speedup returns the speedup factor cfg would apply to t.
func Speedup(t Task, cfg SpeedupConfig) float64 {
	return cfg.Factor(t)
}
