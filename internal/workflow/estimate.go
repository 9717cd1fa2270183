package workflow

import (
	"github.com/qsched/qsched/internal/errors"
)

// defaultEstimateMs is the duration assumed for a task with no estimate.
const defaultEstimateMs = 1000.0

// SequentialTime returns the sum of all task durations.
func SequentialTime(tasks []Task) float64 {
	var total float64
	for _, t := range tasks {
		total += t.DurationMs()
	}
	return total
}

// ParallelTime returns the critical-path length of the task set: the
// largest earliest-completion time, where a task completes its own duration
// after the latest of its dependencies. Dangling dependency ids are
// ignored. A cycle is reported as a *errors.CycleError.
func ParallelTime(tasks []Task) (float64, error) {
	g, err := BuildGraph(tasks, false)
	if err != nil {
		return 0, err
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(tasks))
	finish := make(map[string]float64, len(tasks))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			// Everything on the stack from the first occurrence of id is the cycle.
			for i, s := range stack {
				if s == id {
					return errors.NewCycleError(stack[i:])
				}
			}
			return errors.NewCycleError([]string{id})
		}

		state[id] = visiting
		stack = append(stack, id)

		var start float64
		for _, depID := range g.Deps(id) {
			if err := visit(depID); err != nil {
				return err
			}
			if finish[depID] > start {
				start = finish[depID]
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
		finish[id] = start + tasks[g.index[id]].DurationMs()
		return nil
	}

	var longest float64
	for _, id := range g.ids {
		if err := visit(id); err != nil {
			return 0, err
		}
		if finish[id] > longest {
			longest = finish[id]
		}
	}
	return longest, nil
}

// EstimateDuration returns the task's own duration when set, otherwise a
// default estimate that grows by 10% per priority point (never below 0).
func EstimateDuration(t Task) float64 {
	if t.Duration != nil {
		return *t.Duration
	}
	est := defaultEstimateMs * (1 + float64(t.PriorityValue())/10)
	if est < 0 {
		return 0
	}
	return est
}

// FillEstimates sets Duration on every task that has none, in place.
// It returns the ids of the tasks it filled.
func FillEstimates(tasks []Task) []string {
	var filled []string
	for i := range tasks {
		if tasks[i].Duration != nil {
			continue
		}
		tasks[i].Duration = Float(EstimateDuration(tasks[i]))
		filled = append(filled, tasks[i].ID)
	}
	return filled
}
