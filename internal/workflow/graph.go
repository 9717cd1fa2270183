package workflow

import (
	"container/heap"
	"fmt"

	"github.com/qsched/qsched/internal/errors"
)

// Graph is the dependency graph of a task list. Only edges between tasks
// present in the list are kept; dangling ids are recorded separately.
type Graph struct {
	ids        []string
	index      map[string]int
	deps       map[string][]string
	dependents map[string][]string
	dangling   map[string][]string
}

// BuildGraph builds forward and reverse adjacency from each task's
// DependsOn list. Duplicate task ids are an error. A DependsOn entry naming
// an unknown task is ignored unless strict is set, in which case the first
// one found is returned as a *errors.DanglingDependencyError.
func BuildGraph(tasks []Task, strict bool) (*Graph, error) {
	g := &Graph{
		ids:        make([]string, 0, len(tasks)),
		index:      make(map[string]int, len(tasks)),
		deps:       make(map[string][]string, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
		dangling:   make(map[string][]string),
	}

	for i, t := range tasks {
		if _, dup := g.index[t.ID]; dup {
			return nil, fmt.Errorf("%w: %q", errors.ErrDuplicateTask, t.ID)
		}
		g.index[t.ID] = i
		g.ids = append(g.ids, t.ID)
	}

	for _, t := range tasks {
		seen := make(map[string]bool, len(t.DependsOn))
		for _, depID := range t.DependsOn {
			if seen[depID] {
				continue
			}
			seen[depID] = true

			if _, ok := g.index[depID]; !ok {
				if strict {
					return nil, errors.NewDanglingDependencyError(t.ID, depID)
				}
				g.dangling[t.ID] = append(g.dangling[t.ID], depID)
				continue
			}
			g.deps[t.ID] = append(g.deps[t.ID], depID)
			g.dependents[depID] = append(g.dependents[depID], t.ID)
		}
	}

	return g, nil
}

// Deps returns the existing dependencies of id, in DependsOn order.
func (g *Graph) Deps(id string) []string {
	return g.deps[id]
}

// Dependents returns the tasks that depend on id.
func (g *Graph) Dependents(id string) []string {
	return g.dependents[id]
}

// Roots returns the ids of tasks with no existing dependencies, in input order.
func (g *Graph) Roots() []string {
	var roots []string
	for _, id := range g.ids {
		if len(g.deps[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Dangling returns, per task, the dependency ids that were ignored because
// no such task exists.
func (g *Graph) Dangling() map[string][]string {
	return g.dangling
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	return len(g.ids)
}

// OrderTasks returns the tasks in a dependency-respecting order that picks,
// among the tasks whose dependencies have all been emitted, the one with
// the highest priority (ties keep input order). Every task appears exactly
// once. Tasks that can never become ready are reported as a
// *errors.CycleError.
func OrderTasks(tasks []Task, strict bool) ([]Task, error) {
	g, err := BuildGraph(tasks, strict)
	if err != nil {
		return nil, err
	}
	return g.order(tasks)
}

func (g *Graph) order(tasks []Task) ([]Task, error) {
	inDegree := make(map[string]int, len(g.ids))
	ready := make(readyHeap, 0, len(g.ids))
	for i, id := range g.ids {
		inDegree[id] = len(g.deps[id])
		if inDegree[id] == 0 {
			ready = append(ready, readyItem{index: i, priority: tasks[i].PriorityValue()})
		}
	}
	heap.Init(&ready)

	result := make([]Task, 0, len(tasks))
	for ready.Len() > 0 {
		item := heap.Pop(&ready).(readyItem)
		task := tasks[item.index]
		result = append(result, task)

		for _, depID := range g.dependents[task.ID] {
			inDegree[depID]--
			if inDegree[depID] == 0 {
				idx := g.index[depID]
				heap.Push(&ready, readyItem{index: idx, priority: tasks[idx].PriorityValue()})
			}
		}
	}

	if len(result) < len(tasks) {
		var stuck []string
		for _, id := range g.ids {
			if inDegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, errors.NewCycleError(stuck)
	}
	return result, nil
}

// readyItem is a task whose dependencies have all been emitted.
type readyItem struct {
	index    int
	priority int
}

// readyHeap is a max-heap on priority with input order as tie-break.
type readyHeap []readyItem

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].index < h[j].index
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(readyItem)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
