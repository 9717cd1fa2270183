// Package workflow plans the execution of a task dependency graph.
//
// A workflow is a list of tasks, each with an optional duration estimate,
// priority, and list of task ids it depends on. The Optimizer orders the
// tasks so that every dependency precedes its dependents, preferring
// higher-priority tasks whenever several are ready. It then shortens (or
// lengthens) quantum-flagged tasks by a configurable speedup factor and
// reports sequential and critical-path execution times for the result.
//
// Planning is pure: inputs are deep-copied and never modified.
package workflow
