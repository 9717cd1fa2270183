package cmd

import (
	"fmt"

	"github.com/gobwas/glob"
	"github.com/spf13/cobra"

	"github.com/qsched/qsched/internal/config"
	"github.com/qsched/qsched/internal/errors"
	"github.com/qsched/qsched/internal/event"
	"github.com/qsched/qsched/internal/logging"
	"github.com/qsched/qsched/internal/taskqueue"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage the persistent task queue",
	Long: `Manage the task queue kept in the state directory.

Every subcommand loads the queue, applies one operation and saves it back
while holding a lock on the state directory, so concurrent invocations are
serialized.

Examples:
  qsched task add --type simulation --priority 5 --data '{"qubits": 16}'
  qsched task next
  qsched task complete task-1234 --result '{"fidelity": 0.98}'
  qsched task list --status queued --match 'task-*'`,
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Queue a new task",
	Args:  cobra.NoArgs,
	RunE:  runTaskAdd,
}

var taskNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Start the highest-priority queued task",
	Long: `Start the highest-priority queued task and print it. Nothing is started
while another task is still processing.`,
	Args: cobra.NoArgs,
	RunE: runTaskNext,
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete <id>",
	Short: "Mark a task as completed",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskComplete,
}

var taskFailCmd = &cobra.Command{
	Use:   "fail <id>",
	Short: "Mark a task as failed, abandoning it if it never started",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskFail,
}

var taskGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskGet,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks by priority",
	Args:  cobra.NoArgs,
	RunE:  runTaskList,
}

var taskStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue counts",
	Args:  cobra.NoArgs,
	RunE:  runTaskStatus,
}

var taskPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove completed and failed tasks",
	Args:  cobra.NoArgs,
	RunE:  runTaskPrune,
}

var taskClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every task",
	Args:  cobra.NoArgs,
	RunE:  runTaskClear,
}

var (
	taskFormat   string
	taskType     string
	taskPriority float64
	taskData     string
	taskID       string
	taskResult   string
	taskError    string
	taskStatus   string
	taskMatch    string
)

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskAddCmd, taskNextCmd, taskCompleteCmd, taskFailCmd,
		taskGetCmd, taskListCmd, taskStatusCmd, taskPruneCmd, taskClearCmd)

	taskCmd.PersistentFlags().StringVarP(&taskFormat, "format", "o", formatAuto, "Output format (auto, table, json)")

	taskAddCmd.Flags().StringVarP(&taskType, "type", "t", "", "Task type (optimization, simulation, analysis, distribution, encryption)")
	taskAddCmd.Flags().Float64VarP(&taskPriority, "priority", "p", 0, "Priority; higher runs first")
	taskAddCmd.Flags().StringVarP(&taskData, "data", "d", "", "JSON input data")
	taskAddCmd.Flags().StringVar(&taskID, "id", "", "Task id (default: generated)")
	_ = taskAddCmd.MarkFlagRequired("type")

	taskCompleteCmd.Flags().StringVarP(&taskResult, "result", "r", "", "JSON result data")

	taskFailCmd.Flags().StringVarP(&taskError, "error", "e", "", "Failure message")
	_ = taskFailCmd.MarkFlagRequired("error")

	taskListCmd.Flags().StringVarP(&taskStatus, "status", "s", "", "Only tasks with this status")
	taskListCmd.Flags().StringVarP(&taskMatch, "match", "m", "", "Only task ids matching this glob")
}

// queueEnv is the configuration and logger shared by task subcommands.
type queueEnv struct {
	cfg    *config.Config
	logger *logging.Logger
}

func openQueueEnv() (*queueEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	return &queueEnv{cfg: cfg, logger: logger.WithComponent("cli")}, nil
}

func (e *queueEnv) close() {
	_ = e.logger.Close()
}

// update runs fn against the saved queue and writes it back. Queue events
// are logged as they happen.
func (e *queueEnv) update(fn func(eq *taskqueue.EventQueue) error) error {
	bus := event.NewBus(e.logger)
	bus.SubscribeAll(func(ev event.Event) {
		if te, ok := ev.(event.TaskEvent); ok {
			e.logger.WithTask(te.SubjectTaskID()).Info("task event", "type", ev.EventType())
			return
		}
		e.logger.Debug("queue event", "type", ev.EventType())
	})
	return taskqueue.UpdateState(e.cfg.Queue.ResolveStateDir(), func(m *taskqueue.Manager) error {
		return fn(taskqueue.NewEventQueue(m, bus))
	})
}

// load returns the saved queue for reading.
func (e *queueEnv) load() (*taskqueue.Manager, error) {
	return taskqueue.LoadState(e.cfg.Queue.ResolveStateDir())
}

// parsePayload accepts an empty string as no payload.
func parsePayload(flag, raw string) (taskqueue.Payload, error) {
	if raw == "" {
		return nil, nil
	}
	var p taskqueue.Payload
	if err := p.UnmarshalJSON([]byte(raw)); err != nil {
		return nil, errors.NewValidationError("invalid JSON").WithField(flag).WithCause(err)
	}
	return p, nil
}

// transitionError explains why a complete or fail was rejected.
func transitionError(eq *taskqueue.EventQueue, id, action string) error {
	task := eq.GetTask(id)
	if task == nil {
		return errors.NewNotFoundError("task", id)
	}
	return fmt.Errorf("%w: cannot %s task %q in status %s", errors.ErrInvalidTransition, action, id, task.Status)
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	typ, err := taskqueue.ParseTaskType(taskType)
	if err != nil {
		return err
	}
	data, err := parsePayload("data", taskData)
	if err != nil {
		return err
	}

	env, err := openQueueEnv()
	if err != nil {
		return err
	}
	defer env.close()

	id := taskID
	err = env.update(func(eq *taskqueue.EventQueue) error {
		if id == "" {
			var addErr error
			id, addErr = eq.AddTask(typ, taskPriority, data)
			return addErr
		}
		return eq.AddTaskWithID(id, typ, taskPriority, data)
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func runTaskNext(cmd *cobra.Command, args []string) error {
	env, err := openQueueEnv()
	if err != nil {
		return err
	}
	defer env.close()

	var task *taskqueue.Task
	var active string
	err = env.update(func(eq *taskqueue.EventQueue) error {
		task = eq.GetNextTask()
		active = eq.Status().ActiveTask
		return nil
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if task == nil {
		asTable, err := useTable(out, taskFormat)
		if err != nil {
			return err
		}
		if !asTable {
			return writeJSON(out, nil)
		}
		if active != "" {
			fmt.Fprintln(out, mutedStyle.Render("Task "+active+" is still processing."))
		} else {
			fmt.Fprintln(out, mutedStyle.Render("No queued tasks."))
		}
		return nil
	}
	return renderTask(out, task, taskFormat)
}

func runTaskComplete(cmd *cobra.Command, args []string) error {
	result, err := parsePayload("result", taskResult)
	if err != nil {
		return err
	}

	env, err := openQueueEnv()
	if err != nil {
		return err
	}
	defer env.close()

	id := args[0]
	var task *taskqueue.Task
	err = env.update(func(eq *taskqueue.EventQueue) error {
		if !eq.CompleteTask(id, result) {
			return transitionError(eq, id, "complete")
		}
		task = eq.GetTask(id)
		return nil
	})
	if err != nil {
		return err
	}
	return renderTask(cmd.OutOrStdout(), task, taskFormat)
}

func runTaskFail(cmd *cobra.Command, args []string) error {
	env, err := openQueueEnv()
	if err != nil {
		return err
	}
	defer env.close()

	id := args[0]
	var task *taskqueue.Task
	err = env.update(func(eq *taskqueue.EventQueue) error {
		if !eq.FailTask(id, taskError) {
			return transitionError(eq, id, "fail")
		}
		task = eq.GetTask(id)
		return nil
	})
	if err != nil {
		return err
	}
	return renderTask(cmd.OutOrStdout(), task, taskFormat)
}

func runTaskGet(cmd *cobra.Command, args []string) error {
	env, err := openQueueEnv()
	if err != nil {
		return err
	}
	defer env.close()

	m, err := env.load()
	if err != nil {
		return err
	}
	task := m.GetTask(args[0])
	if task == nil {
		return errors.NewNotFoundError("task", args[0])
	}
	return renderTask(cmd.OutOrStdout(), task, taskFormat)
}

func runTaskList(cmd *cobra.Command, args []string) error {
	var matcher glob.Glob
	if taskMatch != "" {
		g, err := glob.Compile(taskMatch)
		if err != nil {
			return errors.NewValidationError("invalid match pattern").WithField("match").WithValue(taskMatch).WithCause(err)
		}
		matcher = g
	}

	env, err := openQueueEnv()
	if err != nil {
		return err
	}
	defer env.close()

	m, err := env.load()
	if err != nil {
		return err
	}

	var tasks []*taskqueue.Task
	if taskStatus != "" {
		st := taskqueue.TaskStatus(taskStatus)
		if !st.Valid() {
			return errors.NewValidationError("unknown status").WithField("status").WithValue(taskStatus)
		}
		tasks = m.TasksByStatus(st)
	} else {
		tasks = m.GetAllTasksSorted()
	}

	if matcher != nil {
		filtered := tasks[:0]
		for _, t := range tasks {
			if matcher.Match(t.ID) {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	return renderTasks(cmd.OutOrStdout(), tasks, taskFormat)
}

func runTaskStatus(cmd *cobra.Command, args []string) error {
	env, err := openQueueEnv()
	if err != nil {
		return err
	}
	defer env.close()

	m, err := env.load()
	if err != nil {
		return err
	}
	return renderStatus(cmd.OutOrStdout(), m.Status(), taskFormat)
}

func runTaskPrune(cmd *cobra.Command, args []string) error {
	return clearQueue(cmd, true)
}

func runTaskClear(cmd *cobra.Command, args []string) error {
	return clearQueue(cmd, false)
}

func clearQueue(cmd *cobra.Command, terminalOnly bool) error {
	env, err := openQueueEnv()
	if err != nil {
		return err
	}
	defer env.close()

	var removed int
	err = env.update(func(eq *taskqueue.EventQueue) error {
		if terminalOnly {
			removed = eq.ClearCompleted()
		} else {
			removed = eq.ClearTasks()
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d task(s)\n", removed)
	return nil
}
