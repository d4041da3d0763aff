package main

import (
	"fmt"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fentz26/lockwarden/internal/models"
	"github.com/fentz26/lockwarden/internal/tasks"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task with the resources it touches",
	RunE:  runTaskSubmit,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskAssignCmd = &cobra.Command{
	Use:   "assign [task-id] [agent-id...]",
	Short: "Assign a task to one or more agents",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runTaskAssign,
}

var taskStartCmd = &cobra.Command{
	Use:   "start [task-id]",
	Short: "Start an assigned task, acquiring its resources",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskStart,
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete [task-id]",
	Short: "Finish a task and release its locks",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskComplete,
}

var taskProgressCmd = &cobra.Command{
	Use:   "progress [task-id] [percent]",
	Short: "Report task progress",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskProgress,
}

var taskDispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Start every assigned task whose dependencies are met",
	RunE:  runTaskDispatch,
}

var (
	taskID        string
	taskType      string
	taskDesc      string
	taskResources string
	taskDeps      string
	taskCaps      string
	taskLevel     string
	taskPriority  int
	taskStrategy  string
	taskEstimate  time.Duration
	taskStatus    string
	taskAgent     string
	taskFailed    bool
	taskMessage   string
	dispatchLimit int
)

func init() {
	taskCmd.AddCommand(taskSubmitCmd, taskListCmd, taskShowCmd, taskAssignCmd,
		taskStartCmd, taskCompleteCmd, taskProgressCmd, taskDispatchCmd)

	taskSubmitCmd.Flags().StringVar(&taskID, "id", "", "Task ID (generated when empty)")
	taskSubmitCmd.Flags().StringVar(&taskType, "type", "", "Task type (required)")
	taskSubmitCmd.Flags().StringVar(&taskDesc, "desc", "", "Task description")
	taskSubmitCmd.Flags().StringVar(&taskResources, "resources", "", "Comma-separated resources the task touches")
	taskSubmitCmd.Flags().StringVar(&taskDeps, "deps", "", "Comma-separated task IDs that must complete first")
	taskSubmitCmd.Flags().StringVar(&taskCaps, "caps", "", "Required capabilities (inferred when empty)")
	taskSubmitCmd.Flags().StringVar(&taskLevel, "level", "", "Lock level for the task's resources")
	taskSubmitCmd.Flags().IntVar(&taskPriority, "priority", 0, "Priority of the task's lock requests")
	taskSubmitCmd.Flags().StringVar(&taskStrategy, "strategy", "", "Conflict strategy for the task's locks")
	taskSubmitCmd.Flags().DurationVar(&taskEstimate, "estimate", 0, "Estimated duration")
	taskSubmitCmd.MarkFlagRequired("type")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status")
	taskListCmd.Flags().StringVar(&taskAgent, "agent", "", "Filter by assigned agent")

	taskCompleteCmd.Flags().BoolVar(&taskFailed, "failed", false, "Mark the task failed")
	taskCompleteCmd.Flags().StringVar(&taskMessage, "message", "", "Outcome message")

	taskDispatchCmd.Flags().IntVar(&dispatchLimit, "limit", 0, "Maximum tasks to start (0 = all)")
}

func runTaskSubmit(cmd *cobra.Command, args []string) error {
	var t models.Task
	err := apiPost("/tasks", map[string]any{
		"task_id":                taskID,
		"task_type":              taskType,
		"description":            taskDesc,
		"resources":              splitList(taskResources),
		"dependencies":           splitList(taskDeps),
		"required_capabilities":  splitList(taskCaps),
		"lock_level":             taskLevel,
		"priority":               taskPriority,
		"conflict_strategy":      taskStrategy,
		"estimated_duration_sec": int(taskEstimate.Seconds()),
	}, &t)
	if err != nil {
		return err
	}
	return render(t, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Created task %s\n", t.ID)
		if len(t.RequiredCapabilities) > 0 {
			fmt.Fprintf(w, "Requires: %s\n", strings.Join(t.RequiredCapabilities, ", "))
		}
	})
}

func runTaskList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if taskStatus != "" {
		q.Set("status", taskStatus)
	}
	if taskAgent != "" {
		q.Set("agent", taskAgent)
	}
	path := "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var list []models.Task
	if err := apiGet(path, &list); err != nil {
		return err
	}
	return render(list, func(w *tabwriter.Writer) {
		if len(list) == 0 {
			fmt.Fprintln(w, "No tasks")
			return
		}
		fmt.Fprintln(w, "ID\tSTATUS\tTYPE\tAGENTS\tPROGRESS\tRESOURCES")
		for _, t := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d%%\t%d\n",
				truncateID(t.ID), t.Status, t.TaskType, orDash(strings.Join(t.AssignedTo, ",")), t.Progress, len(t.Resources))
		}
	})
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	var t models.Task
	if err := apiGet("/tasks/"+args[0], &t); err != nil {
		return err
	}
	return render(t, func(w *tabwriter.Writer) {
		printTask(w, t)
	})
}

func printTask(w *tabwriter.Writer, t models.Task) {
	fmt.Fprintf(w, "Task:\t%s\n", t.ID)
	fmt.Fprintf(w, "Type:\t%s\n", t.TaskType)
	fmt.Fprintf(w, "Status:\t%s\n", t.Status)
	fmt.Fprintf(w, "Progress:\t%d%%\n", t.Progress)
	fmt.Fprintf(w, "Assigned:\t%s\n", orDash(strings.Join(t.AssignedTo, ", ")))
	fmt.Fprintf(w, "Depends on:\t%s\n", orDash(strings.Join(t.Dependencies, ", ")))
	fmt.Fprintf(w, "Requires:\t%s\n", orDash(strings.Join(t.RequiredCapabilities, ", ")))
	fmt.Fprintf(w, "Lock level:\t%s\n", t.LockLevel)
	fmt.Fprintf(w, "Created:\t%s\n", t.CreatedAt.Local().Format(time.DateTime))
	if t.ActualDuration > 0 {
		fmt.Fprintf(w, "Took:\t%s\n", t.ActualDuration.Truncate(time.Second))
	}
	if t.Outcome != "" {
		fmt.Fprintf(w, "Outcome:\t%s\n", t.Outcome)
	}
	if t.Description != "" {
		fmt.Fprintf(w, "\n%s\n", t.Description)
	}
	if len(t.Resources) > 0 {
		fmt.Fprintln(w, "\nResources:")
		for _, r := range t.Resources {
			fmt.Fprintf(w, "  %s\n", r)
		}
	}
}

func runTaskAssign(cmd *cobra.Command, args []string) error {
	var t models.Task
	if err := apiPost("/tasks/"+args[0]+"/assign", map[string]any{"agent_ids": args[1:]}, &t); err != nil {
		return err
	}
	return render(t, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Task %s assigned to %s\n", t.ID, strings.Join(t.AssignedTo, ", "))
	})
}

func runTaskStart(cmd *cobra.Command, args []string) error {
	var res tasks.StartResult
	if err := apiPost("/tasks/"+args[0]+"/start", nil, &res); err != nil {
		return err
	}
	return render(res, func(w *tabwriter.Writer) {
		printStart(w, res)
	})
}

func printStart(w *tabwriter.Writer, res tasks.StartResult) {
	fmt.Fprintf(w, "Task %s: %s\n", res.Task.ID, res.Status)
	for _, d := range res.Dependencies {
		fmt.Fprintf(w, "  pending dependency\t%s\n", d)
	}
	for _, r := range res.Waiting {
		fmt.Fprintf(w, "  waiting\t%s\n", r)
	}
	for _, r := range res.Denied {
		fmt.Fprintf(w, "  denied\t%s\n", r)
	}
	for _, l := range res.Locks {
		fmt.Fprintf(w, "  %s\t%s\t%s\n", indicator(l.Indicator()), l.ResourceID, truncateID(l.ID))
	}
}

func runTaskComplete(cmd *cobra.Command, args []string) error {
	status := models.TaskStatusCompleted
	if taskFailed {
		status = models.TaskStatusFailed
	}
	var t models.Task
	err := apiPost("/tasks/"+args[0]+"/complete", tasks.Outcome{Status: status, Message: taskMessage}, &t)
	if err != nil {
		return err
	}
	return render(t, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Task %s %s\n", t.ID, t.Status)
	})
}

func runTaskProgress(cmd *cobra.Command, args []string) error {
	var pct int
	if _, err := fmt.Sscanf(args[1], "%d", &pct); err != nil {
		return fmt.Errorf("invalid percent %q", args[1])
	}
	var t models.Task
	if err := apiPost("/tasks/"+args[0]+"/progress", map[string]int{"progress": pct}, &t); err != nil {
		return err
	}
	return render(t, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Task %s at %d%%\n", t.ID, t.Progress)
	})
}

func runTaskDispatch(cmd *cobra.Command, args []string) error {
	var started []tasks.StartResult
	if err := apiPost(fmt.Sprintf("/dispatch?limit=%d", dispatchLimit), nil, &started); err != nil {
		return err
	}
	return render(started, func(w *tabwriter.Writer) {
		if len(started) == 0 {
			fmt.Fprintln(w, "Nothing to dispatch")
			return
		}
		for _, res := range started {
			printStart(w, res)
		}
	})
}
